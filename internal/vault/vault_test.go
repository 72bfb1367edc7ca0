package vault

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/observability/alerting"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/internal/swap"
)

var (
	admin    = common.HexToAddress("0xad00000000000000000000000000000000000001")
	user     = common.HexToAddress("0x1e00000000000000000000000000000000000002")
	stranger = common.HexToAddress("0x5700000000000000000000000000000000000003")
	vaultAt  = common.HexToAddress("0xfa00000000000000000000000000000000000004")
	treasury = common.HexToAddress("0x7e00000000000000000000000000000000000005")
	yieldAt  = common.HexToAddress("0x1d00000000000000000000000000000000000006")
	tradeAt  = common.HexToAddress("0x7d00000000000000000000000000000000000007")
	poolAt   = common.HexToAddress("0x9000000000000000000000000000000000000008")
)

func usdc(v string) *big.Int { return chain.MustParseUnits(v, chain.Stable.Decimals()) }
func eth(v string) *big.Int  { return chain.MustParseUnits(v, chain.Native.Decimals()) }

type recordingAlerts struct {
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.events = append(r.events, event)
	return nil
}

type fixture struct {
	ctx    context.Context
	rt     *chain.Runtime
	vault  *Vault
	pool   *swap.PoolAdapter
	alerts *recordingAlerts
}

type setup struct {
	feeBps     uint32
	reserveBps uint32
	poolNative *big.Int
	adapter    func(*swap.PoolAdapter) swap.Adapter
}

func newFixture(t *testing.T, s setup) *fixture {
	t.Helper()
	rt := chain.NewRuntime(chain.WithClock(chain.NewManualClock(time.Unix(1_700_000_000, 0))))
	rt.Genesis(chain.Native, user, eth("10"))
	rt.Genesis(chain.Stable, poolAt, usdc("1000000"))
	rt.Genesis(chain.Native, poolAt, s.poolNative)

	pool := swap.NewPoolAdapter(poolAt, swap.NewStaticPrice(usdc("2000")))
	var adapter swap.Adapter = pool
	if s.adapter != nil {
		adapter = s.adapter(pool)
	}
	alerts := &recordingAlerts{}
	v, err := New(rt, adapter, Config{
		Address:        vaultAt,
		Owner:          admin,
		Treasury:       treasury,
		YieldVault:     yieldAt,
		TradingVault:   tradeAt,
		PlatformFeeBps: s.feeBps,
		GasReserveBps:  s.reserveBps,
		MinDelegation:  usdc("10"),
	}, WithAlerts(alerts))
	require.NoError(t, err)
	return &fixture{ctx: context.Background(), rt: rt, vault: v, pool: pool, alerts: alerts}
}

func (f *fixture) deposit(t *testing.T, agent registry.AgentType, value *big.Int, target, minOut string) *Delegation {
	t.Helper()
	d, err := f.vault.DepositAndDelegate(f.ctx, chain.Message{From: user, Value: value}, agent, usdc(target), usdc(minOut))
	require.NoError(t, err)
	return d
}

func TestDepositAndDelegateKeepsGasReserve(t *testing.T) {
	f := newFixture(t, setup{reserveBps: 500, poolNative: eth("100")})

	d := f.deposit(t, registry.Sakura, eth("1"), "1900", "1800")
	assert.Equal(t, usdc("1900"), d.StableOut)
	assert.Equal(t, usdc("1900"), d.Credited)
	assert.Equal(t, eth("0.05"), d.GasReserve)
	assert.Equal(t, yieldAt, d.SubVault)

	assert.Equal(t, usdc("1900"), f.vault.GetUserBalance(f.ctx, user, registry.Sakura))
	assert.Equal(t, usdc("1900"), f.vault.TotalDelegated(f.ctx, registry.Sakura))
	assert.Equal(t, usdc("1900"), f.rt.BalanceOf(f.ctx, chain.Stable, yieldAt))
	assert.Equal(t, eth("9.05"), f.rt.BalanceOf(f.ctx, chain.Native, user))
	assert.Equal(t, 0, f.rt.BalanceOf(f.ctx, chain.Native, vaultAt).Sign())
}

func TestDelegateOneNativeUnitWithReserveAndFee(t *testing.T) {
	f := newFixture(t, setup{feeBps: 50, reserveBps: 250, poolNative: eth("100")})
	newcomer := common.HexToAddress("0x1e03")
	f.rt.Genesis(chain.Native, newcomer, eth("1"))

	d, err := f.vault.DepositAndDelegate(f.ctx, chain.Message{From: newcomer, Value: eth("1")}, registry.Yuki, usdc("2000"), usdc("1900"))
	require.NoError(t, err)

	floor := new(big.Int).Sub(usdc("1900"), d.Fee)
	assert.True(t, d.Credited.Cmp(floor) >= 0, "credited %s below %s", d.Credited, floor)
	assert.Equal(t, usdc("1950"), d.StableOut)
	assert.Equal(t, usdc("9.75"), d.Fee)
	assert.Equal(t, usdc("1940.25"), f.vault.GetUserBalance(f.ctx, newcomer, registry.Yuki))
	assert.Equal(t, usdc("9.75"), f.rt.BalanceOf(f.ctx, chain.Stable, treasury))
	assert.Equal(t, usdc("1940.25"), f.rt.BalanceOf(f.ctx, chain.Stable, tradeAt))

	remaining := f.rt.BalanceOf(f.ctx, chain.Native, newcomer)
	assert.Equal(t, 1, remaining.Sign())
	assert.Equal(t, eth("0.025"), remaining)
}

func TestDepositRoutesTradingAgentsAndChargesFee(t *testing.T) {
	f := newFixture(t, setup{feeBps: 50, poolNative: eth("100")})

	d := f.deposit(t, registry.Yuki, eth("1"), "2000", "1990")
	assert.Equal(t, usdc("10"), d.Fee)
	assert.Equal(t, usdc("1990"), d.Credited)
	assert.Equal(t, usdc("10"), f.rt.BalanceOf(f.ctx, chain.Stable, treasury))
	assert.Equal(t, usdc("1990"), f.rt.BalanceOf(f.ctx, chain.Stable, tradeAt))

	f.deposit(t, registry.Ryu, eth("0.5"), "1000", "900")
	assert.Equal(t, usdc("2985"), f.rt.BalanceOf(f.ctx, chain.Stable, tradeAt))
	assert.Equal(t, usdc("995"), f.vault.GetUserBalance(f.ctx, user, registry.Ryu))
}

func TestDepositPreconditions(t *testing.T) {
	f := newFixture(t, setup{feeBps: 100, poolNative: eth("100")})
	msg := chain.Message{From: user, Value: eth("1")}

	_, err := f.vault.DepositAndDelegate(f.ctx, chain.Message{From: user}, registry.Yuki, usdc("100"), usdc("1"))
	assert.Equal(t, xerrors.CodeZeroPayment, xerrors.CodeOf(err))

	_, err = f.vault.DepositAndDelegate(f.ctx, msg, registry.Yuki, usdc("10"), usdc("1"))
	assert.Equal(t, xerrors.CodeDelegationTooLow, xerrors.CodeOf(err))

	_, err = f.vault.DepositAndDelegate(f.ctx, msg, registry.Yuki, usdc("100"), usdc("101"))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = f.vault.DepositAndDelegate(f.ctx, msg, registry.Yuki, usdc("2100"), usdc("2001"))
	assert.Equal(t, xerrors.CodeSlippageExceeded, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.ClassPayment, xerrors.ClassOf(err))

	assert.Equal(t, eth("10"), f.rt.BalanceOf(f.ctx, chain.Native, user))
	assert.Equal(t, 0, f.vault.GetUserBalance(f.ctx, user, registry.Yuki).Sign())
	assert.Empty(t, f.alerts.events)
}

func TestPauseBlocksDepositsButNotWithdrawals(t *testing.T) {
	f := newFixture(t, setup{poolNative: eth("100")})
	f.deposit(t, registry.Yuki, eth("1"), "2000", "2000")

	require.NoError(t, f.vault.Pause(f.ctx, chain.Message{From: admin}))
	_, err := f.vault.DepositAndDelegate(f.ctx, chain.Message{From: user, Value: eth("1")}, registry.Yuki, usdc("2000"), usdc("0"))
	assert.Equal(t, xerrors.ClassPaused, xerrors.ClassOf(err))

	w, err := f.vault.WithdrawAll(f.ctx, chain.Message{From: user}, registry.Yuki)
	require.NoError(t, err)
	assert.Equal(t, usdc("2000"), w.Debited)

	require.NoError(t, f.vault.Unpause(f.ctx, chain.Message{From: admin}))
	f.deposit(t, registry.Yuki, eth("1"), "2000", "2000")
}

func TestWithdrawHalfThenAll(t *testing.T) {
	f := newFixture(t, setup{poolNative: eth("100")})
	f.deposit(t, registry.Sakura, eth("1"), "2000", "2000")
	assert.Equal(t, eth("9"), f.rt.BalanceOf(f.ctx, chain.Native, user))

	w, err := f.vault.Withdraw(f.ctx, chain.Message{From: user}, registry.Sakura, usdc("1000"))
	require.NoError(t, err)
	assert.False(t, w.Fallback)
	assert.Equal(t, eth("0.5"), w.NativeOut)
	assert.Equal(t, usdc("1000"), w.Remaining)
	assert.Equal(t, usdc("1000"), f.vault.GetUserBalance(f.ctx, user, registry.Sakura))
	assert.Equal(t, eth("9.5"), f.rt.BalanceOf(f.ctx, chain.Native, user))

	_, err = f.vault.Withdraw(f.ctx, chain.Message{From: user}, registry.Sakura, usdc("1000.000001"))
	assert.Equal(t, xerrors.CodeInsufficientBalance, xerrors.CodeOf(err))

	_, err = f.vault.Withdraw(f.ctx, chain.Message{From: stranger}, registry.Sakura, usdc("1"))
	assert.Equal(t, xerrors.CodeInsufficientBalance, xerrors.CodeOf(err))

	_, err = f.vault.WithdrawAll(f.ctx, chain.Message{From: user}, registry.Sakura)
	require.NoError(t, err)
	assert.Equal(t, 0, f.vault.GetUserBalance(f.ctx, user, registry.Sakura).Sign())
	assert.Equal(t, 0, f.vault.TotalDelegated(f.ctx, registry.Sakura).Sign())
	assert.Equal(t, eth("10"), f.rt.BalanceOf(f.ctx, chain.Native, user))

	_, err = f.vault.WithdrawAll(f.ctx, chain.Message{From: user}, registry.Sakura)
	assert.Equal(t, xerrors.CodeInsufficientBalance, xerrors.CodeOf(err))
}

func TestWithdrawFallsBackToStableWhenSwapFails(t *testing.T) {
	f := newFixture(t, setup{poolNative: new(big.Int)})
	f.deposit(t, registry.Yuki, eth("1"), "2000", "2000")

	w, err := f.vault.Withdraw(f.ctx, chain.Message{From: user}, registry.Yuki, usdc("500"))
	require.NoError(t, err)
	assert.True(t, w.Fallback)
	assert.Equal(t, usdc("500"), w.StableOut)
	assert.Equal(t, usdc("500"), f.rt.BalanceOf(f.ctx, chain.Stable, user))
	assert.Equal(t, usdc("1500"), f.vault.GetUserBalance(f.ctx, user, registry.Yuki))
	assert.Equal(t, usdc("1500"), f.rt.BalanceOf(f.ctx, chain.Stable, tradeAt))
	assert.Equal(t, 0, f.rt.BalanceOf(f.ctx, chain.Stable, vaultAt).Sign())
}

type inflatedAdapter struct {
	*swap.PoolAdapter
	bonus *big.Int
}

func (a inflatedAdapter) SwapNativeForStable(ctx context.Context, tx *chain.Tx, recipient common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	out, err := a.PoolAdapter.SwapNativeForStable(ctx, tx, recipient, amountIn, minOut)
	if err != nil {
		return nil, err
	}
	return out.Add(out, a.bonus), nil
}

func TestSolvencyViolationRevertsAndAlerts(t *testing.T) {
	f := newFixture(t, setup{poolNative: eth("100"), adapter: func(p *swap.PoolAdapter) swap.Adapter {
		return inflatedAdapter{PoolAdapter: p, bonus: usdc("50")}
	}})

	_, err := f.vault.DepositAndDelegate(f.ctx, chain.Message{From: user, Value: eth("1")}, registry.Sakura, usdc("2000"), usdc("2000"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSolvencyViolation, xerrors.CodeOf(err))
	require.Len(t, f.alerts.events, 1)
	assert.Equal(t, xerrors.CodeSolvencyViolation, f.alerts.events[0].Code)
	assert.Equal(t, "depositAndDelegate", f.alerts.events[0].Method)

	assert.Equal(t, eth("10"), f.rt.BalanceOf(f.ctx, chain.Native, user))
	assert.Equal(t, 0, f.vault.TotalDelegated(f.ctx, registry.Sakura).Sign())
	assert.Equal(t, 0, f.rt.BalanceOf(f.ctx, chain.Stable, yieldAt).Sign())
}

func TestAdminSettersAreGuarded(t *testing.T) {
	f := newFixture(t, setup{poolNative: eth("100")})
	adminMsg := chain.Message{From: admin}

	err := f.vault.SetPlatformFee(f.ctx, chain.Message{From: stranger}, 10)
	assert.Equal(t, xerrors.ClassAccessControl, xerrors.ClassOf(err))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(f.vault.SetPlatformFee(f.ctx, adminMsg, 1001)))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(f.vault.SetGasReserve(f.ctx, adminMsg, 10_000)))

	require.NoError(t, f.vault.SetPlatformFee(f.ctx, adminMsg, 1000))
	require.NoError(t, f.vault.SetGasReserve(f.ctx, adminMsg, 9_999))
	require.NoError(t, f.vault.SetMinDelegationAmount(f.ctx, adminMsg, usdc("1")))
	newTreasury := common.HexToAddress("0x7e01")
	require.NoError(t, f.vault.SetTreasury(f.ctx, adminMsg, newTreasury))

	settings := f.vault.Settings(f.ctx)
	assert.Equal(t, uint32(1000), settings.PlatformFeeBps)
	assert.Equal(t, uint32(9_999), settings.GasReserveBps)
	assert.Equal(t, usdc("1"), settings.MinDelegation)
	assert.Equal(t, newTreasury, settings.Treasury)
}

func TestSetVaultAddressesMigratesCustody(t *testing.T) {
	f := newFixture(t, setup{poolNative: eth("100")})
	f.deposit(t, registry.Sakura, eth("1"), "2000", "2000")

	newYield := common.HexToAddress("0x1d01")
	require.NoError(t, f.vault.SetVaultAddresses(f.ctx, chain.Message{From: admin}, newYield, tradeAt))
	assert.Equal(t, usdc("2000"), f.rt.BalanceOf(f.ctx, chain.Stable, newYield))
	assert.Equal(t, 0, f.rt.BalanceOf(f.ctx, chain.Stable, yieldAt).Sign())

	err := f.vault.SetVaultAddresses(f.ctx, chain.Message{From: admin}, tradeAt, tradeAt)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = f.vault.WithdrawAll(f.ctx, chain.Message{From: user}, registry.Sakura)
	require.NoError(t, err)
}

type reentrantUser struct {
	vault *Vault
}

func (r *reentrantUser) OnReceive(ctx context.Context, asset chain.Asset, from common.Address, amount *big.Int) error {
	_, err := r.vault.WithdrawAll(ctx, chain.Message{From: user}, registry.Yuki)
	return err
}

func TestReentrantWithdrawDuringDepositIsRejected(t *testing.T) {
	f := newFixture(t, setup{reserveBps: 500, poolNative: eth("100")})
	f.rt.RegisterReceiver(user, &reentrantUser{vault: f.vault})

	_, err := f.vault.DepositAndDelegate(f.ctx, chain.Message{From: user, Value: eth("1")}, registry.Yuki, usdc("1900"), usdc("1900"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeReentrantCall, xerrors.CodeOf(err))
	assert.Equal(t, 0, f.vault.GetUserBalance(f.ctx, user, registry.Yuki).Sign())
	assert.Equal(t, eth("10"), f.rt.BalanceOf(f.ctx, chain.Native, user))
}
