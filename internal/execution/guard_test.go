package execution

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
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/internal/swap"
	"FlowACP-Chain/internal/vault"
)

var (
	admin    = common.HexToAddress("0xad00000000000000000000000000000000000001")
	user     = common.HexToAddress("0x1e00000000000000000000000000000000000002")
	operator = common.HexToAddress("0x0900000000000000000000000000000000000003")
	stranger = common.HexToAddress("0x5700000000000000000000000000000000000004")
	market   = common.HexToAddress("0x3a00000000000000000000000000000000000005")
	poolAt   = common.HexToAddress("0x9000000000000000000000000000000000000006")
	yieldAt  = common.HexToAddress("0x1d00000000000000000000000000000000000007")
	tradeAt  = common.HexToAddress("0x7d00000000000000000000000000000000000008")

	// 2023-11-15 00:00:00 UTC 之后一小时。
	start = time.Unix(19676*86400+3600, 0)
)

func usdc(v string) *big.Int { return chain.MustParseUnits(v, chain.Stable.Decimals()) }

type fixture struct {
	ctx   context.Context
	rt    *chain.Runtime
	clock *chain.ManualClock
	vault *vault.Vault
	guard *Guard
	op    chain.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := chain.NewManualClock(start)
	rt := chain.NewRuntime(chain.WithClock(clock))
	rt.Genesis(chain.Native, user, chain.MustParseUnits("10", 18))
	rt.Genesis(chain.Stable, poolAt, usdc("1000000"))
	rt.Genesis(chain.Native, poolAt, chain.MustParseUnits("100", 18))

	v, err := vault.New(rt, swap.NewPoolAdapter(poolAt, swap.NewStaticPrice(usdc("2000"))), vault.Config{
		Address:       common.HexToAddress("0xfa"),
		Owner:         admin,
		Treasury:      common.HexToAddress("0x7e"),
		YieldVault:    yieldAt,
		TradingVault:  tradeAt,
		MinDelegation: usdc("10"),
	})
	require.NoError(t, err)

	g, err := New(rt, v, Config{
		Address:   common.HexToAddress("0xe9"),
		Owner:     admin,
		Operators: []common.Address{operator},
		Limits: map[registry.AgentType]Limits{
			registry.Sakura: {Cooldown: time.Hour, MaxDaily: 3, MaxAmount: usdc("1000")},
			registry.Yuki:   {Cooldown: 10 * time.Minute, MaxDaily: 2, MaxAmount: usdc("500")},
		},
		MaxLeverage: 10,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, agent := range []registry.AgentType{registry.Sakura, registry.Yuki} {
		_, err := v.DepositAndDelegate(ctx, chain.Message{From: user, Value: chain.MustParseUnits("1", 18)}, agent, usdc("2000"), usdc("2000"))
		require.NoError(t, err)
	}
	return &fixture{ctx: ctx, rt: rt, clock: clock, vault: v, guard: g, op: chain.Message{From: operator}}
}

func (f *fixture) yieldParams() YieldParams {
	return YieldParams{Market: market, Maturity: start.Add(90 * 24 * time.Hour), PTAllocationBps: 7000}
}

func (f *fixture) spot(amount string) (*Record, error) {
	return f.guard.ExecuteSpotTrade(f.ctx, f.op, user, usdc(amount), SpotParams{Symbol: "btcusdt", Side: "BUY"})
}

func TestUnauthorizedCallerAlwaysRejected(t *testing.T) {
	f := newFixture(t)
	msg := chain.Message{From: stranger}

	_, err := f.guard.ExecuteYieldStrategy(f.ctx, msg, user, usdc("100"), f.yieldParams())
	assert.Equal(t, xerrors.ClassAccessControl, xerrors.ClassOf(err))

	_, err = f.guard.ExecuteSpotTrade(f.ctx, msg, user, usdc("1000000"), SpotParams{Side: "sideways"})
	assert.Equal(t, xerrors.CodeUnauthorizedOperator, xerrors.CodeOf(err))

	_, err = f.guard.ExecuteFuturesPosition(f.ctx, msg, user, usdc("100"), FuturesParams{Symbol: "ETHUSDT", Side: "long", Leverage: 50})
	assert.Equal(t, xerrors.CodeUnauthorizedOperator, xerrors.CodeOf(err))

	assert.Empty(t, f.guard.GetUserExecutionHistory(f.ctx, user, registry.Sakura))
	assert.False(t, f.guard.IsOperator(f.ctx, stranger))
	assert.True(t, f.guard.IsOperator(f.ctx, operator))

	// 暂停与紧急停止都不会改变未授权调用者得到的错误类别。
	adminMsg := chain.Message{From: admin}
	require.NoError(t, f.guard.Pause(f.ctx, adminMsg))
	require.NoError(t, f.guard.EmergencyStopAgent(f.ctx, adminMsg, registry.Yuki, true))

	_, err = f.guard.ExecuteSpotTrade(f.ctx, msg, user, usdc("100"), SpotParams{Symbol: "btcusdt", Side: "BUY"})
	assert.Equal(t, xerrors.ClassAccessControl, xerrors.ClassOf(err))
	assert.Equal(t, xerrors.CodeUnauthorizedOperator, xerrors.CodeOf(err))
	_, err = f.guard.ExecuteYieldStrategy(f.ctx, msg, user, usdc("100"), f.yieldParams())
	assert.Equal(t, xerrors.ClassAccessControl, xerrors.ClassOf(err))
	ok, err := f.guard.CanExecute(f.ctx, stranger, user, registry.Yuki, usdc("100"))
	assert.False(t, ok)
	assert.Equal(t, xerrors.ClassAccessControl, xerrors.ClassOf(err))

	// 授权操作员在暂停时得到的是暂停错误。
	_, err = f.spot("100")
	assert.Equal(t, xerrors.CodePaused, xerrors.CodeOf(err))
}

func TestNewRejectsIncompleteLimits(t *testing.T) {
	rt := chain.NewRuntime()
	v, err := vault.New(rt, swap.NewPoolAdapter(poolAt, swap.NewStaticPrice(usdc("2000"))), vault.Config{
		Address:      common.HexToAddress("0xfa"),
		Owner:        admin,
		Treasury:     admin,
		YieldVault:   yieldAt,
		TradingVault: tradeAt,
	})
	require.NoError(t, err)

	cases := map[string]Limits{
		"missing max amount": {Cooldown: time.Minute, MaxDaily: 3},
		"zero max amount":    {Cooldown: time.Minute, MaxDaily: 3, MaxAmount: big.NewInt(0)},
		"zero max daily":     {Cooldown: time.Minute, MaxAmount: usdc("100")},
	}
	for name, limits := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(rt, v, Config{
				Owner:  admin,
				Limits: map[registry.AgentType]Limits{registry.Yuki: limits},
			})
			assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
		})
	}
}

// assertSolvent 校验每个子金库的托管余额覆盖其名下所有智能体的账本总额。
func (f *fixture) assertSolvent(t *testing.T) {
	t.Helper()
	owed := map[common.Address]*big.Int{yieldAt: new(big.Int), tradeAt: new(big.Int)}
	for _, agent := range registry.Types() {
		sub := f.vault.SubVaultFor(agent).Address()
		owed[sub].Add(owed[sub], f.vault.TotalDelegated(f.ctx, agent))
	}
	for sub, total := range owed {
		custody := f.rt.BalanceOf(f.ctx, chain.Stable, sub)
		assert.True(t, total.Cmp(custody) <= 0, "sub-vault %s owes %s but holds %s", sub.Hex(), total, custody)
	}
}

func TestLedgerStaysSolventAcrossDepositExecuteWithdraw(t *testing.T) {
	f := newFixture(t)
	f.assertSolvent(t)

	_, err := f.guard.ExecuteYieldStrategy(f.ctx, f.op, user, usdc("500"), f.yieldParams())
	require.NoError(t, err)
	f.assertSolvent(t)

	_, err = f.spot("200")
	require.NoError(t, err)
	f.assertSolvent(t)

	f.clock.Advance(11 * time.Minute)
	_, err = f.guard.ExecuteFuturesPosition(f.ctx, f.op, user, usdc("300"), FuturesParams{Symbol: "ETHUSDT", Side: "long", Leverage: 5})
	require.NoError(t, err)
	f.assertSolvent(t)

	_, err = f.vault.Withdraw(f.ctx, chain.Message{From: user}, registry.Yuki, usdc("700"))
	require.NoError(t, err)
	f.assertSolvent(t)

	_, err = f.vault.DepositAndDelegate(f.ctx, chain.Message{From: user, Value: chain.MustParseUnits("0.5", 18)}, registry.Ryu, usdc("1000"), usdc("1000"))
	require.NoError(t, err)
	f.assertSolvent(t)

	_, err = f.vault.WithdrawAll(f.ctx, chain.Message{From: user}, registry.Sakura)
	require.NoError(t, err)
	f.assertSolvent(t)

	assert.Equal(t, usdc("1300"), f.vault.GetUserBalance(f.ctx, user, registry.Yuki))
	assert.Equal(t, usdc("2300"), f.rt.BalanceOf(f.ctx, chain.Stable, tradeAt))
	assert.Equal(t, 0, f.rt.BalanceOf(f.ctx, chain.Stable, yieldAt).Sign())
	assert.Len(t, f.guard.GetUserExecutionHistory(f.ctx, user, registry.Yuki), 2)
}

func TestCooldownBoundary(t *testing.T) {
	f := newFixture(t)

	rec, err := f.guard.ExecuteYieldStrategy(f.ctx, f.op, user, usdc("100"), f.yieldParams())
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, time.Hour, f.guard.TimeUntilNextExecution(f.ctx, user, registry.Sakura))

	f.clock.Advance(time.Hour - time.Second)
	_, err = f.guard.ExecuteYieldStrategy(f.ctx, f.op, user, usdc("100"), f.yieldParams())
	assert.Equal(t, xerrors.CodeCooldownNotElapsed, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.ClassLimitExceeded, xerrors.ClassOf(err))
	ok, reason := f.guard.CanExecute(f.ctx, operator, user, registry.Sakura, usdc("100"))
	assert.False(t, ok)
	assert.Equal(t, xerrors.CodeCooldownNotElapsed, xerrors.CodeOf(reason))

	f.clock.Advance(time.Second)
	ok, _ = f.guard.CanExecute(f.ctx, operator, user, registry.Sakura, usdc("100"))
	assert.True(t, ok)
	_, err = f.guard.ExecuteYieldStrategy(f.ctx, f.op, user, usdc("100"), f.yieldParams())
	require.NoError(t, err)
}

func TestDailyCapResetsNextDay(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		_, err := f.spot("100")
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
	}
	_, err := f.spot("100")
	assert.Equal(t, xerrors.CodeDailyLimitExceeded, xerrors.CodeOf(err))

	// 当前为当日 01:20，距次日零点 22:40。
	assert.Equal(t, 22*time.Hour+40*time.Minute, f.guard.TimeUntilNextExecution(f.ctx, user, registry.Yuki))

	f.clock.Advance(22*time.Hour + 40*time.Minute)
	rec, err := f.spot("100")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", rec.Params["symbol"])
	assert.Equal(t, "buy", rec.Params["side"])
	assert.Len(t, f.guard.GetUserExecutionHistory(f.ctx, user, registry.Yuki), 3)
}

func TestAmountChecks(t *testing.T) {
	f := newFixture(t)

	_, err := f.spot("500.000001")
	assert.Equal(t, xerrors.CodeAmountExceedsLimit, xerrors.CodeOf(err))
	_, err = f.spot("0")
	assert.Equal(t, xerrors.CodeAmountExceedsLimit, xerrors.CodeOf(err))

	_, err = f.vault.Withdraw(f.ctx, chain.Message{From: user}, registry.Yuki, usdc("1800"))
	require.NoError(t, err)
	_, err = f.spot("300")
	assert.Equal(t, xerrors.CodeInsufficientBalance, xerrors.CodeOf(err))

	_, err = f.guard.ExecuteFuturesPosition(f.ctx, f.op, user, usdc("100"), FuturesParams{Symbol: "ETHUSDT", Side: "long", Leverage: 11})
	assert.Equal(t, xerrors.ClassLimitExceeded, xerrors.ClassOf(err))
	rec, err := f.guard.ExecuteFuturesPosition(f.ctx, f.op, user, usdc("100"), FuturesParams{Symbol: "ETHUSDT", Side: "short", Leverage: 10})
	require.NoError(t, err)
	assert.Equal(t, "futures", rec.Action)
}

func TestEmergencyStopIsPerAgent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.guard.EmergencyStopAgent(f.ctx, chain.Message{From: admin}, registry.Yuki, true))
	assert.True(t, f.guard.IsStopped(f.ctx, registry.Yuki))

	_, err := f.spot("100")
	assert.Equal(t, xerrors.CodeAgentStopped, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.ClassPaused, xerrors.ClassOf(err))

	_, err = f.guard.ExecuteYieldStrategy(f.ctx, f.op, user, usdc("100"), f.yieldParams())
	require.NoError(t, err)

	require.NoError(t, f.guard.EmergencyStopAgent(f.ctx, chain.Message{From: admin}, registry.Yuki, false))
	_, err = f.spot("100")
	require.NoError(t, err)
}

func TestGlobalPauseDoesNotBlockWithdrawals(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.guard.Pause(f.ctx, chain.Message{From: admin}))

	_, err := f.spot("100")
	assert.Equal(t, xerrors.CodePaused, xerrors.CodeOf(err))

	_, err = f.vault.WithdrawAll(f.ctx, chain.Message{From: user}, registry.Yuki)
	require.NoError(t, err)

	require.NoError(t, f.guard.Unpause(f.ctx, chain.Message{From: admin}))
	assert.False(t, f.guard.Paused(f.ctx))
}

func TestYieldStrategyOutcomeRecorded(t *testing.T) {
	f := newFixture(t)
	custody := func() *big.Int { return f.vault.TotalDelegated(f.ctx, registry.Sakura) }
	before := custody()

	expired := f.yieldParams()
	expired.Maturity = start.Add(-time.Hour)
	rec, err := f.guard.ExecuteYieldStrategy(f.ctx, f.op, user, usdc("100"), expired)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Empty(t, f.vault.Positions(f.ctx, user, registry.Sakura))

	f.clock.Advance(time.Hour)
	rec, err = f.guard.ExecuteYieldStrategy(f.ctx, f.op, user, usdc("100"), f.yieldParams())
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, uint64(1), rec.Index)

	positions := f.vault.Positions(f.ctx, user, registry.Sakura)
	require.Len(t, positions, 1)
	assert.Equal(t, "7000", positions[0].Params["ptAllocationBps"])
	assert.Equal(t, before, custody())

	got, err := f.guard.GetExecutionRecord(f.ctx, 0)
	require.NoError(t, err)
	assert.False(t, got.Success)
	_, err = f.guard.GetExecutionRecord(f.ctx, 2)
	assert.Equal(t, xerrors.CodeRecordNotFound, xerrors.CodeOf(err))

	_, err = f.guard.ExecuteYieldStrategy(f.ctx, f.op, user, usdc("100"), YieldParams{Market: market, PTAllocationBps: 10_001})
	assert.Equal(t, xerrors.CodeCooldownNotElapsed, xerrors.CodeOf(err))
}

func TestAdminSetters(t *testing.T) {
	f := newFixture(t)
	adminMsg := chain.Message{From: admin}

	err := f.guard.SetCooldown(f.ctx, chain.Message{From: stranger}, registry.Yuki, 0)
	assert.Equal(t, xerrors.ClassAccessControl, xerrors.ClassOf(err))

	require.NoError(t, f.guard.SetCooldown(f.ctx, adminMsg, registry.Yuki, time.Minute))
	require.NoError(t, f.guard.SetMaxDailyExecutions(f.ctx, adminMsg, registry.Yuki, 5))
	require.NoError(t, f.guard.SetMaxExecutionAmount(f.ctx, adminMsg, registry.Yuki, usdc("750")))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(f.guard.SetMaxDailyExecutions(f.ctx, adminMsg, registry.Yuki, 0)))

	limits, err := f.guard.GetLimits(f.ctx, registry.Yuki)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, limits.Cooldown)
	assert.Equal(t, uint32(5), limits.MaxDaily)
	assert.Equal(t, usdc("750"), limits.MaxAmount)

	_, err = f.guard.GetLimits(f.ctx, registry.Ryu)
	assert.Equal(t, xerrors.CodeAgentNotFound, xerrors.CodeOf(err))
	assert.Error(t, f.guard.SetMaxDailyExecutions(f.ctx, adminMsg, registry.Ryu, 0))
	_, err = f.guard.GetLimits(f.ctx, registry.Ryu)
	assert.Equal(t, xerrors.CodeAgentNotFound, xerrors.CodeOf(err))

	require.NoError(t, f.guard.SetBackendAuthorization(f.ctx, adminMsg, operator, false))
	_, err = f.spot("100")
	assert.Equal(t, xerrors.CodeUnauthorizedOperator, xerrors.CodeOf(err))
}
