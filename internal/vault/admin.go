package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/registry"
)

func (v *Vault) admin(ctx context.Context, msg chain.Message, method string, fn func(ctx context.Context, tx *chain.Tx) error) error {
	_, err := v.submit(ctx, msg, method, false, func(ctx context.Context, tx *chain.Tx) error {
		if err := chain.RequireOwner(tx, v.owner); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
	return err
}

// SetPlatformFee 设置平台费，上限 1000 基点。
func (v *Vault) SetPlatformFee(ctx context.Context, msg chain.Message, bps uint32) error {
	return v.admin(ctx, msg, "setPlatformFee", func(ctx context.Context, tx *chain.Tx) error {
		if bps > MaxPlatformFeeBps {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "平台费 %d 超过上限 %d", bps, MaxPlatformFeeBps)
		}
		chain.Assign(tx, &v.platformFeeBps, bps)
		tx.Emit(v.address, evtConfigUpdated, map[string]string{"key": "platformFeeBps", "value": fmt.Sprint(bps)})
		return nil
	})
}

// SetMinDelegationAmount 设置最低委托金额。
func (v *Vault) SetMinDelegationAmount(ctx context.Context, msg chain.Message, amount *big.Int) error {
	return v.admin(ctx, msg, "setMinDelegationAmount", func(ctx context.Context, tx *chain.Tx) error {
		if amount == nil || amount.Sign() < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "最低委托金额不能为负")
		}
		chain.Assign(tx, &v.minDelegation, chain.Copy(amount))
		tx.Emit(v.address, evtConfigUpdated, map[string]string{"key": "minDelegationAmount", "value": amount.String()})
		return nil
	})
}

// SetGasReserve 设置 gas 预留比例，必须小于 10000 基点。
func (v *Vault) SetGasReserve(ctx context.Context, msg chain.Message, bps uint32) error {
	return v.admin(ctx, msg, "setGasReserve", func(ctx context.Context, tx *chain.Tx) error {
		if bps > MaxGasReserveBps {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "gas 预留比例 %d 必须小于 %d", bps, chain.BasisPoints)
		}
		chain.Assign(tx, &v.gasReserveBps, bps)
		tx.Emit(v.address, evtConfigUpdated, map[string]string{"key": "gasReserveBps", "value": fmt.Sprint(bps)})
		return nil
	})
}

// SetTreasury 设置平台费接收地址。
func (v *Vault) SetTreasury(ctx context.Context, msg chain.Message, treasury common.Address) error {
	return v.admin(ctx, msg, "setTreasury", func(ctx context.Context, tx *chain.Tx) error {
		if treasury == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "国库地址不能为空")
		}
		chain.Assign(tx, &v.treasury, treasury)
		tx.Emit(v.address, evtConfigUpdated, map[string]string{"key": "treasury", "value": treasury.Hex()})
		return nil
	})
}

// SetVaultAddresses 更换子金库地址，已托管的稳定资产随之迁移。
func (v *Vault) SetVaultAddresses(ctx context.Context, msg chain.Message, yield, trading common.Address) error {
	return v.admin(ctx, msg, "setVaultAddresses", func(ctx context.Context, tx *chain.Tx) error {
		if yield == (common.Address{}) || trading == (common.Address{}) || yield == trading {
			return xerrors.New(xerrors.CodeInvalidArgument, "子金库地址必须互不相同且非空")
		}
		for _, move := range []struct {
			sub *SubVault
			to  common.Address
		}{{v.yield, yield}, {v.trading, trading}} {
			from := move.sub.Address()
			if from == move.to {
				continue
			}
			if err := tx.Transfer(ctx, chain.Stable, from, move.to, tx.BalanceOf(chain.Stable, from)); err != nil {
				return err
			}
			chain.Assign(tx, &move.sub.address, move.to)
		}
		if err := v.checkSolvency(tx, v.yield); err != nil {
			return err
		}
		if err := v.checkSolvency(tx, v.trading); err != nil {
			return err
		}
		tx.Emit(v.address, evtVaultsUpdated, map[string]string{"yieldVault": yield.Hex(), "tradingVault": trading.Hex()})
		return nil
	})
}

// Pause 暂停存入，提取不受影响。
func (v *Vault) Pause(ctx context.Context, msg chain.Message) error {
	return v.admin(ctx, msg, "pause", func(ctx context.Context, tx *chain.Tx) error {
		chain.Assign(tx, &v.paused, true)
		tx.Emit(v.address, evtDepositsPaused, map[string]string{"account": tx.Caller().Hex()})
		return nil
	})
}

// Unpause 恢复存入。
func (v *Vault) Unpause(ctx context.Context, msg chain.Message) error {
	return v.admin(ctx, msg, "unpause", func(ctx context.Context, tx *chain.Tx) error {
		chain.Assign(tx, &v.paused, false)
		tx.Emit(v.address, evtDepositsResumed, map[string]string{"account": tx.Caller().Hex()})
		return nil
	})
}

// Settings 是金库当前配置的快照。
type Settings struct {
	Address        common.Address `json:"address"`
	Owner          common.Address `json:"owner"`
	Treasury       common.Address `json:"treasury"`
	YieldVault     common.Address `json:"yield_vault"`
	TradingVault   common.Address `json:"trading_vault"`
	PlatformFeeBps uint32         `json:"platform_fee_bps"`
	GasReserveBps  uint32         `json:"gas_reserve_bps"`
	MinDelegation  *big.Int       `json:"min_delegation"`
	Paused         bool           `json:"paused"`
}

// Settings 返回当前配置。
func (v *Vault) Settings(ctx context.Context) Settings {
	var out Settings
	v.rt.View(ctx, func() {
		out = Settings{
			Address:        v.address,
			Owner:          v.owner,
			Treasury:       v.treasury,
			YieldVault:     v.yield.Address(),
			TradingVault:   v.trading.Address(),
			PlatformFeeBps: v.platformFeeBps,
			GasReserveBps:  v.gasReserveBps,
			MinDelegation:  chain.Copy(v.minDelegation),
			Paused:         v.paused,
		}
	})
	return out
}

// GetUserBalance 返回用户在 agentType 下的账本余额。
func (v *Vault) GetUserBalance(ctx context.Context, user common.Address, agentType registry.AgentType) *big.Int {
	var out *big.Int
	v.rt.View(ctx, func() { out = v.LedgerBalance(user, agentType) })
	return out
}

// TotalDelegated 返回 agentType 下全部用户的账本总额。
func (v *Vault) TotalDelegated(ctx context.Context, agentType registry.AgentType) *big.Int {
	var out *big.Int
	v.rt.View(ctx, func() { out = chain.Copy(v.totals[agentType]) })
	return out
}

// Positions 返回用户在 agentType 对应子金库中的策略头寸。
func (v *Vault) Positions(ctx context.Context, user common.Address, agentType registry.AgentType) []Position {
	var out []Position
	v.rt.View(ctx, func() {
		for _, p := range v.SubVaultFor(agentType).positionsOf(user) {
			if p.AgentType == agentType {
				out = append(out, p)
			}
		}
	})
	return out
}
