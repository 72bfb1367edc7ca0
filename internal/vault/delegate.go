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

// Delegation 汇总一次存入委托的结果。
type Delegation struct {
	User       common.Address     `json:"user"`
	AgentType  registry.AgentType `json:"agent_type"`
	NativeIn   *big.Int           `json:"native_in"`
	GasReserve *big.Int           `json:"gas_reserve"`
	Swapped    *big.Int           `json:"swapped"`
	StableOut  *big.Int           `json:"stable_out"`
	Fee        *big.Int           `json:"fee"`
	Credited   *big.Int           `json:"credited"`
	SubVault   common.Address     `json:"sub_vault"`
}

// DepositAndDelegate 把附带的原生资产换成稳定资产并记入调用者在 agentType 下的账本。
// 只有扣除 gas 预留后的部分参与兑换，预留部分退回调用者。
func (v *Vault) DepositAndDelegate(ctx context.Context, msg chain.Message, agentType registry.AgentType, targetStable, minStableOut *big.Int) (*Delegation, error) {
	var result *Delegation
	_, err := v.submit(ctx, msg, "depositAndDelegate", true, func(ctx context.Context, tx *chain.Tx) error {
		value := tx.Value()
		if value.Sign() <= 0 {
			return xerrors.New(xerrors.CodeZeroPayment, "存入金额必须为正")
		}
		if v.paused {
			return ErrPaused
		}
		if !agentType.Valid() {
			return xerrors.Newf(xerrors.CodeAgentNotFound, "未知的智能体类型 %d", agentType)
		}
		if !chain.IsPositive(targetStable) {
			return xerrors.New(xerrors.CodeInvalidArgument, "目标金额必须为正")
		}
		minOut := chain.Copy(minStableOut)
		if minOut.Cmp(targetStable) > 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "最小输出不能大于目标金额")
		}
		postFeeTarget := new(big.Int).Sub(targetStable, chain.Bps(targetStable, v.platformFeeBps))
		if postFeeTarget.Cmp(v.minDelegation) < 0 {
			return xerrors.Newf(xerrors.CodeDelegationTooLow, "扣除平台费后的目标 %s 低于最低委托 %s",
				chain.FormatUnits(postFeeTarget, chain.Stable.Decimals()), chain.FormatUnits(v.minDelegation, chain.Stable.Decimals()))
		}

		user := tx.Caller()
		reserve := chain.Bps(value, v.gasReserveBps)
		swapIn := new(big.Int).Sub(value, reserve)
		before := tx.BalanceOf(chain.Stable, v.address)
		if err := tx.Transfer(ctx, chain.Native, v.address, v.adapter.Address(), swapIn); err != nil {
			return err
		}
		out, err := v.adapter.SwapNativeForStable(ctx, tx, v.address, swapIn, minOut)
		if err != nil {
			return err
		}
		received := new(big.Int).Sub(tx.BalanceOf(chain.Stable, v.address), before)
		if out.Cmp(minOut) < 0 {
			return xerrors.Newf(xerrors.CodeSlippageExceeded, "兑换输出 %s 低于最小值 %s", out, minOut)
		}
		fee := chain.Bps(out, v.platformFeeBps)
		net := new(big.Int).Sub(out, fee)
		if net.Cmp(v.minDelegation) < 0 {
			return xerrors.Newf(xerrors.CodeDelegationTooLow, "实际入账 %s 低于最低委托 %s",
				chain.FormatUnits(net, chain.Stable.Decimals()), chain.FormatUnits(v.minDelegation, chain.Stable.Decimals()))
		}

		sub := v.SubVaultFor(agentType)
		v.credit(tx, user, agentType, net)
		result = &Delegation{
			User:       user,
			AgentType:  agentType,
			NativeIn:   value,
			GasReserve: reserve,
			Swapped:    swapIn,
			StableOut:  out,
			Fee:        fee,
			Credited:   net,
			SubVault:   sub.Address(),
		}
		tx.Emit(v.address, evtDelegated, map[string]string{
			"user":      user.Hex(),
			"agentType": fmt.Sprint(uint8(agentType)),
			"nativeIn":  value.String(),
			"stableOut": out.String(),
			"credited":  net.String(),
			"subVault":  sub.Address().Hex(),
		})
		if fee.Sign() > 0 {
			tx.Emit(v.address, evtFeeCollected, map[string]string{"treasury": v.treasury.Hex(), "amount": fee.String()})
		}

		// 托管按实际收到的数量转入子金库，账本按适配器报告的数量记账，两者不一致时由偿付能力校验拦截。
		feePaid := chain.Copy(fee)
		if feePaid.Cmp(received) > 0 {
			feePaid = chain.Copy(received)
		}
		forward := new(big.Int).Sub(received, feePaid)
		if err := tx.Transfer(ctx, chain.Stable, v.address, v.treasury, feePaid); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, chain.Stable, v.address, sub.Address(), forward); err != nil {
			return err
		}
		if err := v.checkSolvency(tx, sub); err != nil {
			return err
		}
		return tx.Transfer(ctx, chain.Native, v.address, user, reserve)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
