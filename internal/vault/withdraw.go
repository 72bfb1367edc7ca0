package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/registry"
)

// Withdrawal 汇总一次提取的结果。兑换失败时 StableOut 为直接交付的稳定资产。
type Withdrawal struct {
	User      common.Address     `json:"user"`
	AgentType registry.AgentType `json:"agent_type"`
	Debited   *big.Int           `json:"debited"`
	NativeOut *big.Int           `json:"native_out"`
	StableOut *big.Int           `json:"stable_out"`
	Fallback  bool               `json:"fallback"`
	Remaining *big.Int           `json:"remaining"`
}

// Withdraw 从调用者自己的账本中提取 amount 稳定资产，换回原生资产后转给调用者。
func (v *Vault) Withdraw(ctx context.Context, msg chain.Message, agentType registry.AgentType, amount *big.Int) (*Withdrawal, error) {
	var result *Withdrawal
	_, err := v.submit(ctx, msg, "withdraw", false, func(ctx context.Context, tx *chain.Tx) error {
		if !chain.IsPositive(amount) {
			return xerrors.New(xerrors.CodeInvalidArgument, "提取金额必须为正")
		}
		var err error
		result, err = v.withdraw(ctx, tx, agentType, chain.Copy(amount))
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WithdrawAll 提取调用者在 agentType 下的全部余额。
func (v *Vault) WithdrawAll(ctx context.Context, msg chain.Message, agentType registry.AgentType) (*Withdrawal, error) {
	var result *Withdrawal
	_, err := v.submit(ctx, msg, "withdrawAll", false, func(ctx context.Context, tx *chain.Tx) error {
		balance := v.LedgerBalance(tx.Caller(), agentType)
		if balance.Sign() == 0 {
			return xerrors.Newf(xerrors.CodeInsufficientBalance, "%s 在 %s 下没有余额", tx.Caller().Hex(), agentType)
		}
		var err error
		result, err = v.withdraw(ctx, tx, agentType, balance)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (v *Vault) withdraw(ctx context.Context, tx *chain.Tx, agentType registry.AgentType, amount *big.Int) (*Withdrawal, error) {
	user := tx.Caller()
	if err := v.debit(tx, user, agentType, amount); err != nil {
		return nil, err
	}
	sub := v.SubVaultFor(agentType)
	if tx.BalanceOf(chain.Stable, sub.Address()).Cmp(amount) < 0 {
		return nil, xerrors.New(xerrors.CodeSolvencyViolation,
			fmt.Sprintf("%s 子金库托管不足以支付 %s", sub.Kind(), amount),
			xerrors.WithMetadata("sub_vault", sub.Address().Hex()))
	}
	if err := tx.Transfer(ctx, chain.Stable, sub.Address(), v.address, amount); err != nil {
		return nil, err
	}
	if err := v.checkSolvency(tx, sub); err != nil {
		return nil, err
	}

	result := &Withdrawal{
		User:      user,
		AgentType: agentType,
		Debited:   chain.Copy(amount),
		NativeOut: new(big.Int),
		StableOut: new(big.Int),
		Remaining: v.LedgerBalance(user, agentType),
	}
	// 兑换在保存点内执行，失败时只回滚兑换部分，改为直接交付稳定资产。
	_, swapErr := v.rt.Submit(ctx, chain.Call{Contract: contractName, Method: "swapBack", From: v.address, To: v.adapter.Address()},
		func(ctx context.Context, inner *chain.Tx) error {
			if err := inner.Transfer(ctx, chain.Stable, v.address, v.adapter.Address(), amount); err != nil {
				return err
			}
			out, err := v.adapter.SwapStableForNative(ctx, inner, user, amount, new(big.Int))
			if err != nil {
				return err
			}
			result.NativeOut = out
			return nil
		})
	if swapErr != nil {
		v.logger.Warn("换回原生资产失败，改为交付稳定资产",
			slog.String("user", user.Hex()),
			slog.String("agent", agentType.String()),
			slog.String("amount", amount.String()),
			slog.Any("error", swapErr),
		)
		result.Fallback = true
		result.NativeOut = new(big.Int)
		result.StableOut = chain.Copy(amount)
		if err := tx.Transfer(ctx, chain.Stable, v.address, user, amount); err != nil {
			return nil, err
		}
	}

	tx.Emit(v.address, evtWithdrawn, map[string]string{
		"user":      user.Hex(),
		"agentType": fmt.Sprint(uint8(agentType)),
		"amount":    amount.String(),
		"nativeOut": result.NativeOut.String(),
		"fallback":  fmt.Sprint(result.Fallback),
	})
	return result, nil
}
