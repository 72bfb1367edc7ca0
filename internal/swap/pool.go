package swap

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/pkg/logger"
)

var evtSwapped = chain.NewEventSpec("Swapped(address,string,uint256,uint256)")

// PoolAdapter 以自身持有的两种资产为流动性，按 PriceSource 的报价结算兑换。
type PoolAdapter struct {
	address common.Address
	price   PriceSource
	feeBps  uint32
	logger  *slog.Logger
}

// PoolOption 配置池适配器。
type PoolOption func(*PoolAdapter)

// WithPoolFee 设置池手续费，单位为基点。
func WithPoolFee(bps uint32) PoolOption {
	return func(p *PoolAdapter) {
		if bps < chain.BasisPoints {
			p.feeBps = bps
		}
	}
}

// NewPoolAdapter 创建池适配器。流动性通过运行时的创世余额注入 address。
func NewPoolAdapter(address common.Address, price PriceSource, opts ...PoolOption) *PoolAdapter {
	p := &PoolAdapter{address: address, price: price, logger: logger.Named("swap")}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Address 实现 Adapter。
func (p *PoolAdapter) Address() common.Address { return p.address }

// Quote 实现 Adapter，返回扣除池手续费后的输出。
func (p *PoolAdapter) Quote(ctx context.Context, dir Direction, amountIn *big.Int) (*big.Int, error) {
	if p.price == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "兑换报价源未配置")
	}
	price, err := p.price.Price(ctx)
	if err != nil {
		return nil, err
	}
	out := Convert(dir, amountIn, price)
	return out.Sub(out, chain.Bps(out, p.feeBps)), nil
}

// SwapNativeForStable 实现 Adapter。
func (p *PoolAdapter) SwapNativeForStable(ctx context.Context, tx *chain.Tx, recipient common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	return p.settle(ctx, tx, NativeToStable, chain.Stable, recipient, amountIn, minOut)
}

// SwapStableForNative 实现 Adapter。
func (p *PoolAdapter) SwapStableForNative(ctx context.Context, tx *chain.Tx, recipient common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	return p.settle(ctx, tx, StableToNative, chain.Native, recipient, amountIn, minOut)
}

func (p *PoolAdapter) settle(ctx context.Context, tx *chain.Tx, dir Direction, outAsset chain.Asset, recipient common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	if !chain.IsPositive(amountIn) {
		return nil, xerrors.New(xerrors.CodeZeroPayment, "兑换输入必须为正")
	}
	out, err := p.Quote(ctx, dir, amountIn)
	if err != nil {
		return nil, err
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, xerrors.Newf(xerrors.CodeSlippageExceeded, "兑换输出 %s 低于最小值 %s",
			chain.FormatUnits(out, outAsset.Decimals()), chain.FormatUnits(minOut, outAsset.Decimals()))
	}
	if out.Sign() == 0 {
		return nil, xerrors.New(xerrors.CodeSlippageExceeded, "兑换输出为 0")
	}
	if tx.BalanceOf(outAsset, p.address).Cmp(out) < 0 {
		return nil, xerrors.Newf(xerrors.CodeInsufficientFunds, "兑换池 %s 流动性不足", outAsset)
	}
	if err := tx.Transfer(ctx, outAsset, p.address, recipient, out); err != nil {
		return nil, err
	}
	tx.Emit(p.address, evtSwapped, map[string]string{
		"recipient": recipient.Hex(),
		"direction": string(dir),
		"amountIn":  amountIn.String(),
		"amountOut": out.String(),
	})
	p.logger.Debug("兑换已结算",
		slog.String("direction", string(dir)),
		slog.String("amount_in", amountIn.String()),
		slog.String("amount_out", out.String()),
	)
	return out, nil
}
