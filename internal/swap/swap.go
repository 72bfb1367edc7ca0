// Package swap 定义兑换适配器接口，并提供以自有流动性按报价结算的池适配器。
package swap

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
)

// Direction 表示兑换方向。
type Direction string

const (
	NativeToStable Direction = "native_to_stable"
	StableToNative Direction = "stable_to_native"
)

// ErrSlippageExceeded 表示兑换结果低于调用方给定的最小输出。
var ErrSlippageExceeded = xerrors.New(xerrors.CodeSlippageExceeded, "swap output below minimum")

// Adapter 是金库依赖的外部兑换接口。调用方在 tx 内已把 amountIn 转给适配器地址，
// 适配器负责把输出资产转给 recipient 并返回输出数量。
type Adapter interface {
	Address() common.Address
	SwapNativeForStable(ctx context.Context, tx *chain.Tx, recipient common.Address, amountIn, minOut *big.Int) (*big.Int, error)
	SwapStableForNative(ctx context.Context, tx *chain.Tx, recipient common.Address, amountIn, minOut *big.Int) (*big.Int, error)
	Quote(ctx context.Context, dir Direction, amountIn *big.Int) (*big.Int, error)
}

// PriceSource 返回 1 个完整原生资产对应的稳定资产最小单位数量。
type PriceSource interface {
	Price(ctx context.Context) (*big.Int, error)
}

// StaticPrice 是固定报价。
type StaticPrice struct {
	value *big.Int
}

// NewStaticPrice 以稳定资产最小单位创建固定报价。
func NewStaticPrice(stablePerNative *big.Int) *StaticPrice {
	return &StaticPrice{value: chain.Copy(stablePerNative)}
}

// Price 实现 PriceSource。
func (s *StaticPrice) Price(context.Context) (*big.Int, error) {
	if !chain.IsPositive(s.value) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价必须为正")
	}
	return chain.Copy(s.value), nil
}

var nativeUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(chain.Native.Decimals())), nil)

// Convert 按报价换算数量，向下取整。
func Convert(dir Direction, amountIn, price *big.Int) *big.Int {
	if !chain.IsPositive(amountIn) || !chain.IsPositive(price) {
		return new(big.Int)
	}
	out := new(big.Int)
	switch dir {
	case NativeToStable:
		out.Mul(amountIn, price)
		out.Quo(out, nativeUnit)
	case StableToNative:
		out.Mul(amountIn, nativeUnit)
		out.Quo(out, price)
	}
	return out
}
