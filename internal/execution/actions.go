package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/registry"
)

// YieldParams 是收益策略的参数。
type YieldParams struct {
	Market          common.Address `json:"market"`
	Maturity        time.Time      `json:"maturity"`
	PTAllocationBps uint32         `json:"pt_allocation_bps"`
}

// SpotParams 是现货交易的参数。
type SpotParams struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
}

// FuturesParams 是合约仓位的参数。
type FuturesParams struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Leverage uint8  `json:"leverage"`
}

// ExecuteYieldStrategy 为用户执行 Sakura 收益策略。
func (g *Guard) ExecuteYieldStrategy(ctx context.Context, msg chain.Message, user common.Address, amount *big.Int, p YieldParams) (*Record, error) {
	return g.execute(ctx, msg, user, registry.Sakura, "executeYieldStrategy", "yield", amount, func() (map[string]string, error) {
		if p.PTAllocationBps > chain.BasisPoints {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "PT 配比 %d 超过 %d", p.PTAllocationBps, chain.BasisPoints)
		}
		if p.Market == (common.Address{}) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "收益市场地址不能为空")
		}
		return map[string]string{
			"market":          p.Market.Hex(),
			"maturity":        fmt.Sprint(p.Maturity.Unix()),
			"ptAllocationBps": fmt.Sprint(p.PTAllocationBps),
		}, nil
	})
}

// ExecuteSpotTrade 为用户执行 Yuki 现货交易。
func (g *Guard) ExecuteSpotTrade(ctx context.Context, msg chain.Message, user common.Address, amount *big.Int, p SpotParams) (*Record, error) {
	return g.execute(ctx, msg, user, registry.Yuki, "executeSpotTrade", "spot", amount, func() (map[string]string, error) {
		symbol, side, err := normalizeTrade(p.Symbol, p.Side, "buy", "sell")
		if err != nil {
			return nil, err
		}
		return map[string]string{"symbol": symbol, "side": side}, nil
	})
}

// ExecuteFuturesPosition 为用户开立 Yuki 合约仓位，杠杆不得超过配置上限。
func (g *Guard) ExecuteFuturesPosition(ctx context.Context, msg chain.Message, user common.Address, amount *big.Int, p FuturesParams) (*Record, error) {
	return g.execute(ctx, msg, user, registry.Yuki, "executeFuturesPosition", "futures", amount, func() (map[string]string, error) {
		symbol, side, err := normalizeTrade(p.Symbol, p.Side, "long", "short")
		if err != nil {
			return nil, err
		}
		if p.Leverage == 0 || p.Leverage > g.maxLeverage {
			return nil, xerrors.Newf(xerrors.CodeAmountExceedsLimit, "杠杆 %d 超出范围 [1, %d]", p.Leverage, g.maxLeverage)
		}
		return map[string]string{"symbol": symbol, "side": side, "leverage": fmt.Sprint(p.Leverage)}, nil
	})
}

func normalizeTrade(symbol, side string, allowed ...string) (string, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, "交易对不能为空")
	}
	side = strings.ToLower(strings.TrimSpace(side))
	for _, s := range allowed {
		if side == s {
			return symbol, side, nil
		}
	}
	return "", "", xerrors.Newf(xerrors.CodeInvalidArgument, "方向 %q 无效，可选 %s", side, strings.Join(allowed, "/"))
}
