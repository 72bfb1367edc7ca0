package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/pkg/logger"
)

func (g *Guard) admin(ctx context.Context, msg chain.Message, method string, fn func(tx *chain.Tx) error) error {
	if err := chain.NonPayable(msg); err != nil {
		return err
	}
	call := chain.Call{Contract: contractName, Method: method, From: msg.From, To: g.address}
	_, err := g.rt.Submit(ctx, call, func(ctx context.Context, tx *chain.Tx) error {
		if err := chain.RequireOwner(tx, g.owner); err != nil {
			return err
		}
		return fn(tx)
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("执行守卫配置已更新", slog.String("method", method), slog.String("caller", msg.From.Hex()))
	return nil
}

func (g *Guard) limitsFor(agentType registry.AgentType) (*Limits, error) {
	l, ok := g.limits[agentType]
	if !ok {
		if !agentType.Valid() {
			return nil, xerrors.Newf(xerrors.CodeAgentNotFound, "未知的智能体类型 %d", agentType)
		}
		l = &Limits{MaxAmount: new(big.Int)}
		g.limits[agentType] = l
	}
	return l, nil
}

func (g *Guard) updateLimit(ctx context.Context, msg chain.Message, method string, agentType registry.AgentType, key, value string, apply func(tx *chain.Tx, l *Limits) error) error {
	return g.admin(ctx, msg, method, func(tx *chain.Tx) error {
		_, existed := g.limits[agentType]
		l, err := g.limitsFor(agentType)
		if err != nil {
			return err
		}
		if !existed {
			tx.OnRevert(func() { delete(g.limits, agentType) })
		}
		if err := apply(tx, l); err != nil {
			return err
		}
		tx.Emit(g.address, evtLimitUpdated, map[string]string{"agentType": fmt.Sprint(uint8(agentType)), "key": key, "value": value})
		return nil
	})
}

// SetBackendAuthorization 增加或移除操作员。
func (g *Guard) SetBackendAuthorization(ctx context.Context, msg chain.Message, operator common.Address, authorized bool) error {
	return g.admin(ctx, msg, "setBackendAuthorization", func(tx *chain.Tx) error {
		if operator == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "操作员地址不能为空")
		}
		if authorized {
			chain.SetMap(tx, g.operators, operator, true)
		} else if g.operators[operator] {
			tx.OnRevert(func() { g.operators[operator] = true })
			delete(g.operators, operator)
		}
		tx.Emit(g.address, evtOperatorUpdated, map[string]string{"operator": operator.Hex(), "authorized": fmt.Sprint(authorized)})
		return nil
	})
}

// SetCooldown 设置两次执行之间的最短间隔。
func (g *Guard) SetCooldown(ctx context.Context, msg chain.Message, agentType registry.AgentType, cooldown time.Duration) error {
	return g.updateLimit(ctx, msg, "setCooldown", agentType, "cooldown", cooldown.String(), func(tx *chain.Tx, l *Limits) error {
		if cooldown < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "冷却时间不能为负")
		}
		chain.Assign(tx, &l.Cooldown, cooldown)
		return nil
	})
}

// SetMaxDailyExecutions 设置每日最大执行次数。
func (g *Guard) SetMaxDailyExecutions(ctx context.Context, msg chain.Message, agentType registry.AgentType, max uint32) error {
	return g.updateLimit(ctx, msg, "setMaxDailyExecutions", agentType, "maxDaily", fmt.Sprint(max), func(tx *chain.Tx, l *Limits) error {
		if max == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "每日次数上限必须为正")
		}
		chain.Assign(tx, &l.MaxDaily, max)
		return nil
	})
}

// SetMaxExecutionAmount 设置单次执行金额上限。
func (g *Guard) SetMaxExecutionAmount(ctx context.Context, msg chain.Message, agentType registry.AgentType, amount *big.Int) error {
	return g.updateLimit(ctx, msg, "setMaxExecutionAmount", agentType, "maxAmount", chain.Copy(amount).String(), func(tx *chain.Tx, l *Limits) error {
		if !chain.IsPositive(amount) {
			return xerrors.New(xerrors.CodeInvalidArgument, "金额上限必须为正")
		}
		chain.Assign(tx, &l.MaxAmount, chain.Copy(amount))
		return nil
	})
}

// SetMaxLeverage 设置合约仓位的最大杠杆。
func (g *Guard) SetMaxLeverage(ctx context.Context, msg chain.Message, leverage uint8) error {
	return g.admin(ctx, msg, "setMaxLeverage", func(tx *chain.Tx) error {
		if leverage == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "杠杆上限必须为正")
		}
		chain.Assign(tx, &g.maxLeverage, leverage)
		tx.Emit(g.address, evtLimitUpdated, map[string]string{"agentType": fmt.Sprint(uint8(registry.Yuki)), "key": "maxLeverage", "value": fmt.Sprint(leverage)})
		return nil
	})
}

// EmergencyStopAgent 开启或解除某类智能体的紧急停止，不影响其他类型。
func (g *Guard) EmergencyStopAgent(ctx context.Context, msg chain.Message, agentType registry.AgentType, stopped bool) error {
	return g.admin(ctx, msg, "emergencyStopAgent", func(tx *chain.Tx) error {
		if !agentType.Valid() {
			return xerrors.Newf(xerrors.CodeAgentNotFound, "未知的智能体类型 %d", agentType)
		}
		chain.SetMap(tx, g.stopped, agentType, stopped)
		tx.Emit(g.address, evtEmergencyStop, map[string]string{"agentType": fmt.Sprint(uint8(agentType)), "stopped": fmt.Sprint(stopped)})
		return nil
	})
}

// Pause 全局暂停所有执行。
func (g *Guard) Pause(ctx context.Context, msg chain.Message) error {
	return g.admin(ctx, msg, "pause", func(tx *chain.Tx) error {
		chain.Assign(tx, &g.paused, true)
		tx.Emit(g.address, evtPaused, map[string]string{"account": tx.Caller().Hex()})
		return nil
	})
}

// Unpause 解除全局暂停。
func (g *Guard) Unpause(ctx context.Context, msg chain.Message) error {
	return g.admin(ctx, msg, "unpause", func(tx *chain.Tx) error {
		chain.Assign(tx, &g.paused, false)
		tx.Emit(g.address, evtUnpaused, map[string]string{"account": tx.Caller().Hex()})
		return nil
	})
}
