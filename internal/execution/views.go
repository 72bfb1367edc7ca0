package execution

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/registry"
)

// CanExecute 报告操作员此刻能否为用户执行 amount 的动作；不能时返回具体原因。
func (g *Guard) CanExecute(ctx context.Context, operator, user common.Address, agentType registry.AgentType, amount *big.Int) (bool, error) {
	now := g.rt.Now(ctx)
	var err error
	g.rt.View(ctx, func() { _, err = g.authorize(operator, user, agentType, amount, now) })
	return err == nil, err
}

// TimeUntilNextExecution 返回距离下次允许执行的时间，取冷却剩余与次日窗口中的较大者。
func (g *Guard) TimeUntilNextExecution(ctx context.Context, user common.Address, agentType registry.AgentType) time.Duration {
	now := g.rt.Now(ctx)
	var wait time.Duration
	g.rt.View(ctx, func() {
		state, ok := g.states[stateKey{user: user, agent: agentType}]
		limits, configured := g.limits[agentType]
		if !ok || !configured {
			return
		}
		if remaining := state.LastExecution.Add(limits.Cooldown).Sub(now); remaining > wait {
			wait = remaining
		}
		if state.Day == dayOf(now) && state.DayCount >= limits.MaxDaily {
			nextDay := time.Unix((state.Day+1)*int64(day/time.Second), 0)
			if remaining := nextDay.Sub(now); remaining > wait {
				wait = remaining
			}
		}
	})
	return wait
}

// GetExecutionRecord 按序号返回执行记录。
func (g *Guard) GetExecutionRecord(ctx context.Context, index uint64) (Record, error) {
	var (
		out Record
		err error
	)
	g.rt.View(ctx, func() {
		if index >= uint64(len(g.records)) {
			err = xerrors.Newf(xerrors.CodeRecordNotFound, "执行记录 %d 不存在", index)
			return
		}
		out = cloneRecord(g.records[index])
	})
	return out, err
}

// GetUserExecutionHistory 按时间顺序返回用户在 agentType 下的执行记录。
func (g *Guard) GetUserExecutionHistory(ctx context.Context, user common.Address, agentType registry.AgentType) []Record {
	var out []Record
	g.rt.View(ctx, func() {
		for _, idx := range g.history[stateKey{user: user, agent: agentType}] {
			out = append(out, cloneRecord(g.records[idx]))
		}
	})
	return out
}

// IsOperator 报告地址是否为授权操作员。
func (g *Guard) IsOperator(ctx context.Context, addr common.Address) bool {
	var ok bool
	g.rt.View(ctx, func() { ok = g.operators[addr] })
	return ok
}

// GetLimits 返回某类智能体的执行限制。
func (g *Guard) GetLimits(ctx context.Context, agentType registry.AgentType) (Limits, error) {
	var (
		out Limits
		err error
	)
	g.rt.View(ctx, func() {
		l, ok := g.limits[agentType]
		if !ok {
			err = xerrors.Newf(xerrors.CodeAgentNotFound, "智能体 %s 未配置执行限制", agentType)
			return
		}
		out = l.clone()
	})
	return out, err
}

// IsStopped 报告某类智能体是否处于紧急停止。
func (g *Guard) IsStopped(ctx context.Context, agentType registry.AgentType) bool {
	var stopped bool
	g.rt.View(ctx, func() { stopped = g.stopped[agentType] })
	return stopped
}

// MaxLeverage 返回合约仓位允许的最大杠杆。
func (g *Guard) MaxLeverage(ctx context.Context) uint8 {
	var leverage uint8
	g.rt.View(ctx, func() { leverage = g.maxLeverage })
	return leverage
}

// Paused 报告守卫是否全局暂停。
func (g *Guard) Paused(ctx context.Context) bool {
	var paused bool
	g.rt.View(ctx, func() { paused = g.paused })
	return paused
}

func cloneRecord(r Record) Record {
	r.Amount = new(big.Int).Set(r.Amount)
	if r.Params != nil {
		params := make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			params[k] = v
		}
		r.Params = params
	}
	return r
}
