// Package execution 实现执行授权守卫：操作员代表用户发起的每个策略动作都必须依次通过
// 暂停、白名单、紧急停止、金额上限、账本余额、冷却时间与每日次数检查。
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
	"FlowACP-Chain/internal/vault"
	"FlowACP-Chain/pkg/logger"
)

const contractName = "ExecutionGuard"

// day 是每日次数统计的窗口长度。
const day = 24 * time.Hour

var (
	// ErrUnauthorizedOperator 表示调用者不在操作员白名单中。
	ErrUnauthorizedOperator = xerrors.New(xerrors.CodeUnauthorizedOperator, "caller is not an authorized operator")
	// ErrPaused 表示守卫已全局暂停。
	ErrPaused = xerrors.New(xerrors.CodePaused, "execution paused")
)

var (
	evtExecutionCompleted = chain.NewEventSpec("ExecutionCompleted(uint256,address,uint8,string,uint256,bool)")
	evtOperatorUpdated    = chain.NewEventSpec("BackendAuthorizationUpdated(address,bool)")
	evtLimitUpdated       = chain.NewEventSpec("LimitUpdated(uint8,string,string)")
	evtEmergencyStop      = chain.NewEventSpec("EmergencyStop(uint8,bool)")
	evtPaused             = chain.NewEventSpec("Paused(address)")
	evtUnpaused           = chain.NewEventSpec("Unpaused(address)")
)

// Ledger 是守卫读取余额与调用子金库所需的金库能力。
type Ledger interface {
	LedgerBalance(user common.Address, agentType registry.AgentType) *big.Int
	SubVaultFor(agentType registry.AgentType) *vault.SubVault
}

// Limits 是某一类智能体的执行限制。
type Limits struct {
	Cooldown  time.Duration `json:"cooldown"`
	MaxDaily  uint32        `json:"max_daily"`
	MaxAmount *big.Int      `json:"max_amount"`
}

func (l Limits) clone() Limits {
	l.MaxAmount = chain.Copy(l.MaxAmount)
	return l
}

// Config 描述守卫的部署参数。
type Config struct {
	Address     common.Address
	Owner       common.Address
	Operators   []common.Address
	Limits      map[registry.AgentType]Limits
	MaxLeverage uint8
}

// RateState 记录 (用户, 智能体) 的冷却与每日计数，跨日时惰性重置。
type RateState struct {
	LastExecution time.Time `json:"last_execution"`
	Day           int64     `json:"day"`
	DayCount      uint32    `json:"day_count"`
}

// Record 是追加写入的执行记录。
type Record struct {
	Index     uint64             `json:"index"`
	User      common.Address     `json:"user"`
	AgentType registry.AgentType `json:"agent_type"`
	Operator  common.Address     `json:"operator"`
	Action    string             `json:"action"`
	Amount    *big.Int           `json:"amount"`
	Params    map[string]string  `json:"params,omitempty"`
	Success   bool               `json:"success"`
	Timestamp time.Time          `json:"timestamp"`
}

type stateKey struct {
	user  common.Address
	agent registry.AgentType
}

// Guard 是执行授权守卫合约。
type Guard struct {
	rt     *chain.Runtime
	ledger Ledger

	address     common.Address
	owner       common.Address
	paused      bool
	maxLeverage uint8
	operators   map[common.Address]bool
	limits      map[registry.AgentType]*Limits
	stopped     map[registry.AgentType]bool
	states      map[stateKey]*RateState
	records     []Record
	history     map[stateKey][]uint64
	guard       chain.ReentrancyGuard

	logger *slog.Logger
}

// New 创建守卫。
func New(rt *chain.Runtime, ledger Ledger, cfg Config) (*Guard, error) {
	if rt == nil || ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行守卫依赖未初始化")
	}
	if cfg.Owner == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行守卫必须配置管理员")
	}
	if cfg.MaxLeverage == 0 {
		cfg.MaxLeverage = 1
	}
	g := &Guard{
		rt:          rt,
		ledger:      ledger,
		address:     cfg.Address,
		owner:       cfg.Owner,
		maxLeverage: cfg.MaxLeverage,
		operators:   make(map[common.Address]bool, len(cfg.Operators)),
		limits:      make(map[registry.AgentType]*Limits, len(cfg.Limits)),
		stopped:     make(map[registry.AgentType]bool),
		states:      make(map[stateKey]*RateState),
		history:     make(map[stateKey][]uint64),
		logger:      logger.Named("execution"),
	}
	for _, op := range cfg.Operators {
		g.operators[op] = true
	}
	for t, l := range cfg.Limits {
		if !t.Valid() {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的智能体类型 %d", t)
		}
		if !chain.IsPositive(l.MaxAmount) {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "智能体 %s 的单次执行上限必须为正", t)
		}
		if l.MaxDaily == 0 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "智能体 %s 的每日执行次数上限必须为正", t)
		}
		limits := l.clone()
		g.limits[t] = &limits
	}
	return g, nil
}

// Address 返回守卫地址。
func (g *Guard) Address() common.Address { return g.address }

func dayOf(t time.Time) int64 { return t.Unix() / int64(day/time.Second) }

// authorize 按固定顺序执行全部检查，返回通过后应写入的速率状态。
func (g *Guard) authorize(operator, user common.Address, agentType registry.AgentType, amount *big.Int, now time.Time) (RateState, error) {
	if !g.operators[operator] {
		return RateState{}, xerrors.Newf(xerrors.CodeUnauthorizedOperator, "%s 不是授权操作员", operator.Hex())
	}
	if g.paused {
		return RateState{}, ErrPaused
	}
	if g.stopped[agentType] {
		return RateState{}, xerrors.Newf(xerrors.CodeAgentStopped, "智能体 %s 已紧急停止", agentType)
	}
	limits, ok := g.limits[agentType]
	if !ok {
		return RateState{}, xerrors.Newf(xerrors.CodeAgentNotFound, "智能体 %s 未配置执行限制", agentType)
	}
	if !chain.IsPositive(amount) {
		return RateState{}, xerrors.New(xerrors.CodeAmountExceedsLimit, "执行金额必须为正")
	}
	if amount.Cmp(limits.MaxAmount) > 0 {
		return RateState{}, xerrors.Newf(xerrors.CodeAmountExceedsLimit, "执行金额 %s 超过上限 %s",
			chain.FormatUnits(amount, chain.Stable.Decimals()), chain.FormatUnits(limits.MaxAmount, chain.Stable.Decimals()))
	}
	if balance := g.ledger.LedgerBalance(user, agentType); amount.Cmp(balance) > 0 {
		return RateState{}, xerrors.Newf(xerrors.CodeInsufficientBalance, "执行金额超过用户账本余额 %s",
			chain.FormatUnits(balance, chain.Stable.Decimals()))
	}

	state := RateState{}
	if current, ok := g.states[stateKey{user: user, agent: agentType}]; ok {
		state = *current
	}
	if !state.LastExecution.IsZero() {
		if elapsed := now.Sub(state.LastExecution); elapsed < limits.Cooldown {
			return RateState{}, xerrors.Newf(xerrors.CodeCooldownNotElapsed, "冷却时间未结束，还需等待 %s", limits.Cooldown-elapsed)
		}
	}
	today := dayOf(now)
	if state.Day != today {
		state.Day = today
		state.DayCount = 0
	}
	if state.DayCount >= limits.MaxDaily {
		return RateState{}, xerrors.Newf(xerrors.CodeDailyLimitExceeded, "今日已执行 %d 次，上限 %d", state.DayCount, limits.MaxDaily)
	}
	state.LastExecution = now
	state.DayCount++
	return state, nil
}

func (g *Guard) execute(ctx context.Context, msg chain.Message, user common.Address, agentType registry.AgentType, method, action string, amount *big.Int, validate func() (map[string]string, error)) (*Record, error) {
	if err := chain.NonPayable(msg); err != nil {
		return nil, err
	}
	var record Record
	call := chain.Call{Contract: contractName, Method: method, From: msg.From, To: g.address}
	receipt, err := g.rt.Submit(ctx, call, func(ctx context.Context, tx *chain.Tx) error {
		release, err := g.guard.Enter()
		if err != nil {
			return err
		}
		defer release()

		state, err := g.authorize(tx.Caller(), user, agentType, amount, tx.Time())
		if err != nil {
			return err
		}
		params, err := validate()
		if err != nil {
			return err
		}

		success := g.ledger.SubVaultFor(agentType).Execute(ctx, tx, vault.Action{
			User:      user,
			AgentType: agentType,
			Name:      action,
			Amount:    amount,
			Params:    params,
		})
		record = Record{
			Index:     uint64(len(g.records)),
			User:      user,
			AgentType: agentType,
			Operator:  tx.Caller(),
			Action:    action,
			Amount:    chain.Copy(amount),
			Params:    params,
			Success:   success,
			Timestamp: tx.Time(),
		}
		key := stateKey{user: user, agent: agentType}
		chain.Append(tx, &g.records, record)
		chain.SetMap(tx, g.history, key, append(append([]uint64(nil), g.history[key]...), record.Index))
		chain.SetMap(tx, g.states, key, &state)

		tx.Emit(g.address, evtExecutionCompleted, map[string]string{
			"index":     fmt.Sprint(record.Index),
			"user":      user.Hex(),
			"agentType": fmt.Sprint(uint8(agentType)),
			"action":    action,
			"amount":    amount.String(),
			"success":   fmt.Sprint(success),
		})
		return nil
	})
	if err != nil {
		g.logger.Warn("执行被拒绝",
			slog.String("method", method),
			slog.String("operator", msg.From.Hex()),
			slog.String("user", user.Hex()),
			slog.String("agent", agentType.String()),
			slog.String("error_code", string(xerrors.CodeOf(err))),
		)
		return nil, err
	}
	logger.Audit().Info("执行已授权",
		slog.String("contract", contractName),
		slog.String("method", method),
		slog.String("operator", msg.From.Hex()),
		slog.String("user", user.Hex()),
		slog.Uint64("record", record.Index),
		slog.Bool("success", record.Success),
		slog.Uint64("block", receipt.Block.Number),
	)
	return &record, nil
}
