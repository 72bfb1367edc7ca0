// Package registry 维护智能体身份、服务价格与启停状态，托管合约在创建请求时读取它。
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/pkg/logger"
)

// AgentType 是智能体类型枚举，取值与链上合约保持一致。
type AgentType uint8

const (
	Yuki   AgentType = 0
	Sakura AgentType = 1
	Ryu    AgentType = 2
)

// Kind 决定智能体的资金由哪个子金库托管。
type Kind string

const (
	KindTrading Kind = "trading"
	KindYield   Kind = "yield"
)

var agentIDs = map[AgentType]string{
	Yuki:   "flow-yuki",
	Sakura: "flow-sakura",
	Ryu:    "flow-ryu",
}

// String 返回智能体的外部标识。
func (t AgentType) String() string {
	if id, ok := agentIDs[t]; ok {
		return id
	}
	return fmt.Sprintf("agent-%d", uint8(t))
}

// Valid 判断类型是否为已知的智能体。
func (t AgentType) Valid() bool {
	_, ok := agentIDs[t]
	return ok
}

// Kind 返回智能体对应的子金库类别。
func (t AgentType) Kind() Kind {
	if t == Sakura {
		return KindYield
	}
	return KindTrading
}

// Types 返回全部已知的智能体类型。
func Types() []AgentType {
	return []AgentType{Yuki, Sakura, Ryu}
}

// ParseAgentID 解析 "flow-yuki"、"yuki" 或数字形式的智能体标识。
func ParseAgentID(id string) (AgentType, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	for t, name := range agentIDs {
		if normalized == name || normalized == strings.TrimPrefix(name, "flow-") || normalized == fmt.Sprint(uint8(t)) {
			return t, nil
		}
	}
	return 0, xerrors.Newf(xerrors.CodeAgentNotFound, "未知的智能体 %q", id)
}

// Agent 是注册表中的一条记录。
type Agent struct {
	Type     AgentType      `json:"agent_type"`
	ID       string         `json:"agent_id"`
	Name     string         `json:"name"`
	Provider common.Address `json:"provider"`
	Price    *big.Int       `json:"price"`
	Active   bool           `json:"active"`
}

func (a Agent) clone() Agent {
	a.Price = chain.Copy(a.Price)
	return a
}

// Registry 是智能体注册表合约。
type Registry struct {
	rt      *chain.Runtime
	address common.Address
	owner   common.Address
	agents  map[AgentType]*Agent
	logger  *slog.Logger
}

var (
	agentPriceUpdated  = chain.NewEventSpec("AgentPriceUpdated(uint8,uint256)")
	agentStatusUpdated = chain.NewEventSpec("AgentStatusUpdated(uint8,bool)")
	agentProviderSet   = chain.NewEventSpec("AgentProviderUpdated(uint8,address)")
)

// New 创建注册表，agents 为初始表，未出现的类型视为不存在。
func New(rt *chain.Runtime, address, owner common.Address, agents []Agent) (*Registry, error) {
	r := &Registry{
		rt:      rt,
		address: address,
		owner:   owner,
		agents:  make(map[AgentType]*Agent, len(agents)),
		logger:  logger.Named("registry"),
	}
	for _, a := range agents {
		if !a.Type.Valid() {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的智能体类型 %d", a.Type)
		}
		if a.Price == nil || a.Price.Sign() < 0 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "智能体 %s 价格无效", a.Type)
		}
		entry := a.clone()
		entry.ID = a.Type.String()
		if entry.Name == "" {
			entry.Name = entry.ID
		}
		r.agents[a.Type] = &entry
	}
	r.logger.Debug("智能体注册表已加载", slog.Int("agents", len(r.agents)), slog.String("address", address.Hex()))
	return r, nil
}

// Address 返回注册表合约地址。
func (r *Registry) Address() common.Address { return r.address }

// Lookup 在调用内部读取智能体记录。
func (r *Registry) Lookup(t AgentType) (Agent, error) {
	a, ok := r.agents[t]
	if !ok {
		return Agent{}, xerrors.Newf(xerrors.CodeAgentNotFound, "智能体 %s 不存在", t)
	}
	return a.clone(), nil
}

// Get 返回智能体记录。
func (r *Registry) Get(ctx context.Context, t AgentType) (Agent, error) {
	var (
		out Agent
		err error
	)
	r.rt.View(ctx, func() { out, err = r.Lookup(t) })
	return out, err
}

// List 按类型顺序返回全部智能体。
func (r *Registry) List(ctx context.Context) []Agent {
	var out []Agent
	r.rt.View(ctx, func() {
		for _, a := range r.agents {
			out = append(out, a.clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// SetPrice 更新智能体价格，仅管理员可调用。
func (r *Registry) SetPrice(ctx context.Context, msg chain.Message, t AgentType, price *big.Int) error {
	return r.update(ctx, msg, "setAgentPrice", t, func(tx *chain.Tx, a *Agent) error {
		if price == nil || price.Sign() < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "价格不能为负")
		}
		chain.Assign(tx, &a.Price, chain.Copy(price))
		tx.Emit(r.address, agentPriceUpdated, map[string]string{"agentType": fmt.Sprint(uint8(t)), "price": price.String()})
		return nil
	})
}

// SetActive 启用或停用智能体。
func (r *Registry) SetActive(ctx context.Context, msg chain.Message, t AgentType, active bool) error {
	return r.update(ctx, msg, "setAgentActive", t, func(tx *chain.Tx, a *Agent) error {
		chain.Assign(tx, &a.Active, active)
		tx.Emit(r.address, agentStatusUpdated, map[string]string{"agentType": fmt.Sprint(uint8(t)), "active": fmt.Sprint(active)})
		return nil
	})
}

// SetProvider 更新智能体的服务提供方地址。
func (r *Registry) SetProvider(ctx context.Context, msg chain.Message, t AgentType, provider common.Address) error {
	return r.update(ctx, msg, "setAgentProvider", t, func(tx *chain.Tx, a *Agent) error {
		chain.Assign(tx, &a.Provider, provider)
		tx.Emit(r.address, agentProviderSet, map[string]string{"agentType": fmt.Sprint(uint8(t)), "provider": provider.Hex()})
		return nil
	})
}

func (r *Registry) update(ctx context.Context, msg chain.Message, method string, t AgentType, fn func(tx *chain.Tx, a *Agent) error) error {
	if err := chain.NonPayable(msg); err != nil {
		return err
	}
	call := chain.Call{Contract: "AgentRegistry", Method: method, From: msg.From, To: r.address}
	_, err := r.rt.Submit(ctx, call, func(ctx context.Context, tx *chain.Tx) error {
		if err := chain.RequireOwner(tx, r.owner); err != nil {
			return err
		}
		a, ok := r.agents[t]
		if !ok {
			return xerrors.Newf(xerrors.CodeAgentNotFound, "智能体 %s 不存在", t)
		}
		return fn(tx, a)
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("智能体配置已更新", slog.String("method", method), slog.String("agent", t.String()), slog.String("caller", msg.From.Hex()))
	return nil
}
