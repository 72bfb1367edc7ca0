package vault

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/registry"
)

var evtPositionOpened = chain.NewEventSpec("PositionOpened(uint256,address,uint8,string,uint256)")

// Action 是操作员通过执行守卫发起的一次策略动作。
type Action struct {
	User      common.Address
	AgentType registry.AgentType
	Name      string
	Amount    *big.Int
	Params    map[string]string
}

// Position 是子金库记录的策略头寸。头寸只做记录，托管余额不变。
type Position struct {
	Index     uint64             `json:"index"`
	User      common.Address     `json:"user"`
	AgentType registry.AgentType `json:"agent_type"`
	Action    string             `json:"action"`
	Amount    *big.Int           `json:"amount"`
	Params    map[string]string  `json:"params,omitempty"`
	OpenedAt  time.Time          `json:"opened_at"`
}

// SubVault 托管某一类智能体的稳定资产，并执行该类策略动作。
type SubVault struct {
	kind      registry.Kind
	address   common.Address
	positions []Position
}

// NewYieldVault 创建收益类子金库。
func NewYieldVault(address common.Address) *SubVault {
	return &SubVault{kind: registry.KindYield, address: address}
}

// NewTradingVault 创建交易类子金库。
func NewTradingVault(address common.Address) *SubVault {
	return &SubVault{kind: registry.KindTrading, address: address}
}

// Kind 返回子金库类别。
func (s *SubVault) Kind() registry.Kind { return s.kind }

// Address 返回子金库地址。
func (s *SubVault) Address() common.Address { return s.address }

// Execute 在调用内部执行策略动作并返回是否成功。参数不满足策略要求时返回 false，
// 调用本身不回滚。
func (s *SubVault) Execute(_ context.Context, tx *chain.Tx, action Action) bool {
	if !s.accepts(tx, action) {
		return false
	}
	params := make(map[string]string, len(action.Params))
	for k, v := range action.Params {
		params[k] = v
	}
	position := Position{
		Index:     uint64(len(s.positions)),
		User:      action.User,
		AgentType: action.AgentType,
		Action:    action.Name,
		Amount:    chain.Copy(action.Amount),
		Params:    params,
		OpenedAt:  tx.Time(),
	}
	chain.Append(tx, &s.positions, position)
	tx.Emit(s.address, evtPositionOpened, map[string]string{
		"index":     fmt.Sprint(position.Index),
		"user":      action.User.Hex(),
		"agentType": fmt.Sprint(uint8(action.AgentType)),
		"action":    action.Name,
		"amount":    position.Amount.String(),
	})
	return true
}

func (s *SubVault) accepts(tx *chain.Tx, action Action) bool {
	if tx.BalanceOf(chain.Stable, s.address).Cmp(action.Amount) < 0 {
		return false
	}
	if s.kind != registry.KindYield {
		return true
	}
	maturity, err := strconv.ParseInt(action.Params["maturity"], 10, 64)
	if err != nil {
		return false
	}
	return time.Unix(maturity, 0).After(tx.Time())
}

// positionsOf 返回用户在子金库中的头寸。
func (s *SubVault) positionsOf(user common.Address) []Position {
	var out []Position
	for _, p := range s.positions {
		if p.User == user {
			p.Amount = chain.Copy(p.Amount)
			out = append(out, p)
		}
	}
	return out
}
