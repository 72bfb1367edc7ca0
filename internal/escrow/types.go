package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/registry"
)

// Phase 表示请求在 ACP 状态机中的阶段，只能单向前进。
type Phase uint8

const (
	PhaseRequest Phase = iota
	PhaseNegotiation
	PhaseTransaction
	PhaseEvaluation
)

// String 返回阶段名称。
func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "request"
	case PhaseNegotiation:
		return "negotiation"
	case PhaseTransaction:
		return "transaction"
	case PhaseEvaluation:
		return "evaluation"
	default:
		return "unknown"
	}
}

// MarshalText 以名称序列化阶段。
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// AgentRequest 是一笔被托管的服务请求，创建后永不删除。
type AgentRequest struct {
	ID          common.Hash        `json:"id"`
	Requester   common.Address     `json:"requester"`
	AgentType   registry.AgentType `json:"agent_type"`
	ServiceType string             `json:"service_type"`
	Payment     *big.Int           `json:"payment"`
	PaymentUnit string             `json:"payment_unit"`
	ParamsHash  common.Hash        `json:"params_hash"`
	CreatedAt   time.Time          `json:"created_at"`
	BlockNumber uint64             `json:"block_number"`
	Phase       Phase              `json:"phase"`
}

// ProofOfAgreement 在协商阶段创建一次，之后不可修改。
type ProofOfAgreement struct {
	RequestID   common.Hash    `json:"request_id"`
	Provider    common.Address `json:"provider"`
	Requester   common.Address `json:"requester"`
	Description string         `json:"description"`
	AgreedPrice *big.Int       `json:"agreed_price"`
	Deadline    time.Time      `json:"deadline"`
	TermsHash   common.Hash    `json:"terms_hash"`
	Signed      bool           `json:"signed"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Transaction 记录托管付款的快照，交付时修改一次。
type Transaction struct {
	RequestID        common.Hash    `json:"request_id"`
	Requester        common.Address `json:"requester"`
	Provider         common.Address `json:"provider"`
	Payment          *big.Int       `json:"payment"`
	ServiceValue     *big.Int       `json:"service_value"`
	PaymentReleased  bool           `json:"payment_released"`
	ServiceDelivered bool           `json:"service_delivered"`
	Success          bool           `json:"success"`
	ResultHash       common.Hash    `json:"result_hash"`
	CompletedAt      time.Time      `json:"completed_at,omitempty"`
}

// Evaluation 是请求方提交的质量评分，不影响付款状态。
type Evaluation struct {
	RequestID common.Hash `json:"request_id"`
	Score     uint8       `json:"score"`
	TermsMet  bool        `json:"terms_met"`
	Feedback  string      `json:"feedback"`
	Timestamp time.Time   `json:"timestamp"`
}

func (r AgentRequest) clone() AgentRequest {
	r.Payment = new(big.Int).Set(r.Payment)
	return r
}

func (a ProofOfAgreement) clone() ProofOfAgreement {
	a.AgreedPrice = new(big.Int).Set(a.AgreedPrice)
	return a
}

func (t Transaction) clone() Transaction {
	t.Payment = new(big.Int).Set(t.Payment)
	t.ServiceValue = new(big.Int).Set(t.ServiceValue)
	return t
}
