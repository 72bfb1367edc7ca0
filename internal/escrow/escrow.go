// Package escrow 实现 ACP 分阶段托管：请求、协商、交易、评估四个阶段单向推进，
// 付款在请求创建时托管，仅在服务成功交付后释放给管理员。
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/pkg/logger"
)

const contractName = "ACPEscrow"

// 最短评分与最高评分。
const (
	MinScore = 1
	MaxScore = 10
)

var (
	// ErrRequestNotFound 表示请求不存在。
	ErrRequestNotFound = xerrors.New(xerrors.CodeRequestNotFound, "request not found")
	// ErrPhaseViolation 表示请求不处于所需阶段。
	ErrPhaseViolation = xerrors.New(xerrors.CodePhaseViolation, "invalid phase")
	// ErrPaused 表示托管合约已暂停创建请求。
	ErrPaused = xerrors.New(xerrors.CodePaused, "escrow paused")
)

var (
	evtRequestCreated       = chain.NewEventSpec("AgentRequestCreated(bytes32,address,uint8,string,uint256)")
	evtAgreementSigned      = chain.NewEventSpec("AgreementSigned(bytes32,address,uint256,uint256)")
	evtTransactionInitiated = chain.NewEventSpec("TransactionInitiated(bytes32,uint256,uint256)")
	evtServiceDelivered     = chain.NewEventSpec("ServiceDelivered(bytes32,bool,bytes32)")
	evtPaymentReleased      = chain.NewEventSpec("PaymentReleased(bytes32,address,uint256)")
	evtEvaluationCompleted  = chain.NewEventSpec("EvaluationCompleted(bytes32,uint8,bool)")
	evtPaused               = chain.NewEventSpec("Paused(address)")
	evtUnpaused             = chain.NewEventSpec("Unpaused(address)")
	evtResidualWithdrawn    = chain.NewEventSpec("ResidualWithdrawn(address,uint256)")
)

var requestIDArgs = func() abi.Arguments {
	addressT, _ := abi.NewType("address", "", nil)
	uint8T, _ := abi.NewType("uint8", "", nil)
	stringT, _ := abi.NewType("string", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	return abi.Arguments{
		{Name: "requester", Type: addressT},
		{Name: "agentType", Type: uint8T},
		{Name: "serviceType", Type: stringT},
		{Name: "timestamp", Type: uint256T},
		{Name: "blockNumber", Type: uint256T},
		{Name: "sequence", Type: uint256T},
	}
}()

// Config 描述托管合约的部署参数。
type Config struct {
	Address common.Address
	Owner   common.Address
	// MaxDeliveryWindow 限制协商时可设置的交付期限，0 表示不限制。
	MaxDeliveryWindow time.Duration
}

// Escrow 是 ACP 托管合约。所有字段只在运行时的调用内修改。
type Escrow struct {
	rt       *chain.Runtime
	registry *registry.Registry
	cfg      Config

	paused       bool
	requests     map[common.Hash]*AgentRequest
	agreements   map[common.Hash]*ProofOfAgreement
	transactions map[common.Hash]*Transaction
	evaluations  map[common.Hash]*Evaluation
	byRequester  map[common.Address][]common.Hash
	// owed 是尚未交付的请求仍占用的托管金额。
	owed  *big.Int
	guard chain.ReentrancyGuard

	logger *slog.Logger
}

// New 创建托管合约。
func New(rt *chain.Runtime, reg *registry.Registry, cfg Config) (*Escrow, error) {
	if rt == nil || reg == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "托管合约依赖未初始化")
	}
	if cfg.Owner == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管合约必须配置管理员")
	}
	return &Escrow{
		rt:           rt,
		registry:     reg,
		cfg:          cfg,
		requests:     make(map[common.Hash]*AgentRequest),
		agreements:   make(map[common.Hash]*ProofOfAgreement),
		transactions: make(map[common.Hash]*Transaction),
		evaluations:  make(map[common.Hash]*Evaluation),
		byRequester:  make(map[common.Address][]common.Hash),
		owed:         new(big.Int),
		logger:       logger.Named("escrow"),
	}, nil
}

// Address 返回托管合约地址。
func (e *Escrow) Address() common.Address { return e.cfg.Address }

// Owner 返回管理员地址。
func (e *Escrow) Owner() common.Address { return e.cfg.Owner }

func (e *Escrow) submit(ctx context.Context, msg chain.Message, method string, payable bool, fn func(ctx context.Context, tx *chain.Tx) error) (*chain.Receipt, error) {
	if !payable {
		if err := chain.NonPayable(msg); err != nil {
			return nil, err
		}
	}
	call := chain.Call{Contract: contractName, Method: method, From: msg.From, To: e.cfg.Address, Value: msg.Value}
	receipt, err := e.rt.Submit(ctx, call, func(ctx context.Context, tx *chain.Tx) error {
		release, err := e.guard.Enter()
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx, tx)
	})
	if err != nil {
		e.logger.Warn("托管调用被拒绝",
			slog.String("method", method),
			slog.String("caller", msg.From.Hex()),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return nil, err
	}
	logger.Audit().Info("托管调用已提交",
		slog.String("contract", contractName),
		slog.String("method", method),
		slog.String("caller", msg.From.Hex()),
		slog.Uint64("block", receipt.Block.Number),
		slog.String("tx_hash", receipt.TxHash.Hex()),
	)
	return receipt, nil
}

func (e *Escrow) lookup(id common.Hash) (*AgentRequest, error) {
	req, ok := e.requests[id]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeRequestNotFound, "请求 %s 不存在", id.Hex())
	}
	return req, nil
}

func requirePhase(req *AgentRequest, want Phase) error {
	if req.Phase != want {
		return xerrors.New(xerrors.CodePhaseViolation,
			fmt.Sprintf("请求 %s 处于 %s 阶段，需要 %s", req.ID.Hex(), req.Phase, want),
			xerrors.WithMetadata("phase", req.Phase.String()))
	}
	return nil
}

func deriveRequestID(requester common.Address, agentType registry.AgentType, serviceType string, block chain.Block, seq uint64) (common.Hash, error) {
	packed, err := requestIDArgs.Pack(
		requester,
		uint8(agentType),
		serviceType,
		big.NewInt(block.Time.Unix()),
		new(big.Int).SetUint64(block.Number),
		new(big.Int).SetUint64(seq),
	)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法编码请求标识")
	}
	return crypto.Keccak256Hash(packed), nil
}
