package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowACP-Chain/internal/errors"
)

// GetRequest 返回请求快照。
func (e *Escrow) GetRequest(ctx context.Context, id common.Hash) (AgentRequest, error) {
	var (
		out AgentRequest
		err error
	)
	e.rt.View(ctx, func() {
		var req *AgentRequest
		if req, err = e.lookup(id); err == nil {
			out = req.clone()
		}
	})
	return out, err
}

// GetAgreement 返回请求的协议，协商前不存在。
func (e *Escrow) GetAgreement(ctx context.Context, id common.Hash) (ProofOfAgreement, error) {
	var (
		out ProofOfAgreement
		err error
	)
	e.rt.View(ctx, func() {
		if _, err = e.lookup(id); err != nil {
			return
		}
		agreement, ok := e.agreements[id]
		if !ok {
			err = xerrors.Newf(xerrors.CodeAgreementMissing, "请求 %s 尚未签署协议", id.Hex())
			return
		}
		out = agreement.clone()
	})
	return out, err
}

// GetTransaction 返回请求的交易记录。
func (e *Escrow) GetTransaction(ctx context.Context, id common.Hash) (Transaction, error) {
	var (
		out Transaction
		err error
	)
	e.rt.View(ctx, func() {
		if _, err = e.lookup(id); err != nil {
			return
		}
		record, ok := e.transactions[id]
		if !ok {
			err = xerrors.Newf(xerrors.CodeNotFound, "请求 %s 尚未进入交易阶段", id.Hex())
			return
		}
		out = record.clone()
	})
	return out, err
}

// GetEvaluation 返回请求方的评分。
func (e *Escrow) GetEvaluation(ctx context.Context, id common.Hash) (Evaluation, error) {
	var (
		out Evaluation
		err error
	)
	e.rt.View(ctx, func() {
		if _, err = e.lookup(id); err != nil {
			return
		}
		evaluation, ok := e.evaluations[id]
		if !ok {
			err = xerrors.Newf(xerrors.CodeNotFound, "请求 %s 尚未评估", id.Hex())
			return
		}
		out = *evaluation
	})
	return out, err
}

// ListRequests 按创建顺序返回请求方的全部请求。
func (e *Escrow) ListRequests(ctx context.Context, requester common.Address) []AgentRequest {
	var out []AgentRequest
	e.rt.View(ctx, func() {
		ids := e.byRequester[requester]
		out = make([]AgentRequest, 0, len(ids))
		for _, id := range ids {
			out = append(out, e.requests[id].clone())
		}
	})
	return out
}

// Paused 报告是否暂停创建请求。
func (e *Escrow) Paused(ctx context.Context) bool {
	var paused bool
	e.rt.View(ctx, func() { paused = e.paused })
	return paused
}

// Owed 返回在途请求占用的托管金额。
func (e *Escrow) Owed(ctx context.Context) *big.Int {
	var owed *big.Int
	e.rt.View(ctx, func() { owed = new(big.Int).Set(e.owed) })
	return owed
}
