package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/registry"
)

// CreateRequest 创建服务请求并托管附带的全部付款。
func (e *Escrow) CreateRequest(ctx context.Context, msg chain.Message, agentType registry.AgentType, serviceType string, paramsHash common.Hash) (common.Hash, error) {
	var id common.Hash
	_, err := e.submit(ctx, msg, "createRequest", true, func(ctx context.Context, tx *chain.Tx) error {
		if e.paused {
			return ErrPaused
		}
		agent, err := e.registry.Lookup(agentType)
		if err != nil {
			return err
		}
		if !agent.Active {
			return xerrors.Newf(xerrors.CodeAgentInactive, "智能体 %s 已停用", agentType)
		}
		payment := tx.Value()
		if payment.Cmp(agent.Price) < 0 {
			return xerrors.Newf(xerrors.CodeInsufficientPayment, "付款 %s 低于智能体 %s 的价格 %s",
				chain.FormatUnits(payment, chain.Native.Decimals()), agentType, chain.FormatUnits(agent.Price, chain.Native.Decimals()))
		}
		serviceType = strings.TrimSpace(serviceType)
		if serviceType == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "服务类型不能为空")
		}

		id, err = deriveRequestID(tx.Caller(), agentType, serviceType, tx.Block(), tx.NextSequence())
		if err != nil {
			return err
		}
		if _, exists := e.requests[id]; exists {
			return xerrors.Newf(xerrors.CodeConflict, "请求 %s 已存在", id.Hex())
		}
		req := &AgentRequest{
			ID:          id,
			Requester:   tx.Caller(),
			AgentType:   agentType,
			ServiceType: serviceType,
			Payment:     payment,
			PaymentUnit: string(chain.Native),
			ParamsHash:  paramsHash,
			CreatedAt:   tx.Time(),
			BlockNumber: tx.Block().Number,
			Phase:       PhaseRequest,
		}
		chain.SetMap(tx, e.requests, id, req)
		chain.SetMap(tx, e.byRequester, req.Requester, append(append([]common.Hash(nil), e.byRequester[req.Requester]...), id))
		chain.Assign(tx, &e.owed, new(big.Int).Add(e.owed, payment))

		tx.Emit(e.cfg.Address, evtRequestCreated, map[string]string{
			"requestId":   id.Hex(),
			"requester":   req.Requester.Hex(),
			"agentType":   fmt.Sprint(uint8(agentType)),
			"serviceType": serviceType,
			"payment":     payment.String(),
			"paramsHash":  paramsHash.Hex(),
		})
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return id, nil
}

// SignAgreement 由管理员签署协议，请求进入协商阶段。
func (e *Escrow) SignAgreement(ctx context.Context, msg chain.Message, id common.Hash, description string, deliveryWindow time.Duration, termsHash common.Hash) error {
	_, err := e.submit(ctx, msg, "signAgreement", false, func(ctx context.Context, tx *chain.Tx) error {
		if err := chain.RequireOwner(tx, e.cfg.Owner); err != nil {
			return err
		}
		req, err := e.lookup(id)
		if err != nil {
			return err
		}
		if err := requirePhase(req, PhaseRequest); err != nil {
			return err
		}
		if deliveryWindow <= 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "交付期限必须为正")
		}
		if e.cfg.MaxDeliveryWindow > 0 && deliveryWindow > e.cfg.MaxDeliveryWindow {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "交付期限 %s 超过上限 %s", deliveryWindow, e.cfg.MaxDeliveryWindow)
		}
		agent, err := e.registry.Lookup(req.AgentType)
		if err != nil {
			return err
		}
		provider := agent.Provider
		if provider == (common.Address{}) {
			provider = e.cfg.Owner
		}
		agreement := &ProofOfAgreement{
			RequestID:   id,
			Provider:    provider,
			Requester:   req.Requester,
			Description: description,
			AgreedPrice: chain.Copy(req.Payment),
			Deadline:    tx.Time().Add(deliveryWindow),
			TermsHash:   termsHash,
			Signed:      true,
			Timestamp:   tx.Time(),
		}
		chain.SetMap(tx, e.agreements, id, agreement)
		chain.Assign(tx, &req.Phase, PhaseNegotiation)

		tx.Emit(e.cfg.Address, evtAgreementSigned, map[string]string{
			"requestId":   id.Hex(),
			"provider":    provider.Hex(),
			"agreedPrice": agreement.AgreedPrice.String(),
			"deadline":    fmt.Sprint(agreement.Deadline.Unix()),
			"termsHash":   termsHash.Hex(),
		})
		return nil
	})
	return err
}

// InitiateTransaction 快照付款与服务价值，请求进入交易阶段。
func (e *Escrow) InitiateTransaction(ctx context.Context, msg chain.Message, id common.Hash) error {
	_, err := e.submit(ctx, msg, "initiateTransaction", false, func(ctx context.Context, tx *chain.Tx) error {
		if err := chain.RequireOwner(tx, e.cfg.Owner); err != nil {
			return err
		}
		req, err := e.lookup(id)
		if err != nil {
			return err
		}
		if err := requirePhase(req, PhaseNegotiation); err != nil {
			return err
		}
		agreement, ok := e.agreements[id]
		if !ok || !agreement.Signed {
			return xerrors.Newf(xerrors.CodeAgreementMissing, "请求 %s 缺少已签署的协议", id.Hex())
		}
		agent, err := e.registry.Lookup(req.AgentType)
		if err != nil {
			return err
		}
		serviceValue := chain.Copy(agent.Price)
		if serviceValue.Cmp(req.Payment) > 0 {
			serviceValue = chain.Copy(req.Payment)
		}
		record := &Transaction{
			RequestID:    id,
			Requester:    req.Requester,
			Provider:     agreement.Provider,
			Payment:      chain.Copy(req.Payment),
			ServiceValue: serviceValue,
		}
		chain.SetMap(tx, e.transactions, id, record)
		chain.Assign(tx, &req.Phase, PhaseTransaction)

		tx.Emit(e.cfg.Address, evtTransactionInitiated, map[string]string{
			"requestId":    id.Hex(),
			"payment":      record.Payment.String(),
			"serviceValue": serviceValue.String(),
		})
		return nil
	})
	return err
}

// DeliverService 记录交付结果。成功时付款释放给管理员，失败时付款继续托管。
// 状态在转账之前全部写入。
func (e *Escrow) DeliverService(ctx context.Context, msg chain.Message, id common.Hash, success bool, result []byte) error {
	_, err := e.submit(ctx, msg, "deliverService", false, func(ctx context.Context, tx *chain.Tx) error {
		if err := chain.RequireOwner(tx, e.cfg.Owner); err != nil {
			return err
		}
		req, err := e.lookup(id)
		if err != nil {
			return err
		}
		record, ok := e.transactions[id]
		if ok && record.ServiceDelivered {
			return xerrors.Newf(xerrors.CodeAlreadyDelivered, "请求 %s 已交付", id.Hex())
		}
		if err := requirePhase(req, PhaseTransaction); err != nil {
			return err
		}
		if !ok {
			return xerrors.Newf(xerrors.CodePhaseViolation, "请求 %s 缺少交易记录", id.Hex())
		}

		resultHash := crypto.Keccak256Hash(result)
		chain.Assign(tx, &record.ServiceDelivered, true)
		chain.Assign(tx, &record.Success, success)
		chain.Assign(tx, &record.ResultHash, resultHash)
		chain.Assign(tx, &record.CompletedAt, tx.Time())
		chain.Assign(tx, &req.Phase, PhaseEvaluation)
		chain.Assign(tx, &e.owed, new(big.Int).Sub(e.owed, record.Payment))
		if success {
			chain.Assign(tx, &record.PaymentReleased, true)
		}

		tx.Emit(e.cfg.Address, evtServiceDelivered, map[string]string{
			"requestId":  id.Hex(),
			"success":    fmt.Sprint(success),
			"resultHash": resultHash.Hex(),
		})
		if !success {
			return nil
		}
		tx.Emit(e.cfg.Address, evtPaymentReleased, map[string]string{
			"requestId": id.Hex(),
			"to":        e.cfg.Owner.Hex(),
			"amount":    record.Payment.String(),
		})
		return tx.Transfer(ctx, chain.Native, e.cfg.Address, e.cfg.Owner, record.Payment)
	})
	return err
}

// CompleteEvaluation 由请求方提交评分，每个请求只能评估一次。
func (e *Escrow) CompleteEvaluation(ctx context.Context, msg chain.Message, id common.Hash, score uint8, termsMet bool, feedback string) error {
	_, err := e.submit(ctx, msg, "completeEvaluation", false, func(ctx context.Context, tx *chain.Tx) error {
		req, err := e.lookup(id)
		if err != nil {
			return err
		}
		if tx.Caller() != req.Requester {
			return xerrors.Newf(xerrors.CodeUnauthorized, "只有请求方可以评估请求 %s", id.Hex())
		}
		if err := requirePhase(req, PhaseEvaluation); err != nil {
			return err
		}
		if _, done := e.evaluations[id]; done {
			return xerrors.Newf(xerrors.CodeAlreadyEvaluated, "请求 %s 已评估", id.Hex())
		}
		if score < MinScore || score > MaxScore {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "评分 %d 超出范围 [%d, %d]", score, MinScore, MaxScore)
		}
		chain.SetMap(tx, e.evaluations, id, &Evaluation{
			RequestID: id,
			Score:     score,
			TermsMet:  termsMet,
			Feedback:  feedback,
			Timestamp: tx.Time(),
		})
		tx.Emit(e.cfg.Address, evtEvaluationCompleted, map[string]string{
			"requestId": id.Hex(),
			"score":     fmt.Sprint(score),
			"termsMet":  fmt.Sprint(termsMet),
		})
		return nil
	})
	return err
}

// Pause 暂停创建新请求，已有请求的阶段推进不受影响。
func (e *Escrow) Pause(ctx context.Context, msg chain.Message) error {
	return e.setPaused(ctx, msg, true)
}

// Unpause 恢复创建请求。
func (e *Escrow) Unpause(ctx context.Context, msg chain.Message) error {
	return e.setPaused(ctx, msg, false)
}

func (e *Escrow) setPaused(ctx context.Context, msg chain.Message, paused bool) error {
	method, spec := "unpause", evtUnpaused
	if paused {
		method, spec = "pause", evtPaused
	}
	_, err := e.submit(ctx, msg, method, false, func(ctx context.Context, tx *chain.Tx) error {
		if err := chain.RequireOwner(tx, e.cfg.Owner); err != nil {
			return err
		}
		chain.Assign(tx, &e.paused, paused)
		tx.Emit(e.cfg.Address, spec, map[string]string{"account": tx.Caller().Hex()})
		return nil
	})
	return err
}

// Withdraw 把未被在途请求占用的托管余额转给管理员，返回转出的金额。
func (e *Escrow) Withdraw(ctx context.Context, msg chain.Message) (*big.Int, error) {
	var swept *big.Int
	_, err := e.submit(ctx, msg, "withdraw", false, func(ctx context.Context, tx *chain.Tx) error {
		if err := chain.RequireOwner(tx, e.cfg.Owner); err != nil {
			return err
		}
		residual := new(big.Int).Sub(tx.BalanceOf(chain.Native, e.cfg.Address), e.owed)
		if residual.Sign() <= 0 {
			return xerrors.New(xerrors.CodeInsufficientFunds, "没有可提取的余额")
		}
		swept = residual
		tx.Emit(e.cfg.Address, evtResidualWithdrawn, map[string]string{
			"to":     e.cfg.Owner.Hex(),
			"amount": residual.String(),
		})
		return tx.Transfer(ctx, chain.Native, e.cfg.Address, e.cfg.Owner, residual)
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}
