package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/escrow"
)

const contractEscrow = "ACPEscrow"

func (s *Server) escrowRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/escrow", s.handleEscrowStatus)
	mux.HandleFunc("GET /api/v1/escrow/requests", s.handleListRequests)
	mux.HandleFunc("GET /api/v1/escrow/requests/{id}", s.handleGetRequest)
	mux.Handle("POST /api/v1/escrow/requests", s.signed("escrow.createRequest", s.handleCreateRequest))
	mux.Handle("POST /api/v1/escrow/requests/{id}/agreement", s.signed("escrow.signAgreement", s.handleSignAgreement))
	mux.Handle("POST /api/v1/escrow/requests/{id}/transaction", s.signed("escrow.initiateTransaction", s.handleInitiateTransaction))
	mux.Handle("POST /api/v1/escrow/requests/{id}/delivery", s.signed("escrow.deliverService", s.handleDeliverService))
	mux.Handle("POST /api/v1/escrow/requests/{id}/evaluation", s.signed("escrow.completeEvaluation", s.handleCompleteEvaluation))
	mux.Handle("POST /api/v1/escrow/pause", s.signed("escrow.pause", s.handleEscrowPause(true)))
	mux.Handle("POST /api/v1/escrow/unpause", s.signed("escrow.unpause", s.handleEscrowPause(false)))
	mux.Handle("POST /api/v1/escrow/withdraw", s.signed("escrow.withdraw", s.handleEscrowWithdraw))
}

type escrowStatus struct {
	Address common.Address `json:"address"`
	Owner   common.Address `json:"owner"`
	Paused  bool           `json:"paused"`
	Owed    *big.Int       `json:"owed"`
	Balance *big.Int       `json:"balance"`
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	e := s.deps.Escrow
	writeJSON(w, http.StatusOK, escrowStatus{
		Address: e.Address(),
		Owner:   e.Owner(),
		Paused:  e.Paused(r.Context()),
		Owed:    e.Owed(r.Context()),
		Balance: s.deps.Runtime.BalanceOf(r.Context(), chain.Native, e.Address()),
	})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	requester, err := parseAddress("requester", r.URL.Query().Get("requester"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Escrow.ListRequests(r.Context(), requester))
}

// requestView 汇总请求在各阶段产生的记录，尚未产生的部分为空。
type requestView struct {
	Request     escrow.AgentRequest      `json:"request"`
	Agreement   *escrow.ProofOfAgreement `json:"agreement,omitempty"`
	Transaction *escrow.Transaction      `json:"transaction,omitempty"`
	Evaluation  *escrow.Evaluation       `json:"evaluation,omitempty"`
}

func (s *Server) requestView(r *http.Request, id common.Hash) (requestView, error) {
	ctx := r.Context()
	req, err := s.deps.Escrow.GetRequest(ctx, id)
	if err != nil {
		return requestView{}, err
	}
	view := requestView{Request: req}
	if a, err := s.deps.Escrow.GetAgreement(ctx, id); err == nil {
		view.Agreement = &a
	}
	if t, err := s.deps.Escrow.GetTransaction(ctx, id); err == nil {
		view.Transaction = &t
	}
	if e, err := s.deps.Escrow.GetEvaluation(ctx, id); err == nil {
		view.Evaluation = &e
	}
	return view, nil
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.requestView(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createRequestBody struct {
	AgentType   string          `json:"agent_type"`
	ServiceType string          `json:"service_type"`
	Params      json.RawMessage `json:"params"`
	ParamsHash  string          `json:"params_hash"`
	Value       string          `json:"value"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	t, err := parseAgent(body.AgentType)
	if err != nil {
		writeError(w, err)
		return
	}
	var paramsHash common.Hash
	if len(body.Params) > 0 {
		paramsHash, err = escrow.HashParameters(body.Params)
	} else {
		paramsHash, err = parseOptionalHash("params_hash", body.ParamsHash)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := message(r, body.Value)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	id, err := s.deps.Escrow.CreateRequest(r.Context(), msg, t, body.ServiceType, paramsHash)
	s.observe(contractEscrow, "createRequest", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondRequest(w, r, http.StatusCreated, id)
}

func (s *Server) handleSignAgreement(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description    string `json:"description"`
		DeliveryWindow string `json:"delivery_window"`
		TermsHash      string `json:"terms_hash"`
	}
	s.escrowCall(w, r, &body, "signAgreement", func(msg chain.Message, id common.Hash) error {
		window, err := parseDuration("delivery_window", body.DeliveryWindow)
		if err != nil {
			return err
		}
		terms, err := parseOptionalHash("terms_hash", body.TermsHash)
		if err != nil {
			return err
		}
		return s.deps.Escrow.SignAgreement(r.Context(), msg, id, body.Description, window, terms)
	})
}

func (s *Server) handleInitiateTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct{}
	s.escrowCall(w, r, &body, "initiateTransaction", func(msg chain.Message, id common.Hash) error {
		return s.deps.Escrow.InitiateTransaction(r.Context(), msg, id)
	})
}

func (s *Server) handleDeliverService(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Success bool   `json:"success"`
		Result  string `json:"result"`
	}
	s.escrowCall(w, r, &body, "deliverService", func(msg chain.Message, id common.Hash) error {
		return s.deps.Escrow.DeliverService(r.Context(), msg, id, body.Success, []byte(body.Result))
	})
}

func (s *Server) handleCompleteEvaluation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Score    uint8  `json:"score"`
		TermsMet bool   `json:"terms_met"`
		Feedback string `json:"feedback"`
	}
	s.escrowCall(w, r, &body, "completeEvaluation", func(msg chain.Message, id common.Hash) error {
		return s.deps.Escrow.CompleteEvaluation(r.Context(), msg, id, body.Score, body.TermsMet, body.Feedback)
	})
}

// escrowCall 处理针对单个请求的写操作，成功后返回请求的最新视图。
func (s *Server) escrowCall(w http.ResponseWriter, r *http.Request, body any, method string, apply func(msg chain.Message, id common.Hash) error) {
	id, err := parseHash("id", r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := decodeBody(r, body); err != nil {
		writeError(w, err)
		return
	}
	msg, err := message(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	err = apply(msg, id)
	s.observe(contractEscrow, method, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondRequest(w, r, http.StatusOK, id)
}

func (s *Server) respondRequest(w http.ResponseWriter, r *http.Request, status int, id common.Hash) {
	view, err := s.requestView(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, view)
}

func (s *Server) handleEscrowPause(paused bool) http.HandlerFunc {
	method := "unpause"
	if paused {
		method = "pause"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := message(r, "")
		if err != nil {
			writeError(w, err)
			return
		}
		start := time.Now()
		if paused {
			err = s.deps.Escrow.Pause(r.Context(), msg)
		} else {
			err = s.deps.Escrow.Unpause(r.Context(), msg)
		}
		s.observe(contractEscrow, method, start, err)
		if err != nil {
			writeError(w, err)
			return
		}
		s.handleEscrowStatus(w, r)
	}
}

func (s *Server) handleEscrowWithdraw(w http.ResponseWriter, r *http.Request) {
	msg, err := message(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	amount, err := s.deps.Escrow.Withdraw(r.Context(), msg)
	s.observe(contractEscrow, "withdraw", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*big.Int{"withdrawn": amount})
}
