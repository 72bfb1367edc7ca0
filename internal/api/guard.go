package api

import (
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/execution"
	"FlowACP-Chain/internal/registry"
)

const contractGuard = "ExecutionGuard"

func (s *Server) guardRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/guard", s.handleGuardStatus)
	mux.HandleFunc("GET /api/v1/guard/can-execute", s.handleCanExecute)
	mux.HandleFunc("GET /api/v1/guard/records/{index}", s.handleGetRecord)
	mux.HandleFunc("GET /api/v1/guard/users/{user}/agents/{agent}", s.handleUserHistory)
	mux.HandleFunc("GET /api/v1/guard/operators/{operator}", s.handleIsOperator)
	mux.Handle("POST /api/v1/guard/yield", s.signed("guard.executeYieldStrategy", s.handleExecuteYield))
	mux.Handle("POST /api/v1/guard/spot", s.signed("guard.executeSpotTrade", s.handleExecuteSpot))
	mux.Handle("POST /api/v1/guard/futures", s.signed("guard.executeFuturesPosition", s.handleExecuteFutures))
	mux.Handle("POST /api/v1/guard/operators", s.signed("guard.setBackendAuthorization", s.handleSetOperator))
	mux.Handle("POST /api/v1/guard/limits/{agent}/cooldown", s.signed("guard.setCooldown", s.handleSetCooldown))
	mux.Handle("POST /api/v1/guard/limits/{agent}/max-daily", s.signed("guard.setMaxDailyExecutions", s.handleSetMaxDaily))
	mux.Handle("POST /api/v1/guard/limits/{agent}/max-amount", s.signed("guard.setMaxExecutionAmount", s.handleSetMaxAmount))
	mux.Handle("POST /api/v1/guard/leverage", s.signed("guard.setMaxLeverage", s.handleSetLeverage))
	mux.Handle("POST /api/v1/guard/agents/{agent}/stop", s.signed("guard.emergencyStopAgent", s.handleEmergencyStop))
	mux.Handle("POST /api/v1/guard/pause", s.signed("guard.pause", s.handleGuardPause(true)))
	mux.Handle("POST /api/v1/guard/unpause", s.signed("guard.unpause", s.handleGuardPause(false)))
}

type limitView struct {
	Cooldown  string   `json:"cooldown"`
	MaxDaily  uint32   `json:"max_daily"`
	MaxAmount *big.Int `json:"max_amount"`
	Stopped   bool     `json:"stopped"`
}

type guardStatus struct {
	Address     common.Address       `json:"address"`
	Paused      bool                 `json:"paused"`
	MaxLeverage uint8                `json:"max_leverage"`
	Limits      map[string]limitView `json:"limits"`
}

func (s *Server) handleGuardStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g := s.deps.Guard
	status := guardStatus{
		Address:     g.Address(),
		Paused:      g.Paused(ctx),
		MaxLeverage: g.MaxLeverage(ctx),
		Limits:      make(map[string]limitView),
	}
	for _, t := range registry.Types() {
		l, err := g.GetLimits(ctx, t)
		if err != nil {
			continue
		}
		status.Limits[t.String()] = limitView{
			Cooldown:  l.Cooldown.String(),
			MaxDaily:  l.MaxDaily,
			MaxAmount: l.MaxAmount,
			Stopped:   g.IsStopped(ctx, t),
		}
	}
	writeJSON(w, http.StatusOK, status)
}

type canExecuteView struct {
	Allowed bool       `json:"allowed"`
	Reason  *errorBody `json:"reason,omitempty"`
	Wait    string     `json:"wait"`
}

func (s *Server) handleCanExecute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	operator, err := parseAddress("operator", q.Get("operator"))
	if err != nil {
		writeError(w, err)
		return
	}
	user, err := parseAddress("user", q.Get("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := parseAgent(q.Get("agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", q.Get("amount"), chain.Stable)
	if err != nil {
		writeError(w, err)
		return
	}

	ok, reason := s.deps.Guard.CanExecute(r.Context(), operator, user, t, amount)
	view := canExecuteView{Allowed: ok, Wait: s.deps.Guard.TimeUntilNextExecution(r.Context(), user, t).String()}
	if reason != nil {
		body := errorFrom(reason)
		view.Reason = &body
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	index, err := parseIndex(r.PathValue("index"))
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := s.deps.Guard.GetExecutionRecord(r.Context(), index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type historyView struct {
	User    common.Address     `json:"user"`
	Agent   registry.AgentType `json:"agent_type"`
	Wait    string             `json:"wait"`
	Records []execution.Record `json:"records"`
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := parseAgent(r.PathValue("agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	records := s.deps.Guard.GetUserExecutionHistory(r.Context(), user, t)
	if records == nil {
		records = []execution.Record{}
	}
	writeJSON(w, http.StatusOK, historyView{
		User:    user,
		Agent:   t,
		Wait:    s.deps.Guard.TimeUntilNextExecution(r.Context(), user, t).String(),
		Records: records,
	})
}

func (s *Server) handleIsOperator(w http.ResponseWriter, r *http.Request) {
	operator, err := parseAddress("operator", r.PathValue("operator"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operator":   operator,
		"authorized": s.deps.Guard.IsOperator(r.Context(), operator),
	})
}

type executeBody struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

func (b executeBody) parse() (common.Address, *big.Int, error) {
	user, err := parseAddress("user", b.User)
	if err != nil {
		return common.Address{}, nil, err
	}
	amount, err := parseOptionalAmount("amount", b.Amount, chain.Stable)
	if err != nil {
		return common.Address{}, nil, err
	}
	return user, amount, nil
}

func (s *Server) handleExecuteYield(w http.ResponseWriter, r *http.Request) {
	var body struct {
		executeBody
		Market          string    `json:"market"`
		Maturity        time.Time `json:"maturity"`
		PTAllocationBps uint32    `json:"pt_allocation_bps"`
	}
	s.execute(w, r, &body, "executeYieldStrategy", func(msg chain.Message) (*execution.Record, error) {
		user, amount, err := body.parse()
		if err != nil {
			return nil, err
		}
		market, err := parseAddress("market", body.Market)
		if err != nil {
			return nil, err
		}
		return s.deps.Guard.ExecuteYieldStrategy(r.Context(), msg, user, amount, execution.YieldParams{
			Market:          market,
			Maturity:        body.Maturity,
			PTAllocationBps: body.PTAllocationBps,
		})
	})
}

func (s *Server) handleExecuteSpot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		executeBody
		execution.SpotParams
	}
	s.execute(w, r, &body, "executeSpotTrade", func(msg chain.Message) (*execution.Record, error) {
		user, amount, err := body.parse()
		if err != nil {
			return nil, err
		}
		return s.deps.Guard.ExecuteSpotTrade(r.Context(), msg, user, amount, body.SpotParams)
	})
}

func (s *Server) handleExecuteFutures(w http.ResponseWriter, r *http.Request) {
	var body struct {
		executeBody
		execution.FuturesParams
	}
	s.execute(w, r, &body, "executeFuturesPosition", func(msg chain.Message) (*execution.Record, error) {
		user, amount, err := body.parse()
		if err != nil {
			return nil, err
		}
		return s.deps.Guard.ExecuteFuturesPosition(r.Context(), msg, user, amount, body.FuturesParams)
	})
}

// execute 执行一次策略动作。动作失败但限额已计入时仍返回 200 与 success=false 的记录。
func (s *Server) execute(w http.ResponseWriter, r *http.Request, body any, method string, apply func(msg chain.Message) (*execution.Record, error)) {
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
	record, err := apply(msg)
	s.observe(contractGuard, method, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSetOperator(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operator   string `json:"operator"`
		Authorized bool   `json:"authorized"`
	}
	s.guardAdmin(w, r, &body, "setBackendAuthorization", func(msg chain.Message) error {
		operator, err := parseAddress("operator", body.Operator)
		if err != nil {
			return err
		}
		return s.deps.Guard.SetBackendAuthorization(r.Context(), msg, operator, body.Authorized)
	})
}

func (s *Server) handleSetCooldown(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cooldown string `json:"cooldown"`
	}
	s.guardAdmin(w, r, &body, "setCooldown", func(msg chain.Message) error {
		t, err := parseAgent(r.PathValue("agent"))
		if err != nil {
			return err
		}
		cooldown, err := parseDuration("cooldown", body.Cooldown)
		if err != nil {
			return err
		}
		return s.deps.Guard.SetCooldown(r.Context(), msg, t, cooldown)
	})
}

func (s *Server) handleSetMaxDaily(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxDaily uint32 `json:"max_daily"`
	}
	s.guardAdmin(w, r, &body, "setMaxDailyExecutions", func(msg chain.Message) error {
		t, err := parseAgent(r.PathValue("agent"))
		if err != nil {
			return err
		}
		return s.deps.Guard.SetMaxDailyExecutions(r.Context(), msg, t, body.MaxDaily)
	})
}

func (s *Server) handleSetMaxAmount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxAmount string `json:"max_amount"`
	}
	s.guardAdmin(w, r, &body, "setMaxExecutionAmount", func(msg chain.Message) error {
		t, err := parseAgent(r.PathValue("agent"))
		if err != nil {
			return err
		}
		amount, err := parseAmount("max_amount", body.MaxAmount, chain.Stable)
		if err != nil {
			return err
		}
		return s.deps.Guard.SetMaxExecutionAmount(r.Context(), msg, t, amount)
	})
}

func (s *Server) handleSetLeverage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxLeverage uint8 `json:"max_leverage"`
	}
	s.guardAdmin(w, r, &body, "setMaxLeverage", func(msg chain.Message) error {
		return s.deps.Guard.SetMaxLeverage(r.Context(), msg, body.MaxLeverage)
	})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stopped bool `json:"stopped"`
	}
	s.guardAdmin(w, r, &body, "emergencyStopAgent", func(msg chain.Message) error {
		t, err := parseAgent(r.PathValue("agent"))
		if err != nil {
			return err
		}
		return s.deps.Guard.EmergencyStopAgent(r.Context(), msg, t, body.Stopped)
	})
}

func (s *Server) handleGuardPause(paused bool) http.HandlerFunc {
	method := "unpause"
	if paused {
		method = "pause"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct{}
		s.guardAdmin(w, r, &body, method, func(msg chain.Message) error {
			if paused {
				return s.deps.Guard.Pause(r.Context(), msg)
			}
			return s.deps.Guard.Unpause(r.Context(), msg)
		})
	}
}

// guardAdmin 执行一次守卫管理调用，成功后返回守卫状态。
func (s *Server) guardAdmin(w http.ResponseWriter, r *http.Request, body any, method string, apply func(msg chain.Message) error) {
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
	err = apply(msg)
	s.observe(contractGuard, method, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.handleGuardStatus(w, r)
}
