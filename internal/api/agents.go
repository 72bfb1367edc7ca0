package api

import (
	"net/http"
	"time"

	"FlowACP-Chain/internal/chain"
)

const contractRegistry = "AgentRegistry"

func (s *Server) registryRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{agent}", s.handleGetAgent)
	mux.Handle("POST /api/v1/agents/{agent}/price", s.signed("registry.setPrice", s.handleSetPrice))
	mux.Handle("POST /api/v1/agents/{agent}/active", s.signed("registry.setActive", s.handleSetActive))
	mux.Handle("POST /api/v1/agents/{agent}/provider", s.signed("registry.setProvider", s.handleSetProvider))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List(r.Context()))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	t, err := parseAgent(r.PathValue("agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.deps.Registry.Get(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price string `json:"price"`
	}
	s.registryUpdate(w, r, &req, "setPrice", func(msg chain.Message) error {
		t, err := parseAgent(r.PathValue("agent"))
		if err != nil {
			return err
		}
		price, err := parseAmount("price", req.Price, chain.Native)
		if err != nil {
			return err
		}
		return s.deps.Registry.SetPrice(r.Context(), msg, t, price)
	})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	s.registryUpdate(w, r, &req, "setActive", func(msg chain.Message) error {
		t, err := parseAgent(r.PathValue("agent"))
		if err != nil {
			return err
		}
		return s.deps.Registry.SetActive(r.Context(), msg, t, req.Active)
	})
}

func (s *Server) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
	}
	s.registryUpdate(w, r, &req, "setProvider", func(msg chain.Message) error {
		t, err := parseAgent(r.PathValue("agent"))
		if err != nil {
			return err
		}
		provider, err := parseAddress("provider", req.Provider)
		if err != nil {
			return err
		}
		return s.deps.Registry.SetProvider(r.Context(), msg, t, provider)
	})
}

// registryUpdate 解析请求体、执行修改并返回修改后的记录。
func (s *Server) registryUpdate(w http.ResponseWriter, r *http.Request, body any, method string, apply func(msg chain.Message) error) {
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
	s.observe(contractRegistry, method, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.handleGetAgent(w, r)
}
