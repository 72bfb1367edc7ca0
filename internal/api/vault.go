package api

import (
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/internal/vault"
)

const contractVault = "FlowVault"

func (s *Server) vaultRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/vault", s.handleVaultStatus)
	mux.HandleFunc("GET /api/v1/vault/users/{user}/agents/{agent}", s.handleVaultPosition)
	mux.Handle("POST /api/v1/vault/delegations", s.signed("vault.depositAndDelegate", s.handleDelegate))
	mux.Handle("POST /api/v1/vault/withdrawals", s.signed("vault.withdraw", s.handleVaultWithdraw))
	mux.Handle("POST /api/v1/vault/admin/platform-fee", s.signed("vault.setPlatformFee", s.handleVaultBps("setPlatformFee")))
	mux.Handle("POST /api/v1/vault/admin/gas-reserve", s.signed("vault.setGasReserve", s.handleVaultBps("setGasReserve")))
	mux.Handle("POST /api/v1/vault/admin/min-delegation", s.signed("vault.setMinDelegationAmount", s.handleMinDelegation))
	mux.Handle("POST /api/v1/vault/admin/treasury", s.signed("vault.setTreasury", s.handleTreasury))
	mux.Handle("POST /api/v1/vault/admin/sub-vaults", s.signed("vault.setVaultAddresses", s.handleSubVaults))
	mux.Handle("POST /api/v1/vault/admin/pause", s.signed("vault.pause", s.handleVaultPause(true)))
	mux.Handle("POST /api/v1/vault/admin/unpause", s.signed("vault.unpause", s.handleVaultPause(false)))
}

type vaultStatus struct {
	vault.Settings
	TotalDelegated map[string]*big.Int `json:"total_delegated"`
	Custody        map[string]*big.Int `json:"custody"`
}

func (s *Server) handleVaultStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v := s.deps.Vault
	status := vaultStatus{
		Settings:       v.Settings(ctx),
		TotalDelegated: make(map[string]*big.Int),
		Custody:        make(map[string]*big.Int),
	}
	for _, t := range registry.Types() {
		status.TotalDelegated[t.String()] = v.TotalDelegated(ctx, t)
	}
	for _, addr := range []common.Address{status.YieldVault, status.TradingVault} {
		status.Custody[addr.Hex()] = s.deps.Runtime.BalanceOf(ctx, chain.Stable, addr)
	}
	writeJSON(w, http.StatusOK, status)
}

type positionView struct {
	User      common.Address     `json:"user"`
	AgentType registry.AgentType `json:"agent_type"`
	Balance   *big.Int           `json:"balance"`
	Positions []vault.Position   `json:"positions"`
}

func (s *Server) handleVaultPosition(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, positionView{
		User:      user,
		AgentType: t,
		Balance:   s.deps.Vault.GetUserBalance(r.Context(), user, t),
		Positions: s.deps.Vault.Positions(r.Context(), user, t),
	})
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentType    string `json:"agent_type"`
		Value        string `json:"value"`
		TargetStable string `json:"target_stable"`
		MinStableOut string `json:"min_stable_out"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	t, err := parseAgent(body.AgentType)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := parseOptionalAmount("target_stable", body.TargetStable, chain.Stable)
	if err != nil {
		writeError(w, err)
		return
	}
	minOut, err := parseOptionalAmount("min_stable_out", body.MinStableOut, chain.Stable)
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
	d, err := s.deps.Vault.DepositAndDelegate(r.Context(), msg, t, target, minOut)
	s.observe(contractVault, "depositAndDelegate", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleVaultWithdraw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentType string `json:"agent_type"`
		Amount    string `json:"amount"`
		All       bool   `json:"all"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	t, err := parseAgent(body.AgentType)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := message(r, "")
	if err != nil {
		writeError(w, err)
		return
	}

	var (
		out    *vault.Withdrawal
		method = "withdraw"
		start  = time.Now()
	)
	if body.All {
		method = "withdrawAll"
		out, err = s.deps.Vault.WithdrawAll(r.Context(), msg, t)
	} else {
		var amount *big.Int
		if amount, err = parseAmount("amount", body.Amount, chain.Stable); err == nil {
			out, err = s.deps.Vault.Withdraw(r.Context(), msg, t, amount)
		}
	}
	s.observe(contractVault, method, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVaultBps(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Bps uint32 `json:"bps"`
		}
		s.vaultAdmin(w, r, &body, method, func(msg chain.Message) error {
			if method == "setGasReserve" {
				return s.deps.Vault.SetGasReserve(r.Context(), msg, body.Bps)
			}
			return s.deps.Vault.SetPlatformFee(r.Context(), msg, body.Bps)
		})
	}
}

func (s *Server) handleMinDelegation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount string `json:"amount"`
	}
	s.vaultAdmin(w, r, &body, "setMinDelegationAmount", func(msg chain.Message) error {
		amount, err := parseAmount("amount", body.Amount, chain.Stable)
		if err != nil {
			return err
		}
		return s.deps.Vault.SetMinDelegationAmount(r.Context(), msg, amount)
	})
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Treasury string `json:"treasury"`
	}
	s.vaultAdmin(w, r, &body, "setTreasury", func(msg chain.Message) error {
		treasury, err := parseAddress("treasury", body.Treasury)
		if err != nil {
			return err
		}
		return s.deps.Vault.SetTreasury(r.Context(), msg, treasury)
	})
}

func (s *Server) handleSubVaults(w http.ResponseWriter, r *http.Request) {
	var body struct {
		YieldVault   string `json:"yield_vault"`
		TradingVault string `json:"trading_vault"`
	}
	s.vaultAdmin(w, r, &body, "setVaultAddresses", func(msg chain.Message) error {
		yield, err := parseAddress("yield_vault", body.YieldVault)
		if err != nil {
			return err
		}
		trading, err := parseAddress("trading_vault", body.TradingVault)
		if err != nil {
			return err
		}
		return s.deps.Vault.SetVaultAddresses(r.Context(), msg, yield, trading)
	})
}

func (s *Server) handleVaultPause(paused bool) http.HandlerFunc {
	method := "unpause"
	if paused {
		method = "pause"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct{}
		s.vaultAdmin(w, r, &body, method, func(msg chain.Message) error {
			if paused {
				return s.deps.Vault.Pause(r.Context(), msg)
			}
			return s.deps.Vault.Unpause(r.Context(), msg)
		})
	}
}

// vaultAdmin 执行一次金库管理调用，成功后返回最新配置。
func (s *Server) vaultAdmin(w http.ResponseWriter, r *http.Request, body any, method string, apply func(msg chain.Message) error) {
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
	s.observe(contractVault, method, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Vault.Settings(r.Context()))
}
