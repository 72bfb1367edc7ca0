package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowACP-Chain/internal/auth"
	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/config"
	"FlowACP-Chain/internal/escrow"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/execution"
	"FlowACP-Chain/internal/observability/metrics"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/internal/swap"
	"FlowACP-Chain/internal/vault"
)

var (
	poolAt  = common.HexToAddress("0x9000000000000000000000000000000000000006")
	yieldAt = common.HexToAddress("0x1d00000000000000000000000000000000000007")
	tradeAt = common.HexToAddress("0x7d00000000000000000000000000000000000008")
)

func usdc(v string) *big.Int { return chain.MustParseUnits(v, chain.Stable.Decimals()) }
func eth(v string) *big.Int { return chain.MustParseUnits(v, chain.Native.Decimals()) }

type harness struct {
	t        *testing.T
	rt       *chain.Runtime
	handler  http.Handler
	metrics  *metrics.Metrics
	admin    *ecdsa.PrivateKey
	user     *ecdsa.PrivateKey
	operator *ecdsa.PrivateKey
	trusted  bool
}

func addressOf(key *ecdsa.PrivateKey) common.Address { return crypto.PubkeyToAddress(key.PublicKey) }

func newHarness(t *testing.T, cfg config.ServerConfig) *harness {
	t.Helper()
	h := &harness{t: t, trusted: cfg.Trusted}
	for _, k := range []**ecdsa.PrivateKey{&h.admin, &h.user, &h.operator} {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		*k = key
	}

	rt := chain.NewRuntime()
	rt.Genesis(chain.Native, addressOf(h.user), eth("10"))
	rt.Genesis(chain.Stable, poolAt, usdc("1000000"))
	rt.Genesis(chain.Native, poolAt, eth("100"))
	h.rt = rt
	admin := addressOf(h.admin)

	reg, err := registry.New(rt, common.HexToAddress("0x4e"), admin, []registry.Agent{
		{Type: registry.Yuki, Price: eth("0.01"), Active: true},
		{Type: registry.Sakura, Price: eth("0.01"), Active: true},
		{Type: registry.Ryu, Price: eth("0.02"), Active: false},
	})
	require.NoError(t, err)
	esc, err := escrow.New(rt, reg, escrow.Config{Address: common.HexToAddress("0xe5"), Owner: admin, MaxDeliveryWindow: 24 * time.Hour})
	require.NoError(t, err)
	v, err := vault.New(rt, swap.NewPoolAdapter(poolAt, swap.NewStaticPrice(usdc("2000"))), vault.Config{
		Address:       common.HexToAddress("0xfa"),
		Owner:         admin,
		Treasury:      admin,
		YieldVault:    yieldAt,
		TradingVault:  tradeAt,
		MinDelegation: usdc("10"),
	})
	require.NoError(t, err)
	g, err := execution.New(rt, v, execution.Config{
		Address:   common.HexToAddress("0xe9"),
		Owner:     admin,
		Operators: []common.Address{addressOf(h.operator)},
		Limits: map[registry.AgentType]execution.Limits{
			registry.Yuki:   {Cooldown: time.Hour, MaxDaily: 5, MaxAmount: usdc("1000")},
			registry.Sakura: {Cooldown: time.Hour, MaxDaily: 5, MaxAmount: usdc("1000")},
		},
		MaxLeverage: 10,
	})
	require.NoError(t, err)

	h.metrics = metrics.New()
	if cfg.SignatureWindow == 0 {
		cfg.SignatureWindow = config.Duration(time.Minute)
	}
	srv, err := NewServer(cfg, Deps{Runtime: rt, Registry: reg, Escrow: esc, Vault: v, Guard: g, Metrics: h.metrics})
	require.NoError(t, err)
	h.handler = srv.Handler()
	return h
}

// do 发送请求；key 非空时按当前模式附带调用者身份。
func (h *harness) do(method, path string, key *ecdsa.PrivateKey, body any) (*httptest.ResponseRecorder, map[string]any) {
	h.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if key != nil {
		req.Header.Set(auth.HeaderAddress, addressOf(key).Hex())
		if !h.trusted {
			ts, sig, err := auth.Sign(key, method, req.URL.Path, time.Now(), raw)
			require.NoError(h.t, err)
			req.Header.Set(auth.HeaderTimestamp, ts)
			req.Header.Set(auth.HeaderSignature, sig)
		}
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]any
	if bytes.HasPrefix(bytes.TrimSpace(rec.Body.Bytes()), []byte("{")) {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})

	rec, body := h.do(http.MethodPost, "/api/v1/escrow/requests", h.user, map[string]any{
		"agent_type":   "flow-yuki",
		"service_type": "trade_scan",
		"params":       map[string]any{"symbol": "BTC", "interval": "1h"},
		"value":        "0.01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	request := body["request"].(map[string]any)
	id := request["id"].(string)
	assert.Equal(t, "request", request["phase"])

	wantHash, err := escrow.HashParameters(map[string]any{"symbol": "BTC", "interval": "1h"})
	require.NoError(t, err)
	assert.Equal(t, wantHash.Hex(), request["params_hash"])

	// 请求方不能代替合约所有者签署协议。
	rec, body = h.do(http.MethodPost, "/api/v1/escrow/requests/"+id+"/agreement", h.user, map[string]any{
		"description": "BTC scan", "delivery_window": "1h",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(xerrors.CodeUnauthorized), errorCode(body))

	rec, body = h.do(http.MethodPost, "/api/v1/escrow/requests/"+id+"/agreement", h.admin, map[string]any{
		"description": "BTC scan", "delivery_window": "1h",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, body["agreement"])

	// 跳过交易阶段直接交付属于阶段错误。
	rec, _ = h.do(http.MethodPost, "/api/v1/escrow/requests/"+id+"/delivery", h.admin, map[string]any{"success": true})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = h.do(http.MethodPost, "/api/v1/escrow/requests/"+id+"/transaction", h.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, body = h.do(http.MethodPost, "/api/v1/escrow/requests/"+id+"/delivery", h.admin, map[string]any{"success": true, "result": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["transaction"].(map[string]any)["payment_released"])
	assert.Equal(t, eth("0.01"), h.rt.BalanceOf(context.Background(), chain.Native, addressOf(h.admin)))

	rec, _ = h.do(http.MethodPost, "/api/v1/escrow/requests/"+id+"/evaluation", h.user, map[string]any{"score": 90, "terms_met": true, "feedback": "good"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body = h.do(http.MethodGet, "/api/v1/escrow/requests/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "evaluation", body["request"].(map[string]any)["phase"])
	assert.Equal(t, float64(90), body["evaluation"].(map[string]any)["score"])

	rec, _ = h.do(http.MethodGet, "/api/v1/escrow/requests/0x1234", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, body = h.do(http.MethodGet, "/api/v1/escrow/requests/"+common.Hash{0x42}.Hex(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(xerrors.CodeRequestNotFound), errorCode(body))
}

func TestPaymentAndAgentErrors(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})

	rec, body := h.do(http.MethodPost, "/api/v1/escrow/requests", h.user, map[string]any{
		"agent_type": "yuki", "service_type": "scan", "value": "0.001",
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(xerrors.CodeInsufficientPayment), errorCode(body))

	rec, body = h.do(http.MethodPost, "/api/v1/escrow/requests", h.user, map[string]any{
		"agent_type": "flow-ryu", "service_type": "scan", "value": "0.02",
	})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, string(xerrors.CodeAgentInactive), errorCode(body))

	rec, _ = h.do(http.MethodPost, "/api/v1/escrow/requests", h.user, map[string]any{"agent_type": "flow-unknown"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(http.MethodPost, "/api/v1/escrow/requests", h.user, map[string]any{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignedRoutesRejectMissingOrForgedSignature(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})

	rec, _ := h.do(http.MethodPost, "/api/v1/escrow/pause", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 用户签名但声明为管理员地址。
	req := httptest.NewRequest(http.MethodPost, "/api/v1/escrow/pause", nil)
	ts, sig, err := auth.Sign(h.user, http.MethodPost, "/api/v1/escrow/pause", time.Now(), nil)
	require.NoError(t, err)
	req.Header.Set(auth.HeaderAddress, addressOf(h.admin).Hex())
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, sig)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := h.do(http.MethodGet, "/api/v1/escrow", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["paused"])
}

func TestSignedRequestCannotBeReplayed(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	ctx := context.Background()

	raw, err := json.Marshal(map[string]any{"agent_type": "flow-yuki", "service_type": "scan", "value": "0.5"})
	require.NoError(t, err)
	ts, sig, err := auth.Sign(h.user, http.MethodPost, "/api/v1/escrow/requests", time.Now(), raw)
	require.NoError(t, err)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/escrow/requests", bytes.NewReader(raw))
		req.Header.Set(auth.HeaderAddress, addressOf(h.user).Hex())
		req.Header.Set(auth.HeaderTimestamp, ts)
		req.Header.Set(auth.HeaderSignature, sig)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusCreated, send().Code)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusConflict, send().Code)
	}
	assert.Equal(t, eth("9.5"), h.rt.BalanceOf(ctx, chain.Native, addressOf(h.user)))

	rec, _ := h.do(http.MethodGet, "/api/v1/escrow/requests?requester="+addressOf(h.user).Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var requests []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &requests))
	assert.Len(t, requests, 1)
}

func TestVaultAndGuardOverHTTP(t *testing.T) {
	h := newHarness(t, config.ServerConfig{Trusted: true})
	user := addressOf(h.user).Hex()

	rec, body := h.do(http.MethodPost, "/api/v1/vault/delegations", h.user, map[string]any{
		"agent_type": "flow-yuki", "value": "1", "target_stable": "2000", "min_stable_out": "1990",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, tradeAt.Hex(), common.HexToAddress(body["sub_vault"].(string)).Hex())

	rec, body = h.do(http.MethodGet, "/api/v1/vault/users/"+user+"/agents/flow-yuki", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2000_000000), body["balance"])

	// 用户本人不是操作员。
	spot := map[string]any{"user": user, "amount": "100", "symbol": "btcusdt", "side": "buy"}
	rec, body = h.do(http.MethodPost, "/api/v1/guard/spot", h.user, spot)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(xerrors.CodeUnauthorizedOperator), errorCode(body))

	rec, body = h.do(http.MethodPost, "/api/v1/guard/spot", h.operator, spot)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "spot", body["action"])

	rec, body = h.do(http.MethodPost, "/api/v1/guard/spot", h.operator, spot)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(xerrors.CodeCooldownNotElapsed), errorCode(body))

	rec, body = h.do(http.MethodGet, "/api/v1/guard/can-execute?operator="+addressOf(h.operator).Hex()+"&user="+user+"&agent=yuki&amount=100", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, string(xerrors.CodeCooldownNotElapsed), body["reason"].(map[string]any)["code"])

	rec, body = h.do(http.MethodGet, "/api/v1/guard/users/"+user+"/agents/flow-yuki", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["records"], 1)

	rec, _ = h.do(http.MethodGet, "/api/v1/guard/records/0", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(http.MethodGet, "/api/v1/guard/records/9", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = h.do(http.MethodPost, "/api/v1/guard/agents/flow-yuki/stop", h.admin, map[string]any{"stopped": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["limits"].(map[string]any)["flow-yuki"].(map[string]any)["stopped"])

	rec, body = h.do(http.MethodPost, "/api/v1/vault/withdrawals", h.user, map[string]any{"agent_type": "flow-yuki", "all": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(0), body["remaining"])

	rec, body = h.do(http.MethodPost, "/api/v1/vault/admin/platform-fee", h.admin, map[string]any{"bps": 75})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(75), body["platform_fee_bps"])

	rec, _ = h.do(http.MethodPost, "/api/v1/vault/admin/platform-fee", h.user, map[string]any{"bps": 75})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegistryRoutes(t *testing.T) {
	h := newHarness(t, config.ServerConfig{Trusted: true})

	rec, _ := h.do(http.MethodGet, "/api/v1/agents", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []registry.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	assert.Len(t, agents, 3)

	rec, body := h.do(http.MethodPost, "/api/v1/agents/flow-ryu/active", h.admin, map[string]any{"active": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["active"])

	rec, _ = h.do(http.MethodPost, "/api/v1/agents/flow-ryu/price", h.user, map[string]any{"price": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimitPerCaller(t *testing.T) {
	h := newHarness(t, config.ServerConfig{Trusted: true, RateLimit: 0.001, RateBurst: 1})

	rec, _ := h.do(http.MethodPost, "/api/v1/guard/pause", h.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, body := h.do(http.MethodPost, "/api/v1/guard/unpause", h.admin, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(CodeRateLimited), errorCode(body))

	// 其他调用者有独立的令牌桶。
	rec, _ = h.do(http.MethodPost, "/api/v1/guard/unpause", h.user, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEventsChainAndMetrics(t *testing.T) {
	h := newHarness(t, config.ServerConfig{Trusted: true})
	rec, _ := h.do(http.MethodPost, "/api/v1/escrow/requests", h.user, map[string]any{
		"agent_type": "flow-yuki", "service_type": "scan", "value": "0.01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, _ = h.do(http.MethodGet, "/api/v1/events?contract=ACPEscrow", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []chain.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	for _, evt := range events {
		assert.Equal(t, "ACPEscrow", evt.Contract)
	}

	rec, body := h.do(http.MethodGet, "/api/v1/chain", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "8453", body["chain_id"])

	rec, _ = h.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `flowacp_contract_calls_total{code="OK",contract="ACPEscrow",method="createRequest"} 1`)
	assert.Contains(t, rec.Body.String(), "flowacp_http_requests_total")
}

func TestStatusForClasses(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeUnauthorized:       http.StatusForbidden,
		xerrors.CodePhaseViolation:     http.StatusConflict,
		xerrors.CodeZeroPayment:        http.StatusPaymentRequired,
		xerrors.CodeDailyLimitExceeded: http.StatusTooManyRequests,
		xerrors.CodePaused:             http.StatusLocked,
		xerrors.CodeRecordNotFound:     http.StatusNotFound,
		xerrors.CodeInvalidArgument:    http.StatusBadRequest,
		xerrors.CodeSolvencyViolation:  http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(xerrors.New(code, "")), code)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
