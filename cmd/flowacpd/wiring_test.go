package main

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/escrow"
	"FlowACP-Chain/internal/observability/metrics"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/internal/swap"
	"FlowACP-Chain/internal/vault"
)

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestCustodyGaugesFollowSubVaultMigration(t *testing.T) {
	ctx := context.Background()
	admin := common.HexToAddress("0xad01")
	user := common.HexToAddress("0x1e02")
	pool := common.HexToAddress("0x9006")

	rt := chain.NewRuntime()
	rt.Genesis(chain.Native, user, chain.MustParseUnits("10", 18))
	rt.Genesis(chain.Stable, pool, chain.MustParseUnits("1000000", 6))

	reg, err := registry.New(rt, common.HexToAddress("0xf1001"), admin, []registry.Agent{
		{Type: registry.Yuki, Price: chain.MustParseUnits("0.001", 18), Active: true},
	})
	require.NoError(t, err)
	esc, err := escrow.New(rt, reg, escrow.Config{Address: common.HexToAddress("0xf1002"), Owner: admin})
	require.NoError(t, err)
	v, err := vault.New(rt, swap.NewPoolAdapter(pool, swap.NewStaticPrice(chain.MustParseUnits("2000", 6))), vault.Config{
		Address:       common.HexToAddress("0xf1003"),
		Owner:         admin,
		Treasury:      admin,
		YieldVault:    common.HexToAddress("0xf1006"),
		TradingVault:  common.HexToAddress("0xf1007"),
		MinDelegation: chain.MustParseUnits("10", 6),
	})
	require.NoError(t, err)

	m := metrics.New()
	require.NoError(t, registerCustodyGauges(m, rt, esc, v))

	_, err = v.DepositAndDelegate(ctx, chain.Message{From: user, Value: chain.MustParseUnits("1", 18)},
		registry.Yuki, chain.MustParseUnits("2000", 6), chain.MustParseUnits("2000", 6))
	require.NoError(t, err)
	body := scrape(t, m)
	assert.Contains(t, body, `flowacp_sub_vault_custody{kind="trading"} 2000`)
	assert.Contains(t, body, `flowacp_total_delegated{agent="flow-yuki"} 2000`)

	movedTo := common.HexToAddress("0xf1008")
	require.NoError(t, v.SetVaultAddresses(ctx, chain.Message{From: admin}, common.HexToAddress("0xf1006"), movedTo))
	assert.Equal(t, chain.MustParseUnits("2000", 6), rt.BalanceOf(ctx, chain.Stable, movedTo))

	body = scrape(t, m)
	assert.Contains(t, body, `flowacp_sub_vault_custody{kind="trading"} 2000`)
	assert.Contains(t, body, `flowacp_sub_vault_custody{kind="yield"} 0`)
}
