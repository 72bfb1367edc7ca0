package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const admin = "0xad00000000000000000000000000000000000001"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowacp.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"chain": {"admin": "`+admin+`"}, "indexer": {"driver": "sqlite"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 5*time.Minute, cfg.Server.SignatureWindow.Std())
	assert.Equal(t, uint64(8453), cfg.Chain.ChainID)
	assert.Equal(t, admin, cfg.Contracts.Treasury)
	assert.Len(t, cfg.Agents, 3)
	assert.Equal(t, "flow-yuki", cfg.Agents[0].ID)
	assert.Equal(t, uint32(50), cfg.Vault.PlatformFeeBps)
	assert.Equal(t, uint32(500), cfg.Vault.GasReserveBps)
	assert.Equal(t, 5*time.Minute, cfg.Execution.Limits["flow-sakura"].Cooldown.Std())
	assert.Equal(t, uint32(10), cfg.Execution.Limits["flow-ryu"].MaxDaily)
	assert.Equal(t, "2000", cfg.Price.Static)
	assert.Equal(t, "memory", cfg.Events.Driver)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data", "events.db"), cfg.Indexer.Path)
}

func TestLoadParsesDurationsAndEnvOverrides(t *testing.T) {
	t.Setenv("FLOWACP_ADMIN", admin)
	t.Setenv("FLOWACP_MYSQL_DSN", "flow:secret@tcp(127.0.0.1:3306)/flowacp?parseTime=true")
	t.Setenv("FLOWACP_REDIS_PASSWORD", "hunter2")
	path := writeConfig(t, `{
		"escrow": {"max_delivery_window": "48h"},
		"execution": {"limits": {"flow-yuki": {"cooldown": "90s", "max_daily": 3, "max_amount": "500"}}},
		"events": {"driver": "redis", "redis": {"address": "127.0.0.1:6379"}},
		"indexer": {"driver": "mysql"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, admin, cfg.Chain.Admin)
	assert.Equal(t, 48*time.Hour, cfg.Escrow.MaxDeliveryWindow.Std())
	assert.Equal(t, 90*time.Second, cfg.Execution.Limits["flow-yuki"].Cooldown.Std())
	assert.Equal(t, uint32(3), cfg.Execution.Limits["flow-yuki"].MaxDaily)
	assert.Equal(t, "hunter2", cfg.Events.Redis.Password)
	assert.Contains(t, cfg.Indexer.DSN, "flowacp")
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `{
		"chain": {"admin": "not-an-address", "genesis": [{"address": "`+admin+`", "asset": "DOGE", "amount": "1"}]},
		"agents": [{"id": "flow-unknown", "price": "abc"}],
		"vault": {"platform_fee_bps": 2000},
		"events": {"driver": "kafka"}
	}`)

	_, err := Load(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "chain.admin")
	assert.Contains(t, msg, "chain.genesis[0].asset")
	assert.Contains(t, msg, "agents[0].id")
	assert.Contains(t, msg, "agents[0].price")
	assert.Contains(t, msg, "platform_fee_bps")
	assert.Contains(t, msg, "kafka")
}

func TestLoadFromEnvUsesConfigPath(t *testing.T) {
	path := writeConfig(t, `{"chain": {"admin": "`+admin+`"}}`)
	t.Setenv("FLOWACP_CONFIG", path)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, admin, cfg.Chain.Admin)
}
