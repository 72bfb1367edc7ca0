package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/pkg/logger"
)

// DefaultPath 是未设置 FLOWACP_CONFIG 时使用的配置文件。
const DefaultPath = "configs/flowacp.json"

// Config 描述了 FlowACP 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   logger.Config   `json:"logging"`
	Chain     ChainConfig     `json:"chain"`
	Contracts ContractsConfig `json:"contracts"`
	Agents    []AgentConfig   `json:"agents"`
	Escrow    EscrowConfig    `json:"escrow"`
	Vault     VaultConfig     `json:"vault"`
	Execution ExecutionConfig `json:"execution"`
	Price     PriceConfig     `json:"price"`
	Web3      Web3Config      `json:"web3"`
	Events    EventsConfig    `json:"events"`
	Indexer   IndexerConfig   `json:"indexer"`
	Alerts    AlertsConfig    `json:"alerts"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// Duration 以 "5m"、"24h" 形式在 JSON 中表示时间间隔。
type Duration time.Duration

// UnmarshalJSON 同时接受字符串和纳秒整数。
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时间间隔 %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("无效的时间间隔 %s", string(b))
	}
	return nil
}

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig 控制 HTTP 服务。
type ServerConfig struct {
	Address         string   `json:"address"`
	MetricsAddress  string   `json:"metrics_address"`
	// Trusted 为 true 时直接信任 X-Flow-Address，仅用于本地调试。
	Trusted         bool     `json:"trusted"`
	SignatureWindow Duration `json:"signature_window"`
	RateLimit       float64  `json:"rate_limit"`
	RateBurst       int      `json:"rate_burst"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
}

// GenesisAlloc 是启动时注入的初始余额，Amount 为十进制人类可读数量。
type GenesisAlloc struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

// ChainConfig 描述运行时参数。
type ChainConfig struct {
	ChainID   uint64         `json:"chain_id"`
	Admin     string         `json:"admin"`
	Operators []string       `json:"operators"`
	Genesis   []GenesisAlloc `json:"genesis"`
}

// ContractsConfig 是各合约的部署地址。
type ContractsConfig struct {
	Registry     string `json:"registry"`
	Escrow       string `json:"escrow"`
	Vault        string `json:"vault"`
	Guard        string `json:"guard"`
	Pool         string `json:"pool"`
	YieldVault   string `json:"yield_vault"`
	TradingVault string `json:"trading_vault"`
	Treasury     string `json:"treasury"`
}

// AgentConfig 描述注册表中的一个智能体。Price 以原生资产计价。
type AgentConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Price    string `json:"price"`
	Active   *bool  `json:"active"`
}

// EscrowConfig 是托管合约参数。
type EscrowConfig struct {
	MaxDeliveryWindow Duration `json:"max_delivery_window"`
}

// VaultConfig 是金库参数，金额以稳定资产计价。
type VaultConfig struct {
	PlatformFeeBps uint32 `json:"platform_fee_bps"`
	GasReserveBps  uint32 `json:"gas_reserve_bps"`
	MinDelegation  string `json:"min_delegation"`
	PoolFeeBps     uint32 `json:"pool_fee_bps"`
}

// LimitConfig 是某类智能体的执行限制。
type LimitConfig struct {
	Cooldown  Duration `json:"cooldown"`
	MaxDaily  uint32   `json:"max_daily"`
	MaxAmount string   `json:"max_amount"`
}

// ExecutionConfig 是执行守卫参数，Limits 的键为智能体 ID。
type ExecutionConfig struct {
	Limits      map[string]LimitConfig `json:"limits"`
	MaxLeverage uint8                  `json:"max_leverage"`
}

// PriceConfig 控制兑换报价来源。Chain 非空时从链上路由取价，否则使用 Static。
type PriceConfig struct {
	Static          string   `json:"static"`
	Chain           string   `json:"chain"`
	RefreshInterval Duration `json:"refresh_interval"`
	MaxAge          Duration `json:"max_age"`
}

// Web3Config 指向链定义文件。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
}

// EventsConfig 选择事件总线实现。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// IndexerConfig 选择事件存储实现。
type IndexerConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	DSN    string `json:"dsn"`
}

// AlertsConfig 配置告警渠道。
type AlertsConfig struct {
	WebhookURL      string `json:"webhook_url"`
	SlackWebhookURL string `json:"slack_webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoadFromEnv 先加载 .env（存在时），再读取 FLOWACP_CONFIG 指向的配置文件并应用环境变量覆盖。
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()
	path := strings.TrimSpace(os.Getenv("FLOWACP_CONFIG"))
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Chain.Admin, "FLOWACP_ADMIN")
	override(&c.Indexer.DSN, "FLOWACP_MYSQL_DSN")
	override(&c.Events.Redis.Password, "FLOWACP_REDIS_PASSWORD")
	override(&c.Events.RabbitMQ.URL, "FLOWACP_RABBITMQ_URL")
	override(&c.Alerts.SlackWebhookURL, "FLOWACP_SLACK_WEBHOOK")
	override(&c.Web3.RPCURL, "FLOWACP_RPC_URL")
	override(&c.Logging.Level, "FLOWACP_LOG_LEVEL")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.SignatureWindow == 0 {
		c.Server.SignatureWindow = Duration(5 * time.Minute)
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 10
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(15 * time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = 8453
	}
	defaults := ContractsConfig{
		Registry:     "0x00000000000000000000000000000000000f1001",
		Escrow:       "0x00000000000000000000000000000000000f1002",
		Vault:        "0x00000000000000000000000000000000000f1003",
		Guard:        "0x00000000000000000000000000000000000f1004",
		Pool:         "0x00000000000000000000000000000000000f1005",
		YieldVault:   "0x00000000000000000000000000000000000f1006",
		TradingVault: "0x00000000000000000000000000000000000f1007",
	}
	fill := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	fill(&c.Contracts.Registry, defaults.Registry)
	fill(&c.Contracts.Escrow, defaults.Escrow)
	fill(&c.Contracts.Vault, defaults.Vault)
	fill(&c.Contracts.Guard, defaults.Guard)
	fill(&c.Contracts.Pool, defaults.Pool)
	fill(&c.Contracts.YieldVault, defaults.YieldVault)
	fill(&c.Contracts.TradingVault, defaults.TradingVault)
	fill(&c.Contracts.Treasury, c.Chain.Admin)

	if len(c.Agents) == 0 {
		for _, t := range registry.Types() {
			c.Agents = append(c.Agents, AgentConfig{ID: t.String(), Price: "0.001"})
		}
	}
	if c.Escrow.MaxDeliveryWindow == 0 {
		c.Escrow.MaxDeliveryWindow = Duration(7 * 24 * time.Hour)
	}
	if c.Vault.PlatformFeeBps == 0 {
		c.Vault.PlatformFeeBps = 50
	}
	if c.Vault.GasReserveBps == 0 {
		c.Vault.GasReserveBps = 500
	}
	if c.Vault.MinDelegation == "" {
		c.Vault.MinDelegation = "10"
	}
	if c.Execution.Limits == nil {
		c.Execution.Limits = make(map[string]LimitConfig)
	}
	for _, t := range registry.Types() {
		limit := c.Execution.Limits[t.String()]
		if limit.Cooldown == 0 {
			limit.Cooldown = Duration(5 * time.Minute)
		}
		if limit.MaxDaily == 0 {
			limit.MaxDaily = 10
		}
		if limit.MaxAmount == "" {
			limit.MaxAmount = "10000"
		}
		c.Execution.Limits[t.String()] = limit
	}
	if c.Execution.MaxLeverage == 0 {
		c.Execution.MaxLeverage = 10
	}
	if c.Price.Static == "" && c.Price.Chain == "" {
		c.Price.Static = "2000"
	}
	if c.Price.RefreshInterval == 0 {
		c.Price.RefreshInterval = Duration(30 * time.Second)
	}
	if c.Price.MaxAge == 0 {
		c.Price.MaxAge = Duration(5 * time.Minute)
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Indexer.Driver == "" {
		c.Indexer.Driver = "memory"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Indexer.Driver == "sqlite" && c.Indexer.Path == "" {
		c.Indexer.Path = filepath.Join(c.Runtime.DataDir, "events.db")
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
}

// Validate 校验地址、金额与驱动取值。
func (c *Config) Validate() error {
	var errs []error
	requireAddress := func(field, value string) {
		if !common.IsHexAddress(strings.TrimSpace(value)) {
			errs = append(errs, fmt.Errorf("%s 不是合法地址: %q", field, value))
		}
	}
	requireAmount := func(field, value string, asset chain.Asset) {
		if _, err := chain.ParseUnits(value, asset.Decimals()); err != nil {
			errs = append(errs, fmt.Errorf("%s 不是合法金额: %w", field, err))
		}
	}

	requireAddress("chain.admin", c.Chain.Admin)
	for i, op := range c.Chain.Operators {
		requireAddress(fmt.Sprintf("chain.operators[%d]", i), op)
	}
	for i, g := range c.Chain.Genesis {
		requireAddress(fmt.Sprintf("chain.genesis[%d].address", i), g.Address)
		asset := chain.Asset(strings.ToUpper(g.Asset))
		if asset != chain.Native && asset != chain.Stable {
			errs = append(errs, fmt.Errorf("chain.genesis[%d].asset 不支持 %q", i, g.Asset))
			continue
		}
		requireAmount(fmt.Sprintf("chain.genesis[%d].amount", i), g.Amount, asset)
	}

	requireAddress("contracts.registry", c.Contracts.Registry)
	requireAddress("contracts.escrow", c.Contracts.Escrow)
	requireAddress("contracts.vault", c.Contracts.Vault)
	requireAddress("contracts.guard", c.Contracts.Guard)
	requireAddress("contracts.pool", c.Contracts.Pool)
	requireAddress("contracts.yield_vault", c.Contracts.YieldVault)
	requireAddress("contracts.trading_vault", c.Contracts.TradingVault)
	requireAddress("contracts.treasury", c.Contracts.Treasury)

	for i, a := range c.Agents {
		if _, err := registry.ParseAgentID(a.ID); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d].id: %w", i, err))
		}
		if a.Provider != "" {
			requireAddress(fmt.Sprintf("agents[%d].provider", i), a.Provider)
		}
		requireAmount(fmt.Sprintf("agents[%d].price", i), a.Price, chain.Native)
	}

	if c.Vault.PlatformFeeBps > 1000 {
		errs = append(errs, fmt.Errorf("vault.platform_fee_bps 不能超过 1000"))
	}
	if c.Vault.GasReserveBps >= chain.BasisPoints {
		errs = append(errs, fmt.Errorf("vault.gas_reserve_bps 必须小于 %d", chain.BasisPoints))
	}
	if c.Vault.PoolFeeBps >= chain.BasisPoints {
		errs = append(errs, fmt.Errorf("vault.pool_fee_bps 必须小于 %d", chain.BasisPoints))
	}
	requireAmount("vault.min_delegation", c.Vault.MinDelegation, chain.Stable)
	for id, l := range c.Execution.Limits {
		if _, err := registry.ParseAgentID(id); err != nil {
			errs = append(errs, fmt.Errorf("execution.limits[%s]: %w", id, err))
		}
		requireAmount(fmt.Sprintf("execution.limits[%s].max_amount", id), l.MaxAmount, chain.Stable)
	}
	if c.Price.Static != "" {
		requireAmount("price.static", c.Price.Static, chain.Stable)
	}

	switch c.Events.Driver {
	case "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("events.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的事件总线 %q", c.Events.Driver))
	}
	switch c.Indexer.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Indexer.DSN == "" {
			errs = append(errs, errors.New("indexer.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的索引存储 %q", c.Indexer.Driver))
	}
	return errors.Join(errs...)
}
