package main

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/config"
	"FlowACP-Chain/internal/escrow"
	"FlowACP-Chain/internal/events"
	"FlowACP-Chain/internal/execution"
	"FlowACP-Chain/internal/indexer"
	"FlowACP-Chain/internal/observability/alerting"
	"FlowACP-Chain/internal/observability/metrics"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/internal/swap"
	"FlowACP-Chain/internal/vault"
	"FlowACP-Chain/internal/web3/provider"
)

func address(v string) common.Address { return common.HexToAddress(strings.TrimSpace(v)) }

func applyGenesis(rt *chain.Runtime, allocs []config.GenesisAlloc) error {
	for i, g := range allocs {
		asset := chain.Asset(strings.ToUpper(strings.TrimSpace(g.Asset)))
		amount, err := chain.ParseUnits(g.Amount, asset.Decimals())
		if err != nil {
			return fmt.Errorf("chain.genesis[%d]: %w", i, err)
		}
		rt.Genesis(asset, address(g.Address), amount)
	}
	return nil
}

func agentsFrom(list []config.AgentConfig) ([]registry.Agent, error) {
	out := make([]registry.Agent, 0, len(list))
	for _, a := range list {
		t, err := registry.ParseAgentID(a.ID)
		if err != nil {
			return nil, err
		}
		price, err := chain.ParseUnits(a.Price, chain.Native.Decimals())
		if err != nil {
			return nil, fmt.Errorf("智能体 %s 价格无效: %w", a.ID, err)
		}
		active := a.Active == nil || *a.Active
		agent := registry.Agent{Type: t, Name: a.Name, Price: price, Active: active}
		if a.Provider != "" {
			agent.Provider = address(a.Provider)
		}
		out = append(out, agent)
	}
	return out, nil
}

func guardConfig(cfg *config.Config, admin common.Address) (execution.Config, error) {
	out := execution.Config{
		Address:     address(cfg.Contracts.Guard),
		Owner:       admin,
		Limits:      make(map[registry.AgentType]execution.Limits),
		MaxLeverage: cfg.Execution.MaxLeverage,
	}
	for _, op := range cfg.Chain.Operators {
		out.Operators = append(out.Operators, address(op))
	}
	for id, l := range cfg.Execution.Limits {
		t, err := registry.ParseAgentID(id)
		if err != nil {
			return execution.Config{}, err
		}
		maxAmount, err := chain.ParseUnits(l.MaxAmount, chain.Stable.Decimals())
		if err != nil {
			return execution.Config{}, fmt.Errorf("execution.limits[%s].max_amount: %w", id, err)
		}
		out.Limits[t] = execution.Limits{Cooldown: l.Cooldown.Std(), MaxDaily: l.MaxDaily, MaxAmount: maxAmount}
	}
	return out, nil
}

// buildAlerts 总是写日志，配置了 webhook 时同时推送。
func buildAlerts(cfg config.AlertsConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.SlackWebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

// buildPriceSource 在配置了链上路由时返回缓存的链上报价，否则返回静态报价。
func buildPriceSource(ctx context.Context, cfg *config.Config) (swap.PriceSource, *provider.Registry, error) {
	var chains *provider.Registry
	if cfg.Web3.ChainConfig != "" || cfg.Web3.RPCURL != "" {
		reg, err := provider.NewRegistry(ctx, cfg.Web3, provider.DialEVM)
		if err != nil {
			return nil, nil, err
		}
		chains = reg
	}
	if cfg.Price.Chain == "" {
		static, err := chain.ParseUnits(cfg.Price.Static, chain.Stable.Decimals())
		if err != nil {
			return nil, chains, err
		}
		return swap.NewStaticPrice(static), chains, nil
	}
	if chains == nil {
		return nil, nil, fmt.Errorf("price.chain=%s 需要配置 web3.chain_config 或 web3.rpc_url", cfg.Price.Chain)
	}
	upstream, err := chains.PriceSource(cfg.Price.Chain)
	if err != nil {
		chains.Close()
		return nil, nil, err
	}
	return swap.NewCachedPrice(upstream, cfg.Price.RefreshInterval.Std(), cfg.Price.MaxAge.Std()), chains, nil
}

func buildBus(ctx context.Context, cfg config.EventsConfig) (events.Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return events.NewMemoryBus(1024), nil
	case "redis":
		return events.NewRedisBus(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
	case "rabbitmq":
		return events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Driver)
	}
}

func buildStore(ctx context.Context, cfg config.IndexerConfig) (indexer.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return indexer.NewMemoryStore(cfg.Path)
	case "sqlite":
		return indexer.OpenSQLite(ctx, cfg.Path)
	case "mysql":
		return indexer.OpenMySQL(ctx, indexer.SQLConfig{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("未知的索引存储驱动: %s", cfg.Driver)
	}
}

type gauge struct {
	name, help string
	labels     prometheus.Labels
	fn         func() float64
}

func units(amount *big.Int, asset chain.Asset) float64 {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(asset.Decimals())), nil)
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), new(big.Float).SetInt(scale)).Float64()
	return f
}

// registerCustodyGauges 暴露托管余额，取值发生在抓取时而不是提交钩子内。
func registerCustodyGauges(m *metrics.Metrics, rt *chain.Runtime, esc *escrow.Escrow, v *vault.Vault) error {
	ctx := context.Background()
	gauges := []gauge{
		{"escrow_owed", "Native asset held by the escrow for open requests.", nil,
			func() float64 { return units(esc.Owed(ctx), chain.Native) }},
		{"escrow_balance", "Native asset custodied by the escrow.", nil,
			func() float64 { return units(rt.BalanceOf(ctx, chain.Native, esc.Address()), chain.Native) }},
	}
	// 子金库地址可被管理员更换，每次抓取时重新读取。
	subVaults := map[string]func(vault.Settings) common.Address{
		"yield":   func(s vault.Settings) common.Address { return s.YieldVault },
		"trading": func(s vault.Settings) common.Address { return s.TradingVault },
	}
	for kind, pick := range subVaults {
		gauges = append(gauges, gauge{"sub_vault_custody", "Stable asset custodied by each sub-vault.", prometheus.Labels{"kind": kind},
			func() float64 { return units(rt.BalanceOf(ctx, chain.Stable, pick(v.Settings(ctx))), chain.Stable) }})
	}
	for _, t := range registry.Types() {
		gauges = append(gauges, gauge{"total_delegated", "Ledger total per agent type.", prometheus.Labels{"agent": t.String()},
			func() float64 { return units(v.TotalDelegated(ctx, t), chain.Stable) }})
	}
	for _, g := range gauges {
		if err := m.RegisterGaugeFunc(g.name, g.help, g.labels, g.fn); err != nil {
			return err
		}
	}
	return nil
}
