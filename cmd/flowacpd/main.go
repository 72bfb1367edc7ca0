package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"FlowACP-Chain/internal/api"
	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/config"
	"FlowACP-Chain/internal/escrow"
	"FlowACP-Chain/internal/events"
	"FlowACP-Chain/internal/execution"
	"FlowACP-Chain/internal/indexer"
	"FlowACP-Chain/internal/observability/metrics"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/internal/swap"
	"FlowACP-Chain/internal/vault"
	"FlowACP-Chain/pkg/logger"
)

// main 是 FlowACP 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("flowacpd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("flowacpd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	rt := chain.NewRuntime(
		chain.WithChainID(new(big.Int).SetUint64(cfg.Chain.ChainID)),
		chain.WithLogger(logger.Named("chain")),
	)
	if err := applyGenesis(rt, cfg.Chain.Genesis); err != nil {
		return err
	}
	admin := address(cfg.Chain.Admin)
	alerts := buildAlerts(cfg.Alerts)

	agents, err := agentsFrom(cfg.Agents)
	if err != nil {
		return err
	}
	reg, err := registry.New(rt, address(cfg.Contracts.Registry), admin, agents)
	if err != nil {
		return err
	}
	esc, err := escrow.New(rt, reg, escrow.Config{
		Address:           address(cfg.Contracts.Escrow),
		Owner:             admin,
		MaxDeliveryWindow: cfg.Escrow.MaxDeliveryWindow.Std(),
	})
	if err != nil {
		return err
	}

	price, chains, err := buildPriceSource(ctx, cfg)
	if err != nil {
		return err
	}
	if chains != nil {
		defer chains.Close()
	}
	pool := swap.NewPoolAdapter(address(cfg.Contracts.Pool), price, swap.WithPoolFee(cfg.Vault.PoolFeeBps))
	minDelegation, err := chain.ParseUnits(cfg.Vault.MinDelegation, chain.Stable.Decimals())
	if err != nil {
		return err
	}
	v, err := vault.New(rt, pool, vault.Config{
		Address:        address(cfg.Contracts.Vault),
		Owner:          admin,
		Treasury:       address(cfg.Contracts.Treasury),
		YieldVault:     address(cfg.Contracts.YieldVault),
		TradingVault:   address(cfg.Contracts.TradingVault),
		PlatformFeeBps: cfg.Vault.PlatformFeeBps,
		GasReserveBps:  cfg.Vault.GasReserveBps,
		MinDelegation:  minDelegation,
	}, vault.WithAlerts(alerts))
	if err != nil {
		return err
	}
	guardCfg, err := guardConfig(cfg, admin)
	if err != nil {
		return err
	}
	guard, err := execution.New(rt, v, guardCfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	rt.OnCommit(func(receipt chain.Receipt) { m.SetChainHeight(receipt.Block.Number) })
	if err := registerCustodyGauges(m, rt, esc, v); err != nil {
		return err
	}

	bus, err := buildBus(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer bus.Close()
	forwarder := events.NewForwarder(rt, bus)

	store, err := buildStore(ctx, cfg.Indexer)
	if err != nil {
		return err
	}
	defer store.Close()
	if last, ok, err := store.LastIndex(ctx); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("索引库已包含事件 %d，运行时从创世区块开始，请清空索引库后再启动", last)
	}
	processor := indexer.NewProcessor(store, bus,
		indexer.WithAlertDispatcher(alerts),
		indexer.WithRecorder(m),
	)

	server, err := api.NewServer(cfg.Server, api.Deps{
		Runtime:  rt,
		Registry: reg,
		Escrow:   esc,
		Vault:    v,
		Guard:    guard,
		Events:   store,
		Metrics:  m,
		Chains:   chains,
	})
	if err != nil {
		return err
	}

	lg.Info("FlowACP 已启动",
		slog.Uint64("chain_id", cfg.Chain.ChainID),
		slog.String("admin", admin.Hex()),
		slog.String("events", cfg.Events.Driver),
		slog.String("indexer", cfg.Indexer.Driver),
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(gctx) })
	group.Go(func() error { return forwarder.Run(gctx) })
	group.Go(func() error { return processor.Start(gctx) })
	if cfg.Server.MetricsAddress != "" {
		group.Go(func() error { return metrics.StartServer(gctx, cfg.Server.MetricsAddress, m.Handler()) })
	}
	if cached, ok := price.(*swap.CachedPrice); ok {
		group.Go(func() error { return cached.Run(gctx) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("FlowACP 已停止", slog.Int("pending_events", forwarder.Pending()))
	return nil
}
