package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"quantbox/internal/backtest"
	"quantbox/internal/bus"
	qbcfg "quantbox/internal/config"
	"quantbox/internal/logger"
	"quantbox/internal/paper"
	"quantbox/internal/strategy"

	"github.com/shopspring/decimal"
)

// AppBuilder assembles the App from config. The *Fn fields exist so tests
// can swap individual constructors.
type AppBuilder struct {
	cfg *qbcfg.Config

	registryFn   func(dir string) (*strategy.Registry, error)
	paperStoreFn func(path string) (*paper.Store, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *qbcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		registryFn:   strategy.NewRegistry,
		paperStoreFn: paper.NewStore,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithPaperStore overrides the paper store constructor, used by tests to
// inject an in-memory database.
func WithPaperStore(fn func(path string) (*paper.Store, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.paperStoreFn = fn }
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	app := &App{cfg: cfg}

	if err := os.MkdirAll(cfg.Strategies.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating strategies dir failed: %w", err)
	}
	registry, err := b.registryFn(cfg.Strategies.Dir)
	if err != nil {
		return nil, fmt.Errorf("strategy registry init failed: %w", err)
	}
	app.registry = registry
	app.closers = append(app.closers, registry.Close)
	logger.Infof("loaded %d strategies from %s", len(registry.Names()), cfg.Strategies.Dir)

	candles, err := backtest.NewCandleStore(cfg.Data.CandleDir)
	if err != nil {
		return nil, fmt.Errorf("candle store init failed: %w", err)
	}
	app.closers = append(app.closers, candles.Close)

	runs, err := backtest.NewRunStore(cfg.Data.RunsDir)
	if err != nil {
		return nil, fmt.Errorf("run store init failed: %w", err)
	}
	app.closers = append(app.closers, runs.Close)

	backtestSvc, err := backtest.NewService(backtest.ServiceConfig{
		Candles:        candles,
		Runs:           runs,
		Registry:       registry,
		MaxConcurrent:  cfg.Backtest.MaxConcurrent,
		InitialBalance: cfg.Backtest.InitialBalance,
		RiskFreeRate:   cfg.Backtest.RiskFreeRateAnnual,
	})
	if err != nil {
		return nil, fmt.Errorf("backtest service init failed: %w", err)
	}
	app.backtest = backtestSvc

	policy, err := bus.ParsePolicy(cfg.Bus.Policy)
	if err != nil {
		return nil, err
	}
	priceBus := bus.New(bus.Options{
		QueueSize:    cfg.Bus.QueueSize,
		Policy:       policy,
		BlockTimeout: time.Duration(cfg.Bus.BlockTimeoutMS) * time.Millisecond,
	})
	app.bus = priceBus
	app.closers = append(app.closers, func() error { priceBus.Close(); return nil })

	paperStore, err := b.paperStoreFn(cfg.Paper.DBPath)
	if err != nil {
		return nil, fmt.Errorf("paper store init failed: %w", err)
	}
	app.closers = append(app.closers, paperStore.Close)

	paperSvc, err := paper.NewService(paperStore, decimal.NewFromFloat(cfg.Paper.InitialBalance))
	if err != nil {
		return nil, err
	}
	app.paperSvc = paperSvc

	account, err := paperSvc.GetOrCreateAccount(ctx, cfg.Paper.Account)
	if err != nil {
		return nil, fmt.Errorf("paper account init failed: %w", err)
	}
	app.account = account

	executor := paper.NewExecutor(paperStore, priceBus.Subscribe("order-executor"))
	if cfg.Paper.DustThreshold > 0 {
		executor.SetDustThreshold(decimal.NewFromFloat(cfg.Paper.DustThreshold))
	}
	app.executor = executor

	return app, nil
}
