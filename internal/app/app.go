package app

import (
	"context"
	"fmt"

	"quantbox/internal/backtest"
	"quantbox/internal/bus"
	qbcfg "quantbox/internal/config"
	"quantbox/internal/paper"
	"quantbox/internal/strategy"

	"golang.org/x/sync/errgroup"
)

// App wires the long-lived components together: strategy registry, price
// bus, paper-trading engine and backtest service. Build it with NewApp, run
// the live loop with Run, or drive backtests through Backtests().
type App struct {
	cfg      *qbcfg.Config
	registry *strategy.Registry
	bus      *bus.PriceBus
	paperSvc *paper.Service
	executor *paper.Executor
	backtest *backtest.Service
	account  paper.Account

	closers []func() error
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *qbcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts the live paper-trading loop: the order executor consumes the
// price bus until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	a.backtest.SetContext(ctx)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := a.executor.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	err := group.Wait()
	a.Close()
	return err
}

// Bus exposes the price bus so market-data feeds can publish ticks.
func (a *App) Bus() *bus.PriceBus { return a.bus }

// Paper exposes the paper-trading service.
func (a *App) Paper() *paper.Service { return a.paperSvc }

// Account is the default paper account created at startup.
func (a *App) Account() paper.Account { return a.account }

// Backtests exposes the backtest service.
func (a *App) Backtests() *backtest.Service { return a.backtest }

// Registry exposes the strategy registry.
func (a *App) Registry() *strategy.Registry { return a.registry }

// Close releases stores, the registry watcher and the bus.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
