package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quantbox/internal/logger"
	"quantbox/internal/market"
	"quantbox/internal/strategy"

	"github.com/google/uuid"
)

// RunParams describes one backtest request.
type RunParams struct {
	Strategy       string
	Symbol         string
	Timeframe      string
	StartTS        int64
	EndTS          int64
	InitialBalance float64
}

// ServiceConfig wires the backtest service.
type ServiceConfig struct {
	Candles        *CandleStore
	Runs           *RunStore
	Registry       *strategy.Registry
	MaxConcurrent  int
	InitialBalance float64
	RiskFreeRate   float64
}

// Service coordinates backtest runs: it resolves the strategy, loads bars,
// simulates, computes metrics and persists the outcome. Runs execute on a
// bounded worker pool; each run is independent and shares no mutable state
// with the others.
type Service struct {
	candles        *CandleStore
	runs           *RunStore
	registry       *strategy.Registry
	calc           Calculator
	initialBalance float64

	sem chan struct{}

	mu      sync.RWMutex
	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Candles == nil {
		return nil, fmt.Errorf("candle store is required")
	}
	if cfg.Runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("strategy registry is required")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	initialBalance := cfg.InitialBalance
	if initialBalance <= 0 {
		initialBalance = 10000
	}
	return &Service{
		candles:        cfg.Candles,
		runs:           cfg.Runs,
		registry:       cfg.Registry,
		calc:           Calculator{RiskFreeRateAnnual: cfg.RiskFreeRate},
		initialBalance: initialBalance,
		sem:            make(chan struct{}, maxConcurrent),
		baseCtx:        context.Background(),
	}, nil
}

// SetContext injects the host context used to cancel queued runs.
func (s *Service) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

func (s *Service) ctx() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseCtx
}

// Submit queues a backtest and returns its pending run record.
func (s *Service) Submit(params RunParams) (Run, error) {
	run, err := s.newRun(params)
	if err != nil {
		return Run{}, err
	}
	if err := s.runs.CreateRun(s.ctx(), run); err != nil {
		return Run{}, err
	}
	logger.Infof("[backtest] run %s queued: %s %s %s", run.ID, run.Strategy, run.Symbol, run.Timeframe)
	go s.runAsync(run)
	return run, nil
}

// RunOnce executes a backtest synchronously and returns the full result.
// The run record is persisted like a queued run.
func (s *Service) RunOnce(ctx context.Context, params RunParams) (*Result, error) {
	run, err := s.newRun(params)
	if err != nil {
		return nil, err
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return s.execute(ctx, run)
}

func (s *Service) newRun(params RunParams) (Run, error) {
	if params.Strategy == "" || params.Symbol == "" {
		return Run{}, fmt.Errorf("strategy and symbol are required")
	}
	tf, err := market.ParseTimeframe(params.Timeframe)
	if err != nil {
		return Run{}, err
	}
	if _, ok := s.registry.Strategy(params.Strategy); !ok {
		return Run{}, fmt.Errorf("unknown strategy %q", params.Strategy)
	}
	balance := params.InitialBalance
	if balance <= 0 {
		balance = s.initialBalance
	}
	now := time.Now()
	return Run{
		ID:             uuid.NewString(),
		Strategy:       params.Strategy,
		Symbol:         params.Symbol,
		Timeframe:      tf.Key,
		Status:         RunStatusPending,
		StartTS:        params.StartTS,
		EndTS:          params.EndTS,
		InitialBalance: balance,
		Config: RunConfig{
			Strategy:       params.Strategy,
			Symbol:         params.Symbol,
			Timeframe:      tf.Key,
			StartTS:        params.StartTS,
			EndTS:          params.EndTS,
			InitialBalance: balance,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Service) runAsync(run Run) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		_ = s.runs.UpdateStatus(context.Background(), run.ID, RunStatusFailed, "service shutting down")
		return
	}
	defer func() { <-s.sem }()

	if _, err := s.execute(s.ctx(), run); err != nil {
		logger.Warnf("[backtest] run %s failed: %v", run.ID, err)
	}
}

func (s *Service) execute(ctx context.Context, run Run) (*Result, error) {
	if err := s.runs.UpdateStatus(ctx, run.ID, RunStatusRunning, ""); err != nil {
		return nil, err
	}

	spec, ok := s.registry.Strategy(run.Strategy)
	if !ok {
		return nil, s.fail(ctx, run, fmt.Errorf("strategy %q disappeared from registry", run.Strategy))
	}

	bars, err := s.loadBars(ctx, run)
	if err != nil {
		return nil, s.fail(ctx, run, err)
	}

	result, err := Execute(spec, bars, run.InitialBalance, s.calc)
	if err != nil {
		return nil, s.fail(ctx, run, err)
	}

	run.Status = RunStatusDone
	run.Metrics = result.Metrics
	run.NumTrades = result.Metrics.NumTrades
	if n := len(result.Equity); n > 0 {
		run.FinalBalance = result.Equity[n-1].Equity
	}
	if err := s.runs.FinishRun(ctx, run, result.Trades, result.Equity); err != nil {
		return nil, err
	}
	result.Run = run
	logger.Infof("[backtest] run %s done: trades=%d total_return=%.4f", run.ID, run.NumTrades, run.Metrics.TotalReturn)
	return result, nil
}

func (s *Service) fail(ctx context.Context, run Run, cause error) error {
	if err := s.runs.UpdateStatus(ctx, run.ID, RunStatusFailed, cause.Error()); err != nil {
		logger.Errorf("[backtest] run %s: failed to record failure: %v", run.ID, err)
	}
	return cause
}

func (s *Service) loadBars(ctx context.Context, run Run) ([]market.Bar, error) {
	if run.StartTS > 0 && run.EndTS > 0 {
		return s.candles.RangeBars(ctx, run.Symbol, run.Timeframe, run.StartTS, run.EndTS)
	}
	return s.candles.ListAllBars(ctx, run.Symbol, run.Timeframe)
}

// Execute is the pure backtest pipeline: columns, simulation, metrics. It is
// safe to call concurrently for independent strategy/symbol pairs.
func Execute(spec *strategy.Spec, bars []market.Bar, initialBalance float64, calc Calculator) (*Result, error) {
	if len(bars) < 2 {
		return nil, ErrInsufficientData
	}
	if !market.SortedByTime(bars) {
		return nil, errors.New("bars are not in timestamp order")
	}
	frame := ComputeColumns(spec, bars)
	sim, err := Simulate(frame, spec, initialBalance)
	if err != nil {
		return nil, err
	}
	metrics := calc.Compute(sim.Equity, sim.Trades, initialBalance)
	return &Result{
		Trades:  sim.Trades,
		Equity:  sim.Equity,
		Metrics: metrics,
	}, nil
}
