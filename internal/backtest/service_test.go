package backtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"quantbox/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *CandleStore) {
	t.Helper()
	stratDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(stratDir, "crossover.json"), []byte(`{
	  "name": "ma-crossover",
	  "indicators": [
	    {"key": "ma5", "type": "sma", "params": {"length": 5}},
	    {"key": "ma20", "type": "sma", "params": {"length": 20}}
	  ],
	  "rules": {
	    "buy_condition": {
	      "entry": [{"type": "crosses_above", "lhs": "ma5", "rhs": "ma20"}],
	      "exit": [{"type": "crosses_below", "lhs": "ma5", "rhs": "ma20"}]
	    }
	  }
	}`), 0o644))

	registry, err := strategy.NewRegistry(stratDir)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	candles, err := NewCandleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { candles.Close() })

	runs, err := NewRunStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	svc, err := NewService(ServiceConfig{
		Candles:  candles,
		Runs:     runs,
		Registry: registry,
	})
	require.NoError(t, err)
	return svc, candles
}

func TestServiceRunOnce(t *testing.T) {
	svc, candles := newTestService(t)
	ctx := context.Background()

	bars := barsFromCloses(crossoverCloses())
	_, err := candles.InsertBars(ctx, "AAPL", "1d", bars)
	require.NoError(t, err)

	result, err := svc.RunOnce(ctx, RunParams{
		Strategy:       "ma-crossover",
		Symbol:         "AAPL",
		Timeframe:      "1d",
		InitialBalance: 10000,
	})
	require.NoError(t, err)

	assert.Equal(t, RunStatusDone, result.Run.Status)
	require.Len(t, result.Trades, 2)
	assert.Equal(t, SideBuy, result.Trades[0].Side)
	assert.Len(t, result.Equity, len(bars))
	assert.InDelta(t, 9980.0, result.Run.FinalBalance, 1e-9)
	assert.Equal(t, 1, result.Metrics.NumTrades)

	// The persisted run matches the returned result.
	stored, err := svc.runs.GetRun(ctx, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, stored.Status)
	assert.Equal(t, result.Run.FinalBalance, stored.FinalBalance)

	curve, err := svc.runs.EquityCurve(ctx, result.Run.ID)
	require.NoError(t, err)
	assert.Len(t, curve, len(bars))
}

func TestServiceRunOnceInsufficientData(t *testing.T) {
	svc, candles := newTestService(t)
	ctx := context.Background()

	_, err := candles.InsertBars(ctx, "AAPL", "1d", barsFromCloses([]float64{100}))
	require.NoError(t, err)

	_, err = svc.RunOnce(ctx, RunParams{Strategy: "ma-crossover", Symbol: "AAPL", Timeframe: "1d"})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestServiceRejectsUnknownInputs(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit(RunParams{Strategy: "nope", Symbol: "AAPL", Timeframe: "1d"})
	assert.Error(t, err)

	_, err = svc.Submit(RunParams{Strategy: "ma-crossover", Symbol: "AAPL", Timeframe: "7m"})
	assert.Error(t, err)

	_, err = svc.Submit(RunParams{Symbol: "AAPL", Timeframe: "1d"})
	assert.Error(t, err)
}
