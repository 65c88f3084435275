package backtest

import (
	"testing"

	"quantbox/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crossoverCloses declines for 25 bars, rallies for 9, then sells off. The
// 5-bar average crosses above the 20-bar average at bar 29 and back below at
// bar 39.
func crossoverCloses() []float64 {
	closes := make([]float64, 40)
	for i := range closes {
		switch {
		case i < 25:
			closes[i] = 120 - float64(i)
		case i < 34:
			closes[i] = 95 + 4*float64(i-24)
		default:
			closes[i] = 131 - 6*float64(i-33)
		}
	}
	return closes
}

func crossoverSpec(t *testing.T) *strategy.Spec {
	t.Helper()
	spec, err := strategy.ParseSpec([]byte(`{
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
	}`))
	require.NoError(t, err)
	return spec
}

func TestSimulateCrossoverScenario(t *testing.T) {
	bars := barsFromCloses(crossoverCloses())
	spec := crossoverSpec(t)

	f := ComputeColumns(spec, bars)
	assert.Equal(t, 20, f.Lookback)

	res, err := Simulate(f, spec, 10000)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, SideBuy, res.Trades[0].Side)
	assert.Equal(t, 115.0, res.Trades[0].Price)
	assert.Equal(t, bars[29].Timestamp, res.Trades[0].Timestamp)
	assert.Equal(t, SideSell, res.Trades[1].Side)
	assert.Equal(t, 95.0, res.Trades[1].Price)
	assert.Equal(t, bars[39].Timestamp, res.Trades[1].Timestamp)

	require.Len(t, res.Equity, len(bars))
	// Flat through the warm-up and up to the entry bar.
	for i := 0; i <= 29; i++ {
		assert.Equal(t, 10000.0, res.Equity[i].Equity, "bar %d", i)
	}
	// The position opened at bar 29 earns the deltas of bars 30..39.
	assert.InDelta(t, 9980.0, res.Equity[39].Equity, 1e-9)
}

func TestSimulateEquityLagsPositionByOneBar(t *testing.T) {
	bars := barsFromCloses([]float64{100, 110, 120, 130})
	spec := &strategy.Spec{
		Buy: strategy.RuleSide{
			Entry: strategy.ConditionGroup{All: []strategy.Condition{
				{Kind: strategy.CondThreshold, LHS: "close", Op: ">=", RHS: "110"},
			}},
		},
	}
	f := ComputeColumns(spec, bars)
	res, err := Simulate(f, spec, 1000)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, bars[1].Timestamp, res.Trades[0].Timestamp)

	// Entry at bar 1; bar 1's own delta is not earned, bars 2 and 3 are.
	assert.Equal(t, []int{0, 1, 1, 1}, res.Positions)
	assert.Equal(t, 1000.0, res.Equity[1].Equity)
	assert.Equal(t, 1010.0, res.Equity[2].Equity)
	assert.Equal(t, 1020.0, res.Equity[3].Equity)
}

func TestSimulateEmptyEntriesStaysFlat(t *testing.T) {
	bars := barsFromCloses(crossoverCloses())
	spec := &strategy.Spec{}

	f := ComputeColumns(spec, bars)
	res, err := Simulate(f, spec, 5000)
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	require.Len(t, res.Equity, len(bars))
	for i, p := range res.Equity {
		assert.Equal(t, 5000.0, p.Equity, "bar %d", i)
		assert.Equal(t, PositionFlat, res.Positions[i])
	}
}

func TestSimulateShortSide(t *testing.T) {
	bars := barsFromCloses([]float64{100, 90, 80, 70})
	spec := &strategy.Spec{
		Sell: strategy.RuleSide{
			Entry: strategy.ConditionGroup{All: []strategy.Condition{
				{Kind: strategy.CondThreshold, LHS: "close", Op: "==", RHS: "90"},
			}},
			Exit: []strategy.Condition{
				{Kind: strategy.CondThreshold, LHS: "close", Op: "<=", RHS: "70"},
			},
		},
	}
	f := ComputeColumns(spec, bars)
	res, err := Simulate(f, spec, 1000)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, SideSell, res.Trades[0].Side)
	assert.Equal(t, SideBuy, res.Trades[1].Side)

	// Short from bar 1 earns the falling deltas of bars 2 and 3.
	assert.Equal(t, []int{0, -1, -1, 0}, res.Positions)
	assert.Equal(t, 1010.0, res.Equity[2].Equity)
	assert.Equal(t, 1020.0, res.Equity[3].Equity)
}

func TestSimulateNoIllegalTransitions(t *testing.T) {
	bars := barsFromCloses(crossoverCloses())
	spec := crossoverSpec(t)
	f := ComputeColumns(spec, bars)
	res, err := Simulate(f, spec, 10000)
	require.NoError(t, err)

	for i := 1; i < len(res.Positions); i++ {
		prev, cur := res.Positions[i-1], res.Positions[i]
		assert.Contains(t, []int{PositionShort, PositionFlat, PositionLong}, cur)
		if prev == PositionLong {
			assert.NotEqual(t, PositionShort, cur, "long to short without flat at bar %d", i)
		}
		if prev == PositionShort {
			assert.NotEqual(t, PositionLong, cur, "short to long without flat at bar %d", i)
		}
	}
}

func TestSimulateInsufficientData(t *testing.T) {
	spec := &strategy.Spec{}

	_, err := Simulate(ComputeColumns(spec, nil), spec, 1000)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = Simulate(ComputeColumns(spec, barsFromCloses([]float64{100})), spec, 1000)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestSimulateLookbackBeyondSeries(t *testing.T) {
	bars := barsFromCloses([]float64{100, 101, 102})
	spec := &strategy.Spec{
		Indicators: []strategy.IndicatorSpec{
			{Key: "slow", Type: "sma", Params: map[string]float64{"length": 50}},
		},
	}
	f := ComputeColumns(spec, bars)
	res, err := Simulate(f, spec, 1000)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	for _, p := range res.Equity {
		assert.Equal(t, 1000.0, p.Equity)
	}
}
