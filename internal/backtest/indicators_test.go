package backtest

import (
	"math"
	"testing"

	"quantbox/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSMAMasksWarmup(t *testing.T) {
	closes := []float64{120, 119, 118, 117, 116, 115}
	spec := &strategy.Spec{
		Indicators: []strategy.IndicatorSpec{
			{Key: "ma5", Type: "sma", Params: map[string]float64{"length": 5}},
		},
	}
	f := ComputeColumns(spec, barsFromCloses(closes))

	col := f.Columns["ma5"]
	require.Len(t, col, len(closes))
	for i := 0; i < 4; i++ {
		assert.True(t, math.IsNaN(col[i]), "warm-up bar %d must be NaN", i)
	}
	assert.InDelta(t, 118.0, col[4], 1e-9)
	assert.InDelta(t, 117.0, col[5], 1e-9)
	assert.Equal(t, 5, f.Lookback)
}

func TestComputeEMAWarmupMasked(t *testing.T) {
	closes := make([]float64, 10)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	spec := &strategy.Spec{
		Indicators: []strategy.IndicatorSpec{
			{Key: "e3", Type: "ema", Params: map[string]float64{"length": 3}},
		},
	}
	f := ComputeColumns(spec, barsFromCloses(closes))
	col := f.Columns["e3"]
	assert.True(t, math.IsNaN(col[0]))
	assert.True(t, math.IsNaN(col[1]))
	for i := 2; i < len(col); i++ {
		assert.False(t, math.IsNaN(col[i]), "bar %d", i)
	}
}

func TestComputeBBandsConstantSeries(t *testing.T) {
	closes := make([]float64, 10)
	for i := range closes {
		closes[i] = 100
	}
	spec := &strategy.Spec{
		Indicators: []strategy.IndicatorSpec{
			{Key: "bands", Type: "bollinger_bands", Params: map[string]float64{"length": 5}},
		},
	}
	f := ComputeColumns(spec, barsFromCloses(closes))

	for _, name := range []string{"bands.lower", "bands.middle", "bands.upper"} {
		col, ok := f.Columns[name]
		require.True(t, ok, name)
		assert.True(t, math.IsNaN(col[3]))
		// Zero variance collapses all three bands onto the mean.
		assert.InDelta(t, 100.0, col[5], 1e-9, name)
	}
}

func TestComputeImplicitIndicators(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	spec := &strategy.Spec{
		Implicit: []string{"sma.5", "ema.10", "bb.5.lower"},
	}
	f := ComputeColumns(spec, barsFromCloses(closes))

	assert.True(t, f.Has("sma.5"))
	assert.True(t, f.Has("ema.10"))
	// A band token pulls in the whole band triple.
	assert.True(t, f.Has("bb.5.lower"))
	assert.True(t, f.Has("bb.5.middle"))
	assert.True(t, f.Has("bb.5.upper"))
	assert.Equal(t, 10, f.Lookback)

	v, ok := f.Value("sma.5", 4)
	require.True(t, ok)
	assert.InDelta(t, 102.0, v, 1e-9)
}

func TestImplicitBandWidthReusesExplicitSpec(t *testing.T) {
	closes := []float64{100, 102, 98, 101, 99, 103, 97, 100, 104, 96}
	spec := &strategy.Spec{
		Indicators: []strategy.IndicatorSpec{
			{Key: "widebands", Type: "bbands", Params: map[string]float64{"length": 5, "stddev": 3}},
		},
		Implicit: []string{"bb.5.upper"},
	}
	f := ComputeColumns(spec, barsFromCloses(closes))

	explicit := f.Columns["widebands.upper"]
	implicit := f.Columns["bb.5.upper"]
	require.Len(t, implicit, len(closes))
	for i := 4; i < len(closes); i++ {
		assert.InDelta(t, explicit[i], implicit[i], 1e-9, "bar %d", i)
	}
}

func TestComputeDerivedColumn(t *testing.T) {
	closes := []float64{1, 2, 4, 8}
	spec := &strategy.Spec{
		Derived: []strategy.DerivedSpec{
			{Key: "momentum", Formula: "close - shift(close, 1)"},
		},
	}
	f := ComputeColumns(spec, barsFromCloses(closes))

	col := f.Columns["momentum"]
	require.Len(t, col, 4)
	assert.True(t, math.IsNaN(col[0]), "shift past the series edge")
	assert.Equal(t, 1.0, col[1])
	assert.Equal(t, 2.0, col[2])
	assert.Equal(t, 4.0, col[3])
}

func TestComputeDerivedDivisionByZero(t *testing.T) {
	bars := barsFromCloses([]float64{100, 100})
	bars[0].Volume = 0
	spec := &strategy.Spec{
		Derived: []strategy.DerivedSpec{
			{Key: "ratio", Formula: "close / volume"},
		},
	}
	f := ComputeColumns(spec, bars)

	col := f.Columns["ratio"]
	assert.True(t, math.IsNaN(col[0]))
	assert.Equal(t, 0.1, col[1])
}

func TestComputeDerivedBadFormulaIsAllNaN(t *testing.T) {
	spec := &strategy.Spec{
		Derived: []strategy.DerivedSpec{
			{Key: "broken", Formula: "close +"},
		},
	}
	f := ComputeColumns(spec, barsFromCloses([]float64{1, 2, 3}))

	col, ok := f.Columns["broken"]
	require.True(t, ok)
	for i := range col {
		assert.True(t, math.IsNaN(col[i]))
	}
}

func TestComputeUnknownIndicatorSkipped(t *testing.T) {
	spec := &strategy.Spec{
		Indicators: []strategy.IndicatorSpec{
			{Key: "m", Type: "macd"},
		},
	}
	f := ComputeColumns(spec, barsFromCloses([]float64{1, 2, 3}))
	assert.False(t, f.Has("m"))
}
