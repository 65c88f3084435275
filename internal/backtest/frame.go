package backtest

import (
	"math"

	"quantbox/internal/market"
)

// Frame holds the bar series plus every computed column, aligned by index.
// Leading values a window-based indicator cannot produce are NaN, never a
// zero that could satisfy a comparison by accident.
type Frame struct {
	Bars    []market.Bar
	Columns map[string][]float64

	// Lookback is the largest indicator window the frame carries. The
	// simulator starts at max(1, Lookback).
	Lookback int
}

func newFrame(bars []market.Bar) *Frame {
	n := len(bars)
	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	closeCol := make([]float64, n)
	volume := make([]float64, n)
	for i, b := range bars {
		open[i] = b.Open
		high[i] = b.High
		low[i] = b.Low
		closeCol[i] = b.Close
		volume[i] = b.Volume
	}
	return &Frame{
		Bars: bars,
		Columns: map[string][]float64{
			"open":   open,
			"high":   high,
			"low":    low,
			"close":  closeCol,
			"volume": volume,
		},
	}
}

// Len returns the number of bars.
func (f *Frame) Len() int { return len(f.Bars) }

// Has reports whether the named column exists.
func (f *Frame) Has(name string) bool {
	_, ok := f.Columns[name]
	return ok
}

// Value returns the column value at index i. ok is false when the column is
// missing, the index is out of range, or the value is NaN.
func (f *Frame) Value(name string, i int) (float64, bool) {
	col, exists := f.Columns[name]
	if !exists || i < 0 || i >= len(col) {
		return 0, false
	}
	v := col[i]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func (f *Frame) setColumn(name string, values []float64, lookback int) {
	f.Columns[name] = values
	if lookback > f.Lookback {
		f.Lookback = lookback
	}
}

// nanSeries returns a series of length n filled with NaN.
func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// maskLeading overwrites the first count values with NaN. go-talib seeds the
// warm-up region with zeros; those are not real indicator values.
func maskLeading(series []float64, count int) []float64 {
	if count > len(series) {
		count = len(series)
	}
	for i := 0; i < count; i++ {
		series[i] = math.NaN()
	}
	return series
}
