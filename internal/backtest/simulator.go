package backtest

import (
	"errors"
	"time"

	"quantbox/internal/strategy"
)

// ExecutionLagBars is the number of bars between a simulated trade and the
// first bar whose price delta it earns. A position opened at bar i starts
// contributing P&L at bar i+ExecutionLagBars:
//
//	equity[i] = equity[i-1] + position[i-ExecutionLagBars] * (close[i] - close[i-1])
const ExecutionLagBars = 1

// Position states of the simulator.
const (
	PositionShort = -1
	PositionFlat  = 0
	PositionLong  = 1
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// ErrInsufficientData is returned when a backtest has too few bars to
// simulate anything.
var ErrInsufficientData = errors.New("insufficient data")

// Trade is one simulated fill at a bar close.
type Trade struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Side      string    `json:"side"`
}

// EquityPoint is one sample of the simulated equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// SimResult is the raw simulator output before metrics.
type SimResult struct {
	Trades    []Trade
	Equity    []EquityPoint
	Positions []int
	Start     int
}

// Simulate runs the long/short/flat state machine over a computed frame.
// Trades execute at the bar close; the equity update lags the position by
// ExecutionLagBars. Bars before the lookback stay flat at the initial
// balance.
func Simulate(f *Frame, spec *strategy.Spec, initialBalance float64) (*SimResult, error) {
	n := f.Len()
	if n < 2 {
		return nil, ErrInsufficientData
	}

	closes := f.Columns["close"]
	res := &SimResult{
		Equity:    make([]EquityPoint, n),
		Positions: make([]int, n),
	}
	for i := 0; i < n; i++ {
		res.Equity[i] = EquityPoint{Timestamp: f.Bars[i].Timestamp, Equity: initialBalance}
	}

	start := f.Lookback
	if start < 1 {
		start = 1
	}
	if start >= n {
		// Not enough bars to clear the warm-up; the curve stays flat.
		res.Start = n
		return res, nil
	}
	res.Start = start

	position := PositionFlat
	for i := start; i < n; i++ {
		// Exits run before entries so a position vacated at bar i can be
		// re-entered on the same bar.
		switch position {
		case PositionLong:
			if EvalAny(f, spec.Buy.Exit, i) {
				position = PositionFlat
				res.Trades = append(res.Trades, Trade{Timestamp: f.Bars[i].Timestamp, Price: closes[i], Side: SideSell})
			}
		case PositionShort:
			if EvalAny(f, spec.Sell.Exit, i) {
				position = PositionFlat
				res.Trades = append(res.Trades, Trade{Timestamp: f.Bars[i].Timestamp, Price: closes[i], Side: SideBuy})
			}
		}

		if position == PositionFlat {
			switch {
			case EvalGroup(f, spec.Buy.Entry, i):
				position = PositionLong
				res.Trades = append(res.Trades, Trade{Timestamp: f.Bars[i].Timestamp, Price: closes[i], Side: SideBuy})
			case EvalGroup(f, spec.Sell.Entry, i):
				position = PositionShort
				res.Trades = append(res.Trades, Trade{Timestamp: f.Bars[i].Timestamp, Price: closes[i], Side: SideSell})
			}
		}

		res.Positions[i] = position
		prevPos := res.Positions[i-ExecutionLagBars]
		res.Equity[i].Equity = res.Equity[i-1].Equity + float64(prevPos)*(closes[i]-closes[i-1])
	}
	return res, nil
}
