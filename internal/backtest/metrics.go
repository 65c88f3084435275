package backtest

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// Metrics is the performance summary of one equity curve plus trade list.
// Zero values (or the documented sentinel) stand in whenever the inputs are
// too short to compute a statistic; Compute never fails.
type Metrics struct {
	TotalReturn   float64    `json:"total_return"`
	CAGR          float64    `json:"cagr"`
	Sharpe        float64    `json:"sharpe"`
	Sortino       float64    `json:"sortino"`
	VolAnnual     float64    `json:"vol_annual"`
	MaxDrawdown   float64    `json:"max_drawdown"`
	MaxDDStart    *time.Time `json:"max_dd_start,omitempty"`
	MaxDDEnd      *time.Time `json:"max_dd_end,omitempty"`
	MaxDDDuration int        `json:"max_dd_duration_days"`
	Calmar        float64    `json:"calmar"`
	NumTrades     int        `json:"num_trades"`
	WinRate       float64    `json:"win_rate"`
	ProfitFactor  float64    `json:"profit_factor"`
	Expectancy    float64    `json:"expectancy"`
}

// MarshalJSON renders a non-finite profit factor as null so the document
// stays valid JSON (profit_factor is +Inf when there are wins and no losses).
func (m Metrics) MarshalJSON() ([]byte, error) {
	type alias Metrics
	out := struct {
		alias
		ProfitFactor interface{} `json:"profit_factor"`
	}{alias: alias(m), ProfitFactor: m.ProfitFactor}
	if math.IsInf(m.ProfitFactor, 0) || math.IsNaN(m.ProfitFactor) {
		out.ProfitFactor = nil
	}
	return json.Marshal(out)
}

// Calculator computes performance metrics. The annual risk-free rate is
// converted to a per-period rate from the inferred observation frequency.
type Calculator struct {
	RiskFreeRateAnnual float64
}

// Compute derives the metric set from an equity curve and its trades.
// A curve too short to yield returns produces the all-zero summary, trade
// count included.
func (c Calculator) Compute(equity []EquityPoint, trades []Trade, initialBalance float64) Metrics {
	var m Metrics
	points := cleanEquity(equity)
	if len(points) < 2 {
		return m
	}

	periodsPerYear := inferPeriodsPerYear(points)
	scale := math.Sqrt(periodsPerYear)

	rets := periodReturns(points)
	if len(rets) == 0 {
		return m
	}

	last := points[len(points)-1]
	m.TotalReturn = last.Equity/initialBalance - 1.0
	years := last.Timestamp.Sub(points[0].Timestamp).Hours() / 24.0 / 365.25
	m.CAGR = safeCAGR(m.TotalReturn, years)

	rfPerPeriod := math.Pow(1.0+c.RiskFreeRateAnnual, 1.0/periodsPerYear) - 1.0

	if len(rets) > 1 {
		m.VolAnnual = sampleStdev(rets) * scale
		excess := make([]float64, len(rets))
		for i, r := range rets {
			excess[i] = r - rfPerPeriod
		}
		if sd := sampleStdev(excess); sd > 0 {
			m.Sharpe = mean(excess) / sd * scale
		}
	}

	var downside []float64
	for _, r := range rets {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) > 1 {
		if sd := sampleStdev(downside); sd > 0 {
			m.Sortino = (mean(rets) - rfPerPeriod) / sd * scale
		}
	}

	mdd, ddStart, ddEnd := maxDrawdownStats(points)
	m.MaxDrawdown = mdd
	if mdd < 0 {
		m.MaxDDStart = &ddStart
		m.MaxDDEnd = &ddEnd
		if days := int(ddEnd.Sub(ddStart).Hours() / 24.0); days > 0 {
			m.MaxDDDuration = days
		}
		m.Calmar = m.CAGR / math.Abs(mdd)
	}

	m.NumTrades, m.WinRate, m.ProfitFactor, m.Expectancy = tradeStats(trades)
	return m
}

// cleanEquity drops NaN samples, deduplicates timestamps (last wins) and
// sorts by time.
func cleanEquity(points []EquityPoint) []EquityPoint {
	byTS := make(map[int64]EquityPoint, len(points))
	for _, p := range points {
		if math.IsNaN(p.Equity) || math.IsInf(p.Equity, 0) {
			continue
		}
		byTS[p.Timestamp.UnixNano()] = p
	}
	out := make([]EquityPoint, 0, len(byTS))
	for _, p := range byTS {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// inferPeriodsPerYear maps the median sample interval onto an annualization
// base: daily bars use 252 sessions, hourly 252*24, minute bars the US
// session's 390 minutes, anything faster a conservative minute count.
func inferPeriodsPerYear(points []EquityPoint) float64 {
	if len(points) < 2 {
		return 252.0
	}
	deltas := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		deltas = append(deltas, points[i].Timestamp.Sub(points[i-1].Timestamp).Seconds())
	}
	sort.Float64s(deltas)
	sec := median(deltas)
	switch {
	case sec >= 24*3600*0.75:
		return 252.0
	case sec >= 3600*0.75:
		return 252.0 * 24.0
	case sec >= 60*0.75:
		return 252.0 * 390.0
	default:
		return 252.0 * 24.0 * 60.0
	}
}

func safeCAGR(totalReturn, years float64) float64 {
	// A full loss or a zero-length span would need a fractional power of a
	// non-positive base.
	if years <= 0 || totalReturn <= -1.0 {
		return 0.0
	}
	return math.Pow(1.0+totalReturn, 1.0/years) - 1.0
}

func periodReturns(points []EquityPoint) []float64 {
	var rets []float64
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Equity
		if prev == 0 {
			continue
		}
		rets = append(rets, points[i].Equity/prev-1.0)
	}
	return rets
}

func maxDrawdownStats(points []EquityPoint) (mdd float64, peak, trough time.Time) {
	rollMax := points[0].Equity
	peakTS := points[0].Timestamp
	mdd = 0.0
	peak, trough = peakTS, peakTS
	for _, p := range points {
		if p.Equity > rollMax {
			rollMax = p.Equity
			peakTS = p.Timestamp
		}
		if rollMax <= 0 {
			continue
		}
		dd := p.Equity/rollMax - 1.0
		if dd < mdd {
			mdd = dd
			peak = peakTS
			trough = p.Timestamp
		}
	}
	return mdd, peak, trough
}

// tradeStats pairs trades sequentially into buy/sell round trips. Adjacent
// same-side trades are skipped one at a time; an unpaired trailing trade is
// dropped.
func tradeStats(trades []Trade) (numPairs int, winRate, profitFactor, expectancy float64) {
	if len(trades) < 2 {
		return len(trades), 0, 0, 0
	}
	sorted := make([]Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var pnls []float64
	for i := 0; i+1 < len(sorted); {
		a, b := sorted[i], sorted[i+1]
		switch {
		case a.Side == SideBuy && b.Side == SideSell:
			pnls = append(pnls, b.Price-a.Price)
			i += 2
		case a.Side == SideSell && b.Side == SideBuy:
			pnls = append(pnls, a.Price-b.Price)
			i += 2
		default:
			i++
		}
	}
	if len(pnls) == 0 {
		return len(trades), 0, 0, 0
	}

	var wins, grossWin, grossLoss, total float64
	for _, p := range pnls {
		total += p
		if p > 0 {
			wins++
			grossWin += p
		} else if p < 0 {
			grossLoss += -p
		}
	}
	numPairs = len(pnls)
	winRate = wins / float64(numPairs)
	switch {
	case grossLoss > 0:
		profitFactor = grossWin / grossLoss
	case grossWin > 0:
		profitFactor = math.Inf(1)
	}
	expectancy = total / float64(numPairs)
	return numPairs, winRate, profitFactor, expectancy
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStdev is the ddof=1 standard deviation.
func sampleStdev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	mu := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2.0
}
