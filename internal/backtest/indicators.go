package backtest

import (
	"math"
	"regexp"
	"sort"
	"strconv"

	"quantbox/internal/logger"
	"quantbox/internal/market"
	"quantbox/internal/strategy"

	"github.com/markcheno/go-talib"
)

var (
	implicitMAToken = regexp.MustCompile(`^(ema|sma)\.(\d+)$`)
	implicitBBToken = regexp.MustCompile(`^bb\.(\d+)\.(lower|middle|upper)$`)
)

// ComputeColumns builds the full column frame for a strategy: price columns,
// explicitly declared indicators, implicitly referenced indicators and
// derived formulas. Indicator failures degrade to NaN columns with a log
// line; the run continues.
func ComputeColumns(spec *strategy.Spec, bars []market.Bar) *Frame {
	f := newFrame(bars)
	for _, ind := range spec.Indicators {
		computeIndicator(f, ind)
	}
	computeImplicit(f, spec)
	for _, d := range spec.Derived {
		computeDerived(f, d)
	}
	return f
}

func computeIndicator(f *Frame, ind strategy.IndicatorSpec) {
	if ind.Kind() == strategy.IndicatorUnknown {
		logger.Warnf("unknown indicator type %q for %s, skipping", ind.Type, ind.Key)
		return
	}
	length := ind.Length()
	closes := f.Columns["close"]
	if length >= f.Len() {
		logger.Warnf("indicator %s: length %d >= %d bars, column is all NaN", ind.Key, length, f.Len())
		for _, col := range ind.Columns() {
			f.setColumn(col, nanSeries(f.Len()), length)
		}
		return
	}
	switch ind.Kind() {
	case strategy.IndicatorSMA:
		f.setColumn(ind.Key, maskLeading(talib.Sma(closes, length), length-1), length)
	case strategy.IndicatorEMA:
		f.setColumn(ind.Key, maskLeading(talib.Ema(closes, length), length-1), length)
	case strategy.IndicatorBBands:
		width := ind.BandWidth()
		upper, middle, lower := talib.BBands(closes, length, width, width, talib.SMA)
		f.setColumn(ind.Key+".lower", maskLeading(lower, length-1), length)
		f.setColumn(ind.Key+".middle", maskLeading(middle, length-1), length)
		f.setColumn(ind.Key+".upper", maskLeading(upper, length-1), length)
	}
}

// computeImplicit fills in columns the rules reference by naming convention
// (ema.N, sma.N, bb.N.band) without a declared spec.
func computeImplicit(f *Frame, spec *strategy.Spec) {
	closes := f.Columns["close"]

	bbLengths := make(map[int]bool)
	for _, tok := range spec.Implicit {
		if f.Has(tok) {
			continue
		}
		if m := implicitMAToken.FindStringSubmatch(tok); m != nil {
			length, _ := strconv.Atoi(m[2])
			if length <= 0 || length >= f.Len() {
				f.setColumn(tok, nanSeries(f.Len()), length)
				continue
			}
			switch m[1] {
			case "ema":
				f.setColumn(tok, maskLeading(talib.Ema(closes, length), length-1), length)
			case "sma":
				f.setColumn(tok, maskLeading(talib.Sma(closes, length), length-1), length)
			}
			continue
		}
		if m := implicitBBToken.FindStringSubmatch(tok); m != nil {
			length, _ := strconv.Atoi(m[1])
			bbLengths[length] = true
		}
	}

	lengths := make([]int, 0, len(bbLengths))
	for l := range bbLengths {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)
	for _, length := range lengths {
		prefix := "bb." + strconv.Itoa(length)
		if f.Has(prefix+".lower") && f.Has(prefix+".middle") && f.Has(prefix+".upper") {
			continue
		}
		if length <= 0 || length >= f.Len() {
			for _, band := range []string{".lower", ".middle", ".upper"} {
				f.setColumn(prefix+band, nanSeries(f.Len()), length)
			}
			continue
		}
		width := bandWidthFor(spec, length)
		upper, middle, lower := talib.BBands(closes, length, width, width, talib.SMA)
		f.setColumn(prefix+".lower", maskLeading(lower, length-1), length)
		f.setColumn(prefix+".middle", maskLeading(middle, length-1), length)
		f.setColumn(prefix+".upper", maskLeading(upper, length-1), length)
	}
}

// bandWidthFor reuses the stddev multiplier of an explicitly declared band
// indicator of the same length, falling back to the default.
func bandWidthFor(spec *strategy.Spec, length int) float64 {
	for _, ind := range spec.Indicators {
		if ind.Kind() == strategy.IndicatorBBands && ind.Length() == length {
			return ind.BandWidth()
		}
	}
	return strategy.DefaultBandWidth
}

func computeDerived(f *Frame, d strategy.DerivedSpec) {
	expr := d.Expr
	if expr == nil {
		parsed, err := strategy.ParseFormula(d.Formula)
		if err != nil {
			logger.Warnf("derived %s: %v, column is all NaN", d.Key, err)
			f.setColumn(d.Key, nanSeries(f.Len()), 0)
			return
		}
		expr = parsed
	}
	values := make([]float64, f.Len())
	for i := range values {
		values[i] = evalExpr(f, expr, i)
	}
	f.setColumn(d.Key, values, 0)
}

// evalExpr evaluates a formula at bar i. Any unresolvable operand, division
// by zero or out-of-range shift yields NaN.
func evalExpr(f *Frame, e strategy.Expr, i int) float64 {
	switch node := e.(type) {
	case strategy.NumLit:
		return node.Value
	case strategy.ColRef:
		v, ok := f.Value(node.Name, i)
		if !ok {
			return math.NaN()
		}
		return v
	case strategy.ShiftExpr:
		v, ok := f.Value(node.Name, i-node.N)
		if !ok {
			return math.NaN()
		}
		return v
	case strategy.UnaryExpr:
		return -evalExpr(f, node.X, i)
	case strategy.BinaryExpr:
		x := evalExpr(f, node.X, i)
		y := evalExpr(f, node.Y, i)
		if math.IsNaN(x) || math.IsNaN(y) {
			return math.NaN()
		}
		switch node.Op {
		case '+':
			return x + y
		case '-':
			return x - y
		case '*':
			return x * y
		case '/':
			if y == 0 {
				return math.NaN()
			}
			return x / y
		}
	}
	return math.NaN()
}
