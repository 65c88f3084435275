package backtest

import (
	"strconv"

	"quantbox/internal/strategy"
)

// operand resolves a condition operand at bar i: a numeric literal evaluates
// to itself, anything else is looked up as a column. ok is false for missing
// columns, NaN cells and unresolvable tokens.
func operand(f *Frame, token string, i int) (float64, bool) {
	if v, err := strconv.ParseFloat(token, 64); err == nil {
		return v, true
	}
	return f.Value(token, i)
}

// EvalCondition evaluates one condition at bar i. Pure; unresolvable
// operands make the condition false rather than failing the run.
func EvalCondition(f *Frame, c strategy.Condition, i int) bool {
	switch c.Kind {
	case strategy.CondCompare, strategy.CondThreshold:
		a, okA := operand(f, c.LHS, i)
		b, okB := operand(f, c.RHS, i)
		if !okA || !okB {
			return false
		}
		return compare(a, c.Op, b)
	case strategy.CondCrossesAbove:
		if i == 0 {
			return false
		}
		prevL, ok1 := f.Value(c.LHS, i-1)
		prevR, ok2 := f.Value(c.RHS, i-1)
		curL, ok3 := f.Value(c.LHS, i)
		curR, ok4 := f.Value(c.RHS, i)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return false
		}
		// Strict on both sides, touching is not a cross.
		return prevL < prevR && curL > curR
	case strategy.CondCrossesBelow:
		if i == 0 {
			return false
		}
		prevL, ok1 := f.Value(c.LHS, i-1)
		prevR, ok2 := f.Value(c.RHS, i-1)
		curL, ok3 := f.Value(c.LHS, i)
		curR, ok4 := f.Value(c.RHS, i)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return false
		}
		return prevL > prevR && curL < curR
	case strategy.CondTouchedWithin:
		if c.Inner == nil || c.Within <= 0 {
			return false
		}
		start := i - c.Within + 1
		if start < 0 {
			start = 0
		}
		for j := start; j <= i; j++ {
			if EvalCondition(f, *c.Inner, j) {
				return true
			}
		}
		return false
	}
	return false
}

func compare(a float64, op string, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "==":
		return a == b
	}
	return false
}

// EvalGroup evaluates an entry group. An empty group is never satisfied.
func EvalGroup(f *Frame, g strategy.ConditionGroup, i int) bool {
	if len(g.All) > 0 {
		for _, c := range g.All {
			if !EvalCondition(f, c, i) {
				return false
			}
		}
		return true
	}
	for _, c := range g.Any {
		if EvalCondition(f, c, i) {
			return true
		}
	}
	return false
}

// EvalAny evaluates an exit list with any-of semantics.
func EvalAny(f *Frame, conds []strategy.Condition, i int) bool {
	for _, c := range conds {
		if EvalCondition(f, c, i) {
			return true
		}
	}
	return false
}
