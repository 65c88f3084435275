package strategy

import (
	"fmt"
	"strings"
)

// Price columns every spec may reference without declaring anything.
var priceColumns = map[string]bool{
	"open":   true,
	"high":   true,
	"low":    true,
	"close":  true,
	"volume": true,
}

// IsPriceColumn reports whether name is a raw bar column.
func IsPriceColumn(name string) bool {
	return priceColumns[strings.ToLower(name)]
}

// IndicatorKind identifies a supported indicator family.
type IndicatorKind string

const (
	IndicatorSMA     IndicatorKind = "sma"
	IndicatorEMA     IndicatorKind = "ema"
	IndicatorBBands  IndicatorKind = "bbands"
	IndicatorUnknown IndicatorKind = ""
)

// NormalizeIndicatorKind maps the accepted aliases onto one kind.
// Unknown types map to IndicatorUnknown; the engine logs and skips them.
func NormalizeIndicatorKind(raw string) IndicatorKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sma":
		return IndicatorSMA
	case "ema":
		return IndicatorEMA
	case "bollinger_bands", "bbands", "bb":
		return IndicatorBBands
	default:
		return IndicatorUnknown
	}
}

// DefaultLength is used when an indicator spec omits params.length.
const DefaultLength = 20

// DefaultBandWidth is the stddev multiplier used for implicit band indicators.
const DefaultBandWidth = 2.0

// IndicatorSpec declares one named indicator column. For band indicators the
// key is a prefix: key.lower / key.middle / key.upper are emitted.
type IndicatorSpec struct {
	Key    string             `json:"key" yaml:"key"`
	Type   string             `json:"type" yaml:"type"`
	Params map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

// Kind returns the normalized indicator kind.
func (s IndicatorSpec) Kind() IndicatorKind { return NormalizeIndicatorKind(s.Type) }

// Length returns params.length, falling back to DefaultLength.
func (s IndicatorSpec) Length() int {
	if v, ok := s.Params["length"]; ok && v > 0 {
		return int(v)
	}
	return DefaultLength
}

// BandWidth returns the stddev multiplier (params.stddev, alias std).
func (s IndicatorSpec) BandWidth() float64 {
	if v, ok := s.Params["stddev"]; ok && v > 0 {
		return v
	}
	if v, ok := s.Params["std"]; ok && v > 0 {
		return v
	}
	return DefaultBandWidth
}

// Columns lists the column names this spec emits.
func (s IndicatorSpec) Columns() []string {
	if s.Kind() == IndicatorBBands {
		return []string{s.Key + ".lower", s.Key + ".middle", s.Key + ".upper"}
	}
	return []string{s.Key}
}

// DerivedSpec declares one derived column. The formula is parsed once at load
// time; Expr is nil only if the spec was built by hand without ParseSpec.
type DerivedSpec struct {
	Key     string `json:"key" yaml:"key"`
	Formula string `json:"formula" yaml:"formula"`

	Expr Expr `json:"-" yaml:"-"`
}

// CondKind tags the condition variants.
type CondKind string

const (
	CondCompare       CondKind = "compare"
	CondThreshold     CondKind = "threshold"
	CondCrossesAbove  CondKind = "crosses_above"
	CondCrossesBelow  CondKind = "crosses_below"
	CondTouchedWithin CondKind = "touched_within"
)

// Condition is the tagged union of rule atoms. Which fields are meaningful
// depends on Kind:
//
//	compare:        LHS Op RHS (RHS may be a column name or numeric literal)
//	threshold:      LHS Op RHS (RHS is always a numeric literal)
//	crosses_above:  LHS crossed strictly above RHS between bar i-1 and i
//	crosses_below:  symmetric
//	touched_within: Inner was true at least once in the last Within bars
type Condition struct {
	Kind   CondKind
	LHS    string
	Op     string
	RHS    string
	Within int
	Inner  *Condition
}

var comparisonOps = map[string]bool{"<": true, "<=": true, ">": true, ">=": true, "==": true}

// ConditionGroup combines conditions with all-of or any-of semantics.
// Exactly one of the two lists may be populated. An empty group never
// satisfies an entry trigger.
type ConditionGroup struct {
	All []Condition
	Any []Condition
}

// Empty reports whether the group holds no conditions at all.
func (g ConditionGroup) Empty() bool { return len(g.All) == 0 && len(g.Any) == 0 }

// RuleSide holds the entry group and exit list for one direction.
// Exit conditions always use any-of semantics.
type RuleSide struct {
	Entry ConditionGroup
	Exit  []Condition
}

// Spec is a fully parsed, validated strategy. Build one with ParseSpec; the
// zero value is usable for tests but skips load-time validation.
type Spec struct {
	Name        string
	Description string
	Indicators  []IndicatorSpec
	Derived     []DerivedSpec
	Buy         RuleSide
	Sell        RuleSide

	// Implicit holds indicator columns referenced by rules or formulas
	// without an explicit IndicatorSpec (e.g. "ema.20", "bb.20.lower").
	Implicit []string
}

// conditionRefs collects the column names a condition reads. Numeric literal
// operands are excluded.
func conditionRefs(c Condition, out map[string]bool) {
	switch c.Kind {
	case CondCompare:
		addRef(c.LHS, out)
		addRef(c.RHS, out)
	case CondThreshold:
		addRef(c.LHS, out)
	case CondCrossesAbove, CondCrossesBelow:
		addRef(c.LHS, out)
		addRef(c.RHS, out)
	case CondTouchedWithin:
		if c.Inner != nil {
			conditionRefs(*c.Inner, out)
		}
	}
}

func addRef(token string, out map[string]bool) {
	token = strings.TrimSpace(token)
	if token == "" || isNumericLiteral(token) {
		return
	}
	out[token] = true
}

// ColumnRefs returns every column name referenced by the spec's rules and
// derived formulas.
func (s *Spec) ColumnRefs() []string {
	refs := make(map[string]bool)
	for _, c := range s.Buy.Entry.All {
		conditionRefs(c, refs)
	}
	for _, c := range s.Buy.Entry.Any {
		conditionRefs(c, refs)
	}
	for _, c := range s.Buy.Exit {
		conditionRefs(c, refs)
	}
	for _, c := range s.Sell.Entry.All {
		conditionRefs(c, refs)
	}
	for _, c := range s.Sell.Entry.Any {
		conditionRefs(c, refs)
	}
	for _, c := range s.Sell.Exit {
		conditionRefs(c, refs)
	}
	for _, d := range s.Derived {
		if d.Expr != nil {
			for _, r := range d.Expr.Refs() {
				refs[r] = true
			}
		}
	}
	out := make([]string, 0, len(refs))
	for r := range refs {
		out = append(out, r)
	}
	return out
}

func validateCondition(c Condition) error {
	switch c.Kind {
	case CondCompare, CondThreshold:
		if c.LHS == "" {
			return fmt.Errorf("%s condition missing lhs", c.Kind)
		}
		if !comparisonOps[c.Op] {
			return fmt.Errorf("%s condition has invalid op %q", c.Kind, c.Op)
		}
		if c.RHS == "" {
			return fmt.Errorf("%s condition missing rhs/value", c.Kind)
		}
	case CondCrossesAbove, CondCrossesBelow:
		if c.LHS == "" || c.RHS == "" {
			return fmt.Errorf("%s condition requires lhs and rhs columns", c.Kind)
		}
	case CondTouchedWithin:
		if c.Within <= 0 {
			return fmt.Errorf("touched_within requires a positive window")
		}
		if c.Inner == nil {
			return fmt.Errorf("touched_within requires an inner condition")
		}
		return validateCondition(*c.Inner)
	default:
		return fmt.Errorf("unknown condition type %q", c.Kind)
	}
	return nil
}
