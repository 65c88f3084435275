package strategy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"quantbox/internal/logger"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// document is the on-disk shape of a strategy file. Both JSON and YAML are
// accepted; YAML documents are normalized to JSON before parsing so the
// implicit-indicator scan can work over one representation.
type document struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Indicators  []IndicatorSpec `json:"indicators"`
	Derived     []rawDerived    `json:"derived"`
	Rules       documentRules   `json:"rules"`
}

type documentRules struct {
	Buy  rawRuleSide `json:"buy_condition"`
	Sell rawRuleSide `json:"sell_condition"`
}

type rawDerived struct {
	Key     string `json:"key"`
	Formula string `json:"formula"`
}

type rawRuleSide struct {
	Entry rawGroup       `json:"entry"`
	Exit  []rawCondition `json:"exit"`
}

// rawGroup accepts either a bare condition array (all-of, the common form)
// or an object with an explicit "all" or "any" list.
type rawGroup struct {
	All []rawCondition
	Any []rawCondition
}

func (g *rawGroup) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &g.All)
	}
	var obj struct {
		All []rawCondition `json:"all"`
		Any []rawCondition `json:"any"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if len(obj.All) > 0 && len(obj.Any) > 0 {
		return fmt.Errorf("entry group declares both all and any")
	}
	g.All, g.Any = obj.All, obj.Any
	return nil
}

type rawCondition struct {
	Type      string        `json:"type"`
	LHS       string        `json:"lhs"`
	Op        string        `json:"op"`
	RHS       scalar        `json:"rhs"`
	Value     scalar        `json:"value"`
	Within    int           `json:"within"`
	Condition *rawCondition `json:"condition"`
}

// scalar holds an operand that may arrive as a JSON string or number.
type scalar struct {
	text string
	set  bool
}

func (s *scalar) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s.text, s.set = str, true
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("operand must be a string or number: %s", trimmed)
	}
	s.text, s.set = strconv.FormatFloat(num, 'f', -1, 64), true
	return nil
}

// ParseSpec parses a strategy document (JSON or YAML) into a validated Spec.
// Validation is fail-fast: unknown condition types, malformed formulas and
// references to undeclared columns are load-time errors, not silent NaNs
// at evaluation time.
func ParseSpec(raw []byte) (*Spec, error) {
	jsonBytes, err := toJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("read strategy document: %w", err)
	}
	if err := ValidateDocument(jsonBytes); err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("decode strategy document: %w", err)
	}

	spec := &Spec{
		Name:        doc.Name,
		Description: doc.Description,
		Indicators:  doc.Indicators,
	}
	for _, ind := range doc.Indicators {
		if ind.Key == "" {
			return nil, fmt.Errorf("indicator with empty key")
		}
		// Unknown kinds are kept: the engine logs and skips them, and any
		// condition reading the absent column evaluates false.
		if ind.Kind() == IndicatorUnknown {
			logger.Warnf("strategy %q: indicator %q has unknown type %q", doc.Name, ind.Key, ind.Type)
		}
	}
	for _, d := range doc.Derived {
		if d.Key == "" {
			return nil, fmt.Errorf("derived column with empty key")
		}
		expr, err := ParseFormula(d.Formula)
		if err != nil {
			return nil, fmt.Errorf("derived %q: %w", d.Key, err)
		}
		spec.Derived = append(spec.Derived, DerivedSpec{Key: d.Key, Formula: d.Formula, Expr: expr})
	}

	if spec.Buy, err = buildRuleSide(doc.Rules.Buy); err != nil {
		return nil, fmt.Errorf("buy_condition: %w", err)
	}
	if spec.Sell, err = buildRuleSide(doc.Rules.Sell); err != nil {
		return nil, fmt.Errorf("sell_condition: %w", err)
	}

	spec.Implicit = scanImplicit(jsonBytes)

	if err := spec.validateRefs(); err != nil {
		return nil, err
	}
	return spec, nil
}

func toJSON(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		return raw, nil
	}
	var v interface{}
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func buildRuleSide(raw rawRuleSide) (RuleSide, error) {
	var side RuleSide
	for _, rc := range raw.Entry.All {
		c, err := buildCondition(rc)
		if err != nil {
			return side, fmt.Errorf("entry: %w", err)
		}
		side.Entry.All = append(side.Entry.All, c)
	}
	for _, rc := range raw.Entry.Any {
		c, err := buildCondition(rc)
		if err != nil {
			return side, fmt.Errorf("entry: %w", err)
		}
		side.Entry.Any = append(side.Entry.Any, c)
	}
	for _, rc := range raw.Exit {
		c, err := buildCondition(rc)
		if err != nil {
			return side, fmt.Errorf("exit: %w", err)
		}
		side.Exit = append(side.Exit, c)
	}
	return side, nil
}

func buildCondition(raw rawCondition) (Condition, error) {
	c := Condition{
		Kind:   CondKind(strings.ToLower(strings.TrimSpace(raw.Type))),
		LHS:    strings.TrimSpace(raw.LHS),
		Op:     strings.TrimSpace(raw.Op),
		Within: raw.Within,
	}
	switch c.Kind {
	case CondCompare:
		// Compare accepts value as an alias for rhs.
		if raw.RHS.set {
			c.RHS = strings.TrimSpace(raw.RHS.text)
		} else if raw.Value.set {
			c.RHS = strings.TrimSpace(raw.Value.text)
		}
	case CondThreshold:
		if !raw.Value.set {
			return c, fmt.Errorf("threshold condition missing value")
		}
		c.RHS = strings.TrimSpace(raw.Value.text)
		if !isNumericLiteral(c.RHS) {
			return c, fmt.Errorf("threshold value %q is not numeric", c.RHS)
		}
	case CondCrossesAbove, CondCrossesBelow:
		c.RHS = strings.TrimSpace(raw.RHS.text)
	case CondTouchedWithin:
		if raw.Condition == nil {
			return c, fmt.Errorf("touched_within requires an inner condition")
		}
		inner, err := buildCondition(*raw.Condition)
		if err != nil {
			return c, err
		}
		c.Inner = &inner
	}
	if err := validateCondition(c); err != nil {
		return c, err
	}
	return c, nil
}

var (
	emaPattern = regexp.MustCompile(`\b(ema|sma)\.(\d+)\b`)
	bbPattern  = regexp.MustCompile(`\bbb\.(\d+)\.(lower|middle|upper)\b`)
)

// scanImplicit walks the raw document for lhs/rhs/key/formula strings and
// collects indicator column tokens that follow the kind.length naming
// convention. These are computed on demand even without an explicit
// IndicatorSpec.
func scanImplicit(jsonBytes []byte) []string {
	found := make(map[string]bool)
	var walk func(v gjson.Result)
	walk = func(v gjson.Result) {
		switch {
		case v.IsObject():
			v.ForEach(func(key, val gjson.Result) bool {
				switch key.String() {
				case "lhs", "rhs", "key", "formula":
					if val.Type == gjson.String {
						scanImplicitText(strings.ToLower(val.String()), found)
					}
				}
				walk(val)
				return true
			})
		case v.IsArray():
			v.ForEach(func(_, val gjson.Result) bool {
				walk(val)
				return true
			})
		}
	}
	root := gjson.ParseBytes(jsonBytes)
	walk(root.Get("rules"))
	walk(root.Get("derived"))

	out := make([]string, 0, len(found))
	for tok := range found {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

func scanImplicitText(txt string, out map[string]bool) {
	for _, m := range emaPattern.FindAllStringSubmatch(txt, -1) {
		out[m[1]+"."+m[2]] = true
	}
	for _, m := range bbPattern.FindAllStringSubmatch(txt, -1) {
		out["bb."+m[1]+"."+m[2]] = true
	}
}

// validateRefs checks that every referenced column resolves to a price
// column, a declared indicator column, a derived key or an implicit token.
func (s *Spec) validateRefs() error {
	known := make(map[string]bool)
	for _, ind := range s.Indicators {
		for _, col := range ind.Columns() {
			known[col] = true
		}
	}
	for _, d := range s.Derived {
		known[d.Key] = true
	}
	for _, tok := range s.Implicit {
		known[tok] = true
	}
	var missing []string
	for _, ref := range s.ColumnRefs() {
		if IsPriceColumn(ref) || known[ref] {
			continue
		}
		missing = append(missing, ref)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("strategy %q references undeclared columns: %s", s.Name, strings.Join(missing, ", "))
	}
	return nil
}
