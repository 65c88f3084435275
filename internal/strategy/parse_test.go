package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const crossoverJSON = `{
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
}`

func TestParseSpecJSON(t *testing.T) {
	spec, err := ParseSpec([]byte(crossoverJSON))
	require.NoError(t, err)

	assert.Equal(t, "ma-crossover", spec.Name)
	require.Len(t, spec.Indicators, 2)
	assert.Equal(t, 5, spec.Indicators[0].Length())
	assert.Equal(t, IndicatorSMA, spec.Indicators[0].Kind())

	require.Len(t, spec.Buy.Entry.All, 1)
	assert.Equal(t, CondCrossesAbove, spec.Buy.Entry.All[0].Kind)
	require.Len(t, spec.Buy.Exit, 1)
	assert.True(t, spec.Sell.Entry.Empty())
}

func TestParseSpecYAML(t *testing.T) {
	doc := `
name: band-touch
indicators:
  - key: bands
    type: bollinger_bands
    params: {length: 20, stddev: 2.5}
rules:
  buy_condition:
    entry:
      any:
        - type: compare
          lhs: close
          op: "<"
          rhs: bands.lower
        - type: threshold
          lhs: close
          op: "<"
          value: 95
    exit:
      - type: compare
        lhs: close
        op: ">"
        rhs: bands.middle
`
	spec, err := ParseSpec([]byte(doc))
	require.NoError(t, err)

	require.Len(t, spec.Indicators, 1)
	assert.Equal(t, IndicatorBBands, spec.Indicators[0].Kind())
	assert.Equal(t, 2.5, spec.Indicators[0].BandWidth())
	assert.Equal(t, []string{"bands.lower", "bands.middle", "bands.upper"}, spec.Indicators[0].Columns())

	require.Len(t, spec.Buy.Entry.Any, 2)
	assert.Equal(t, CondThreshold, spec.Buy.Entry.Any[1].Kind)
	assert.Equal(t, "95", spec.Buy.Entry.Any[1].RHS)
}

func TestParseSpecNumericRHS(t *testing.T) {
	doc := `{
  "rules": {
    "buy_condition": {
      "entry": [{"type": "compare", "lhs": "close", "op": ">", "rhs": 101.5}]
    }
  }
}`
	spec, err := ParseSpec([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "101.5", spec.Buy.Entry.All[0].RHS)
}

func TestParseSpecImplicitIndicators(t *testing.T) {
	doc := `{
  "derived": [{"key": "spread", "formula": "ema.9 - ema.21"}],
  "rules": {
    "buy_condition": {
      "entry": [{"type": "compare", "lhs": "close", "op": "<", "rhs": "bb.20.lower"}]
    },
    "sell_condition": {
      "entry": [{"type": "crosses_below", "lhs": "close", "rhs": "sma.50"}]
    }
  }
}`
	spec, err := ParseSpec([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"bb.20.lower", "ema.21", "ema.9", "sma.50"}, spec.Implicit)
}

func TestParseSpecTouchedWithin(t *testing.T) {
	doc := `{
  "rules": {
    "buy_condition": {
      "entry": [{
        "type": "touched_within",
        "within": 3,
        "condition": {"type": "compare", "lhs": "close", "op": "<", "rhs": "bb.20.lower"}
      }]
    }
  }
}`
	spec, err := ParseSpec([]byte(doc))
	require.NoError(t, err)

	cond := spec.Buy.Entry.All[0]
	assert.Equal(t, CondTouchedWithin, cond.Kind)
	assert.Equal(t, 3, cond.Within)
	require.NotNil(t, cond.Inner)
	assert.Equal(t, CondCompare, cond.Inner.Kind)
}

func TestParseSpecRejectsUndeclaredColumn(t *testing.T) {
	doc := `{
  "rules": {
    "buy_condition": {
      "entry": [{"type": "compare", "lhs": "rsi", "op": "<", "rhs": 30}]
    }
  }
}`
	_, err := ParseSpec([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rsi")
}

func TestParseSpecKeepsUnknownIndicatorKind(t *testing.T) {
	doc := `{
  "name": "macd-ish",
  "indicators": [{"key": "macd", "type": "macd"}],
  "rules": {
    "buy_condition": {
      "entry": [{"type": "threshold", "lhs": "macd", "op": ">", "value": 0}]
    }
  }
}`
	spec, err := ParseSpec([]byte(doc))
	require.NoError(t, err)
	require.Len(t, spec.Indicators, 1)
	assert.Equal(t, IndicatorUnknown, spec.Indicators[0].Kind())
}

func TestParseSpecRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown condition": `{"rules": {"buy_condition": {"entry": [{"type": "magic", "lhs": "close"}]}}}`,
		"bad operator":      `{"rules": {"buy_condition": {"entry": [{"type": "compare", "lhs": "close", "op": "!=", "rhs": 1}]}}}`,
		"non-numeric threshold": `{"rules": {"buy_condition": {"entry": [
			{"type": "threshold", "lhs": "close", "op": "<", "value": "cheap"}]}}}`,
		"window missing": `{"rules": {"buy_condition": {"entry": [
			{"type": "touched_within", "condition": {"type": "threshold", "lhs": "close", "op": "<", "value": 1}}]}}}`,
		"both all and any": `{"rules": {"buy_condition": {"entry": {
			"all": [{"type": "threshold", "lhs": "close", "op": "<", "value": 1}],
			"any": [{"type": "threshold", "lhs": "close", "op": ">", "value": 2}]}}}}`,
		"bad formula": `{"derived": [{"key": "d", "formula": "close +"}]}`,
	}
	for name, doc := range cases {
		_, err := ParseSpec([]byte(doc))
		assert.Error(t, err, "case %s", name)
	}
}

func TestColumnRefsIgnoresNumericLiterals(t *testing.T) {
	spec, err := ParseSpec([]byte(crossoverJSON))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ma5", "ma20"}, spec.ColumnRefs())
}
