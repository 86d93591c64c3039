package rule

import (
	"testing"

	"flexitrade/internal/model"
)

func ctxFor(close float64, snapshot map[string]float64) EvalContext {
	return EvalContext{
		Candle:   model.Candle{Close: close},
		Snapshot: snapshot,
	}
}

func TestParseCondition_SimpleComparison(t *testing.T) {
	cond, err := ParseCondition("close > 100")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	if len(cond.Terms) != 1 || cond.Terms[0].Op != ">" {
		t.Fatalf("unexpected parse: %+v", cond.Terms)
	}
	if !cond.Eval(ctxFor(101, nil)) {
		t.Error("expected true for close=101 > 100")
	}
	if cond.Eval(ctxFor(99, nil)) {
		t.Error("expected false for close=99 > 100")
	}
}

func TestParseCondition_GluedOperator(t *testing.T) {
	cond, err := ParseCondition("close>=100")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	if !cond.Eval(ctxFor(100, nil)) {
		t.Error("expected true for close=100 >= 100")
	}
}

func TestCondition_LeftToRightEqualPrecedence(t *testing.T) {
	// "a or b and c" must reduce strictly left to right: (a or b) and c,
	// NOT a or (b and c) as "and binds tighter" would give.
	cond, err := ParseCondition("rsi_14 > 1000 or close > 0 and volume > 1000")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	ctx := EvalContext{
		Candle:   model.Candle{Close: 10, Volume: 5},
		Snapshot: map[string]float64{"rsi_14": 1},
	}
	// a=false, b=true, c=false -> (false or true) and false = false
	if cond.Eval(ctx) {
		t.Error("expected false under strict left-to-right reduction")
	}
}

func TestCondition_BarePatternFlag(t *testing.T) {
	cond, err := ParseCondition("bullish_engulfing")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	ctx := EvalContext{Snapshot: map[string]float64{"bullish_engulfing": 1}}
	if !cond.Eval(ctx) {
		t.Error("expected true for nonzero flag value")
	}
	ctx.Snapshot["bullish_engulfing"] = 0
	if cond.Eval(ctx) {
		t.Error("expected false for zero flag value")
	}
}

func TestCondition_UndefinedIdentifierIsFalse(t *testing.T) {
	cond, err := ParseCondition("missing_indicator > 10")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	if cond.Eval(ctxFor(1000, nil)) {
		t.Error("expected undefined identifier to make the term false")
	}
}

func TestCondition_BooleanLiteralComparison(t *testing.T) {
	cond, err := ParseCondition("macd_bullish_cross = true")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	ctx := EvalContext{Snapshot: map[string]float64{"macd_bullish_cross": 1}}
	if !cond.Eval(ctx) {
		t.Error("expected nonzero snapshot value to satisfy = true")
	}
}

func TestParseCondition_MalformedRejected(t *testing.T) {
	cases := []string{"", "close >", "close > > 100", "and close > 1"}
	for _, c := range cases {
		if _, err := ParseCondition(c); err == nil {
			t.Errorf("ParseCondition(%q): expected error, got nil", c)
		}
	}
}

func TestCondition_LHSRHSResolutionAsymmetry(t *testing.T) {
	// An indicator named "close" shadows the OHLCV close field on the
	// RHS but never on the LHS: ResolveLHS checks OHLCV fields first,
	// ResolveRHS checks the indicator snapshot first.
	cond, err := ParseCondition("close > close")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	ctx := EvalContext{
		Candle:   model.Candle{Close: 10},
		Snapshot: map[string]float64{"close": 5},
	}
	if !cond.Eval(ctx) {
		t.Error("expected LHS candle.Close=10 > RHS snapshot close=5")
	}
}
