package rule

import (
	"testing"
	"time"

	"flexitrade/internal/model"
)

func newTestPosition(entryPrice float64) *Position {
	return newPosition("RELIANCE", "test_strategy", entryPrice, time.Now(), 100)
}

func candleCtx(close float64) EvalContext {
	return EvalContext{Candle: model.Candle{Close: close}}
}

func TestEvalStopLoss_Fixed(t *testing.T) {
	pos := newTestPosition(100)
	sl := StopLoss{Type: "fixed", Value: 0.02}

	if r := evalStopLoss(sl, pos, candleCtx(99)); r.triggered {
		t.Error("did not expect trigger above the stop floor")
	}
	if r := evalStopLoss(sl, pos, candleCtx(97.9)); !r.triggered {
		t.Error("expected trigger below the 2% stop floor")
	}
}

func TestEvalStopLoss_Trailing(t *testing.T) {
	pos := newTestPosition(100)
	pos.updateExtremes(120)
	sl := StopLoss{Type: "trailing", Value: 0.05}

	// floor is 120 * 0.95 = 114
	if r := evalStopLoss(sl, pos, candleCtx(115)); r.triggered {
		t.Error("did not expect trigger above the trailing floor")
	}
	if r := evalStopLoss(sl, pos, candleCtx(113)); !r.triggered {
		t.Error("expected trigger below the trailing floor")
	}
}

func TestEvalStopLoss_BreakevenFloorOverride(t *testing.T) {
	pos := newTestPosition(100)
	pos.BreakevenArmed = true
	// fixed stop would normally be 98, but breakeven clamps it to 100
	sl := StopLoss{Type: "fixed", Value: 0.02}

	if r := evalStopLoss(sl, pos, candleCtx(99)); !r.triggered {
		t.Error("expected breakeven floor to trigger at close=99 < entry=100")
	}
	if r := evalStopLoss(sl, pos, candleCtx(100)); !r.triggered {
		t.Error("expected trigger exactly at the breakeven floor (close <= stop)")
	}
}

func TestEvalStopLoss_MultiFallbackBreakeven(t *testing.T) {
	pos := newTestPosition(100)
	pos.BreakevenArmed = true
	sl := StopLoss{Type: "multi"} // no declared rules fire

	r := evalStopLoss(sl, pos, candleCtx(95))
	if !r.triggered || r.ruleID != "breakeven" {
		t.Errorf("expected synthetic breakeven stop, got %+v", r)
	}
}

func TestEvalTarget_Fixed(t *testing.T) {
	pos := newTestPosition(100)
	tg := Target{Type: "fixed", Value: 0.04}

	if r := evalTarget(tg, pos, candleCtx(103)); r.triggered {
		t.Error("did not expect trigger below the target")
	}
	if r := evalTarget(tg, pos, candleCtx(104.5)); !r.triggered {
		t.Error("expected trigger at/above the 4% target")
	}
}

func TestEvalTarget_TrailingPullback(t *testing.T) {
	pos := newTestPosition(100)
	pos.updateExtremes(130)
	tg := Target{Type: "trailing", Value: 0.1}

	// pullback floor = 130 * 0.9 = 117
	if r := evalTarget(tg, pos, candleCtx(120)); r.triggered {
		t.Error("did not expect trigger above the pullback floor")
	}
	if r := evalTarget(tg, pos, candleCtx(116)); !r.triggered {
		t.Error("expected trigger on pullback below the floor")
	}
}

func TestEvalTarget_TrailingInactiveUntilProfit(t *testing.T) {
	pos := newTestPosition(100)
	// highest never exceeded entry
	tg := Target{Type: "trailing", Value: 0.1}
	if r := evalTarget(tg, pos, candleCtx(50)); r.triggered {
		t.Error("trailing target must stay inactive until a new high above entry is set")
	}
}

func TestEvalTarget_MultiPartialExit(t *testing.T) {
	pos := newTestPosition(100)
	cond, err := ParseCondition("close >= 110")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	tg := Target{Type: "multi", Rules: []StopRule{
		{ID: "tp1", PartialExit: 50, parsed: cond},
	}}

	r := evalTarget(tg, pos, candleCtx(111))
	if !r.triggered || r.ruleID != "tp1" || r.partialExit != 50 {
		t.Errorf("unexpected target result: %+v", r)
	}
}

func TestEvalWeighted_ThresholdMet(t *testing.T) {
	high, err := ParseCondition("close > 100")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	low, err := ParseCondition("close > 1000000")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	rules := []WeightedRule{
		{Weight: 0.6, parsed: high},
		{Weight: 0.4, parsed: low},
	}
	// satisfied weight = 0.6; required = 0.5 * 1.0 = 0.5
	if !evalWeighted(rules, 0.5, candleCtx(200)) {
		t.Error("expected weighted threshold to be met")
	}
	// required = 0.75 * 1.0 = 0.75, satisfied 0.6 falls short
	if evalWeighted(rules, 0.75, candleCtx(200)) {
		t.Error("expected weighted threshold to NOT be met")
	}
}

func TestEvalWeighted_NoRulesNeverFires(t *testing.T) {
	if evalWeighted(nil, 0, candleCtx(100)) {
		t.Error("an empty rule list must never fire")
	}
}
