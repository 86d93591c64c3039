package rule

import (
	"testing"

	"flexitrade/internal/model"
)

func TestEvalMarketParamExpr_Arithmetic(t *testing.T) {
	candle := model.Candle{Open: 10, High: 20, Low: 5, Close: 15}
	v, err := EvalMarketParamExpr("(high - low) / 2", candle, nil)
	if err != nil {
		t.Fatalf("EvalMarketParamExpr: %v", err)
	}
	if v != 7.5 {
		t.Errorf("got %v, want 7.5", v)
	}
}

func TestEvalMarketParamExpr_PrecedenceMulBeforeAdd(t *testing.T) {
	candle := model.Candle{Close: 2}
	v, err := EvalMarketParamExpr("close + 3 * 4", candle, nil)
	if err != nil {
		t.Fatalf("EvalMarketParamExpr: %v", err)
	}
	if v != 14 {
		t.Errorf("got %v, want 14", v)
	}
}

func TestEvalMarketParamExpr_IdentifierFromSnapshot(t *testing.T) {
	candle := model.Candle{Close: 100}
	snapshot := map[string]float64{"atr_14": 2.5}
	v, err := EvalMarketParamExpr("close - atr_14 * 2", candle, snapshot)
	if err != nil {
		t.Fatalf("EvalMarketParamExpr: %v", err)
	}
	if v != 95 {
		t.Errorf("got %v, want 95", v)
	}
}

func TestEvalMarketParamExpr_DivisionByZero(t *testing.T) {
	if _, err := EvalMarketParamExpr("close / 0", model.Candle{Close: 1}, nil); err == nil {
		t.Error("expected division-by-zero error")
	}
}

func TestEvalMarketParamExpr_UndefinedIdentifier(t *testing.T) {
	if _, err := EvalMarketParamExpr("nonexistent + 1", model.Candle{}, nil); err == nil {
		t.Error("expected undefined-identifier error")
	}
}

func TestResolveMarketParams_OmitsFailingExpressions(t *testing.T) {
	params := map[string]string{
		"mid":     "(high + low) / 2",
		"bad_ref": "undefined_thing * 2",
	}
	candle := model.Candle{High: 20, Low: 10}
	resolved := ResolveMarketParams(params, candle, nil)

	if resolved["mid"] != 15 {
		t.Errorf("mid: got %v, want 15", resolved["mid"])
	}
	if _, ok := resolved["bad_ref"]; ok {
		t.Error("expected bad_ref to be omitted after failing to evaluate")
	}
}
