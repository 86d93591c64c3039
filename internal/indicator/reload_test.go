package indicator

import (
	"testing"
	"time"

	"flexitrade/internal/model"
)

func feedCandles(e *Engine, symbol, exchange string, tf model.Timeframe, closes []float64) {
	base := time.Date(2026, 7, 29, 9, 15, 0, 0, time.UTC)
	for i, px := range closes {
		e.Process(model.Candle{
			Symbol: symbol, Exchange: exchange, Timeframe: tf,
			BucketStart: base.Add(time.Duration(i) * time.Minute), Close: px, Closed: true,
		})
	}
}

func TestReloadConfigs_UnchangedTimeframePreservesState(t *testing.T) {
	configs := []TimeframeIndicatorConfig{
		{Timeframe: model.TF1Min, Indicators: []IndicatorConfig{{Type: "sma", Period: 3}}},
	}
	e := NewEngine(configs)
	feedCandles(e, "SBIN-EQ", "NSE", model.TF1Min, []float64{100, 101, 102})

	preserved, created := e.ReloadConfigs(configs)
	if preserved != 1 || created != 0 {
		t.Fatalf("expected 1 preserved, 0 created, got preserved=%d created=%d", preserved, created)
	}

	results := e.ProcessPeek(model.Candle{
		Symbol: "SBIN-EQ", Exchange: "NSE", Timeframe: model.TF1Min,
		BucketStart: time.Date(2026, 7, 29, 9, 18, 0, 0, time.UTC), Close: 103,
	})
	if len(results) != 1 || !results[0].Ready {
		t.Fatalf("expected preserved sma to already be ready, got %+v", results)
	}
}

func TestReloadConfigs_NewTimeframeColdStarts(t *testing.T) {
	configs := []TimeframeIndicatorConfig{
		{Timeframe: model.TF1Min, Indicators: []IndicatorConfig{{Type: "sma", Period: 3}}},
	}
	e := NewEngine(configs)
	feedCandles(e, "SBIN-EQ", "NSE", model.TF1Min, []float64{100, 101, 102})

	newConfigs := append(configs, TimeframeIndicatorConfig{
		Timeframe: model.TF5Min, Indicators: []IndicatorConfig{{Type: "sma", Period: 2}},
	})
	preserved, created := e.ReloadConfigs(newConfigs)
	if preserved != 1 || created != 1 {
		t.Fatalf("expected 1 preserved, 1 created, got preserved=%d created=%d", preserved, created)
	}
}

func TestReloadConfigs_IndicatorSetChangeMigratesMatching(t *testing.T) {
	configs := []TimeframeIndicatorConfig{
		{Timeframe: model.TF1Min, Indicators: []IndicatorConfig{
			{Type: "sma", Period: 3},
		}},
	}
	e := NewEngine(configs)
	feedCandles(e, "SBIN-EQ", "NSE", model.TF1Min, []float64{100, 101, 102})

	newConfigs := []TimeframeIndicatorConfig{
		{Timeframe: model.TF1Min, Indicators: []IndicatorConfig{
			{Type: "sma", Period: 3},
			{Type: "rsi", Period: 5},
		}},
	}
	preserved, created := e.ReloadConfigs(newConfigs)
	if preserved != 1 || created != 1 {
		t.Fatalf("expected 1 preserved, 1 created (migrated timeframe), got preserved=%d created=%d", preserved, created)
	}

	results := e.ProcessPeek(model.Candle{
		Symbol: "SBIN-EQ", Exchange: "NSE", Timeframe: model.TF1Min,
		BucketStart: time.Date(2026, 7, 29, 9, 18, 0, 0, time.UTC), Close: 103,
	})
	foundReadySMA := false
	for _, r := range results {
		if r.Name == "sma_3" && r.Ready {
			foundReadySMA = true
		}
	}
	if !foundReadySMA {
		t.Fatalf("expected sma_3 to keep its warmed-up state across migration, got %+v", results)
	}
}

func TestValidateConfigs_RejectsUnknownType(t *testing.T) {
	configs := []TimeframeIndicatorConfig{
		{Timeframe: model.TF1Min, Indicators: []IndicatorConfig{{Type: "vwap", Period: 5}}},
	}
	if err := ValidateConfigs(configs); err == nil {
		t.Fatal("expected an error for unknown indicator type")
	}
}

func TestValidateConfigs_RejectsDuplicateTimeframe(t *testing.T) {
	configs := []TimeframeIndicatorConfig{
		{Timeframe: model.TF1Min, Indicators: []IndicatorConfig{{Type: "sma", Period: 3}}},
		{Timeframe: model.TF1Min, Indicators: []IndicatorConfig{{Type: "rsi", Period: 5}}},
	}
	if err := ValidateConfigs(configs); err == nil {
		t.Fatal("expected an error for duplicate timeframe")
	}
}

func TestValidateConfigs_AcceptsValidSet(t *testing.T) {
	configs := []TimeframeIndicatorConfig{
		{Timeframe: model.TF1Min, Indicators: []IndicatorConfig{
			{Type: "sma", Period: 20},
			{Type: "rsi", Period: 14},
			{Type: "bollinger_bands", Period: 20, StdMult: 2},
			{Type: "atr", Period: 14},
			{Type: "macd", Period: 12, Slow: 26, Signal: 9},
		}},
	}
	if err := ValidateConfigs(configs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
