package indicator

import (
	"math"
	"testing"
	"time"

	"flexitrade/internal/model"
)

func makeCandleSnap(symbol string, tf model.Timeframe, close float64) model.Candle {
	return model.Candle{
		Symbol:      symbol,
		Exchange:    "NSE",
		Timeframe:   tf,
		BucketStart: time.Now().UTC(),
		Open:        close,
		High:        close + 1,
		Low:         close - 1,
		Close:       close,
		Volume:      100,
		Closed:      true,
	}
}

func TestSnapshot_SMA_RoundTrip(t *testing.T) {
	sma := NewSMA(5)
	prices := []float64{100.0, 101.0, 102.0, 103.0, 104.0, 105.0, 106.0}

	for _, p := range prices {
		sma.Update(model.Candle{Close: p})
	}

	snap := sma.Snapshot()

	sma2 := NewSMA(5)
	if err := sma2.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if sma.Value() != sma2.Value() {
		t.Errorf("value mismatch: original=%.4f restored=%.4f", sma.Value(), sma2.Value())
	}
	if sma.Ready() != sma2.Ready() {
		t.Errorf("ready mismatch: original=%v restored=%v", sma.Ready(), sma2.Ready())
	}

	for _, p := range []float64{107.0, 108.0, 109.0} {
		sma.Update(model.Candle{Close: p})
		sma2.Update(model.Candle{Close: p})
		if math.Abs(sma.Value()-sma2.Value()) > 1e-10 {
			t.Errorf("post-restore divergence: original=%.6f restored=%.6f", sma.Value(), sma2.Value())
		}
	}
}

func TestSnapshot_RSI_RoundTrip(t *testing.T) {
	rsi := NewRSI(14)
	prices := []float64{
		100.0, 101.0, 100.5, 102.0, 101.5, 103.0, 102.5, 104.0,
		103.5, 105.0, 104.5, 106.0, 105.5, 107.0, 106.5, 108.0,
		107.5, 109.0, 108.5, 110.0,
	}

	for _, p := range prices {
		rsi.Update(model.Candle{Close: p})
	}

	snap := rsi.Snapshot()

	rsi2 := NewRSI(14)
	if err := rsi2.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if rsi.Value() != rsi2.Value() {
		t.Errorf("value mismatch: original=%.4f restored=%.4f", rsi.Value(), rsi2.Value())
	}

	for _, p := range []float64{111.0, 110.5, 112.0} {
		rsi.Update(model.Candle{Close: p})
		rsi2.Update(model.Candle{Close: p})
		if math.Abs(rsi.Value()-rsi2.Value()) > 1e-10 {
			t.Errorf("post-restore divergence: original=%.6f restored=%.6f", rsi.Value(), rsi2.Value())
		}
	}
}

func TestSnapshot_Bollinger_RoundTrip(t *testing.T) {
	bb := NewBollinger(5, 2.0)
	prices := []float64{100.0, 101.0, 99.0, 102.0, 98.0, 103.0, 97.0}

	for _, p := range prices {
		bb.Update(model.Candle{Close: p})
	}

	snap := bb.Snapshot()

	bb2 := NewBollinger(5, 2.0)
	if err := bb2.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	v1, v2 := bb.Values(), bb2.Values()
	for _, k := range []string{"upper", "mid", "lower"} {
		if math.Abs(v1[k]-v2[k]) > 1e-9 {
			t.Errorf("%s mismatch after restore: original=%.6f restored=%.6f", k, v1[k], v2[k])
		}
	}

	for _, p := range []float64{104.0, 96.0} {
		bb.Update(model.Candle{Close: p})
		bb2.Update(model.Candle{Close: p})
		v1, v2 = bb.Values(), bb2.Values()
		for _, k := range []string{"upper", "mid", "lower"} {
			if math.Abs(v1[k]-v2[k]) > 1e-9 {
				t.Errorf("%s divergence post-restore: original=%.6f restored=%.6f", k, v1[k], v2[k])
			}
		}
	}
}

func TestSnapshot_ATR_RoundTrip(t *testing.T) {
	atr := NewATR(5)
	closes := []float64{100.0, 101.0, 99.5, 102.0, 98.0, 103.0, 97.5}

	for _, c := range closes {
		atr.Update(model.Candle{High: c + 1, Low: c - 1, Close: c})
	}

	snap := atr.Snapshot()

	atr2 := NewATR(5)
	if err := atr2.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if math.Abs(atr.Value()-atr2.Value()) > 1e-9 {
		t.Errorf("value mismatch: original=%.6f restored=%.6f", atr.Value(), atr2.Value())
	}

	for _, c := range []float64{104.0, 96.0} {
		atr.Update(model.Candle{High: c + 1, Low: c - 1, Close: c})
		atr2.Update(model.Candle{High: c + 1, Low: c - 1, Close: c})
		if math.Abs(atr.Value()-atr2.Value()) > 1e-9 {
			t.Errorf("post-restore divergence: original=%.6f restored=%.6f", atr.Value(), atr2.Value())
		}
	}
}

func TestSnapshot_MACD_RoundTrip(t *testing.T) {
	macd := NewMACD(3, 6, 3)
	prices := []float64{100.0, 101.0, 102.0, 101.0, 103.0, 104.0, 103.0, 105.0, 106.0, 107.0}

	for _, p := range prices {
		macd.Update(model.Candle{Close: p})
	}

	snap := macd.Snapshot()

	macd2 := NewMACD(3, 6, 3)
	if err := macd2.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	v1, v2 := macd.Values(), macd2.Values()
	for _, k := range []string{"line", "signal", "hist"} {
		if math.Abs(v1[k]-v2[k]) > 1e-9 {
			t.Errorf("%s mismatch after restore: original=%.6f restored=%.6f", k, v1[k], v2[k])
		}
	}

	for _, p := range []float64{108.0, 106.0} {
		macd.Update(model.Candle{Close: p})
		macd2.Update(model.Candle{Close: p})
		v1, v2 = macd.Values(), macd2.Values()
		for _, k := range []string{"line", "signal", "hist"} {
			if math.Abs(v1[k]-v2[k]) > 1e-9 {
				t.Errorf("%s divergence post-restore: original=%.6f restored=%.6f", k, v1[k], v2[k])
			}
		}
	}
}

func TestSnapshot_Engine_RoundTrip(t *testing.T) {
	configs := []TimeframeIndicatorConfig{
		{Timeframe: model.TF1Min, Indicators: []IndicatorConfig{
			{Type: "sma", Period: 5},
			{Type: "rsi", Period: 14},
			{Type: "bollinger_bands", Period: 5, StdMult: 2.0},
		}},
	}

	engine := NewEngine(configs)

	for i := 0; i < 20; i++ {
		engine.Process(makeCandleSnap("SBIN", model.TF1Min, 100.0+float64(i)))
	}

	snap, err := SnapshotEngine(engine, "test-stream-id")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	if snap.StreamID != "test-stream-id" {
		t.Errorf("stream ID mismatch: got %s", snap.StreamID)
	}

	engine2, err := RestoreEngine(configs, snap)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		price := 120.0 + float64(i)
		r1 := engine.Process(makeCandleSnap("SBIN", model.TF1Min, price))
		r2 := engine2.Process(makeCandleSnap("SBIN", model.TF1Min, price))

		if len(r1) != len(r2) {
			t.Fatalf("result count mismatch at candle %d: %d vs %d", i, len(r1), len(r2))
		}

		for j := range r1 {
			if math.Abs(r1[j].Value-r2[j].Value) > 1e-9 {
				t.Errorf("candle %d indicator %s: original=%.6f restored=%.6f",
					i, r1[j].Name, r1[j].Value, r2[j].Value)
			}
		}
	}
}
