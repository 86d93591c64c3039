package aggregator

import (
	"context"
	"testing"
	"time"

	"flexitrade/internal/model"
)

type fakeCandleReader struct {
	candles   []model.Candle
	lastBkt   time.Time
	readErr   error
	lastError error
}

func (f *fakeCandleReader) ReadCandles(symbol, exchange string, tf model.Timeframe, afterTS time.Time) ([]model.Candle, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	var out []model.Candle
	for _, c := range f.candles {
		if c.BucketStart.After(afterTS) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCandleReader) LastBucket(symbol, exchange string, tf model.Timeframe) (time.Time, error) {
	return f.lastBkt, f.lastError
}

func (f *fakeCandleReader) Close() error { return nil }

func TestBackfiller_Reconcile_MarksBackfilled(t *testing.T) {
	base := time.Date(2026, 7, 29, 9, 15, 0, 0, time.UTC)
	reader := &fakeCandleReader{
		candles: []model.Candle{
			{Symbol: "SBIN-EQ", Exchange: "NSE", Timeframe: model.TF1Min, BucketStart: base, Open: 500, High: 502, Low: 499, Close: 501},
			{Symbol: "SBIN-EQ", Exchange: "NSE", Timeframe: model.TF1Min, BucketStart: base.Add(time.Minute), Open: 501, High: 503, Low: 500, Close: 502},
		},
	}
	b := NewBackfiller(reader, nil)
	candleCh := make(chan model.Candle, 10)

	n, err := b.Reconcile(context.Background(), "SBIN-EQ", "NSE", model.TF1Min, time.Time{}, candleCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 backfilled candles, got %d", n)
	}
	close(candleCh)
	for c := range candleCh {
		if !c.Closed || !c.Backfilled {
			t.Errorf("expected Closed=true, Backfilled=true, got %+v", c)
		}
	}
}

func TestBackfiller_Reconcile_OnlyAfterBucket(t *testing.T) {
	base := time.Date(2026, 7, 29, 9, 15, 0, 0, time.UTC)
	reader := &fakeCandleReader{
		candles: []model.Candle{
			{Symbol: "SBIN-EQ", Exchange: "NSE", Timeframe: model.TF1Min, BucketStart: base},
			{Symbol: "SBIN-EQ", Exchange: "NSE", Timeframe: model.TF1Min, BucketStart: base.Add(time.Minute)},
		},
	}
	b := NewBackfiller(reader, nil)
	candleCh := make(chan model.Candle, 10)

	n, err := b.Reconcile(context.Background(), "SBIN-EQ", "NSE", model.TF1Min, base, candleCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 candle strictly after afterBucket, got %d", n)
	}
}

func TestBackfiller_ReconcileOnStartup_SkipsErroringSymbols(t *testing.T) {
	reader := &fakeCandleReader{lastError: context.DeadlineExceeded}
	b := NewBackfiller(reader, nil)
	candleCh := make(chan model.Candle, 10)

	total, err := b.ReconcileOnStartup(context.Background(), []string{"SBIN-EQ"}, "NSE", []model.Timeframe{model.TF1Min}, candleCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0 backfilled candles when LastBucket errors, got %d", total)
	}
}
