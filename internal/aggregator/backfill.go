package aggregator

import (
	"context"
	"log/slog"
	"time"

	"flexitrade/internal/model"
)

// Backfiller reconciles gaps in the candle stream against the
// historical store, invoked at startup and whenever the Aggregator
// reports a gap via OnGapDetected.
type Backfiller struct {
	reader model.CandleReader
	log    *slog.Logger
}

// NewBackfiller creates a Backfiller reading from reader.
func NewBackfiller(reader model.CandleReader, log *slog.Logger) *Backfiller {
	return &Backfiller{reader: reader, log: log}
}

// Reconcile reads every candle for (symbol, exchange, timeframe) with a
// bucket_start strictly after afterBucket and publishes them to
// candleCh in ascending order, each marked closed=true, backfilled=true.
// Duplicates downstream are idempotent on (symbol, timeframe,
// bucket_start), so replaying an overlapping range is safe.
func (b *Backfiller) Reconcile(ctx context.Context, symbol, exchange string, tf model.Timeframe, afterBucket time.Time, candleCh chan<- model.Candle) (int, error) {
	candles, err := b.reader.ReadCandles(symbol, exchange, tf, afterBucket)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range candles {
		c.Closed = true
		c.Backfilled = true
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case candleCh <- c:
			n++
		}
	}
	if b.log != nil && n > 0 {
		b.log.Info("aggregator: backfilled candles", "symbol", symbol, "exchange", exchange, "timeframe", tf, "count", n)
	}
	return n, nil
}

// ReconcileOnStartup backfills every (symbol, timeframe) pair in the
// watchlist from the last known bucket, used before the live tick
// stream is allowed to flow.
func (b *Backfiller) ReconcileOnStartup(ctx context.Context, symbols []string, exchange string, timeframes []model.Timeframe, candleCh chan<- model.Candle) (int, error) {
	total := 0
	for _, symbol := range symbols {
		for _, tf := range timeframes {
			last, err := b.reader.LastBucket(symbol, exchange, tf)
			if err != nil {
				if b.log != nil {
					b.log.Warn("aggregator: failed to read last bucket for startup backfill", "symbol", symbol, "timeframe", tf, "err", err)
				}
				continue
			}
			n, err := b.Reconcile(ctx, symbol, exchange, tf, last, candleCh)
			if err != nil {
				if b.log != nil {
					b.log.Warn("aggregator: startup backfill failed", "symbol", symbol, "timeframe", tf, "err", err)
				}
				continue
			}
			total += n
		}
	}
	return total, nil
}
