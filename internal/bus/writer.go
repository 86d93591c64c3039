// Package bus adapts the durable-log (Redis Streams), preview fan-out
// (Redis Pub/Sub), and KV cache concerns to the trading pipeline's
// model.CandleWriter/StreamConsumer/SnapshotStore port interfaces.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flexitrade/internal/apperr"
	"flexitrade/internal/indicator"
	"flexitrade/internal/model"
	"flexitrade/internal/rule"

	goredis "github.com/go-redis/redis/v8"
)

const defaultCacheTTL = 30 * time.Minute

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string
	Password string
	DB       int
}

// Writer publishes candles, signals, audit records, and indicator results
// to Redis: XADD to a durable per-topic stream (trimmed to an
// approximate retention window), SET the latest value with a TTL for
// cheap point reads, and PUBLISH for live subscribers. Satisfies
// model.CandleWriter.
type Writer struct {
	client *goredis.Client
	log    *slog.Logger
}

// New creates a Writer and pings the server.
func New(cfg WriterConfig, log *slog.Logger) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: redis ping: %v: %w", err, apperr.ErrFatal)
	}

	if log != nil {
		log.Info("bus: connected to redis", "addr", cfg.Addr)
	}
	return &Writer{client: client, log: log}, nil
}

// Client returns the underlying client, for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// Run consumes closed candles from candleCh and writes them until ctx is
// cancelled or candleCh is closed. Satisfies model.CandleWriter.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			w.WriteCandle(ctx, c)
		}
	}
}

// WriteTick pipelines the XADD+SET+PUBLISH trio for one raw tick: the
// durable "ticks.<exchange>" stream, the "tick:<exchange>:<symbol>" latest
// value cache, and a live preview channel.
func (w *Writer) WriteTick(ctx context.Context, t model.Tick) {
	pubsubCh := "pub.tick." + t.Exchange + "." + t.TradingSymbol
	w.pipelineWrite(ctx, t.StreamKey(), 50000, t.CacheKey(), defaultCacheTTL, pubsubCh, t.JSON(), t.Key())
}

// WriteCandle pipelines the XADD+SET+PUBLISH trio for one closed candle.
func (w *Writer) WriteCandle(ctx context.Context, c model.Candle) {
	maxLen := retentionLen(c.Timeframe)
	pubsubCh := "pub.candle." + string(c.Timeframe) + "." + c.Exchange + "." + c.Symbol
	w.pipelineWrite(ctx, c.StreamKey(), maxLen, c.CacheKey(), defaultCacheTTL, pubsubCh, c.JSON(), c.Key())
}

// WriteSignal pipelines a rule engine signal to its strategy's stream.
// Signals have no cache key — they are events, not rolling state.
func (w *Writer) WriteSignal(ctx context.Context, sig *rule.Signal) {
	pubsubCh := "pub.signals." + sig.Strategy
	w.pipelineWrite(ctx, sig.StreamKey(), 5000, "", 0, pubsubCh, sig.JSON(), sig.Symbol)
}

// WriteAudit appends an audit record to its strategy's audit stream.
func (w *Writer) WriteAudit(ctx context.Context, a *rule.AuditRecord) {
	w.pipelineWrite(ctx, a.StreamKey(), 20000, "", 0, "", a.JSON(), a.Symbol)
}

// WriteIndicatorBatch writes multiple indicator results in a single
// pipeline. Not-ready results are skipped; nothing downstream should act
// on an indicator that hasn't warmed up.
func (w *Writer) WriteIndicatorBatch(ctx context.Context, results []indicator.IndicatorResult) {
	if len(results) == 0 {
		return
	}
	pipe := w.client.Pipeline()
	for i := range results {
		r := &results[i]
		if !r.Ready {
			continue
		}
		data := string(r.JSON())
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: r.StreamKey(), MaxLen: retentionLen(r.Timeframe), Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Set(ctx, r.CacheKey(), data, defaultCacheTTL)
		pipe.Publish(ctx, r.PubSubChannel(), data)
	}
	if _, err := pipe.Exec(ctx); err != nil && w.log != nil {
		w.log.Error("bus: indicator batch pipeline error", "count", len(results), "err", err)
	}
}

// pipelineWrite performs the common XADD(+SET)(+PUBLISH) sequence in one
// round trip. An empty cacheKey/pubsubCh skips that step.
func (w *Writer) pipelineWrite(ctx context.Context, streamKey string, maxLen int64, cacheKey string, ttl time.Duration, pubsubCh string, data []byte, logKey string) {
	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey, MaxLen: maxLen, Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	if cacheKey != "" {
		pipe.Set(ctx, cacheKey, string(data), ttl)
	}
	if pubsubCh != "" {
		pipe.Publish(ctx, pubsubCh, string(data))
	}
	if _, err := pipe.Exec(ctx); err != nil && w.log != nil {
		w.log.Error("bus: pipeline error", "stream", streamKey, "key", logKey, "err", err)
	}
}

// retentionLen approximates a 3-day retention window as a stream entry
// count for tf, clamped to a sane range so 1min streams don't grow
// unbounded and 1hr streams don't get trimmed to nothing.
func retentionLen(tf model.Timeframe) int64 {
	d, err := tf.Duration()
	if err != nil || d <= 0 {
		return 5000
	}
	n := int64((3 * 24 * time.Hour) / d)
	if n < 500 {
		n = 500
	}
	if n > 50000 {
		n = 50000
	}
	return n
}

// Close closes the Redis client. Satisfies model.CandleWriter.
func (w *Writer) Close() error {
	return w.client.Close()
}
