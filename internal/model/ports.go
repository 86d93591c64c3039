package model

import (
	"context"
	"time"
)

// ── Bus/storage port interfaces ──
// These decouple the core components from concrete transports (Redis
// Streams/Pub-Sub, SQLite). Each adapter in internal/bus and
// internal/sqlstore satisfies one or more of these.

// CandleWriter publishes closed candles to the durable bus, the KV cache,
// and the SQL store.
type CandleWriter interface {
	// Run consumes candles from candleCh until ctx is cancelled or the
	// channel is closed.
	Run(ctx context.Context, candleCh <-chan Candle)

	// Close releases underlying resources.
	Close() error
}

// CandleReader reads closed candles for backfill/indicator bootstrap.
type CandleReader interface {
	// ReadCandles reads candles for one (symbol, timeframe) with
	// bucket_start strictly after afterTS (zero value = from the start),
	// in ascending order.
	ReadCandles(symbol, exchange string, tf Timeframe, afterTS time.Time) ([]Candle, error)

	// LastBucket returns the most recent known bucket_start for
	// (symbol, timeframe), or the zero time if none exists.
	LastBucket(symbol, exchange string, tf Timeframe) (time.Time, error)

	// Close releases underlying resources.
	Close() error
}

// StreamConsumer consumes candles from the durable bus via a consumer
// group, acking only after downstream processing succeeds.
type StreamConsumer interface {
	// EnsureConsumerGroup creates the consumer group on streams if absent.
	EnsureConsumerGroup(ctx context.Context, streams []string) error

	// Consume reads candles via XReadGroup-style consumer groups, blocking
	// until ctx is cancelled. It acks each delivery after out<- succeeds.
	Consume(ctx context.Context, streams []string, out chan<- Candle) error

	// Close releases underlying resources.
	Close() error
}

// SnapshotStore reads/writes raw JSON blobs (indicator engine snapshots,
// rule-engine audit state) keyed by an opaque identifier.
type SnapshotStore interface {
	SaveSnapshotJSON(key string, data []byte) error
	ReadLatestSnapshotJSON(key string) ([]byte, error)
}
