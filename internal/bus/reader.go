package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"flexitrade/internal/apperr"
	"flexitrade/internal/indicator"
	"flexitrade/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string
	ConsumerName  string
}

// Reader consumes candles from Redis Streams via consumer groups
// (at-least-once, manual ack) and serves the KV snapshot store. Satisfies
// model.StreamConsumer and model.SnapshotStore.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
	log           *slog.Logger
}

// NewReader creates a Reader and pings the server.
func NewReader(cfg ReaderConfig, log *slog.Logger) (*Reader, error) {
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

	group := cfg.ConsumerGroup
	if group == "" {
		group = "indengine"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}

	if log != nil {
		log.Info("bus: reader connected", "addr", cfg.Addr, "group", group, "consumer", consumer)
	}
	return &Reader{client: client, consumerGroup: group, consumerName: consumer, log: log}, nil
}

// EnsureConsumerGroup creates the consumer group on streams if absent.
// Satisfies model.StreamConsumer.
func (r *Reader) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "$").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("bus: xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// Consume reads candles via XReadGroup consumer groups, blocking until
// ctx is cancelled. Acks each delivery only after out<- succeeds, giving
// at-least-once delivery. Satisfies model.StreamConsumer.
func (r *Reader) Consume(ctx context.Context, streams []string, out chan<- model.Candle) error {
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			if r.log != nil {
				r.log.Warn("bus: xreadgroup error", "err", err)
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				data, ok := msg.Values["data"].(string)
				if !ok {
					r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
					continue
				}
				var c model.Candle
				if err := json.Unmarshal([]byte(data), &c); err != nil {
					if r.log != nil {
						r.log.Warn("bus: unmarshal candle failed, acking poison message", "stream", stream.Stream, "err", err)
					}
					r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return ctx.Err()
				}
				r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
			}
		}
	}
}

// ConsumeTicks reads raw ticks via XReadGroup consumer groups, blocking
// until ctx is cancelled. Mirrors Consume's at-least-once ack discipline
// for the tick-decode stage's downstream consumer (the aggregator).
func (r *Reader) ConsumeTicks(ctx context.Context, streams []string, out chan<- model.Tick) error {
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group: r.consumerGroup, Consumer: r.consumerName,
			Streams: args, Count: 500, Block: 2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			if r.log != nil {
				r.log.Warn("bus: xreadgroup error", "err", err)
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				data, ok := msg.Values["data"].(string)
				if !ok {
					r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
					continue
				}
				var t model.Tick
				if err := json.Unmarshal([]byte(data), &t); err != nil {
					r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
					continue
				}
				select {
				case out <- t:
				case <-ctx.Done():
					return ctx.Err()
				}
				r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
			}
		}
	}
}

// ConsumeIndicators reads indicator results via XReadGroup consumer
// groups, blocking until ctx is cancelled. Mirrors Consume/ConsumeTicks
// for the rule engine's indicator-snapshot input.
func (r *Reader) ConsumeIndicators(ctx context.Context, streams []string, out chan<- indicator.IndicatorResult) error {
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group: r.consumerGroup, Consumer: r.consumerName,
			Streams: args, Count: 500, Block: 2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			if r.log != nil {
				r.log.Warn("bus: xreadgroup error", "err", err)
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				data, ok := msg.Values["data"].(string)
				if !ok {
					r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
					continue
				}
				var res indicator.IndicatorResult
				if err := json.Unmarshal([]byte(data), &res); err != nil {
					r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
					continue
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return ctx.Err()
				}
				r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
			}
		}
	}
}

// RecoverPending claims and redelivers any un-acked messages left by a
// previous crash of this consumer group, preserving at-least-once
// delivery across restarts.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.Candle) error {
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream, Group: r.consumerGroup, Start: "-", End: "+", Count: 100,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}
			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream: stream, Group: r.consumerGroup, Consumer: r.consumerName,
				MinIdle: 0, Messages: ids,
			}).Result()
			if err != nil {
				if r.log != nil {
					r.log.Warn("bus: xclaim error", "stream", stream, "err", err)
				}
				break
			}

			for _, msg := range claimed {
				data, ok := msg.Values["data"].(string)
				if !ok {
					r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
					continue
				}
				var c model.Candle
				if err := json.Unmarshal([]byte(data), &c); err != nil {
					r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return ctx.Err()
				}
				r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
			}
			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return nil
}

// SubscribeChannel subscribes to a Redis Pub/Sub channel, e.g. a
// "pub.signals.<strategy>" preview channel. Returns the PubSub handle so
// the caller can range over .Channel().
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) *goredis.PubSub {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		if r.log != nil {
			r.log.Warn("bus: subscribe failed", "channel", channel, "err", err)
		}
		pubsub.Close()
		return nil
	}
	return pubsub
}

// SaveSnapshotJSON stores a raw JSON blob under key with a 24h TTL,
// durable enough to survive a restart between SQL-store checkpoints.
// Satisfies model.SnapshotStore.
func (r *Reader) SaveSnapshotJSON(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Set(ctx, key, data, 24*time.Hour).Err()
}

// ReadLatestSnapshotJSON reads the most recently saved snapshot for key,
// or (nil, nil) if none exists. Satisfies model.SnapshotStore.
func (r *Reader) ReadLatestSnapshotJSON(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := r.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: get snapshot %s: %w", key, err)
	}
	return data, nil
}

// Close closes the Redis client. Satisfies model.StreamConsumer.
func (r *Reader) Close() error {
	return r.client.Close()
}
