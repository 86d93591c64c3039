// Command aggregator consumes raw ticks from the bus, folds them into
// closed OHLCV candles for every enabled timeframe, persists them to
// SQLite, and republishes the closed candles to the bus for the
// indicator engine. On startup and whenever a gap is detected it
// reconciles against the SQL store.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flexitrade/config"
	"flexitrade/internal/aggregator"
	"flexitrade/internal/apperr"
	"flexitrade/internal/bus"
	"flexitrade/internal/logging"
	"flexitrade/internal/markethours"
	"flexitrade/internal/metrics"
	"flexitrade/internal/model"
	"flexitrade/internal/sqlstore"
)

func main() {
	log := logging.New("aggregator", slog.LevelInfo)
	cfg := config.Load()

	m := metrics.New("aggregator")
	health := metrics.NewHealthStatus()
	tfs := cfg.ParseTFs()
	health.SetEnabledTFs(timeframeStrings(tfs))
	srv := metrics.NewServer(cfg.MetricsAddr, m, health)
	srv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("aggregator: shutdown signal received")
		cancel()
	}()

	reader, err := bus.NewReader(bus.ReaderConfig{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup, ConsumerName: cfg.ConsumerName,
	}, log)
	if err != nil {
		log.Error("aggregator: bus reader connect failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer reader.Close()

	writer, err := bus.New(bus.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
	if err != nil {
		log.Error("aggregator: bus writer connect failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer writer.Close()
	health.SetRedisConnected(true)

	sqlWriter, err := sqlstore.New(sqlstore.WriterConfig{DBPath: cfg.SQLitePath}, log)
	if err != nil {
		log.Error("aggregator: sqlite open failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer sqlWriter.Close()
	health.SetSQLiteOK(true)
	health.StartLivenessChecker(ctx, writer.Client(), sqlWriter.DB(), 15*time.Second)

	sqlReader, err := sqlstore.NewReader(cfg.SQLitePath, log)
	if err != nil {
		log.Error("aggregator: sqlite reader open failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer sqlReader.Close()

	exchangeStream := "ticks." + cfg.Exchange
	if err := reader.EnsureConsumerGroup(ctx, []string{exchangeStream}); err != nil {
		log.Error("aggregator: ensure consumer group failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}

	cb := bus.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to bus.CircuitState) {
		log.Warn("aggregator: circuit breaker transition", "from", from, "to", to)
		m.CircuitBreakerState.Set(float64(to))
		if to == bus.CircuitOpen {
			m.CircuitBreakerTrips.Inc()
		}
	}
	buffered := bus.NewBufferedWriter(ctx, writer, cb, 20000, log)

	agg := aggregator.New(tfs, markethours.IST, log)
	agg.OnLateTick = func(symbol, exchange string) {
		m.LateTicksDropped.Inc()
	}
	agg.OnOverflow = func() {
		m.AggregatorOverflow.Inc()
	}

	backfiller := aggregator.NewBackfiller(sqlReader, log)
	candleCh := make(chan model.Candle, 10000)
	agg.OnGapDetected = func(symbol, exchange string, tf model.Timeframe, afterBucket, newBucket time.Time) {
		m.GapDetected.WithLabelValues(string(tf)).Inc()
		if d, derr := tf.Duration(); derr == nil {
			m.BackfillGapSize.Observe(float64(newBucket.Sub(afterBucket)/d - 1))
		}
		n, err := backfiller.Reconcile(ctx, symbol, exchange, tf, afterBucket, candleCh)
		if err != nil {
			log.Warn("aggregator: gap reconcile failed", "symbol", symbol, "timeframe", tf, "err", err)
			return
		}
		if n > 0 {
			m.CandlesBackfilled.WithLabelValues(string(tf)).Add(float64(n))
		}
	}

	if n, err := backfiller.ReconcileOnStartup(ctx, cfg.ParseSymbols(), cfg.Exchange, tfs, candleCh); err != nil {
		log.Warn("aggregator: startup backfill failed", "err", err)
	} else if n > 0 {
		log.Info("aggregator: startup backfill complete", "count", n)
	}

	tickCh := make(chan model.Tick, 10000)
	go func() {
		if err := reader.ConsumeTicks(ctx, []string{exchangeStream}, tickCh); err != nil && ctx.Err() == nil {
			log.Error("aggregator: consume ticks exited", "err", err)
		}
	}()

	sqlCandleCh := make(chan model.Candle, 10000)
	go sqlWriter.Run(ctx, sqlCandleCh)

	go agg.Run(ctx, tickCh, candleCh)

	log.Info("aggregator: running", "timeframes", tfs)

	for {
		select {
		case <-ctx.Done():
			log.Info("aggregator: shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Stop(shutdownCtx)
			shutdownCancel()
			return

		case c, ok := <-candleCh:
			if !ok {
				return
			}
			health.SetConnected(true)
			health.SetLastEventTime(c.BucketStart)
			m.ChannelSaturationPct.WithLabelValues("candle").Set(100 * float64(len(candleCh)) / float64(cap(candleCh)))
			if !c.Backfilled {
				m.CandlesEmitted.WithLabelValues(string(c.Timeframe)).Inc()
			}
			buffered.WriteCandle(c)
			select {
			case sqlCandleCh <- c:
			default:
				log.Warn("aggregator: sqlite write channel full, dropping candle", "symbol", c.Symbol, "timeframe", c.Timeframe)
			}
		}
	}
}

func timeframeStrings(tfs []model.Timeframe) []string {
	out := make([]string, len(tfs))
	for i, tf := range tfs {
		out[i] = string(tf)
	}
	return out
}
