// Command ruleengine consumes closed candles and their indicator
// snapshots, evaluates every loaded FlexiRule strategy's declarative
// entry/exit rules and position state machine per symbol, and
// publishes the resulting signals and audit trail to the bus and
// SQLite.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flexitrade/config"
	"flexitrade/internal/apperr"
	"flexitrade/internal/bus"
	"flexitrade/internal/indicator"
	"flexitrade/internal/logging"
	"flexitrade/internal/metrics"
	"flexitrade/internal/model"
	"flexitrade/internal/rule"
	"flexitrade/internal/sqlstore"
)

// snapshotStore holds the latest indicator values per (symbol,
// timeframe), updated as indicator results stream in, read when a
// closed candle for the same (symbol, timeframe) arrives.
type snapshotStore struct {
	mu   sync.RWMutex
	data map[string]map[string]float64 // key = symbol:timeframe
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{data: make(map[string]map[string]float64, 256)}
}

func (s *snapshotStore) update(r indicator.IndicatorResult) {
	if !r.Ready {
		return
	}
	key := r.Symbol + ":" + string(r.Timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[key]
	if !ok {
		m = make(map[string]float64, 8)
		s.data[key] = m
	}
	m[r.Name] = r.Value
}

func (s *snapshotStore) get(symbol string, tf model.Timeframe) map[string]float64 {
	key := symbol + ":" + string(tf)
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.data[key]
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func main() {
	log := logging.New("ruleengine", slog.LevelInfo)
	cfg := config.Load()

	m := metrics.New("ruleengine")
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
		log.Info("ruleengine: shutdown signal received")
		cancel()
	}()

	strategyConfigs, errs := rule.LoadStrategyDir(cfg.StrategyDir)
	for _, e := range errs {
		log.Warn("ruleengine: skipping malformed strategy", "err", e)
	}
	if len(strategyConfigs) == 0 {
		log.Warn("ruleengine: no valid strategies loaded; process will idle")
	}

	workerCount := config.EnvInt("WORKER_COUNT", 1)
	workerIndex := config.EnvInt("WORKER_INDEX", 0)
	symbols := ownedSymbols(cfg.ParseSymbols(), workerCount, workerIndex)

	engines := make([]*rule.Engine, len(strategyConfigs))
	for i, sc := range strategyConfigs {
		engines[i] = rule.NewEngine(sc, cfg.Market, log)
	}

	reader, err := bus.NewReader(bus.ReaderConfig{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup, ConsumerName: cfg.ConsumerName,
	}, log)
	if err != nil {
		log.Error("ruleengine: bus reader connect failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer reader.Close()

	writer, err := bus.New(bus.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
	if err != nil {
		log.Error("ruleengine: bus writer connect failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer writer.Close()
	health.SetRedisConnected(true)

	sqlWriter, err := sqlstore.New(sqlstore.WriterConfig{DBPath: cfg.SQLitePath}, log)
	if err != nil {
		log.Error("ruleengine: sqlite open failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer sqlWriter.Close()
	health.SetSQLiteOK(true)
	health.StartLivenessChecker(ctx, writer.Client(), sqlWriter.DB(), 15*time.Second)

	candleStreams := make([]string, len(tfs))
	indicatorStreams := make([]string, len(tfs))
	for i, tf := range tfs {
		candleStreams[i] = "candles." + string(tf)
		indicatorStreams[i] = "indicators." + string(tf)
	}
	if err := reader.EnsureConsumerGroup(ctx, append(append([]string{}, candleStreams...), indicatorStreams...)); err != nil {
		log.Error("ruleengine: ensure consumer group failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}

	snapshots := newSnapshotStore()
	indicatorCh := make(chan indicator.IndicatorResult, 10000)
	go func() {
		if err := reader.ConsumeIndicators(ctx, indicatorStreams, indicatorCh); err != nil && ctx.Err() == nil {
			log.Error("ruleengine: consume indicators exited", "err", err)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-indicatorCh:
				if !ok {
					return
				}
				snapshots.update(r)
			}
		}
	}()

	candleCh := make(chan model.Candle, 10000)
	go func() {
		if err := reader.Consume(ctx, candleStreams, candleCh); err != nil && ctx.Err() == nil {
			log.Error("ruleengine: consume candles exited", "err", err)
		}
	}()

	log.Info("ruleengine: running", "strategies", len(strategyConfigs), "symbols", len(symbols), "worker", workerIndex, "of", workerCount)

	for {
		select {
		case <-ctx.Done():
			log.Info("ruleengine: shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Stop(shutdownCtx)
			shutdownCancel()
			return

		case c, ok := <-candleCh:
			if !ok {
				return
			}
			if !c.Closed || !symbols[c.Symbol] {
				continue
			}
			health.SetConnected(true)
			health.SetLastEventTime(c.BucketStart)

			cs := rule.CandleSnapshot{Candle: c, Snapshot: snapshots.get(c.Symbol, c.Timeframe)}
			for i, sc := range strategyConfigs {
				if sc.Timeframe != c.Timeframe {
					continue
				}
				start := time.Now()
				sig, audit := engines[i].Process(cs)
				m.RuleEvalDur.Observe(time.Since(start).Seconds())

				if audit != nil {
					m.AuditsEmitted.WithLabelValues(sc.Name).Inc()
					writer.WriteAudit(ctx, audit)
					if err := sqlWriter.WriteAudit(audit); err != nil {
						log.Warn("ruleengine: sqlite audit write failed", "err", err)
					}
				}
				if sig != nil {
					m.SignalsEmitted.WithLabelValues(sc.Name, sig.Kind).Inc()
					writer.WriteSignal(ctx, sig)
				}
			}
		}
	}
}

// ownedSymbols filters symbols to the subset this worker shard owns,
// via hash(symbol) mod workerCount == workerIndex. With the default
// workerCount=1 every symbol is owned by the single process.
func ownedSymbols(symbols []string, workerCount, workerIndex int) map[string]bool {
	owned := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if rule.OwnerIndex(sym, workerCount) == workerIndex {
			owned[sym] = true
		}
	}
	return owned
}

func timeframeStrings(tfs []model.Timeframe) []string {
	out := make([]string, len(tfs))
	for i, tf := range tfs {
		out[i] = string(tf)
	}
	return out
}
