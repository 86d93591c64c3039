// Command indengine consumes closed candles per timeframe, maintains the
// rolling per-symbol indicator windows (RSI, Bollinger Bands, ATR, SMA,
// MACD) declared by the loaded strategy YAMLs, and republishes each
// result to the indicator cache and stream for the rule engine.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
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

const snapshotCheckpointInterval = 30 * time.Second

func main() {
	log := logging.New("indengine", slog.LevelInfo)
	cfg := config.Load()

	m := metrics.New("indengine")
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
		log.Info("indengine: shutdown signal received")
		cancel()
	}()

	strategies, errs := rule.LoadStrategyDir(cfg.StrategyDir)
	for _, e := range errs {
		log.Warn("indengine: skipping malformed strategy", "err", e)
	}
	indicatorConfigs := buildIndicatorConfigs(tfs, strategies)
	if err := indicator.ValidateConfigs(indicatorConfigs); err != nil {
		log.Error("indengine: invalid indicator configuration", "err", err)
		os.Exit(apperr.ExitConfigError)
	}
	restorer := indicator.NewRestorer(indicatorConfigs)

	reader, err := bus.NewReader(bus.ReaderConfig{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup, ConsumerName: cfg.ConsumerName,
	}, log)
	if err != nil {
		log.Error("indengine: bus reader connect failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer reader.Close()

	writer, err := bus.New(bus.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
	if err != nil {
		log.Error("indengine: bus writer connect failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer writer.Close()
	health.SetRedisConnected(true)
	health.StartLivenessChecker(ctx, writer.Client(), nil, 15*time.Second)

	sqlReader, err := sqlstore.NewReader(cfg.SQLitePath, log)
	if err != nil {
		log.Error("indengine: sqlite reader open failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer sqlReader.Close()
	health.SetSQLiteOK(true)

	streams := make([]string, len(tfs))
	for i, tf := range tfs {
		streams[i] = "candles." + string(tf)
	}
	if err := reader.EnsureConsumerGroup(ctx, streams); err != nil {
		log.Error("indengine: ensure consumer group failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}

	snapshotKey := "indengine:snapshot:" + cfg.Exchange

	var engine *indicator.Engine
	if data, err := reader.ReadLatestSnapshotJSON(snapshotKey); err != nil {
		log.Warn("indengine: snapshot read failed, cold-starting", "err", err)
		engine = indicator.NewEngine(indicatorConfigs)
	} else if data == nil {
		engine = indicator.NewEngine(indicatorConfigs)
	} else {
		var snap indicator.EngineSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			log.Warn("indengine: snapshot unmarshal failed, cold-starting", "err", err)
			engine = indicator.NewEngine(indicatorConfigs)
		} else if engine, err = restorer.RestoreFromSnap(&snap); err != nil {
			log.Warn("indengine: snapshot restore failed, cold-starting", "err", err)
			engine = indicator.NewEngine(indicatorConfigs)
		}
	}

	restorer.BackfillFromStore(engine, sqlReader, cfg.ParseSymbols(), cfg.Exchange, nil)

	candleCh := make(chan model.Candle, 10000)
	go func() {
		if err := reader.Consume(ctx, streams, candleCh); err != nil && ctx.Err() == nil {
			log.Error("indengine: consume candles exited", "err", err)
		}
	}()

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)

	checkpoint := time.NewTicker(snapshotCheckpointInterval)
	defer checkpoint.Stop()

	log.Info("indengine: running", "timeframes", tfs, "strategies", len(strategies))

	for {
		select {
		case <-ctx.Done():
			log.Info("indengine: shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Stop(shutdownCtx)
			shutdownCancel()
			return

		case <-reloadCh:
			log.Info("indengine: reload signal received, re-reading strategy directory")
			newStrategies, errs := rule.LoadStrategyDir(cfg.StrategyDir)
			for _, e := range errs {
				log.Warn("indengine: skipping malformed strategy on reload", "err", e)
			}
			newConfigs := buildIndicatorConfigs(tfs, newStrategies)
			if err := indicator.ValidateConfigs(newConfigs); err != nil {
				log.Warn("indengine: reload aborted, invalid indicator configuration", "err", err)
				continue
			}
			preserved, created := engine.ReloadConfigs(newConfigs)
			restorer = indicator.NewRestorer(newConfigs)
			strategies = newStrategies
			log.Info("indengine: reload complete", "preserved", preserved, "created", created, "strategies", len(strategies))

		case <-checkpoint.C:
			snap, err := indicator.SnapshotEngine(engine, cfg.ConsumerName)
			if err != nil {
				log.Warn("indengine: snapshot capture failed", "err", err)
				continue
			}
			data, err := json.Marshal(snap)
			if err != nil {
				log.Warn("indengine: snapshot marshal failed", "err", err)
				continue
			}
			if err := reader.SaveSnapshotJSON(snapshotKey, data); err != nil {
				log.Warn("indengine: snapshot save failed", "err", err)
			}

		case c, ok := <-candleCh:
			if !ok {
				return
			}
			if !c.Closed {
				continue
			}
			health.SetConnected(true)
			health.SetLastEventTime(c.BucketStart)
			m.ChannelSaturationPct.WithLabelValues("candle").Set(100 * float64(len(candleCh)) / float64(cap(candleCh)))

			start := time.Now()
			results := engine.Process(c)
			m.IndicatorComputeDur.Observe(time.Since(start).Seconds())
			for _, r := range results {
				m.IndicatorsComputed.WithLabelValues(r.Name).Inc()
			}
			writer.WriteIndicatorBatch(ctx, results)
		}
	}
}

// buildIndicatorConfigs collects the distinct (timeframe, indicator) pairs
// declared across every loaded strategy, since indicator windows are a
// shared resource keyed by (symbol, timeframe) rather than owned by any
// one strategy.
func buildIndicatorConfigs(tfs []model.Timeframe, strategies []*rule.StrategyConfig) []indicator.TimeframeIndicatorConfig {
	byTF := make(map[model.Timeframe][]indicator.IndicatorConfig, len(tfs))
	seen := make(map[string]bool)

	for _, sc := range strategies {
		for _, spec := range sc.Indicators {
			key := string(sc.Timeframe) + ":" + spec.Type + ":" + spec.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			byTF[sc.Timeframe] = append(byTF[sc.Timeframe], convertIndicatorSpec(spec))
		}
	}

	configs := make([]indicator.TimeframeIndicatorConfig, 0, len(tfs))
	for _, tf := range tfs {
		configs = append(configs, indicator.TimeframeIndicatorConfig{Timeframe: tf, Indicators: byTF[tf]})
	}
	return configs
}

func convertIndicatorSpec(spec rule.IndicatorSpec) indicator.IndicatorConfig {
	ic := indicator.IndicatorConfig{Type: spec.Type, Period: spec.Params["period"]}
	if v, ok := spec.Params["slow"]; ok {
		ic.Slow = v
	}
	if v, ok := spec.Params["signal"]; ok {
		ic.Signal = v
	}
	if v, ok := spec.Params["std_mult"]; ok {
		ic.StdMult = float64(v)
	}
	return ic
}

func timeframeStrings(tfs []model.Timeframe) []string {
	out := make([]string, len(tfs))
	for i, tf := range tfs {
		out[i] = string(tf)
	}
	return out
}
