// Command tickdecoder owns the broker websocket connection: it logs in
// (when -source=live), decodes binary quote frames into model.Tick
// records, and publishes them to the "ticks.<exchange>" stream and the
// per-symbol tick cache. It is the first stage of the pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"flexitrade/config"
	"flexitrade/internal/apperr"
	"flexitrade/internal/bus"
	"flexitrade/internal/decoder"
	"flexitrade/internal/ingest"
	"flexitrade/internal/logging"
	"flexitrade/internal/markethours"
	"flexitrade/internal/metrics"
	"flexitrade/internal/model"

	"flexitrade/internal/broker"
)

func main() {
	source := flag.String("source", "offline", "tick source: live or offline")
	mode := flag.Int("mode", 1, "subscription mode: 1=LTP, 2=QUOTE, 3=FULL")
	flag.Parse()

	log := logging.New("tickdecoder", slog.LevelInfo)
	cfg := config.Load()

	m := metrics.New("tickdecoder")
	health := metrics.NewHealthStatus()
	health.SetEnabledTFs(nil)
	srv := metrics.NewServer(cfg.MetricsAddr, m, health)
	srv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("tickdecoder: shutdown signal received")
		cancel()
	}()

	writer, err := bus.New(bus.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
	if err != nil {
		log.Error("tickdecoder: bus connect failed", "err", err)
		os.Exit(apperr.ExitBusUnreachable)
	}
	defer writer.Close()
	health.SetRedisConnected(true)
	health.StartLivenessChecker(ctx, writer.Client(), nil, 15*time.Second)

	cb := bus.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to bus.CircuitState) {
		log.Warn("tickdecoder: circuit breaker transition", "from", from, "to", to)
		m.CircuitBreakerState.Set(float64(to))
		if to == bus.CircuitOpen {
			m.CircuitBreakerTrips.Inc()
		}
	}
	buffered := bus.NewBufferedWriter(ctx, writer, cb, 20000, log)

	capability, symbols := buildCapability(*source, *mode, cfg, log)

	tickCh := make(chan model.Tick, 10000)
	go func() {
		if err := capability.Connect(ctx, tickCh); err != nil && ctx.Err() == nil {
			log.Error("tickdecoder: capability connect exited", "err", err)
		}
	}()

	log.Info("tickdecoder: running", "source", *source, "symbols", len(symbols), "market_status", markethours.StatusString(time.Now()))

	for {
		select {
		case <-ctx.Done():
			log.Info("tickdecoder: shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Stop(shutdownCtx)
			shutdownCancel()
			return

		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			m.TicksDecoded.Inc()
			health.SetConnected(true)
			health.SetLastEventTime(tick.Timestamp)
			m.ChannelSaturationPct.WithLabelValues("tick").Set(100 * float64(len(tickCh)) / float64(cap(tickCh)))
			buffered.WriteTick(tick)
		}
	}
}

// buildCapability constructs the broker.Capability for -source and
// returns it alongside the resolved symbol list (bare tokens for
// offline, broker tokens for live — the decoder resolves the latter to
// trading symbols via the same map).
func buildCapability(source string, mode int, cfg *config.Config, log *slog.Logger) (broker.Capability, []string) {
	symbols := cfg.ParseSymbols()

	if source == "live" {
		cfg.RequireBrokerCreds()
		wsURL, err := url.Parse(cfg.BrokerWSURL)
		if err != nil {
			log.Error("tickdecoder: invalid broker ws url", "err", err)
			os.Exit(apperr.ExitConfigError)
		}

		tokens := decoder.StaticTokenMap(buildTokenSymbolMap(symbols))
		groups := buildTokenGroups(cfg.SubscribeTokens)

		live := broker.NewLive(broker.LiveConfig{
			APIKey:     cfg.BrokerAPIKey,
			ClientCode: cfg.BrokerClientCode,
			Password:   cfg.BrokerPassword,
			TOTPSecret: cfg.BrokerTOTPSecret,
			WSURL:      *wsURL,
			Mode:       mode,
			Exchanges:  groups,
		}, tokens, log)
		return live, symbols
	}

	offline := broker.NewOffline(broker.OfflineConfig{
		Symbols:    symbols,
		Exchange:   cfg.Exchange,
		StartPrice: 100.0,
		Seed:       1,
	})
	return offline, symbols
}

// buildTokenSymbolMap resolves each subscribed broker token to itself as
// the trading symbol: this deployment has no separate symbol master, so
// the token string doubles as the human-facing trading symbol, exactly
// as the offline capability already assumes.
func buildTokenSymbolMap(tokens []string) map[string]string {
	m := make(map[string]string, len(tokens))
	for _, t := range tokens {
		m[t] = t
	}
	return m
}

// buildTokenGroups parses "exchangeType:token" pairs into the
// ingest.TokenGroup shape the broker's subscribe frame expects, grouping
// tokens that share an exchange type.
func buildTokenGroups(subscribeTokens string) []ingest.TokenGroup {
	byExchange := map[int][]string{}
	for _, pair := range strings.Split(subscribeTokens, ",") {
		pair = strings.TrimSpace(pair)
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		exType, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		byExchange[exType] = append(byExchange[exType], parts[1])
	}

	groups := make([]ingest.TokenGroup, 0, len(byExchange))
	for exType, toks := range byExchange {
		groups = append(groups, ingest.TokenGroup{ExchangeType: exType, Tokens: toks})
	}
	return groups
}
