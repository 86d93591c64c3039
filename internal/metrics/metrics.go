// Package metrics exposes Prometheus counters/histograms/gauges for the
// pipeline's four binaries, adapted directly from the reference repo's
// internal/metrics/metrics.go: one Metrics struct built once per process
// via New(subsystem), served on /metrics alongside a /healthz endpoint.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the full set of counters/histograms/gauges used across
// tickdecoder, aggregator, indengine, and ruleengine. Each binary
// populates and touches only the fields relevant to its stage.
type Metrics struct {
	reg *prometheus.Registry

	// TickDecoder
	TicksDecoded    prometheus.Counter
	TicksDropped    *prometheus.CounterVec // labels: reason (control_frame|malformed|unresolved_token)
	WSReconnects    prometheus.Counter
	DecodeDur       prometheus.Histogram

	// Aggregator
	CandlesEmitted     *prometheus.CounterVec // labels: timeframe
	CandlesBackfilled  *prometheus.CounterVec // labels: timeframe
	LateTicksDropped   prometheus.Counter
	GapDetected        *prometheus.CounterVec // labels: timeframe
	BackfillGapSize    prometheus.Histogram
	AggregatorOverflow prometheus.Counter

	// IndicatorEngine
	IndicatorComputeDur prometheus.Histogram
	IndicatorsComputed  *prometheus.CounterVec // labels: name
	PELMessagesReclaimed prometheus.Counter

	// RuleEngine
	RuleEvalDur    prometheus.Histogram
	SignalsEmitted *prometheus.CounterVec // labels: strategy, kind
	AuditsEmitted  *prometheus.CounterVec // labels: strategy

	// Bus adapters (shared)
	BusPublishDur        prometheus.Histogram
	CacheOpDur           prometheus.Histogram
	CircuitBreakerState  prometheus.Gauge // 0=closed, 1=open, 2=half-open
	CircuitBreakerTrips  prometheus.Counter
	BufferedWrites       prometheus.Counter
	ChannelSaturationPct *prometheus.GaugeVec // labels: channel_name

	// Market session state
	MarketState        prometheus.Gauge // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close
}

// New registers and returns the metrics set for subsystem (e.g.
// "tickdecoder", "aggregator", "indengine", "ruleengine"), each family
// name prefixed accordingly so /metrics output is self-describing even
// when scraped from a single combined target in dev.
func New(subsystem string) *Metrics {
	reg := prometheus.NewRegistry()
	p := subsystem + "_"

	m := &Metrics{
		reg: reg,

		TicksDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p + "ticks_decoded_total", Help: "Total ticks successfully decoded",
		}),
		TicksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p + "ticks_dropped_total", Help: "Ticks dropped during decode",
		}, []string{"reason"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p + "ws_reconnects_total", Help: "Broker websocket reconnection attempts",
		}),
		DecodeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: p + "decode_duration_seconds", Help: "Per-frame decode latency",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005},
		}),

		CandlesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p + "candles_emitted_total", Help: "Closed candles emitted, by timeframe",
		}, []string{"timeframe"}),
		CandlesBackfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p + "candles_backfilled_total", Help: "Candles replayed from the store during gap reconciliation",
		}, []string{"timeframe"}),
		LateTicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p + "late_ticks_dropped_total", Help: "Ticks dropped by the per-symbol ordering guard",
		}),
		GapDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p + "gap_detected_total", Help: "Bucket gaps detected, by timeframe",
		}, []string{"timeframe"}),
		BackfillGapSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: p + "backfill_gap_size_candles", Help: "Size of detected gaps in candle count",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		AggregatorOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p + "overflow_total", Help: "Candles dropped from the spillover ring buffer",
		}),

		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: p + "compute_duration_seconds", Help: "Indicator compute latency per candle",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		IndicatorsComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p + "indicators_computed_total", Help: "Indicator values computed, by name",
		}, []string{"name"}),
		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p + "pel_messages_reclaimed_total", Help: "Messages reclaimed from dead consumers via XCLAIM",
		}),

		RuleEvalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: p + "rule_eval_duration_seconds", Help: "FlexiRule evaluation latency per candle",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01},
		}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p + "signals_emitted_total", Help: "Signals emitted, by strategy and kind",
		}, []string{"strategy", "kind"}),
		AuditsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p + "audits_emitted_total", Help: "Audit records emitted, by strategy",
		}, []string{"strategy"}),

		BusPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: p + "bus_publish_duration_seconds", Help: "Bus write (XADD+SET+PUBLISH) latency",
			Buckets: prometheus.DefBuckets,
		}),
		CacheOpDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: p + "cache_op_duration_seconds", Help: "KV cache read/write latency",
			Buckets: prometheus.DefBuckets,
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: p + "circuit_breaker_state", Help: "Bus circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		CircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p + "circuit_breaker_trips_total", Help: "Times the bus circuit breaker tripped open",
		}),
		BufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p + "buffered_writes_total", Help: "Writes buffered locally while the circuit breaker was open",
		}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: p + "channel_saturation_pct", Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: p + "market_state", Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p + "session_transitions_total", Help: "Market session transitions",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.TicksDecoded, m.TicksDropped, m.WSReconnects, m.DecodeDur,
		m.CandlesEmitted, m.CandlesBackfilled, m.LateTicksDropped, m.GapDetected,
		m.BackfillGapSize, m.AggregatorOverflow,
		m.IndicatorComputeDur, m.IndicatorsComputed, m.PELMessagesReclaimed,
		m.RuleEvalDur, m.SignalsEmitted, m.AuditsEmitted,
		m.BusPublishDur, m.CacheOpDur, m.CircuitBreakerState, m.CircuitBreakerTrips,
		m.BufferedWrites, m.ChannelSaturationPct,
		m.MarketState, m.SessionTransitions,
	)

	return m
}

// HealthStatus tracks per-dependency liveness for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	Connected      bool      `json:"connected"`       // broker WS / upstream bus consumer
	LastEventTime  time.Time `json:"last_event_time"`  // last tick/candle/signal observed
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	EnabledTFs     []string  `json:"enabled_tfs"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetConnected(v bool) {
	h.mu.Lock()
	h.Connected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastEventTime(t time.Time) {
	h.mu.Lock()
	h.LastEventTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetEnabledTFs(tfs []string) {
	h.mu.Lock()
	h.EnabledTFs = tfs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.Connected || !h.RedisConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	eventAge := ""
	if !h.LastEventTime.IsZero() {
		eventAge = time.Since(h.LastEventTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		Connected       bool     `json:"connected"`
		LastEventTime   string   `json:"last_event_time"`
		EventAge        string   `json:"event_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		EnabledTFs      []string `json:"enabled_tfs"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status: overallStatus, Uptime: time.Since(h.StartedAt).Round(time.Second).String(),
		Connected: h.Connected, LastEventTime: h.LastEventTime.Format(time.RFC3339), EventAge: eventAge,
		RedisConnected: h.RedisConnected, RedisLatencyMs: h.RedisLatencyMs,
		SQLiteOK: h.SQLiteOK, SQLiteLatencyMs: h.SQLiteLatencyMs,
		EnabledTFs: h.EnabledTFs, LastCheckAt: h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server bound to m's private
// registry.
func NewServer(addr string, m *Metrics, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
