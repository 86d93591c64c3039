package indicator

import (
	"context"
	"encoding/json"
	"time"

	"flexitrade/internal/model"
)

// IndicatorConfig specifies a single indicator to compute. Slow/Signal are
// only meaningful for "macd" (Period doubles as the fast period); StdMult
// is only meaningful for "bollinger_bands".
type IndicatorConfig struct {
	Type    string // "sma", "rsi", "bollinger_bands", "atr", "macd"
	Period  int
	StdMult float64
	Slow    int
	Signal  int
}

// TimeframeIndicatorConfig groups indicator configs for one timeframe.
type TimeframeIndicatorConfig struct {
	Timeframe  model.Timeframe
	Indicators []IndicatorConfig
}

// IndicatorResult is one named scalar in a symbol's indicator snapshot for
// a closed (or, when Live, still-forming) bucket.
type IndicatorResult struct {
	Name        string
	Symbol      string
	Exchange    string
	Timeframe   model.Timeframe
	BucketStart time.Time
	Value       float64
	Ready       bool
	Live        bool
}

// StreamKey returns the durable-bus topic name for this result's timeframe.
func (r *IndicatorResult) StreamKey() string {
	return "indicators." + string(r.Timeframe)
}

// CacheKey returns the KV cache key for this result's latest value.
func (r *IndicatorResult) CacheKey() string {
	return "indicators:" + r.Symbol + ":" + string(r.Timeframe) + ":" + r.Name
}

// PubSubChannel returns the preview fan-out channel for this result.
func (r *IndicatorResult) PubSubChannel() string {
	return "pub.indicators." + string(r.Timeframe) + "." + r.Exchange + "." + r.Symbol
}

// JSON returns the JSON-encoded result (errors ignored for hot-path use).
func (r *IndicatorResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// indicatorEntry wraps exactly one of a scalar or multi-valued indicator.
type indicatorEntry struct {
	scalar Indicator
	multi  MultiValue
}

// tokenIndicators holds live indicator instances for one symbol within a
// timeframe.
type tokenIndicators struct {
	entries []indicatorEntry
	configs []IndicatorConfig
}

// Engine computes multiple indicators across multiple timeframes for
// multiple symbols. Designed for single-goroutine usage — no locks needed.
type Engine struct {
	configs []TimeframeIndicatorConfig

	// state[tfIdx][symbolKey] -> *tokenIndicators
	state []map[string]*tokenIndicators
}

// NewEngine creates an indicator engine with the given per-timeframe
// indicator configs.
func NewEngine(configs []TimeframeIndicatorConfig) *Engine {
	state := make([]map[string]*tokenIndicators, len(configs))
	for i := range state {
		state[i] = make(map[string]*tokenIndicators, 64)
	}
	return &Engine{configs: configs, state: state}
}

func (e *Engine) tfIndex(tf model.Timeframe) int {
	for i, cfg := range e.configs {
		if cfg.Timeframe == tf {
			return i
		}
	}
	return -1
}

// Process takes a finalized candle and computes all configured indicators
// for its (symbol, timeframe). Returns results that may include not-ready
// indicators (Ready=false) which callers should treat as absent.
func (e *Engine) Process(candle model.Candle) []IndicatorResult {
	tfIdx := e.tfIndex(candle.Timeframe)
	if tfIdx == -1 {
		return nil
	}

	key := candle.Key()
	ti, exists := e.state[tfIdx][key]
	if !exists {
		ti = e.createTokenIndicators(tfIdx)
		e.state[tfIdx][key] = ti
	}

	results := make([]IndicatorResult, 0, len(ti.entries))
	for i, entry := range ti.entries {
		cfg := ti.configs[i]
		switch {
		case entry.scalar != nil:
			entry.scalar.Update(candle)
			results = append(results, e.scalarResult(entry.scalar, cfg, candle, false))
		case entry.multi != nil:
			entry.multi.Update(candle)
			results = append(results, e.multiResults(entry.multi, cfg, candle, false)...)
		}
	}
	return results
}

// ProcessPeek computes live indicator values for a forming candle using
// Peek(). Does NOT mutate indicator state. Returns nil if the symbol
// hasn't been seeded by a completed candle yet (Process must run first).
func (e *Engine) ProcessPeek(candle model.Candle) []IndicatorResult {
	tfIdx := e.tfIndex(candle.Timeframe)
	if tfIdx == -1 {
		return nil
	}

	key := candle.Key()
	ti, exists := e.state[tfIdx][key]
	if !exists {
		return nil
	}

	results := make([]IndicatorResult, 0, len(ti.entries))
	for i, entry := range ti.entries {
		cfg := ti.configs[i]
		switch {
		case entry.scalar != nil:
			r := e.scalarResult(entry.scalar, cfg, candle, true)
			r.Value = entry.scalar.Peek(candle.Close)
			results = append(results, r)
		case entry.multi != nil:
			results = append(results, e.multiResultsFromValues(entry.multi, cfg, candle, entry.multi.Peek(candle.Close), true)...)
		}
	}
	return results
}

func (e *Engine) scalarResult(ind Indicator, cfg IndicatorConfig, candle model.Candle, live bool) IndicatorResult {
	return IndicatorResult{
		Name:        indicatorName(cfg),
		Symbol:      candle.Symbol,
		Exchange:    candle.Exchange,
		Timeframe:   candle.Timeframe,
		BucketStart: candle.BucketStart,
		Value:       ind.Value(),
		Ready:       ind.Ready(),
		Live:        live,
	}
}

func (e *Engine) multiResults(ind MultiValue, cfg IndicatorConfig, candle model.Candle, live bool) []IndicatorResult {
	return e.multiResultsFromValues(ind, cfg, candle, ind.Values(), live)
}

func (e *Engine) multiResultsFromValues(ind MultiValue, cfg IndicatorConfig, candle model.Candle, values map[string]float64, live bool) []IndicatorResult {
	base := indicatorName(cfg)
	results := make([]IndicatorResult, 0, len(values))
	for _, suffix := range multiValueSuffixes(cfg.Type) {
		results = append(results, IndicatorResult{
			Name:        base + "_" + suffix,
			Symbol:      candle.Symbol,
			Exchange:    candle.Exchange,
			Timeframe:   candle.Timeframe,
			BucketStart: candle.BucketStart,
			Value:       values[suffix],
			Ready:       ind.Ready(),
			Live:        live,
		})
	}
	return results
}

// multiValueSuffixes fixes iteration order so result slices are stable.
func multiValueSuffixes(indType string) []string {
	switch indType {
	case "bollinger_bands":
		return []string{"upper", "mid", "lower"}
	case "macd":
		return []string{"line", "signal", "hist"}
	default:
		return nil
	}
}

// indicatorName builds the snapshot key, e.g. "rsi_14", "sma_20",
// "bollinger_bands_20", "macd_12_26_9".
func indicatorName(cfg IndicatorConfig) string {
	switch cfg.Type {
	case "macd":
		return cfg.Type + "_" + model.Itoa(cfg.Period) + "_" + model.Itoa(cfg.Slow) + "_" + model.Itoa(cfg.Signal)
	default:
		return cfg.Type + "_" + model.Itoa(cfg.Period)
	}
}

// Run consumes closed candles and emits indicator results. Blocks until
// ctx is done or candleCh is closed.
func (e *Engine) Run(ctx context.Context, candleCh <-chan model.Candle, resultCh chan<- IndicatorResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			if !c.Closed {
				continue
			}
			for _, r := range e.Process(c) {
				select {
				case resultCh <- r:
				default:
					// drop if channel full; the bus side tracks overflow
				}
			}
		}
	}
}

// createTokenIndicators creates fresh indicator instances for a timeframe
// config.
func (e *Engine) createTokenIndicators(tfIdx int) *tokenIndicators {
	cfg := e.configs[tfIdx]
	entries := make([]indicatorEntry, len(cfg.Indicators))
	for i, ic := range cfg.Indicators {
		entries[i] = newIndicatorEntry(ic)
	}
	return &tokenIndicators{entries: entries, configs: cfg.Indicators}
}

func newIndicatorEntry(ic IndicatorConfig) indicatorEntry {
	switch ic.Type {
	case "rsi":
		return indicatorEntry{scalar: NewRSI(ic.Period)}
	case "atr":
		return indicatorEntry{scalar: NewATR(ic.Period)}
	case "bollinger_bands":
		mult := ic.StdMult
		if mult == 0 {
			mult = 2.0
		}
		return indicatorEntry{multi: NewBollinger(ic.Period, mult)}
	case "macd":
		return indicatorEntry{multi: NewMACD(ic.Period, ic.Slow, ic.Signal)}
	case "sma":
		return indicatorEntry{scalar: NewSMA(ic.Period)}
	default:
		return indicatorEntry{scalar: NewSMA(ic.Period)}
	}
}
