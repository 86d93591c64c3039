package indicator

import (
	"log"
	"time"

	"flexitrade/internal/model"
)

// Restorer orchestrates indicator engine state restoration on startup:
// restore from a snapshot when one is given, otherwise cold start, and
// optionally warm up from stored candles.
type Restorer struct {
	configs []TimeframeIndicatorConfig
}

// NewRestorer creates a new Restorer for the given indicator configs.
func NewRestorer(configs []TimeframeIndicatorConfig) *Restorer {
	return &Restorer{configs: configs}
}

// RestoreFromSnap attempts to restore an engine from a snapshot. If snap is
// nil, returns a fresh engine (cold start).
func (r *Restorer) RestoreFromSnap(snap *EngineSnapshot) (*Engine, error) {
	if snap == nil {
		log.Println("indicator: no snapshot found, cold-starting engine")
		return NewEngine(r.configs), nil
	}

	log.Printf("indicator: restoring from snapshot (version=%d, streamID=%s, symbols=%d)",
		snap.Version, snap.StreamID, len(snap.Tokens))

	engine, err := RestoreEngine(r.configs, snap)
	if err != nil {
		log.Printf("indicator: WARNING snapshot restore failed: %v, falling back to cold start", err)
		return NewEngine(r.configs), nil
	}

	log.Printf("indicator: restored engine from snapshot")
	return engine, nil
}

// ReplayCandles feeds a slice of closed candles into the engine to catch up
// from the snapshot to current state. Returns the number replayed.
func (r *Restorer) ReplayCandles(engine *Engine, candles []model.Candle) int {
	count := 0
	for _, c := range candles {
		if !c.Closed {
			continue
		}
		engine.Process(c)
		count++
	}
	log.Printf("indicator: replayed %d candles to catch up", count)
	return count
}

// BackfillFromStore reads each symbol's historical candles per timeframe
// from reader and feeds them into the engine to warm up cold indicators.
// This should run after engine creation/restore and before starting the
// live consumer.
//
// maxPeriod is the largest number of candles any configured indicator
// needs before it is ready (period+1, or slow+signal-1 for macd); it
// bounds how many candles per (symbol, timeframe) are fed so every
// indicator warms up from a bounded lookback window.
func (r *Restorer) BackfillFromStore(engine *Engine, reader model.CandleReader, symbols []string, exchange string, onResults func([]IndicatorResult)) int {
	if reader == nil {
		return 0
	}

	maxPeriod := 0
	for _, cfg := range r.configs {
		for _, ind := range cfg.Indicators {
			p := ind.Period + 1
			if ind.Slow > 0 {
				p = ind.Slow + ind.Signal - 1
			}
			if p > maxPeriod {
				maxPeriod = p
			}
		}
	}
	if maxPeriod == 0 {
		return 0
	}

	total := 0
	for _, symbol := range symbols {
		for _, cfg := range r.configs {
			candles, err := reader.ReadCandles(symbol, exchange, cfg.Timeframe, time.Time{})
			if err != nil {
				log.Printf("indicator: WARNING failed to read %s/%s candles for backfill: %v", symbol, cfg.Timeframe, err)
				continue
			}

			if len(candles) > maxPeriod {
				candles = candles[len(candles)-maxPeriod:]
			}

			fed := 0
			for _, c := range candles {
				c.Closed = true
				results := engine.Process(c)
				if onResults != nil && len(results) > 0 {
					onResults(results)
				}
				fed++
			}
			total += fed
			if fed > 0 {
				log.Printf("indicator: backfilled %d candles for symbol=%s timeframe=%s", fed, symbol, cfg.Timeframe)
			}
		}
	}

	if total > 0 {
		log.Printf("indicator: backfilled %d total candles", total)
	}
	return total
}
