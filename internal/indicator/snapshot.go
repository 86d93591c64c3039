package indicator

import (
	"encoding/json"
	"fmt"
	"log"

	"flexitrade/internal/model"
)

// Snapshottable is implemented by single-valued indicators that support
// state serialization.
type Snapshottable interface {
	Indicator
	Snapshot() IndicatorSnapshot
	RestoreFromSnapshot(snap IndicatorSnapshot) error
}

// MultiSnapshottable is implemented by multi-valued indicators (Bollinger,
// MACD) that support state serialization.
type MultiSnapshottable interface {
	MultiValue
	Snapshot() IndicatorSnapshot
	RestoreFromSnapshot(snap IndicatorSnapshot) error
}

// MACDState holds the extra per-EMA state MACD needs beyond the common
// IndicatorSnapshot fields.
type MACDState struct {
	Slow   int `json:"slow"`
	Signal int `json:"signal"`

	FastCurrent float64 `json:"fast_current"`
	FastCount   int     `json:"fast_count"`
	SlowCurrent float64 `json:"slow_current"`
	SlowCount   int     `json:"slow_count"`

	SignalCurrent float64 `json:"signal_current"`
	SignalCount   int     `json:"signal_count"`

	MACDLine    float64 `json:"macd_line"`
	SignalValue float64 `json:"signal_value"`
	Hist        float64 `json:"hist"`
}

// IndicatorSnapshot holds the serialized state of a single indicator
// instance. One struct covers every indicator kind; unused fields are
// omitted on marshal.
type IndicatorSnapshot struct {
	Type   string `json:"type"` // "sma", "rsi", "bollinger_bands", "atr", "macd"
	Period int    `json:"period"`

	// SMA / Bollinger circular-buffer fields
	Buf   []float64 `json:"buf,omitempty"`
	Idx   int       `json:"idx,omitempty"`
	Count int       `json:"count"`
	Sum   float64   `json:"sum,omitempty"`
	SumSq float64   `json:"sum_sq,omitempty"`

	Current float64 `json:"current"`

	// EMA / Bollinger multiplier-style fields
	Multiplier float64 `json:"multiplier,omitempty"`

	// RSI / ATR fields
	PrevClose float64 `json:"prev_close,omitempty"`
	AvgGain   float64 `json:"avg_gain,omitempty"`
	AvgLoss   float64 `json:"avg_loss,omitempty"`

	// MACD sub-state
	MACD *MACDState `json:"macd,omitempty"`
}

// TokenSnapshot holds indicator snapshots for a single symbol within a
// timeframe.
type TokenSnapshot struct {
	Symbol     string              `json:"symbol"`
	Exchange   string              `json:"exchange"`
	Timeframe  string              `json:"timeframe"`
	Indicators []IndicatorSnapshot `json:"indicators"`
}

// EngineSnapshot holds the full state of the indicator engine.
type EngineSnapshot struct {
	StreamID string          `json:"stream_id"`
	Tokens   []TokenSnapshot `json:"tokens"`
	Version  int             `json:"version"`
}

// MarshalJSON serializes the engine snapshot to JSON.
func (es *EngineSnapshot) MarshalJSON() ([]byte, error) {
	type Alias EngineSnapshot
	return json.Marshal((*Alias)(es))
}

// UnmarshalJSON deserializes the engine snapshot from JSON.
func (es *EngineSnapshot) UnmarshalJSON(data []byte) error {
	type Alias EngineSnapshot
	return json.Unmarshal(data, (*Alias)(es))
}

// SnapshotEngine captures the full state of an indicator Engine.
func SnapshotEngine(e *Engine, streamID string) (*EngineSnapshot, error) {
	snap := &EngineSnapshot{StreamID: streamID, Version: 1}

	for tfIdx, cfg := range e.configs {
		for tokenKey, ti := range e.state[tfIdx] {
			ts := TokenSnapshot{
				Timeframe:  string(cfg.Timeframe),
				Indicators: make([]IndicatorSnapshot, 0, len(ti.entries)),
			}
			for i := range tokenKey {
				if tokenKey[i] == ':' {
					ts.Exchange = tokenKey[:i]
					ts.Symbol = tokenKey[i+1:]
					break
				}
			}
			if ts.Exchange == "" {
				ts.Symbol = tokenKey
			}

			for _, e := range ti.entries {
				switch {
				case e.scalar != nil:
					si, ok := e.scalar.(Snapshottable)
					if !ok {
						return nil, fmt.Errorf("indicator %s does not implement Snapshottable", e.scalar.Name())
					}
					ts.Indicators = append(ts.Indicators, si.Snapshot())
				case e.multi != nil:
					si, ok := e.multi.(MultiSnapshottable)
					if !ok {
						return nil, fmt.Errorf("indicator %s does not implement MultiSnapshottable", e.multi.Name())
					}
					ts.Indicators = append(ts.Indicators, si.Snapshot())
				}
			}
			snap.Tokens = append(snap.Tokens, ts)
		}
	}

	return snap, nil
}

// RestoreEngine rebuilds an indicator Engine from a snapshot. It is
// tolerant of config changes — indicators are matched by Type+Period
// rather than by index. Matching indicators get their state restored; new
// indicators start fresh (cold). Removed indicators are silently skipped.
func RestoreEngine(configs []TimeframeIndicatorConfig, snap *EngineSnapshot) (*Engine, error) {
	e := NewEngine(configs)

	for _, ts := range snap.Tokens {
		tfIdx := -1
		for i, cfg := range e.configs {
			if string(cfg.Timeframe) == ts.Timeframe {
				tfIdx = i
				break
			}
		}
		if tfIdx == -1 {
			continue
		}

		ti := e.createTokenIndicators(tfIdx)

		snapLookup := make(map[string]IndicatorSnapshot, len(ts.Indicators))
		for _, indSnap := range ts.Indicators {
			lookupKey := indSnap.Type + ":" + model.Itoa(indSnap.Period)
			snapLookup[lookupKey] = indSnap
		}

		restored, cold := 0, 0
		for i, entry := range ti.entries {
			cfg := ti.configs[i]
			lookupKey := cfg.Type + ":" + model.Itoa(cfg.Period)

			indSnap, found := snapLookup[lookupKey]
			if !found {
				cold++
				continue
			}

			var err error
			switch {
			case entry.scalar != nil:
				si, ok := entry.scalar.(Snapshottable)
				if !ok {
					cold++
					continue
				}
				err = si.RestoreFromSnapshot(indSnap)
			case entry.multi != nil:
				si, ok := entry.multi.(MultiSnapshottable)
				if !ok {
					cold++
					continue
				}
				err = si.RestoreFromSnapshot(indSnap)
			}
			if err != nil {
				cold++
				continue
			}
			restored++
		}

		if cold > 0 {
			log.Printf("indicator: timeframe=%s symbol=%s: restored %d, cold-started %d indicators",
				ts.Timeframe, ts.Symbol, restored, cold)
		}

		key := ts.Symbol
		if ts.Exchange != "" {
			key = ts.Exchange + ":" + ts.Symbol
		}
		e.state[tfIdx][key] = ti
	}

	return e, nil
}
