package rule

import (
	"encoding/json"
	"time"
)

// Signal is the engine's output: a decision for one (symbol, strategy,
// bucket_start). Kind is one of BUY, SELL, SELL:<id>, PARTIAL_SELL:<pct>:<id>.
type Signal struct {
	Symbol      string    `json:"symbol"`
	Strategy    string    `json:"strategy"`
	Kind        string    `json:"signal"`
	Price       float64   `json:"price"`
	Timestamp   time.Time `json:"timestamp"`
	Reason      string    `json:"reason"`
}

// StreamKey returns the durable-bus topic name for this signal's strategy.
func (s *Signal) StreamKey() string {
	return "signals." + s.Strategy
}

// JSON returns the JSON-encoded signal (errors ignored for hot-path use).
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// AuditRecord is the append-only trace written for every state
// transition, including breakeven arming which emits no Signal.
type AuditRecord struct {
	Symbol      string                 `json:"symbol"`
	Strategy    string                 `json:"strategy"`
	Timestamp   time.Time              `json:"timestamp"`
	State       State                  `json:"state"`
	Reason      string                 `json:"reason"`
	Candle      map[string]float64     `json:"candle"`
	Snapshot    map[string]float64     `json:"snapshot"`
	RuleTrace   map[string]bool        `json:"rule_trace"`
}

// StreamKey returns the durable-bus audit topic name for strategy.
func (a *AuditRecord) StreamKey() string {
	return "signals.audit." + a.Strategy
}

// JSON returns the JSON-encoded audit record.
func (a *AuditRecord) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}
