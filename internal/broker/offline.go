package broker

import (
	"context"
	"fmt"
	"time"

	"flexitrade/internal/model"
)

// OfflineConfig configures the deterministic offline tick generator used
// by tests and by `-source=offline` dev runs, mirroring the reference
// staging-vs-production split between a real feed and a simulated one.
type OfflineConfig struct {
	Symbols      []string
	Exchange     string
	StartPrice   float64
	TickInterval time.Duration // default 1s
	PriceStep    float64       // default 0.05
	Seed         int64
}

// Offline is a Capability implementation that deterministically generates
// ticks from a seeded linear-congruential walk, with no network dependency.
// It never errors and never needs authentication.
type Offline struct {
	cfg OfflineConfig
}

// NewOffline constructs an Offline capability with the given config.
func NewOffline(cfg OfflineConfig) *Offline {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PriceStep == 0 {
		cfg.PriceStep = 0.05
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "NSE"
	}
	return &Offline{cfg: cfg}
}

// Connect emits deterministic ticks for each configured symbol on a fixed
// interval until ctx is cancelled.
func (o *Offline) Connect(ctx context.Context, tickCh chan<- model.Tick) error {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	state := make(map[string]*walkState, len(o.cfg.Symbols))
	for i, sym := range o.cfg.Symbols {
		state[sym] = &walkState{
			price: o.cfg.StartPrice,
			rng:   newLCG(o.cfg.Seed + int64(i) + 1),
		}
	}

	var volume uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			volume++
			for _, sym := range o.cfg.Symbols {
				st := state[sym]
				st.step(o.cfg.PriceStep)
				tick := model.Tick{
					TradingSymbol: sym,
					SymbolToken:   sym,
					Exchange:      o.cfg.Exchange,
					LTP:           st.price,
					Volume:        volume,
					Timestamp:     now.UTC(),
					Mode:          model.ModeLTP,
				}
				select {
				case tickCh <- tick:
				default:
				}
			}
		}
	}
}

func (o *Offline) FetchHistory(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
	return nil, fmt.Errorf("broker: offline capability has no historical data")
}

func (o *Offline) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	return OrderResult{}, ErrOutOfScope
}

func (o *Offline) CancelOrder(ctx context.Context, orderID string) error {
	return ErrOutOfScope
}

// walkState is a minimal deterministic random walk seeded per symbol so
// repeated runs produce identical tick sequences (useful for tests).
type walkState struct {
	price float64
	rng   *lcg
}

func (s *walkState) step(step float64) {
	if s.rng.next()%2 == 0 {
		s.price += step
	} else {
		s.price -= step
	}
	if s.price < step {
		s.price = step
	}
}

// lcg is a minimal linear congruential generator — deterministic, no
// dependency on math/rand's global state.
type lcg struct{ state int64 }

func newLCG(seed int64) *lcg { return &lcg{state: seed} }

func (g *lcg) next() int64 {
	g.state = (g.state*1103515245 + 12345) & 0x7fffffff
	return g.state
}
