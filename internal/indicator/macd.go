package indicator

import "flexitrade/internal/model"

// macdEMA is an EMA seeded with the first observed value (not an initial
// SMA window), matching the conventional MACD definition. It is distinct
// from EMA, which SMA-seeds, because the two seeding rules produce
// different value sequences from the same inputs.
type macdEMA struct {
	multiplier float64
	current    float64
	count      int
}

func newMACDEMA(period int) *macdEMA {
	return &macdEMA{multiplier: 2.0 / float64(period+1)}
}

func (e *macdEMA) update(price float64) float64 {
	e.count++
	if e.count == 1 {
		e.current = price
		return e.current
	}
	e.current = emaStep(e.multiplier, price, e.current)
	return e.current
}

func (e *macdEMA) peek(price float64) float64 {
	if e.count == 0 {
		return price
	}
	return emaStep(e.multiplier, price, e.current)
}

// MACD computes macd_line = ema(close,fast) - ema(close,slow), signal =
// ema(macd_line, signal_period), hist = macd_line - signal. All three EMAs
// are seeded with the first observed value.
type MACD struct {
	fast, slow, signal int

	emaFast, emaSlow, emaSignal *macdEMA

	count             int
	macdLine, sig, hist float64
}

// NewMACD creates a MACD indicator with the given fast/slow/signal periods
// (conventionally 12/26/9).
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:      fast,
		slow:      slow,
		signal:    signal,
		emaFast:   newMACDEMA(fast),
		emaSlow:   newMACDEMA(slow),
		emaSignal: newMACDEMA(signal),
	}
}

func (m *MACD) Name() string { return "macd" }

func (m *MACD) Update(candle model.Candle) {
	price := candle.Close
	m.count++

	fast := m.emaFast.update(price)
	slow := m.emaSlow.update(price)
	m.macdLine = fast - slow
	m.sig = m.emaSignal.update(m.macdLine)
	m.hist = m.macdLine - m.sig
}

// Ready requires enough closes for the slow EMA and the signal EMA of the
// macd line to both have seen at least `slow` and `signal` updates
// respectively; since all three update every candle, count >= slow+signal-1
// guarantees the signal line has had signal observations of a macd_line
// that itself reflects the slow EMA.
func (m *MACD) Ready() bool { return m.count >= m.slow+m.signal-1 }

// Values returns the line/signal/hist triple.
func (m *MACD) Values() map[string]float64 {
	return map[string]float64{"line": m.macdLine, "signal": m.sig, "hist": m.hist}
}

// Peek previews the triple with an additional close, without mutating state.
func (m *MACD) Peek(close float64) map[string]float64 {
	fast := m.emaFast.peek(close)
	slow := m.emaSlow.peek(close)
	line := fast - slow
	sig := m.emaSignal.peek(line)
	return map[string]float64{"line": line, "signal": sig, "hist": line - sig}
}

// Snapshot serializes the MACD state for checkpoint persistence.
func (m *MACD) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:   "macd",
		Period: m.fast,
		Count:  m.count,
		MACD: &MACDState{
			Slow:            m.slow,
			Signal:          m.signal,
			FastCurrent:     m.emaFast.current,
			FastCount:       m.emaFast.count,
			SlowCurrent:     m.emaSlow.current,
			SlowCount:       m.emaSlow.count,
			SignalCurrent:   m.emaSignal.current,
			SignalCount:     m.emaSignal.count,
			MACDLine:        m.macdLine,
			SignalValue:     m.sig,
			Hist:            m.hist,
		},
	}
}

// RestoreFromSnapshot restores MACD state from a checkpoint.
func (m *MACD) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.MACD == nil {
		return nil
	}
	m.fast = snap.Period
	m.slow = snap.MACD.Slow
	m.signal = snap.MACD.Signal
	m.count = snap.Count

	m.emaFast = &macdEMA{multiplier: 2.0 / float64(m.fast+1), current: snap.MACD.FastCurrent, count: snap.MACD.FastCount}
	m.emaSlow = &macdEMA{multiplier: 2.0 / float64(m.slow+1), current: snap.MACD.SlowCurrent, count: snap.MACD.SlowCount}
	m.emaSignal = &macdEMA{multiplier: 2.0 / float64(m.signal+1), current: snap.MACD.SignalCurrent, count: snap.MACD.SignalCount}

	m.macdLine = snap.MACD.MACDLine
	m.sig = snap.MACD.SignalValue
	m.hist = snap.MACD.Hist
	return nil
}
