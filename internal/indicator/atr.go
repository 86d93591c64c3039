package indicator

import (
	"math"

	"flexitrade/internal/model"
)

// ATR computes the Average True Range: TR_i = max(H-L, |H-C_prev|, |L-C_prev|),
// seeded by the SMA of the first `period` true ranges, then Wilder-smoothed
// like RSI.
type ATR struct {
	period    int
	count     int
	prevClose float64
	sumTR     float64
	current   float64
}

// NewATR creates an ATR indicator with the given period (typically 14).
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string { return "atr" }

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if v := math.Abs(high - prevClose); v > tr {
		tr = v
	}
	if v := math.Abs(low - prevClose); v > tr {
		tr = v
	}
	return tr
}

func (a *ATR) Update(candle model.Candle) {
	a.count++

	if a.count == 1 {
		a.prevClose = candle.Close
		return
	}

	tr := trueRange(candle.High, candle.Low, a.prevClose)
	a.prevClose = candle.Close

	if a.count <= a.period+1 {
		a.sumTR += tr
		if a.count == a.period+1 {
			a.current = a.sumTR / float64(a.period)
		}
		return
	}

	a.current = wilderStep(a.period, a.current, tr)
}

func (a *ATR) Value() float64 { return a.current }
func (a *ATR) Ready() bool    { return a.count > a.period }

// Peek approximates the next ATR from a close-only preview: the forming
// candle's high/low aren't available through this interface, so the true
// range is approximated as |close - prevClose|.
func (a *ATR) Peek(close float64) float64 {
	if a.count <= a.period {
		return a.current
	}
	tr := math.Abs(close - a.prevClose)
	return wilderStep(a.period, a.current, tr)
}

// Snapshot serializes the ATR state for checkpoint persistence.
func (a *ATR) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:      "atr",
		Period:    a.period,
		Count:     a.count,
		PrevClose: a.prevClose,
		Sum:       a.sumTR,
		Current:   a.current,
	}
}

// RestoreFromSnapshot restores ATR state from a checkpoint.
func (a *ATR) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	a.period = snap.Period
	a.count = snap.Count
	a.prevClose = snap.PrevClose
	a.sumTR = snap.Sum
	a.current = snap.Current
	return nil
}
