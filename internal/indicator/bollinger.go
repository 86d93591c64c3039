package indicator

import (
	"math"

	"flexitrade/internal/model"
)

// Bollinger computes Bollinger Bands: mid = SMA(close, period), sigma = the
// population standard deviation over the same window (divisor N, not N-1),
// upper = mid + stdMult*sigma, lower = mid - stdMult*sigma.
//
// Unlike the single-valued indicators, Bollinger exposes three bands rather
// than implementing Indicator directly; the engine fans its Values() out
// into three named IndicatorResults.
type Bollinger struct {
	period  int
	stdMult float64

	buf   []float64
	idx   int
	count int
	sum   float64
	sumSq float64

	mid, upper, lower float64
}

// NewBollinger creates a Bollinger Bands indicator with the given period and
// standard-deviation multiplier (e.g. 2.0).
func NewBollinger(period int, stdMult float64) *Bollinger {
	return &Bollinger{
		period:  period,
		stdMult: stdMult,
		buf:     make([]float64, period),
	}
}

func (b *Bollinger) Name() string { return "bollinger_bands" }

func (b *Bollinger) Update(candle model.Candle) {
	price := candle.Close

	if b.count >= b.period {
		old := b.buf[b.idx]
		b.sum -= old
		b.sumSq -= old * old
	}

	b.buf[b.idx] = price
	b.sum += price
	b.sumSq += price * price
	b.idx = (b.idx + 1) % b.period
	b.count++

	if b.count >= b.period {
		b.recompute()
	}
}

func (b *Bollinger) recompute() {
	n := float64(b.period)
	mean := b.sum / n
	variance := b.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0 // guard against float error
	}
	sigma := math.Sqrt(variance)
	b.mid = mean
	b.upper = mean + b.stdMult*sigma
	b.lower = mean - b.stdMult*sigma
}

func (b *Bollinger) Ready() bool { return b.count >= b.period }

// Values returns the three bands keyed by suffix: "upper", "mid", "lower".
func (b *Bollinger) Values() map[string]float64 {
	return map[string]float64{"upper": b.upper, "mid": b.mid, "lower": b.lower}
}

// Peek previews the bands with an additional close, without mutating state.
func (b *Bollinger) Peek(close float64) map[string]float64 {
	n := b.period
	sum, sumSq := b.sum, b.sumSq
	if b.count >= b.period {
		old := b.buf[b.idx]
		sum -= old
		sumSq -= old * old
	} else {
		n = b.count + 1
	}
	sum += close
	sumSq += close * close

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	sigma := math.Sqrt(variance)
	return map[string]float64{
		"upper": mean + b.stdMult*sigma,
		"mid":   mean,
		"lower": mean - b.stdMult*sigma,
	}
}

// Snapshot serializes the Bollinger state for checkpoint persistence.
func (b *Bollinger) Snapshot() IndicatorSnapshot {
	bufCopy := make([]float64, len(b.buf))
	copy(bufCopy, b.buf)
	return IndicatorSnapshot{
		Type:       "bollinger_bands",
		Period:     b.period,
		Multiplier: b.stdMult,
		Buf:        bufCopy,
		Idx:        b.idx,
		Count:      b.count,
		Sum:        b.sum,
		SumSq:      b.sumSq,
	}
}

// RestoreFromSnapshot restores Bollinger state from a checkpoint.
func (b *Bollinger) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	b.period = snap.Period
	b.stdMult = snap.Multiplier
	b.idx = snap.Idx
	b.count = snap.Count
	b.sum = snap.Sum
	b.sumSq = snap.SumSq
	if len(snap.Buf) > 0 {
		b.buf = make([]float64, len(snap.Buf))
		copy(b.buf, snap.Buf)
	} else {
		b.buf = make([]float64, snap.Period)
	}
	if b.count >= b.period {
		b.recompute()
	}
	return nil
}
