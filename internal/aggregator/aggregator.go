// Package aggregator converts an unbounded tick stream into closed
// OHLCV candles per (symbol, timeframe). Unlike the teacher's two-stage
// 1s-candle-then-resample pipeline, ticks are folded directly into
// every configured model.Timeframe bucket in one pass, since 1s is not
// one of the fixed timeframes this system resamples to.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"flexitrade/internal/model"
	"flexitrade/internal/ringbuf"
)

// bucketState holds the in-progress candle for one (symbol, exchange,
// timeframe) and the broker's last-seen cumulative session volume so a
// per-candle delta can be computed.
type bucketState struct {
	bucketStart   time.Time
	candle        model.Candle
	lastCumVolume uint64
	haveCumVolume bool
	lastTickWall  time.Time // wall-clock time of the last tick that advanced this bucket
}

// Aggregator builds closed candles for every enabled timeframe from a
// single tick stream. One Aggregator instance owns all symbols assigned
// to its worker by the hash(symbol) mod N partitioning described for
// the component pool. Its bucket state and ordering guard are guarded by
// a mutex; OverflowCount is safe to call from other goroutines.
type Aggregator struct {
	timeframes []model.Timeframe
	loc        *time.Location

	// GraceDuration is how far wall-clock may run past a bucket boundary
	// before the flusher force-closes a candle that saw no ticks.
	// Default 2s.
	GraceDuration time.Duration

	mu     sync.Mutex
	states map[string]*bucketState // key = tf:exchange:symbol

	lastTickTS map[string]time.Time // key = exchange:symbol, ordering guard

	overflow *ringbuf.Ring // bounded spillover when candleCh is full

	log *slog.Logger

	// OnLateTick fires when a tick arrives strictly behind the last
	// processed tick timestamp for its symbol and is dropped.
	OnLateTick func(symbol, exchange string)
	// OnGapDetected fires when a new bucket's start leaves more than one
	// timeframe-width gap since the previous bucket for (symbol, tf).
	// The caller (typically the owning cmd binary) is expected to kick
	// off a Backfill in response.
	OnGapDetected func(symbol, exchange string, tf model.Timeframe, afterBucket, newBucket time.Time)
	// OnOverflow fires when the spillover ring buffer itself drops an
	// entry because it is full.
	OnOverflow func()
}

// New creates an Aggregator for the given timeframes, flooring bucket
// boundaries in loc (the market's local timezone).
func New(timeframes []model.Timeframe, loc *time.Location, log *slog.Logger) *Aggregator {
	return &Aggregator{
		timeframes:    timeframes,
		loc:           loc,
		GraceDuration: 2 * time.Second,
		states:        make(map[string]*bucketState, 64*len(timeframes)),
		lastTickTS:    make(map[string]time.Time, 64),
		overflow:      ringbuf.New(10000),
		log:           log,
	}
}

// Run consumes ticks from tickCh, builds candles for every configured
// timeframe, and publishes finalized ones to candleCh. Blocks until ctx
// is cancelled or tickCh is closed, draining all open candles on exit.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, candleCh chan<- model.Candle) {
	flushTicker := time.NewTicker(time.Second)
	defer flushTicker.Stop()
	drainTicker := time.NewTicker(200 * time.Millisecond)
	defer drainTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushAll(candleCh)
			return

		case tick, ok := <-tickCh:
			if !ok {
				a.flushAll(candleCh)
				return
			}
			a.processTick(tick, candleCh)

		case <-flushTicker.C:
			a.flushStale(candleCh)

		case <-drainTicker.C:
			a.drainOverflow(candleCh)
		}
	}
}

// processTick applies one tick to every enabled timeframe bucket for
// its symbol, per the tick-handling rules: per-symbol ordering guard,
// then for each timeframe compute b = floor(t, timeframe) and advance,
// merge, or drop against the current bucket.
func (a *Aggregator) processTick(tick model.Tick, candleCh chan<- model.Candle) {
	symKey := tick.Exchange + ":" + tick.TradingSymbol

	a.mu.Lock()
	if last, ok := a.lastTickTS[symKey]; ok && tick.Timestamp.Before(last) {
		a.mu.Unlock()
		if a.OnLateTick != nil {
			a.OnLateTick(tick.TradingSymbol, tick.Exchange)
		}
		return
	}
	a.lastTickTS[symKey] = tick.Timestamp
	a.mu.Unlock()

	for _, tf := range a.timeframes {
		a.applyTickToTimeframe(tick, tf, candleCh)
	}
}

func (a *Aggregator) applyTickToTimeframe(tick model.Tick, tf model.Timeframe, candleCh chan<- model.Candle) {
	b, err := tf.BucketStart(tick.Timestamp, a.loc)
	if err != nil {
		return
	}

	key := string(tf) + ":" + tick.Exchange + ":" + tick.TradingSymbol

	a.mu.Lock()
	st, exists := a.states[key]

	switch {
	case !exists:
		a.states[key] = newBucketState(tick, tf, b)

	case b.After(st.bucketStart):
		closed := st.candle
		closed.Closed = true
		prevBucket := st.bucketStart
		delete(a.states, key)
		a.mu.Unlock()

		a.publish(closed, candleCh)

		if d, derr := tf.Duration(); derr == nil && b.Sub(prevBucket) > d {
			if a.OnGapDetected != nil {
				a.OnGapDetected(tick.TradingSymbol, tick.Exchange, tf, prevBucket, b)
			}
		}

		a.mu.Lock()
		a.states[key] = newBucketState(tick, tf, b)

	case b.Equal(st.bucketStart):
		mergeTick(st, tick)

	default:
		// b < current bucket start: late tick for a bucket earlier than
		// the one forming. Never mutates a closed bucket; silently dropped.
	}
	a.mu.Unlock()
}

func newBucketState(tick model.Tick, tf model.Timeframe, bucket time.Time) *bucketState {
	st := &bucketState{
		bucketStart:  bucket,
		lastTickWall: time.Now(),
		candle: model.Candle{
			Symbol:      tick.TradingSymbol,
			Exchange:    tick.Exchange,
			Timeframe:   tf,
			BucketStart: bucket,
			Open:        tick.LTP,
			High:        tick.LTP,
			Low:         tick.LTP,
			Close:       tick.LTP,
			Volume:      0,
		},
	}
	if tick.Volume > 0 {
		st.lastCumVolume = tick.Volume
		st.haveCumVolume = true
	}
	return st
}

func mergeTick(st *bucketState, tick model.Tick) {
	c := &st.candle
	if tick.LTP > c.High {
		c.High = tick.LTP
	}
	if tick.LTP < c.Low {
		c.Low = tick.LTP
	}
	c.Close = tick.LTP

	if st.haveCumVolume {
		if tick.Volume >= st.lastCumVolume {
			c.Volume += tick.Volume - st.lastCumVolume
		}
		// tick.Volume < lastCumVolume: session volume counter reset;
		// rebase the baseline without emitting negative volume.
	}
	st.lastCumVolume = tick.Volume
	st.haveCumVolume = true
	st.lastTickWall = time.Now()
}

// flushStale force-closes any bucket whose wall-clock boundary has
// passed by more than GraceDuration without an advancing tick. The
// candle publishes with whatever OHLCV it already has (close may equal
// open if no ticks landed) to avoid gaps in downstream windows.
func (a *Aggregator) flushStale(candleCh chan<- model.Candle) {
	now := time.Now()

	a.mu.Lock()
	var toClose []string
	for key, st := range a.states {
		tf := st.candle.Timeframe
		d, err := tf.Duration()
		if err != nil {
			continue
		}
		boundary := st.bucketStart.Add(d)
		if now.After(boundary.Add(a.GraceDuration)) {
			toClose = append(toClose, key)
		}
	}
	closed := make([]model.Candle, 0, len(toClose))
	for _, key := range toClose {
		st := a.states[key]
		c := st.candle
		c.Closed = true
		closed = append(closed, c)
		delete(a.states, key)
	}
	a.mu.Unlock()

	for _, c := range closed {
		a.publish(c, candleCh)
	}
}

// flushAll closes and publishes every open bucket, used on shutdown.
func (a *Aggregator) flushAll(candleCh chan<- model.Candle) {
	a.mu.Lock()
	closed := make([]model.Candle, 0, len(a.states))
	for key, st := range a.states {
		c := st.candle
		c.Closed = true
		closed = append(closed, c)
		delete(a.states, key)
	}
	a.mu.Unlock()

	for _, c := range closed {
		a.publish(c, candleCh)
	}
}

// publish sends a closed candle downstream, at-least-once. If candleCh
// is full the candle spills into the bounded overflow ring (drop-oldest
// policy, counted) rather than blocking the hot path.
func (a *Aggregator) publish(c model.Candle, candleCh chan<- model.Candle) {
	select {
	case candleCh <- c:
	default:
		if !a.overflow.Push(c) && a.OnOverflow != nil {
			a.OnOverflow()
		}
	}
}

// drainOverflow retries delivery of spilled candles once candleCh has
// room again, popping them in FIFO order. A candle that still cannot be
// delivered is re-pushed to the back of the ring, so it is then delivered
// after candles that spilled later.
func (a *Aggregator) drainOverflow(candleCh chan<- model.Candle) {
	for i := 0; i < 256; i++ {
		c, ok := a.overflow.Pop()
		if !ok {
			return
		}
		select {
		case candleCh <- c:
		default:
			// channel still full; put it back at the front is not
			// supported by the ring, so re-push to the back and stop
			// this pass to avoid reordering churn.
			a.overflow.Push(c)
			return
		}
	}
}

// OverflowCount returns how many candles have been dropped from the
// spillover buffer because it was itself full.
func (a *Aggregator) OverflowCount() uint64 {
	return a.overflow.Overflow()
}
