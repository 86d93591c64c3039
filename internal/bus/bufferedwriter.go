package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"flexitrade/internal/model"
	"flexitrade/internal/rule"
)

// pendingWrite is a write buffered locally while the circuit is open.
type pendingWrite struct {
	kind string // "tick", "candle", "signal", "audit"
	data []byte
}

// BufferedWriter wraps a Writer with a CircuitBreaker: while Redis is
// failing, writes are buffered in memory (bounded, drop-oldest) instead
// of lost, and replayed the moment the circuit closes again.
type BufferedWriter struct {
	writer *Writer
	cb     *CircuitBreaker
	ctx    context.Context
	log    *slog.Logger

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int

	OnBuffer func()
	OnFlush  func(count int)
}

// NewBufferedWriter wraps w with cb, buffering up to maxBufferSize writes
// (default 10000) while the circuit is open.
func NewBufferedWriter(ctx context.Context, w *Writer, cb *CircuitBreaker, maxBufferSize int, log *slog.Logger) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w, cb: cb, ctx: ctx, log: log,
		buffer: make([]pendingWrite, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to CircuitState) {
		if prev != nil {
			prev(from, to)
		}
		if to == CircuitClosed {
			go bw.flush()
		}
	}
	return bw
}

// WriteTick writes a raw tick through the circuit breaker, buffering it
// locally if Redis is currently unreachable.
func (bw *BufferedWriter) WriteTick(t model.Tick) {
	err := bw.cb.Execute(func() error {
		bw.writer.WriteTick(bw.ctx, t)
		return nil
	})
	if err == ErrCircuitOpen {
		bw.bufferWrite("tick", t)
	}
}

// WriteCandle writes a candle through the circuit breaker, buffering it
// locally if Redis is currently unreachable.
func (bw *BufferedWriter) WriteCandle(c model.Candle) {
	err := bw.cb.Execute(func() error {
		bw.writer.WriteCandle(bw.ctx, c)
		return nil
	})
	if err == ErrCircuitOpen {
		bw.bufferWrite("candle", c)
	}
}

// WriteSignal writes a signal through the circuit breaker.
func (bw *BufferedWriter) WriteSignal(sig rule.Signal) {
	err := bw.cb.Execute(func() error {
		bw.writer.WriteSignal(bw.ctx, &sig)
		return nil
	})
	if err == ErrCircuitOpen {
		bw.bufferWrite("signal", sig)
	}
}

// WriteAudit writes an audit record through the circuit breaker.
func (bw *BufferedWriter) WriteAudit(a rule.AuditRecord) {
	err := bw.cb.Execute(func() error {
		bw.writer.WriteAudit(bw.ctx, &a)
		return nil
	})
	if err == ErrCircuitOpen {
		bw.bufferWrite("audit", a)
	}
}

func (bw *BufferedWriter) bufferWrite(kind string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		if bw.log != nil {
			bw.log.Error("bus: buffer marshal error", "kind", kind, "err", err)
		}
		return
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, pendingWrite{kind: kind, data: data})
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays every buffered write through the underlying writer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for _, pw := range toFlush {
		switch pw.kind {
		case "tick":
			var t model.Tick
			if json.Unmarshal(pw.data, &t) == nil {
				bw.writer.WriteTick(bw.ctx, t)
			}
		case "candle":
			var c model.Candle
			if json.Unmarshal(pw.data, &c) == nil {
				bw.writer.WriteCandle(bw.ctx, c)
			}
		case "signal":
			var s rule.Signal
			if json.Unmarshal(pw.data, &s) == nil {
				bw.writer.WriteSignal(bw.ctx, &s)
			}
		case "audit":
			var a rule.AuditRecord
			if json.Unmarshal(pw.data, &a) == nil {
				bw.writer.WriteAudit(bw.ctx, &a)
			}
		}
		flushed++
	}

	if bw.log != nil {
		bw.log.Info("bus: flushed buffered writes", "count", flushed)
	}
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Underlying returns the wrapped Writer for direct access.
func (bw *BufferedWriter) Underlying() *Writer {
	return bw.writer
}
