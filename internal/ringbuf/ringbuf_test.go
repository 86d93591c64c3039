package ringbuf

import (
	"sync"
	"testing"
	"time"

	"flexitrade/internal/model"
)

func TestRing_BasicPushPop(t *testing.T) {
	r := New(4) // rounds to 4

	c1 := model.Candle{Symbol: "A", Open: 100}
	c2 := model.Candle{Symbol: "B", Open: 200}

	if !r.Push(c1) {
		t.Fatal("push c1 should succeed")
	}
	if !r.Push(c2) {
		t.Fatal("push c2 should succeed")
	}

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got.Symbol != "A" {
		t.Fatalf("expected A, got %v ok=%v", got.Symbol, ok)
	}

	got, ok = r.Pop()
	if !ok || got.Symbol != "B" {
		t.Fatalf("expected B, got %v ok=%v", got.Symbol, ok)
	}

	_, ok = r.Pop()
	if ok {
		t.Fatal("pop from empty should return false")
	}
}

// TestRing_Overflow asserts the overflow policy: overflow drops the OLDEST
// entry (not the newest) and increments the counter.
func TestRing_Overflow(t *testing.T) {
	r := New(2) // capacity = 2

	r.Push(model.Candle{Symbol: "1"})
	r.Push(model.Candle{Symbol: "2"})

	ok := r.Push(model.Candle{Symbol: "3"})
	if ok {
		t.Fatal("push into full buffer should report false (dropped oldest)")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}
	if r.Len() != 2 {
		t.Fatalf("expected len still at capacity 2, got %d", r.Len())
	}

	got, _ := r.Pop()
	if got.Symbol != "2" {
		t.Fatalf("expected oldest (\"1\") to have been dropped, leaving \"2\" first, got %q", got.Symbol)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New(4)

	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			if !r.Push(model.Candle{Symbol: "X", Open: float64(round*10 + i)}) {
				t.Fatalf("round %d push %d failed", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			c, ok := r.Pop()
			if !ok {
				t.Fatalf("round %d pop %d failed", round, i)
			}
			if c.Open != float64(round*10+i) {
				t.Fatalf("round %d pop %d: expected open=%d, got %v", round, i, round*10+i, c.Open)
			}
		}
	}
}

// TestRing_SPSC_Concurrent asserts ordering is preserved under concurrent
// push/pop even when overflow causes some entries to be dropped: whatever
// the consumer does receive must be strictly increasing.
func TestRing_SPSC_Concurrent(t *testing.T) {
	const count = 100_000
	r := New(1024)

	var wg sync.WaitGroup
	wg.Add(2)

	producerDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(producerDone)
		for i := 0; i < count; i++ {
			r.Push(model.Candle{Open: float64(i)})
		}
	}()

	received := make([]float64, 0, count)
	go func() {
		defer wg.Done()
		for {
			c, ok := r.Pop()
			if ok {
				received = append(received, c.Open)
				continue
			}
			select {
			case <-producerDone:
				if r.Len() == 0 {
					return
				}
			default:
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("SPSC test timed out")
	}

	if len(received) == 0 {
		t.Fatal("expected at least some items received")
	}
	for i := 1; i < len(received); i++ {
		if received[i] <= received[i-1] {
			t.Fatalf("order violation at index %d: %v <= %v", i, received[i], received[i-1])
		}
	}
}

func TestRing_NextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {7, 8}, {8, 8}, {9, 16}, {1023, 1024},
	}
	for _, tc := range cases {
		got := nextPow2(tc.in)
		if got != tc.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
