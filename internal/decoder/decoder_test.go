package decoder

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"flexitrade/internal/apperr"
)

func buildFrame(mode, exchange byte, token string, tsMillis, ltpRaw, volRaw uint64, withOHLC bool) []byte {
	size := offVolume + 8
	if withOHLC {
		size = 91
	}
	f := make([]byte, size)
	f[offMode] = mode
	f[offExchange] = exchange
	copy(f[offToken:offToken+tokenLen], token)
	binary.LittleEndian.PutUint64(f[offTimestamp:offTimestamp+8], tsMillis)
	binary.LittleEndian.PutUint64(f[offLTP:offLTP+8], ltpRaw)
	binary.LittleEndian.PutUint64(f[offVolume:offVolume+8], volRaw)
	if withOHLC {
		binary.LittleEndian.PutUint64(f[offOHLC:offOHLC+8], ltpRaw)
		binary.LittleEndian.PutUint64(f[offOHLC+8:offOHLC+16], ltpRaw+100)
		binary.LittleEndian.PutUint64(f[offOHLC+16:offOHLC+24], ltpRaw-100)
		binary.LittleEndian.PutUint64(f[offOHLC+24:offOHLC+32], ltpRaw)
	}
	return f
}

// TestDecode_ScenarioF decodes a QUOTE-mode frame (mode byte 2, with OHLC)
// end to end.
func TestDecode_ScenarioF(t *testing.T) {
	tokens := StaticTokenMap{"3045": "SBIN-EQ"}
	frame := buildFrame(2, 1, "3045", 1_700_000_000_000, 300000, 12345, true)

	tick, err := Decode(frame, tokens)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.Exchange != "NSE" {
		t.Errorf("exchange = %q, want NSE", tick.Exchange)
	}
	if tick.TradingSymbol != "SBIN-EQ" {
		t.Errorf("tradingsymbol = %q, want SBIN-EQ", tick.TradingSymbol)
	}
	if tick.LTP != 3000.00 {
		t.Errorf("ltp = %v, want 3000.00", tick.LTP)
	}
	want := time.UnixMilli(1_700_000_000_000).UTC()
	if !tick.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", tick.Timestamp, want)
	}
}

func TestDecode_ControlFrame(t *testing.T) {
	if _, err := Decode([]byte("pong"), StaticTokenMap{}); err != ErrControlFrame {
		t.Fatalf("expected ErrControlFrame, got %v", err)
	}
	if _, err := Decode(make([]byte, 10), StaticTokenMap{}); err != ErrControlFrame {
		t.Fatalf("expected ErrControlFrame for short frame, got %v", err)
	}
}

func TestDecode_UnresolvedToken(t *testing.T) {
	frame := buildFrame(1, 1, "9999", 1_700_000_000_000, 100, 1, false)
	_, err := Decode(frame, StaticTokenMap{})
	if err == nil {
		t.Fatal("expected error for unresolved token")
	}
	if !errors.Is(err, apperr.ErrDecodeFrame) {
		t.Errorf("expected error to wrap apperr.ErrDecodeFrame, got %v", err)
	}
}

func TestDecode_LTPModeHasNoOHLC(t *testing.T) {
	tokens := StaticTokenMap{"1": "FOO"}
	frame := buildFrame(1, 1, "1", 1_700_000_000_000, 100, 1, false)
	tick, err := Decode(frame, tokens)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.Open != 0 || tick.High != 0 {
		t.Errorf("expected zero OHLC in LTP mode, got %+v", tick)
	}
}
