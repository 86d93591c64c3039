// Package decoder parses the broker's binary tick-quote frames into
// normalized model.Tick records.
package decoder

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"flexitrade/internal/apperr"
	"flexitrade/internal/model"
)

// Frame byte offsets, little-endian, per the broker's binary quote protocol.
const (
	offMode      = 0
	offExchange  = 1
	offToken     = 2
	tokenLen     = 25 // bytes 2..26 inclusive, NUL-padded ASCII
	offTimestamp = 35
	offLTP       = 43
	offVolume    = 51
	offOHLC      = 59 // open,high,low,close x100, uint64 each, QUOTE/FULL only
	minFrameLen  = 43
)

// exchangeTypeToName maps the broker's wire exchange-type byte to its name.
var exchangeTypeToName = map[byte]string{
	1: "NSE",
	3: "BSE",
	5: "MCX",
}

// ErrControlFrame indicates the frame was a heartbeat or otherwise too short
// to carry a quote; callers should drop it silently.
var ErrControlFrame = fmt.Errorf("decoder: control frame")

// TokenResolver maps a broker token to its human tradingsymbol. Loaded once
// at startup as a process-local immutable map.
type TokenResolver interface {
	Resolve(token string) (symbol string, ok bool)
}

// StaticTokenMap is a TokenResolver backed by a fixed map, built once at
// startup and never mutated afterward.
type StaticTokenMap map[string]string

func (m StaticTokenMap) Resolve(token string) (string, bool) {
	sym, ok := m[token]
	return sym, ok
}

// Decode parses one raw broker frame into a Tick. A "pong" frame or a frame
// shorter than minFrameLen returns ErrControlFrame; a frame with an unknown
// mode or exchange byte, an unresolved token, or too few bytes for the LTP
// and volume fields returns an error wrapping apperr.ErrDecodeFrame. The
// caller counts and drops both, so neither suspends the websocket read loop.
func Decode(frame []byte, tokens TokenResolver) (model.Tick, error) {
	if string(frame) == "pong" {
		return model.Tick{}, ErrControlFrame
	}
	if len(frame) < minFrameLen {
		return model.Tick{}, ErrControlFrame
	}
	if len(frame) < offVolume+8 {
		return model.Tick{}, fmt.Errorf("%w: frame too short for quote fields (%d bytes)", apperr.ErrDecodeFrame, len(frame))
	}

	modeByte := frame[offMode]
	var mode model.Mode
	switch modeByte {
	case 1:
		mode = model.ModeLTP
	case 2:
		mode = model.ModeQuote
	case 3:
		mode = model.ModeFull
	default:
		return model.Tick{}, fmt.Errorf("%w: unknown mode byte %d", apperr.ErrDecodeFrame, modeByte)
	}

	exchange, ok := exchangeTypeToName[frame[offExchange]]
	if !ok {
		return model.Tick{}, fmt.Errorf("%w: unknown exchange type byte %d", apperr.ErrDecodeFrame, frame[offExchange])
	}

	token := strings.TrimRight(string(frame[offToken:offToken+tokenLen]), "\x00")

	symbol, ok := tokens.Resolve(token)
	if !ok {
		return model.Tick{}, fmt.Errorf("%w: unresolved token %q", apperr.ErrDecodeFrame, token)
	}

	tsMillis := binary.LittleEndian.Uint64(frame[offTimestamp : offTimestamp+8])
	ltpRaw := binary.LittleEndian.Uint64(frame[offLTP : offLTP+8])
	volRaw := binary.LittleEndian.Uint64(frame[offVolume : offVolume+8])

	tick := model.Tick{
		TradingSymbol: symbol,
		SymbolToken:   token,
		Exchange:      exchange,
		LTP:           paiseToRupees(ltpRaw),
		Volume:        volRaw,
		Timestamp:     time.UnixMilli(int64(tsMillis)).UTC(),
		Mode:          mode,
	}

	if mode != model.ModeLTP && len(frame) >= offOHLC+32 {
		o := binary.LittleEndian.Uint64(frame[offOHLC : offOHLC+8])
		h := binary.LittleEndian.Uint64(frame[offOHLC+8 : offOHLC+16])
		l := binary.LittleEndian.Uint64(frame[offOHLC+16 : offOHLC+24])
		c := binary.LittleEndian.Uint64(frame[offOHLC+24 : offOHLC+32])
		tick.Open = paiseToRupees(o)
		tick.High = paiseToRupees(h)
		tick.Low = paiseToRupees(l)
		tick.Close = paiseToRupees(c)
	}

	return tick, nil
}

// paiseToRupees divides an integer paise (price x100) value by 100 using
// integer arithmetic before the single conversion to a decimal float, to
// avoid float rounding before the conversion to decimal.
func paiseToRupees(v uint64) float64 {
	whole := v / 100
	frac := v % 100
	return float64(whole) + float64(frac)/100
}
