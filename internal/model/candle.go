package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timeframe is one of the fixed, ordered set of resampling windows.
type Timeframe string

const (
	TF1Min  Timeframe = "1min"
	TF5Min  Timeframe = "5min"
	TF15Min Timeframe = "15min"
	TF30Min Timeframe = "30min"
	TF1Hr   Timeframe = "1hr"
)

// Timeframes lists the fixed set in ascending order.
var Timeframes = []Timeframe{TF1Min, TF5Min, TF15Min, TF30Min, TF1Hr}

// Duration returns the wall-clock length of tf, or an error if tf is not one
// of the fixed recognized timeframes.
func (tf Timeframe) Duration() (time.Duration, error) {
	switch tf {
	case TF1Min:
		return time.Minute, nil
	case TF5Min:
		return 5 * time.Minute, nil
	case TF15Min:
		return 15 * time.Minute, nil
	case TF30Min:
		return 30 * time.Minute, nil
	case TF1Hr:
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("model: unrecognized timeframe %q", tf)
	}
}

// Valid reports whether tf is one of the fixed recognized timeframes.
func (tf Timeframe) Valid() bool {
	_, err := tf.Duration()
	return err == nil
}

// BucketStart floors t to the start of tf's window, in loc (the market's
// local timezone).
func (tf Timeframe) BucketStart(t time.Time, loc *time.Location) (time.Time, error) {
	d, err := tf.Duration()
	if err != nil {
		return time.Time{}, err
	}
	local := t.In(loc)
	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	floored := sinceMidnight / d * d
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(floored), nil
}

// Candle is the OHLCV record for one (symbol, timeframe, bucket_start).
// Once Closed is true the record is immutable; duplicates are idempotent on
// (Symbol, Timeframe, BucketStart).
type Candle struct {
	Symbol      string    `json:"tradingsymbol"`
	Exchange    string    `json:"exchange"`
	Market      string    `json:"market"`
	Timeframe   Timeframe `json:"timeframe"`
	BucketStart time.Time `json:"bucket_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      uint64    `json:"volume"`
	Closed      bool      `json:"closed"`
	Backfilled  bool      `json:"backfilled"`
}

// Key returns the routing/ownership key "exchange:symbol".
func (c *Candle) Key() string {
	return c.Exchange + ":" + c.Symbol
}

// StreamKey returns the durable-bus topic name for this candle's timeframe.
func (c *Candle) StreamKey() string {
	return "candles." + string(c.Timeframe)
}

// CacheKey returns the KV cache key for the rolling OHLCV window.
func (c *Candle) CacheKey() string {
	return "ohlcv:" + c.Symbol + ":" + string(c.Timeframe)
}

// Valid checks the OHLCV invariants: low <= open,close <= high and low <= high.
func (c *Candle) Valid() bool {
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	hi := c.Open
	if c.Close > hi {
		hi = c.Close
	}
	return c.Low <= lo && hi <= c.High
}

// JSON returns the JSON-encoded candle (errors ignored for hot-path use).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
