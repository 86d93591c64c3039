// Package broker models the external broker as a narrow capability
// interface: the core pipeline depends only on {decode, subscribe,
// fetch_history}; order placement and cancellation are named in the
// interface for completeness but are out-of-scope collaborators with
// no implementation here beyond the signature.
package broker

import (
	"context"
	"time"

	"flexitrade/internal/model"
)

// HistoryInterval enumerates the broker's supported historical candle
// granularities.
type HistoryInterval string

const (
	IntervalOneMinute    HistoryInterval = "ONE_MINUTE"
	IntervalFiveMinute   HistoryInterval = "FIVE_MINUTE"
	IntervalThirtyMinute HistoryInterval = "THIRTY_MINUTE"
)

// HistoryBar is one [timestamp, O, H, L, C, V] tuple as returned by the
// broker's historical data API.
type HistoryBar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    uint64
}

// HistoryRequest is the inbound JSON request shape for a historical fetch.
type HistoryRequest struct {
	Exchange    string
	SymbolToken string
	Interval    HistoryInterval
	FromDate    time.Time
	ToDate      time.Time
}

// OrderRequest/OrderResult are named only to complete the capability
// surface; no implementation places real orders in this tree (order
// execution is an out-of-scope collaborator).
type OrderRequest struct {
	SymbolToken string
	Exchange    string
	Side        string
	Qty         int64
	Price       float64
}

type OrderResult struct {
	OrderID string
	Status  string
}

// Capability is the full broker surface the core pipeline is allowed to
// depend on. Two implementations exist: Live (real websocket + REST login)
// and Offline (deterministic in-memory generator for tests/dev).
type Capability interface {
	// Connect establishes the session (auth handshake where applicable)
	// and begins streaming ticks into tickCh until ctx is cancelled.
	Connect(ctx context.Context, tickCh chan<- model.Tick) error

	// FetchHistory retrieves historical candles for backfill/bootstrap.
	FetchHistory(ctx context.Context, req HistoryRequest) ([]HistoryBar, error)

	// PlaceOrder and CancelOrder complete the capability signature but are
	// not implemented; they return an error indicating the collaborator
	// is out of scope for this core.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// ErrOutOfScope is returned by the order-management methods: order
// placement/cancellation is an external collaborator not implemented here.
var ErrOutOfScope = outOfScopeErr{}

type outOfScopeErr struct{}

func (outOfScopeErr) Error() string {
	return "broker: order placement/cancellation is an out-of-scope collaborator"
}
