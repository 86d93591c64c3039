package rule

import "flexitrade/internal/model"

// EvalContext resolves a condition identifier to either a numeric value
// or a boolean literal. A left-hand identifier resolves in order: OHLCV
// fields and the literals true/false, then indicator names from the
// snapshot, then market_params (already evaluated to a number for the
// active market); a right-hand identifier checks the snapshot first (see
// ResolveRHS). An identifier that resolves nowhere reports ok=false, and
// the caller (evalTerm) treats the owning term as false.
type EvalContext struct {
	Candle       model.Candle
	Snapshot     map[string]float64 // indicator name -> value, e.g. "rsi_14"
	MarketParams map[string]float64 // name -> pre-evaluated numeric value
}

// ohlcvField resolves ident against the candle's OHLCV fields and the
// true/false literals shared by both resolution orders.
func (ctx EvalContext) ohlcvField(ident string) (value float64, isBool bool, boolVal bool, ok bool) {
	switch ident {
	case "open":
		return ctx.Candle.Open, false, false, true
	case "high":
		return ctx.Candle.High, false, false, true
	case "low":
		return ctx.Candle.Low, false, false, true
	case "close":
		return ctx.Candle.Close, false, false, true
	case "volume":
		return float64(ctx.Candle.Volume), false, false, true
	case "true":
		return 0, true, true, true
	case "false":
		return 0, true, false, true
	}
	return 0, false, false, false
}

// Resolve is the OHLCV-first resolution order, used by contexts with no
// notion of a comparison side (e.g. a market_params arithmetic
// expression's free identifiers).
func (ctx EvalContext) Resolve(ident string) (value float64, isBool bool, boolVal bool, ok bool) {
	return ctx.ResolveLHS(ident)
}

// ResolveLHS resolves a comparison's left-hand identifier: OHLCV fields
// first, then indicator snapshot values, then market params.
func (ctx EvalContext) ResolveLHS(ident string) (value float64, isBool bool, boolVal bool, ok bool) {
	if v, b, bv, found := ctx.ohlcvField(ident); found {
		return v, b, bv, true
	}
	if v, found := ctx.Snapshot[ident]; found {
		return v, false, false, true
	}
	if v, found := ctx.MarketParams[ident]; found {
		return v, false, false, true
	}
	return 0, false, false, false
}

// ResolveRHS resolves a comparison's right-hand identifier: indicator
// snapshot values first, then OHLCV fields, then market params. This
// mirrors the source system's asymmetric left/right lookup order, where
// the right-hand side of a comparison is expected to name an indicator
// (e.g. "close < bb_lower") more often than the left.
func (ctx EvalContext) ResolveRHS(ident string) (value float64, isBool bool, boolVal bool, ok bool) {
	if v, found := ctx.Snapshot[ident]; found {
		return v, false, false, true
	}
	if v, b, bv, found := ctx.ohlcvField(ident); found {
		return v, b, bv, true
	}
	if v, found := ctx.MarketParams[ident]; found {
		return v, false, false, true
	}
	return 0, false, false, false
}
