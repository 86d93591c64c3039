package rule

// stopResult reports whether a stop-loss fired this step, and which
// rule (by ID) was responsible, for the audit trail.
type stopResult struct {
	triggered bool
	ruleID    string
}

// evalStopLoss applies the stop-loss leg of a position's strategy in
// strict type order (fixed/trailing/multi), including the breakeven
// floor override: once armed, the effective stop price is never below
// entry_price.
func evalStopLoss(sl StopLoss, pos *Position, ctx EvalContext) stopResult {
	close := ctx.Candle.Close

	switch sl.Type {
	case "fixed":
		stopPrice := pos.EntryPrice * (1 - sl.Value)
		if pos.BreakevenArmed && stopPrice < pos.EntryPrice {
			stopPrice = pos.EntryPrice
		}
		return stopResult{triggered: close <= stopPrice, ruleID: "stop_fixed"}

	case "trailing":
		stopPrice := pos.HighestPriceSinceEntry * (1 - sl.Value)
		if pos.BreakevenArmed && stopPrice < pos.EntryPrice {
			stopPrice = pos.EntryPrice
		}
		return stopResult{triggered: close <= stopPrice, ruleID: "stop_trailing"}

	case "multi":
		for _, r := range sl.Rules {
			if r.parsed != nil && r.parsed.Eval(ctx) {
				return stopResult{triggered: true, ruleID: r.ID}
			}
		}
		if pos.BreakevenArmed && close <= pos.EntryPrice {
			return stopResult{triggered: true, ruleID: "breakeven"}
		}
		return stopResult{}

	default:
		return stopResult{}
	}
}

// targetResult mirrors stopResult for the upside leg; PartialExit is
// the percent of the remaining position to close (0 means full exit).
type targetResult struct {
	triggered   bool
	ruleID      string
	partialExit float64
}

// evalTarget applies the target leg of a position's strategy, mirroring
// evalStopLoss's type structure for the upside.
func evalTarget(tg Target, pos *Position, ctx EvalContext) targetResult {
	close := ctx.Candle.Close

	switch tg.Type {
	case "fixed":
		targetPrice := pos.EntryPrice * (1 + tg.Value)
		return targetResult{triggered: close >= targetPrice, ruleID: "target_fixed"}

	case "trailing":
		if pos.HighestPriceSinceEntry <= pos.EntryPrice {
			return targetResult{}
		}
		pullbackFloor := pos.HighestPriceSinceEntry * (1 - tg.Value)
		return targetResult{triggered: close <= pullbackFloor, ruleID: "target_trailing"}

	case "multi":
		for _, r := range tg.Rules {
			if r.parsed != nil && r.parsed.Eval(ctx) {
				return targetResult{triggered: true, ruleID: r.ID, partialExit: r.PartialExit}
			}
		}
		return targetResult{}

	default:
		return targetResult{}
	}
}

// evalWeighted implements the threshold-weighted rule scheme shared by
// entry_rules and exit_rules: required = threshold * sum(weights);
// fires if the sum of satisfied rules' weights meets or exceeds it.
func evalWeighted(rules []WeightedRule, threshold float64, ctx EvalContext) bool {
	if len(rules) == 0 {
		return false
	}
	var total, satisfied float64
	for _, r := range rules {
		total += r.Weight
		if r.parsed != nil && r.parsed.Eval(ctx) {
			satisfied += r.Weight
		}
	}
	required := threshold * total
	return satisfied >= required
}
