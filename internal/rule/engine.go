package rule

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"flexitrade/internal/apperr"
	"flexitrade/internal/model"
)

// CandleSnapshot pairs one closed candle with the indicator snapshot
// computed for the same (symbol, timeframe, bucket_start). Producing
// this join from the candle bus and the indicator cache is a cmd-level
// wiring concern; the engine only consumes the pair.
type CandleSnapshot struct {
	Candle   model.Candle
	Snapshot map[string]float64
}

// lastSignalKey records the last signal published for a symbol, so a
// re-delivered (symbol, strategy, bucket_start) tuple never emits the
// same signal twice.
type lastSignalKey struct {
	bucket time.Time
	kind   string
}

// Engine runs one StrategyConfig against every symbol in its watchlist,
// owning one Position per symbol and emitting Signal/AuditRecord pairs.
// A process typically runs one Engine per strategy per worker shard;
// ownership of a given symbol is pinned to exactly one worker by
// hash(symbol) mod N, so Engine itself needs no locking.
type Engine struct {
	cfg    *StrategyConfig
	market string

	positions   map[string]*Position // key = symbol
	lastSig     map[string]lastSignalKey
	quarantined map[string]bool // symbol -> state invariant violated, no further signals until restart

	log *slog.Logger
}

// NewEngine creates a RuleEngine for cfg, resolving market_params
// against the given market key (e.g. "NSE").
func NewEngine(cfg *StrategyConfig, market string, log *slog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		market:      market,
		positions:   make(map[string]*Position, 64),
		lastSig:     make(map[string]lastSignalKey, 64),
		quarantined: make(map[string]bool),
		log:         log,
	}
}

// Quarantined reports whether symbol has been quarantined by a prior
// state invariant violation: once quarantined, Process is a permanent
// no-op for that symbol until the process restarts.
func (e *Engine) Quarantined(symbol string) bool {
	return e.quarantined[symbol]
}

// Process evaluates one (candle, snapshot) tuple for its symbol and
// returns the emitted Signal and AuditRecord, or (nil, nil) on HOLD or
// a duplicate suppressed by idempotence.
func (e *Engine) Process(cs CandleSnapshot) (*Signal, *AuditRecord) {
	candle := cs.Candle
	if e.quarantined[candle.Symbol] {
		return nil, nil
	}

	marketParams := map[string]float64{}
	if byMarket, ok := e.cfg.MarketParams[e.market]; ok {
		marketParams = ResolveMarketParams(byMarket, candle, cs.Snapshot)
	}
	ctx := EvalContext{Candle: candle, Snapshot: cs.Snapshot, MarketParams: marketParams}

	pos, exists := e.positions[candle.Symbol]
	var sig *Signal
	var audit *AuditRecord

	if exists {
		sig, audit = e.processOpen(pos, ctx)
	} else {
		sig, audit = e.processFlat(candle, ctx)
	}

	if sig != nil {
		key := lastSignalKey{bucket: candle.BucketStart, kind: sig.Kind}
		if prev, ok := e.lastSig[candle.Symbol]; ok && prev == key {
			return nil, audit
		}
		e.lastSig[candle.Symbol] = key
	}
	return sig, audit
}

func (e *Engine) processFlat(candle model.Candle, ctx EvalContext) (*Signal, *AuditRecord) {
	if !evalWeighted(e.cfg.EntryRules, e.cfg.Threshold, ctx) {
		return nil, nil
	}

	pos := newPosition(candle.Symbol, e.cfg.Name, candle.Close, candle.BucketStart, e.cfg.Quantity)
	e.positions[candle.Symbol] = pos

	sig := &Signal{
		Symbol: candle.Symbol, Strategy: e.cfg.Name, Kind: "BUY",
		Price: candle.Close, Timestamp: candle.BucketStart,
		Reason: "entry_rules weighted threshold met",
	}
	audit := e.buildAudit(pos, ctx, sig.Reason)
	return sig, audit
}

func (e *Engine) processOpen(pos *Position, ctx EvalContext) (*Signal, *AuditRecord) {
	if pos.State != StateOpen && pos.State != StatePartial {
		// A position reachable through the OPEN branch (Process found it in
		// e.positions) must be in OPEN or PARTIAL; any other state means a
		// stop/target/exit check is about to run against a position the
		// state machine itself considers already flat or exited.
		cause := fmt.Errorf("%w: symbol %q strategy %q: processOpen invoked on position in state %s",
			apperr.ErrStateInvariant, pos.Symbol, e.cfg.Name, pos.State)
		return e.quarantine(pos, ctx, cause)
	}

	pos.updateExtremes(ctx.Candle.Close)

	// (a) breakeven arm check
	trigger := e.cfg.TradeManagement.Breakeven.Trigger
	if trigger > 0 && !pos.BreakevenArmed {
		if ctx.Candle.Close >= pos.EntryPrice*(1+trigger/100) {
			pos.BreakevenArmed = true
			audit := e.buildAudit(pos, ctx, "breakeven armed")
			return nil, audit
		}
	}

	// (b) stop-loss
	if sr := evalStopLoss(e.cfg.StopLoss, pos, ctx); sr.triggered {
		reason := fmt.Sprintf("stop_loss rule %s", sr.ruleID)
		sig := e.exitSignal(pos, ctx, "SELL:"+sr.ruleID, reason)
		audit := e.buildAudit(pos, ctx, reason)
		delete(e.positions, pos.Symbol)
		return sig, audit
	}

	// (c) target
	if tr := evalTarget(e.cfg.Target, pos, ctx); tr.triggered {
		if tr.partialExit > 0 {
			pos.RemainingFraction *= 1 - tr.partialExit/100
			pos.State = StatePartial
			reason := fmt.Sprintf("target rule %s partial_exit=%v%%", tr.ruleID, tr.partialExit)
			sig := &Signal{
				Symbol: pos.Symbol, Strategy: e.cfg.Name,
				Kind: fmt.Sprintf("PARTIAL_SELL:%v:%s", tr.partialExit, tr.ruleID),
				Price: ctx.Candle.Close, Timestamp: ctx.Candle.BucketStart, Reason: reason,
			}
			audit := e.buildAudit(pos, ctx, reason)
			return sig, audit
		}
		reason := fmt.Sprintf("target rule %s", tr.ruleID)
		sig := e.exitSignal(pos, ctx, "SELL:"+tr.ruleID, reason)
		audit := e.buildAudit(pos, ctx, reason)
		delete(e.positions, pos.Symbol)
		return sig, audit
	}

	// (d) weighted exit_rules
	if evalWeighted(e.cfg.ExitRules, e.cfg.Threshold, ctx) {
		reason := "exit_rules weighted threshold met"
		sig := e.exitSignal(pos, ctx, "SELL", reason)
		audit := e.buildAudit(pos, ctx, reason)
		delete(e.positions, pos.Symbol)
		return sig, audit
	}

	return nil, nil
}

// quarantine permanently stops signal emission for pos.Symbol: it logs
// cause at ERROR, removes the position, and marks the symbol so every
// subsequent Process call for it is a no-op until the process restarts.
func (e *Engine) quarantine(pos *Position, ctx EvalContext, cause error) (*Signal, *AuditRecord) {
	e.quarantined[pos.Symbol] = true
	delete(e.positions, pos.Symbol)
	if e.log != nil {
		e.log.Error("rule: state invariant violation, quarantining symbol",
			"symbol", pos.Symbol, "strategy", e.cfg.Name, "err", cause)
	}
	audit := &AuditRecord{
		Symbol: pos.Symbol, Strategy: e.cfg.Name,
		Timestamp: ctx.Candle.BucketStart, State: pos.State, Reason: cause.Error(),
		Candle: map[string]float64{
			"open": ctx.Candle.Open, "high": ctx.Candle.High,
			"low": ctx.Candle.Low, "close": ctx.Candle.Close,
			"volume": float64(ctx.Candle.Volume),
		},
		Snapshot: ctx.Snapshot,
	}
	return nil, audit
}

func (e *Engine) exitSignal(pos *Position, ctx EvalContext, kind, reason string) *Signal {
	pos.State = StateExited
	return &Signal{
		Symbol: pos.Symbol, Strategy: e.cfg.Name, Kind: kind,
		Price: ctx.Candle.Close, Timestamp: ctx.Candle.BucketStart, Reason: reason,
	}
}

func (e *Engine) buildAudit(pos *Position, ctx EvalContext, reason string) *AuditRecord {
	return &AuditRecord{
		Symbol: pos.Symbol, Strategy: e.cfg.Name,
		Timestamp: ctx.Candle.BucketStart, State: pos.State, Reason: reason,
		Candle: map[string]float64{
			"open": ctx.Candle.Open, "high": ctx.Candle.High,
			"low": ctx.Candle.Low, "close": ctx.Candle.Close,
			"volume": float64(ctx.Candle.Volume),
		},
		Snapshot: ctx.Snapshot,
	}
}

// Run consumes (candle, snapshot) tuples from csCh, evaluates them, and
// publishes resulting Signals/AuditRecords until ctx is cancelled or
// csCh is closed.
func (e *Engine) Run(ctx context.Context, csCh <-chan CandleSnapshot, sigCh chan<- Signal, auditCh chan<- AuditRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case cs, ok := <-csCh:
			if !ok {
				return
			}
			sig, audit := e.Process(cs)
			if audit != nil {
				select {
				case auditCh <- *audit:
				default:
					if e.log != nil {
						e.log.Warn("rule: audit channel full, dropping record", "symbol", audit.Symbol, "strategy", audit.Strategy)
					}
				}
			}
			if sig != nil {
				select {
				case sigCh <- *sig:
				default:
					if e.log != nil {
						e.log.Warn("rule: signal channel full, dropping signal", "symbol", sig.Symbol, "strategy", sig.Strategy)
					}
				}
			}
		}
	}
}

// OwnerIndex returns the worker shard index for symbol under a pool of
// n workers: hash(symbol) mod n, pinning all state for a symbol to one
// worker.
func OwnerIndex(symbol string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}
