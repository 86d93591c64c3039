package indicator

import (
	"fmt"
	"log"

	"flexitrade/internal/model"
)

// ReloadConfigs updates the indicator engine with new configurations. It
// preserves state for indicators that already exist and only creates new
// instances for genuinely new indicators, so adding one more indicator to a
// running strategy doesn't lose the accumulated warmup of the others.
// Returns the number of symbol states carried over (from unchanged and
// migrated timeframes) and the number of timeframes that were new or had
// their indicator set changed.
func (e *Engine) ReloadConfigs(newConfigs []TimeframeIndicatorConfig) (preserved, created int) {
	oldCfgByTF := make(map[model.Timeframe]TimeframeIndicatorConfig)
	oldStateByTF := make(map[model.Timeframe]map[string]*tokenIndicators)
	for i, cfg := range e.configs {
		oldCfgByTF[cfg.Timeframe] = cfg
		oldStateByTF[cfg.Timeframe] = e.state[i]
	}

	newState := make([]map[string]*tokenIndicators, len(newConfigs))
	for i, newCfg := range newConfigs {
		oldCfg, tfExists := oldCfgByTF[newCfg.Timeframe]
		oldTFState := oldStateByTF[newCfg.Timeframe]

		if !tfExists || oldTFState == nil {
			newState[i] = make(map[string]*tokenIndicators, 64)
			created++
			log.Printf("indicator: timeframe=%s is new, cold-starting", newCfg.Timeframe)
			continue
		}

		if indicatorSetsEqual(oldCfg.Indicators, newCfg.Indicators) {
			newState[i] = oldTFState
			preserved += len(oldTFState)
			log.Printf("indicator: timeframe=%s unchanged, preserved %d symbol states", newCfg.Timeframe, len(oldTFState))
			continue
		}

		migrated := make(map[string]*tokenIndicators, len(oldTFState))
		for symbolKey, oldTI := range oldTFState {
			migrated[symbolKey] = migrateTokenIndicators(oldTI, newCfg.Indicators)
			preserved++
		}
		newState[i] = migrated
		created++
		log.Printf("indicator: timeframe=%s migrated %d symbol states (indicator set changed)", newCfg.Timeframe, len(migrated))
	}

	e.configs = newConfigs
	e.state = newState

	log.Printf("indicator: config reloaded: %d timeframes, %d preserved, %d new", len(newConfigs), preserved, created)

	return preserved, created
}

// migrateTokenIndicators creates a new tokenIndicators for the new config,
// preserving state from existing indicators that match by Type+Period
// (and, for macd, Slow+Signal).
func migrateTokenIndicators(oldTI *tokenIndicators, newConfigs []IndicatorConfig) *tokenIndicators {
	oldByKey := make(map[string]indicatorEntry, len(oldTI.entries))
	for i, cfg := range oldTI.configs {
		oldByKey[indicatorName(cfg)] = oldTI.entries[i]
	}

	entries := make([]indicatorEntry, len(newConfigs))
	for i, cfg := range newConfigs {
		if existing, ok := oldByKey[indicatorName(cfg)]; ok {
			entries[i] = existing
		} else {
			entries[i] = newIndicatorEntry(cfg)
		}
	}

	return &tokenIndicators{entries: entries, configs: newConfigs}
}

// indicatorSetsEqual checks if two indicator config slices have the exact
// same set of indicators (order-independent).
func indicatorSetsEqual(a, b []IndicatorConfig) bool {
	if len(a) != len(b) {
		return false
	}
	setA := make(map[string]bool, len(a))
	for _, ic := range a {
		setA[indicatorName(ic)] = true
	}
	for _, ic := range b {
		if !setA[indicatorName(ic)] {
			return false
		}
	}
	return true
}

// ValidateConfigs checks a set of TimeframeIndicatorConfigs for errors. The
// accepted indicator type set is {sma, rsi, bollinger_bands, atr, macd} per
// the reconciliation recorded in the grounding ledger.
func ValidateConfigs(configs []TimeframeIndicatorConfig) error {
	seen := make(map[string]bool)
	for _, cfg := range configs {
		if !cfg.Timeframe.Valid() {
			return fmt.Errorf("invalid timeframe %q", cfg.Timeframe)
		}
		if seen[string(cfg.Timeframe)] {
			return fmt.Errorf("duplicate timeframe %q", cfg.Timeframe)
		}
		seen[string(cfg.Timeframe)] = true

		for _, ind := range cfg.Indicators {
			switch ind.Type {
			case "sma", "rsi", "atr":
				if ind.Period <= 0 {
					return fmt.Errorf("invalid period=%d for %s on timeframe %q", ind.Period, ind.Type, cfg.Timeframe)
				}
			case "bollinger_bands":
				if ind.Period <= 0 {
					return fmt.Errorf("invalid period=%d for bollinger_bands on timeframe %q", ind.Period, cfg.Timeframe)
				}
			case "macd":
				if ind.Period <= 0 || ind.Slow <= 0 || ind.Signal <= 0 {
					return fmt.Errorf("invalid fast/slow/signal periods for macd on timeframe %q", cfg.Timeframe)
				}
			default:
				return fmt.Errorf("unknown indicator type %q for timeframe %q", ind.Type, cfg.Timeframe)
			}
		}
	}
	return nil
}
