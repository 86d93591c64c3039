package rule

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"flexitrade/internal/apperr"
	"flexitrade/internal/model"
)

// IndicatorSpec names one indicator instance a strategy depends on,
// e.g. {name: rsi_14, type: rsi, params: {period: 14}}.
type IndicatorSpec struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Params map[string]int `yaml:"params"`
}

// PatternSpec names one chart-pattern flag a strategy's conditions can
// reference, e.g. {name: bullish_ob, type: smc}.
type PatternSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Lookback int    `yaml:"lookback"`
	Criteria string `yaml:"criteria"`
}

// WeightedRule is one entry/exit rule: a condition string and its
// weight in [0,1] toward the threshold-weighted sum.
type WeightedRule struct {
	Condition string  `yaml:"condition"`
	Weight    float64 `yaml:"weight"`

	parsed *Condition
}

// StopRule is one entry in a stop_loss.multi or target.multi rules[]
// list: the first whose condition holds wins, in declared order.
type StopRule struct {
	ID          string  `yaml:"id"`
	Condition   string  `yaml:"condition"`
	Value       float64 `yaml:"value"`
	PartialExit float64 `yaml:"partial_exit"`

	parsed *Condition
}

// StopLoss describes the stop-loss leg of a strategy: fixed (percent
// below entry), trailing (percent below the running high), or multi
// (first matching rule in rules[] wins).
type StopLoss struct {
	Type  string     `yaml:"type"` // fixed | trailing | multi
	Value float64    `yaml:"value"`
	Rules []StopRule `yaml:"rules"`
}

// Target mirrors StopLoss for the upside leg. A rule with PartialExit
// set triggers a partial sell instead of a full exit.
type Target struct {
	Type  string     `yaml:"type"`
	Value float64    `yaml:"value"`
	Rules []StopRule `yaml:"rules"`
}

// Breakeven arms once close has moved Trigger percent in the position's
// favor, after which the stop floor is clamped to entry_price.
type Breakeven struct {
	Trigger float64 `yaml:"trigger"`
}

// TradeManagement groups position-management settings outside the
// entry/exit rule lists.
type TradeManagement struct {
	Breakeven Breakeven `yaml:"breakeven"`
}

// StrategyConfig is the declarative, YAML-loaded definition of one
// trading strategy.
type StrategyConfig struct {
	Name      string          `yaml:"name"`
	Timeframe model.Timeframe `yaml:"timeframe"`
	Threshold float64         `yaml:"threshold"`
	Quantity  int64           `yaml:"quantity"`

	Indicators []IndicatorSpec `yaml:"indicators"`
	Patterns   []PatternSpec   `yaml:"patterns"`

	EntryRules []WeightedRule `yaml:"entry_rules"`
	ExitRules  []WeightedRule `yaml:"exit_rules"`

	StopLoss StopLoss `yaml:"stop_loss"`
	Target   Target   `yaml:"target"`

	TradeManagement TradeManagement `yaml:"trade_management"`

	// MarketParams is keyed by market name, then param name to
	// arithmetic expression string.
	MarketParams map[string]map[string]string `yaml:"market_params"`
}

var validIndicatorTypes = map[string]bool{
	"sma": true, "rsi": true, "atr": true, "bollinger_bands": true, "macd": true,
}

var validRuleTypes = map[string]bool{"fixed": true, "trailing": true, "multi": true}

// validPatternTypes excludes "harmonic" and "wave": the source system
// lists them as supported pattern kinds but never implements the
// detectors behind them. They are out of scope here and rejected at
// load rather than silently evaluating to an always-false flag.
var validPatternTypes = map[string]bool{"smc": true, "price_action": true}

// Compile parses every condition string in the config (entry/exit
// rules, stop_loss.multi, target.multi) once, so per-candle evaluation
// never re-tokenizes. Also fills in the default threshold and quantity.
func (sc *StrategyConfig) Compile() error {
	if sc.Threshold == 0 {
		sc.Threshold = 0.75
	}
	if sc.Quantity == 0 {
		sc.Quantity = 100
	}

	for i := range sc.EntryRules {
		cond, err := ParseCondition(sc.EntryRules[i].Condition)
		if err != nil {
			return fmt.Errorf("strategy %q: entry_rules[%d]: %w", sc.Name, i, err)
		}
		sc.EntryRules[i].parsed = cond
	}
	for i := range sc.ExitRules {
		cond, err := ParseCondition(sc.ExitRules[i].Condition)
		if err != nil {
			return fmt.Errorf("strategy %q: exit_rules[%d]: %w", sc.Name, i, err)
		}
		sc.ExitRules[i].parsed = cond
	}
	for i := range sc.StopLoss.Rules {
		cond, err := ParseCondition(sc.StopLoss.Rules[i].Condition)
		if err != nil {
			return fmt.Errorf("strategy %q: stop_loss.rules[%d]: %w", sc.Name, i, err)
		}
		sc.StopLoss.Rules[i].parsed = cond
	}
	for i := range sc.Target.Rules {
		cond, err := ParseCondition(sc.Target.Rules[i].Condition)
		if err != nil {
			return fmt.Errorf("strategy %q: target.rules[%d]: %w", sc.Name, i, err)
		}
		sc.Target.Rules[i].parsed = cond
	}
	return nil
}

// Validate rejects malformed strategy configs per the load-time schema
// validation rule: unknown indicator/pattern types, bad timeframes, and
// out-of-range weights/thresholds are all errors.
func (sc *StrategyConfig) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("%w: strategy: missing name", apperr.ErrConfigInvalid)
	}
	if !sc.Timeframe.Valid() {
		return fmt.Errorf("%w: strategy %q: invalid timeframe %q", apperr.ErrConfigInvalid, sc.Name, sc.Timeframe)
	}
	if sc.Threshold < 0 || sc.Threshold > 1 {
		return fmt.Errorf("%w: strategy %q: threshold %v out of [0,1]", apperr.ErrConfigInvalid, sc.Name, sc.Threshold)
	}
	for _, ind := range sc.Indicators {
		if !validIndicatorTypes[ind.Type] {
			return fmt.Errorf("%w: strategy %q: unknown indicator type %q", apperr.ErrConfigInvalid, sc.Name, ind.Type)
		}
	}
	for _, p := range sc.Patterns {
		if !validPatternTypes[p.Type] {
			return fmt.Errorf("%w: strategy %q: unsupported pattern type %q", apperr.ErrConfigInvalid, sc.Name, p.Type)
		}
	}
	for _, r := range sc.EntryRules {
		if r.Weight < 0 || r.Weight > 1 {
			return fmt.Errorf("%w: strategy %q: entry rule weight %v out of [0,1]", apperr.ErrConfigInvalid, sc.Name, r.Weight)
		}
	}
	for _, r := range sc.ExitRules {
		if r.Weight < 0 || r.Weight > 1 {
			return fmt.Errorf("%w: strategy %q: exit rule weight %v out of [0,1]", apperr.ErrConfigInvalid, sc.Name, r.Weight)
		}
	}
	if sc.StopLoss.Type != "" && !validRuleTypes[sc.StopLoss.Type] {
		return fmt.Errorf("%w: strategy %q: unknown stop_loss type %q", apperr.ErrConfigInvalid, sc.Name, sc.StopLoss.Type)
	}
	if sc.Target.Type != "" && !validRuleTypes[sc.Target.Type] {
		return fmt.Errorf("%w: strategy %q: unknown target type %q", apperr.ErrConfigInvalid, sc.Name, sc.Target.Type)
	}
	return nil
}

// LoadStrategyFile parses and validates a single strategy YAML file.
func LoadStrategyFile(path string) (*StrategyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc StrategyConfig
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("rule: %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if err := sc.Compile(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadStrategyDir loads every *.yaml/*.yml file in dir. A malformed
// file is logged via errs and skipped; the engine continues with the
// remaining valid strategies, per the schema-validation-at-load rule.
func LoadStrategyDir(dir string) (configs []*StrategyConfig, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{err}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		sc, err := LoadStrategyFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		configs = append(configs, sc)
	}
	return configs, errs
}
