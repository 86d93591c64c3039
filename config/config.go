// Package config loads process configuration from environment variables,
// following the reference repo's pattern: a Config struct populated by
// getEnv-style helpers with documented defaults, parsed once at process
// start in each cmd/*/main.go. Strategy definitions are a separate concern,
// loaded from YAML via internal/rule, not environment variables.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"flexitrade/internal/model"
)

// Config holds every environment-driven setting shared across the four
// cmd/* binaries. Not every binary uses every field.
type Config struct {
	// Broker session credentials (live capability only).
	BrokerAPIKey     string
	BrokerClientCode string
	BrokerPassword   string
	BrokerTOTPSecret string
	BrokerWSURL      string

	// Infrastructure.
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string

	// Market/session.
	Exchange string
	Market   string

	// Subscription: comma-separated "exchangeType:token" pairs.
	SubscribeTokens string

	// EnabledTFs is a comma-separated list of timeframe strings, e.g.
	// "1min,5min,15min".
	EnabledTFs string

	// StrategyDir holds the FlexiRule YAML strategy definitions.
	StrategyDir string

	// ConsumerGroup/ConsumerName identify this process's Redis Streams
	// consumer group membership.
	ConsumerGroup string
	ConsumerName  string
}

// Load reads configuration from environment variables with sensible
// defaults. Broker credentials are only required when source=live; live
// callers check them with RequireBrokerCreds, and callers running against
// the offline capability never need them.
func Load() *Config {
	return &Config{
		BrokerAPIKey:     getEnv("BROKER_API_KEY", ""),
		BrokerClientCode: getEnv("BROKER_CLIENT_CODE", ""),
		BrokerPassword:   getEnv("BROKER_PASSWORD", ""),
		BrokerTOTPSecret: getEnv("BROKER_TOTP_SECRET", ""),
		BrokerWSURL:      getEnv("BROKER_WS_URL", "wss://broker.example.com/feed"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/candles.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		Exchange: getEnv("EXCHANGE", "NSE"),
		Market:   getEnv("MARKET", "NSE"),

		SubscribeTokens: getEnv("SUBSCRIBE_TOKENS", "1:99926000"),
		EnabledTFs:      getEnv("ENABLED_TFS", "1min,5min,15min"),
		StrategyDir:     getEnv("STRATEGY_DIR", "strategies"),

		ConsumerGroup: getEnv("CONSUMER_GROUP", "flexitrade"),
		ConsumerName:  getEnv("CONSUMER_NAME", "worker-1"),
	}
}

// RequireBrokerCreds exits the process (ExitConfigError) if any live-session
// credential is missing. Called only by binaries running -source=live.
func (c *Config) RequireBrokerCreds() {
	for name, v := range map[string]string{
		"BROKER_API_KEY":     c.BrokerAPIKey,
		"BROKER_CLIENT_CODE": c.BrokerClientCode,
		"BROKER_PASSWORD":    c.BrokerPassword,
		"BROKER_TOTP_SECRET": c.BrokerTOTPSecret,
	} {
		if v == "" {
			log.Fatalf("[config] required env var %s not set for -source=live", name)
		}
	}
}

// ParseTFs parses EnabledTFs into the fixed model.Timeframe set, skipping
// and logging any value that isn't one of the recognized timeframes.
func (c *Config) ParseTFs() []model.Timeframe {
	parts := strings.Split(c.EnabledTFs, ",")
	tfs := make([]model.Timeframe, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tf := model.Timeframe(p)
		if !tf.Valid() {
			log.Printf("[config] skipping unrecognized timeframe %q", p)
			continue
		}
		tfs = append(tfs, tf)
	}
	return tfs
}

// ParseSymbols parses SubscribeTokens' "exchangeType:token" pairs into the
// bare token list, used by the offline capability which addresses
// instruments by symbol rather than by broker token.
func (c *Config) ParseSymbols() []string {
	var symbols []string
	for _, pair := range strings.Split(c.SubscribeTokens, ",") {
		pair = strings.TrimSpace(pair)
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		symbols = append(symbols, parts[1])
	}
	return symbols
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvInt parses key as an int, falling back to def on error or absence.
func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
