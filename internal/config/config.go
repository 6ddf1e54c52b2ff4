// Package config defines all configuration for the dashboard backend.
// Everything is loaded from the environment with sensible defaults; CLI
// flags override individual fields after Load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default contract and collateral addresses on Polygon mainnet.
const (
	DefaultCTFExchange        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	DefaultNegRiskCTFExchange = "0xC5d563A36AE78145C45a50134d48A7D5220f80A4"
	DefaultUSDCe              = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	DefaultWrappedCollateral  = "0x3A3BD7bb9528E159577F7C2e685CC81A765002E2"
)

// Config is the top-level configuration, populated from environment
// variables (RPC_URL, DATABASE_PATH, WHALE_THRESHOLD, ...).
type Config struct {
	Chain     ChainConfig     `mapstructure:"chain"`
	Database  DatabaseConfig  `mapstructure:"database"`
	API       APIConfig       `mapstructure:"api"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Gamma     GammaConfig     `mapstructure:"gamma"`
	DataAPI   DataAPIConfig   `mapstructure:"data_api"`
	Traders   TradersConfig   `mapstructure:"traders"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ChainConfig holds the Polygon RPC endpoint and the contract addresses the
// indexer watches. The two exchange contracts emit OrderFilled; the two
// collateral addresses feed the token-ID derivation.
type ChainConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	CTFExchange        string `mapstructure:"ctf_exchange"`
	NegRiskCTFExchange string `mapstructure:"neg_risk_ctf_exchange"`
	USDCe              string `mapstructure:"usdc_e"`
	WrappedCollateral  string `mapstructure:"wrapped_collateral"`
	BatchSize          int64  `mapstructure:"batch_size"`
}

// DatabaseConfig sets where the SQLite database lives.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig holds the HTTP listen address.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SchedulerConfig tunes the background sync loop.
//
//   - IntervalSec: tick cadence in seconds; a tick is skipped while a sync
//     is in flight.
//   - WhaleThreshold: minimum USD value for a trade to count as a whale.
//   - Enabled: when false, serve runs without background sync.
//
// Intervals are plain second counts because that is how the SYNC_INTERVAL
// and TRADER_LEVEL_CACHE_TTL_SEC env vars are written.
type SchedulerConfig struct {
	IntervalSec    int     `mapstructure:"interval_sec"`
	WhaleThreshold float64 `mapstructure:"whale_threshold"`
	Enabled        bool    `mapstructure:"enabled"`
}

// Interval returns the tick cadence as a duration.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// GammaConfig points at the Gamma metadata API.
type GammaConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// DataAPIConfig points at the Data API used for holders, positions and
// leaderboards. Requests are proxied, never stored.
type DataAPIConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// TradersConfig bounds the trader analytics endpoints.
type TradersConfig struct {
	StatsMaxTrades   int `mapstructure:"stats_max_trades"`
	LevelMaxTrades   int `mapstructure:"level_max_trades"`
	LevelCacheTTLSec int `mapstructure:"level_cache_ttl_sec"`
}

// LevelCacheTTL returns the whale-level cache TTL as a duration.
func (t TradersConfig) LevelCacheTTL() time.Duration {
	return time.Duration(t.LevelCacheTTLSec) * time.Second
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load builds the configuration from environment variables, applying
// defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.ctf_exchange", DefaultCTFExchange)
	v.SetDefault("chain.neg_risk_ctf_exchange", DefaultNegRiskCTFExchange)
	v.SetDefault("chain.usdc_e", DefaultUSDCe)
	v.SetDefault("chain.wrapped_collateral", DefaultWrappedCollateral)
	v.SetDefault("chain.batch_size", 500)
	v.SetDefault("database.path", "polylens.db")
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8000)
	v.SetDefault("scheduler.interval_sec", 10)
	v.SetDefault("scheduler.whale_threshold", 1000.0)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("gamma.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("data_api.base_url", "https://data-api.polymarket.com")
	v.SetDefault("traders.stats_max_trades", 1000)
	v.SetDefault("traders.level_max_trades", 500)
	v.SetDefault("traders.level_cache_ttl_sec", 600)
	v.SetDefault("logging.level", "info")

	// Bind the flat env names the deployment uses to the nested keys.
	envAliases := map[string]string{
		"chain.rpc_url":               "RPC_URL",
		"chain.ctf_exchange":          "CTF_EXCHANGE",
		"chain.neg_risk_ctf_exchange": "NEG_RISK_CTF_EXCHANGE",
		"chain.usdc_e":                "USDC_E",
		"chain.wrapped_collateral":    "WRAPPED_COLLATERAL",
		"database.path":               "DATABASE_PATH",
		"api.host":                    "API_HOST",
		"api.port":                    "API_PORT",
		"scheduler.interval_sec":      "SYNC_INTERVAL",
		"scheduler.whale_threshold":   "WHALE_THRESHOLD",
		"scheduler.enabled":           "ENABLE_SCHEDULER",
		"gamma.base_url":              "GAMMA_API_BASE",
		"data_api.base_url":           "POLYMARKET_DATA_API_BASE",
		"traders.stats_max_trades":    "TRADER_STATS_MAX_TRADES",
		"traders.level_max_trades":    "TRADER_LEVEL_MAX_TRADES",
		"traders.level_cache_ttl_sec": "TRADER_LEVEL_CACHE_TTL_SEC",
		"logging.level":               "LOG_LEVEL",
	}
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	// POLYMARKET_GAMMA_API_BASE is an accepted alias for GAMMA_API_BASE.
	if err := v.BindEnv("gamma.base_url", "GAMMA_API_BASE", "POLYMARKET_GAMMA_API_BASE"); err != nil {
		return nil, fmt.Errorf("bind env GAMMA_API_BASE: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges. The RPC URL is only
// required by commands that touch the chain, so callers pass needChain.
func (c *Config) Validate(needChain bool) error {
	if needChain && c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set RPC_URL)")
	}
	if c.Chain.BatchSize <= 0 {
		return fmt.Errorf("chain.batch_size must be > 0")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required (set DATABASE_PATH)")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be in 1..65535")
	}
	if c.Scheduler.IntervalSec <= 0 {
		return fmt.Errorf("scheduler.interval_sec must be > 0")
	}
	if c.Scheduler.WhaleThreshold < 0 {
		return fmt.Errorf("scheduler.whale_threshold must be >= 0")
	}
	if c.Gamma.BaseURL == "" {
		return fmt.Errorf("gamma.base_url is required")
	}
	if c.DataAPI.BaseURL == "" {
		return fmt.Errorf("data_api.base_url is required")
	}
	return nil
}
