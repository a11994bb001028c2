// Package config defines the top-level configuration for the arbitrage bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file over Defaults() and then optionally overridden by POLYBOT_*
// environment variables. The wallet private key is never a field on Config
// — internal/app.Wire resolves it from WALLET_PRIVATE_KEY or
// WALLET_KEYSTORE_PATH/WALLET_KEYSTORE_PASSWORD directly, so it never
// round-trips through a config file or log line.
type Config struct {
	API      APIConfig      `toml:"api"`
	Trading  TradingConfig  `toml:"trading"`
	Risk     RiskConfig     `toml:"risk"`
	Paper    PaperConfig    `toml:"paper"`
	Redis    *RedisConfig   `toml:"redis"`
	Postgres *PostgresConfig `toml:"postgres"`
	S3       *S3Config      `toml:"s3"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// APIConfig holds exchange API endpoints and feed parameters.
type APIConfig struct {
	ClobEndpoint     string `toml:"clob_endpoint"`
	GammaEndpoint    string `toml:"gamma_endpoint"`
	ChainID          int    `toml:"chain_id"`
	UseBinance       bool   `toml:"use_binance"`
	MaxPriceAgeSecs  int    `toml:"max_price_age_secs"`
}

// TradingConfig holds the parameters governing cycle detection and order
// placement.
type TradingConfig struct {
	Assets               []string `toml:"assets"`
	Duration             string   `toml:"duration"`
	DefaultShares        int      `toml:"default_shares"`
	DefaultSumTarget     float64  `toml:"default_sum_target"`
	DefaultDipThreshold  float64  `toml:"default_dip_threshold"`
	WindowMinutes        int      `toml:"window_minutes"`
	MaxCycles            int      `toml:"max_cycles"`
	DumpWindowMs         int      `toml:"dump_window_ms"`
	UseMakerOrders       bool     `toml:"use_maker_orders"`
	MakerFallbackToTaker bool     `toml:"maker_fallback_to_taker"`
	TakerFeeRate         float64  `toml:"taker_fee_rate"`
	MaxSpreadPct         float64  `toml:"max_spread_pct"`
	GTCFillTimeoutMs     int      `toml:"gtc_fill_timeout_ms"`
	GTCPollIntervalMs    int      `toml:"gtc_poll_interval_ms"`
}

// RiskConfig holds the position-sizing and loss-cooldown guardrails.
type RiskConfig struct {
	MaxBalancePctPerTrade   float64 `toml:"max_balance_pct_per_trade"`
	MinShares               int     `toml:"min_shares"`
	MaxShares               int     `toml:"max_shares"`
	ConsecutiveLossLimit    int     `toml:"consecutive_loss_limit"`
	CooldownMinutes         int     `toml:"cooldown_minutes"`
	EmergencyEnabled        bool    `toml:"emergency_enabled"`
	ExitBeforeExpiryMinutes int     `toml:"exit_before_expiry_minutes"`
}

// PaperConfig holds the paper-trading simulator's parameters.
type PaperConfig struct {
	Enabled          bool    `toml:"enabled"`
	StartingBalance  float64 `toml:"starting_balance"`
	SimulateFees     bool    `toml:"simulate_fees"`
	SimulateSlippage bool    `toml:"simulate_slippage"`
	SlippagePct      float64 `toml:"slippage_pct"`
	LogFile          string  `toml:"log_file"`
	RecordData       bool    `toml:"record_data"`
	DataDir          string  `toml:"data_dir"`
	RecordIntervalMs int     `toml:"record_interval_ms"`
}

// RedisConfig, when present, backs an optional cross-process event
// transport (internal/cache/redis's SignalBus) and price/orderbook cache.
// Absent entirely, the controller runs with only the in-process event bus.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

// PostgresConfig, when present, backs the audit & history store (C11): one
// row per finalized cycle and one per emergency exit, written fire-and-forget
// from an event-bus subscriber and never consulted by the controller.
type PostgresConfig struct {
	DSN            string `toml:"dsn"`
	RunMigrations  bool   `toml:"run_migrations"`
}

// S3Config, when present, backs the archival sink (C12): periodic upload of
// the paper trade log and the audit store's rows as dated JSONL objects.
type S3Config struct {
	Bucket                 string `toml:"bucket"`
	Region                 string `toml:"region"`
	ArchiveIntervalMinutes int    `toml:"archive_interval_minutes"`
}

// Defaults returns a Config populated with spec.md §6's documented default
// values.
func Defaults() Config {
	return Config{
		API: APIConfig{
			ClobEndpoint:    "https://clob.polymarket.com",
			GammaEndpoint:   "https://gamma-api.polymarket.com",
			ChainID:         137,
			UseBinance:      true,
			MaxPriceAgeSecs: 10,
		},
		Trading: TradingConfig{
			Assets:               []string{"BTC"},
			Duration:             "15m",
			DefaultShares:        20,
			DefaultSumTarget:     0.95,
			DefaultDipThreshold:  0.20,
			WindowMinutes:        5,
			MaxCycles:            1,
			DumpWindowMs:         3000,
			UseMakerOrders:       true,
			MakerFallbackToTaker: true,
			TakerFeeRate:         0.0625,
			MaxSpreadPct:         0.10,
			GTCFillTimeoutMs:     30000,
			GTCPollIntervalMs:    1000,
		},
		Risk: RiskConfig{
			MaxBalancePctPerTrade:   0.05,
			MinShares:               5,
			MaxShares:               100,
			ConsecutiveLossLimit:    3,
			CooldownMinutes:         360,
			EmergencyEnabled:        true,
			ExitBeforeExpiryMinutes: 3,
		},
		Paper: PaperConfig{
			Enabled:          true,
			StartingBalance:  1000,
			SimulateFees:     true,
			SimulateSlippage: true,
			SlippagePct:      0.02,
			LogFile:          "paper_trades.jsonl",
			RecordData:       true,
			DataDir:          "data",
			RecordIntervalMs: 1000,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper": true,
	"live":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(c.Trading.Assets) == 0 {
		errs = append(errs, "trading: assets must not be empty")
	}
	if c.Trading.DefaultShares <= 0 {
		errs = append(errs, "trading: default_shares must be > 0")
	}
	if c.Trading.DefaultSumTarget <= 0 || c.Trading.DefaultSumTarget > 1 {
		errs = append(errs, "trading: default_sum_target must be in (0, 1]")
	}
	if c.Trading.DefaultDipThreshold <= 0 || c.Trading.DefaultDipThreshold >= 1 {
		errs = append(errs, "trading: default_dip_threshold must be in (0, 1)")
	}
	if c.Trading.WindowMinutes <= 0 {
		errs = append(errs, "trading: window_minutes must be > 0")
	}
	if c.Trading.MaxCycles <= 0 {
		errs = append(errs, "trading: max_cycles must be > 0")
	}
	if c.Trading.TakerFeeRate < 0 {
		errs = append(errs, "trading: taker_fee_rate must be >= 0")
	}
	if c.Trading.MaxSpreadPct <= 0 {
		errs = append(errs, "trading: max_spread_pct must be > 0")
	}
	if c.Trading.GTCFillTimeoutMs <= 0 {
		errs = append(errs, "trading: gtc_fill_timeout_ms must be > 0")
	}
	if c.Trading.GTCPollIntervalMs <= 0 {
		errs = append(errs, "trading: gtc_poll_interval_ms must be > 0")
	}

	if c.Risk.MaxBalancePctPerTrade <= 0 || c.Risk.MaxBalancePctPerTrade > 1 {
		errs = append(errs, "risk: max_balance_pct_per_trade must be in (0, 1]")
	}
	if c.Risk.MinShares <= 0 {
		errs = append(errs, "risk: min_shares must be > 0")
	}
	if c.Risk.MaxShares < c.Risk.MinShares {
		errs = append(errs, "risk: max_shares must be >= min_shares")
	}
	if c.Risk.ConsecutiveLossLimit <= 0 {
		errs = append(errs, "risk: consecutive_loss_limit must be > 0")
	}
	if c.Risk.CooldownMinutes < 0 {
		errs = append(errs, "risk: cooldown_minutes must be >= 0")
	}
	if c.Risk.ExitBeforeExpiryMinutes < 0 {
		errs = append(errs, "risk: exit_before_expiry_minutes must be >= 0")
	}

	if c.Paper.Enabled && c.Paper.StartingBalance <= 0 {
		errs = append(errs, "paper: starting_balance must be > 0 when enabled")
	}
	if c.Paper.SlippagePct < 0 {
		errs = append(errs, "paper: slippage_pct must be >= 0")
	}
	if c.Paper.RecordIntervalMs <= 0 {
		errs = append(errs, "paper: record_interval_ms must be > 0")
	}

	if !c.Paper.Enabled {
		if c.API.ClobEndpoint == "" {
			errs = append(errs, "api: clob_endpoint must not be empty in live mode")
		}
		if c.API.ChainID <= 0 {
			errs = append(errs, "api: chain_id must be positive in live mode")
		}
	}

	if c.Redis != nil {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when [redis] is configured")
		}
		if c.Redis.PoolSize < 0 {
			errs = append(errs, "redis: pool_size must be >= 0")
		}
	}

	if c.Postgres != nil {
		if c.Postgres.DSN == "" {
			errs = append(errs, "postgres: dsn must not be empty when [postgres] is configured")
		}
	}

	if c.S3 != nil {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when [s3] is configured")
		}
		if c.S3.ArchiveIntervalMinutes <= 0 {
			errs = append(errs, "s3: archive_interval_minutes must be > 0 when [s3] is configured")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
