package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. The wallet private key
// is never read here — internal/app.Wire resolves it from the environment
// directly and never stores it on Config.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject deploy-time overrides without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── API ──
	setStr(&cfg.API.ClobEndpoint, "POLYBOT_API_CLOB_ENDPOINT")
	setStr(&cfg.API.GammaEndpoint, "POLYBOT_API_GAMMA_ENDPOINT")
	setInt(&cfg.API.ChainID, "POLYBOT_API_CHAIN_ID")
	setBool(&cfg.API.UseBinance, "POLYBOT_API_USE_BINANCE")
	setInt(&cfg.API.MaxPriceAgeSecs, "POLYBOT_API_MAX_PRICE_AGE_SECS")

	// ── Trading ──
	setStringSlice(&cfg.Trading.Assets, "POLYBOT_TRADING_ASSETS")
	setStr(&cfg.Trading.Duration, "POLYBOT_TRADING_DURATION")
	setInt(&cfg.Trading.DefaultShares, "POLYBOT_TRADING_DEFAULT_SHARES")
	setFloat64(&cfg.Trading.DefaultSumTarget, "POLYBOT_TRADING_DEFAULT_SUM_TARGET")
	setFloat64(&cfg.Trading.DefaultDipThreshold, "POLYBOT_TRADING_DEFAULT_DIP_THRESHOLD")
	setInt(&cfg.Trading.WindowMinutes, "POLYBOT_TRADING_WINDOW_MINUTES")
	setInt(&cfg.Trading.MaxCycles, "POLYBOT_TRADING_MAX_CYCLES")
	setInt(&cfg.Trading.DumpWindowMs, "POLYBOT_TRADING_DUMP_WINDOW_MS")
	setBool(&cfg.Trading.UseMakerOrders, "POLYBOT_TRADING_USE_MAKER_ORDERS")
	setBool(&cfg.Trading.MakerFallbackToTaker, "POLYBOT_TRADING_MAKER_FALLBACK_TO_TAKER")
	setFloat64(&cfg.Trading.TakerFeeRate, "POLYBOT_TRADING_TAKER_FEE_RATE")
	setFloat64(&cfg.Trading.MaxSpreadPct, "POLYBOT_TRADING_MAX_SPREAD_PCT")
	setInt(&cfg.Trading.GTCFillTimeoutMs, "POLYBOT_TRADING_GTC_FILL_TIMEOUT_MS")
	setInt(&cfg.Trading.GTCPollIntervalMs, "POLYBOT_TRADING_GTC_POLL_INTERVAL_MS")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxBalancePctPerTrade, "POLYBOT_RISK_MAX_BALANCE_PCT_PER_TRADE")
	setInt(&cfg.Risk.MinShares, "POLYBOT_RISK_MIN_SHARES")
	setInt(&cfg.Risk.MaxShares, "POLYBOT_RISK_MAX_SHARES")
	setInt(&cfg.Risk.ConsecutiveLossLimit, "POLYBOT_RISK_CONSECUTIVE_LOSS_LIMIT")
	setInt(&cfg.Risk.CooldownMinutes, "POLYBOT_RISK_COOLDOWN_MINUTES")
	setBool(&cfg.Risk.EmergencyEnabled, "POLYBOT_RISK_EMERGENCY_ENABLED")
	setInt(&cfg.Risk.ExitBeforeExpiryMinutes, "POLYBOT_RISK_EXIT_BEFORE_EXPIRY_MINUTES")

	// ── Paper ──
	setBool(&cfg.Paper.Enabled, "POLYBOT_PAPER_ENABLED")
	setFloat64(&cfg.Paper.StartingBalance, "POLYBOT_PAPER_STARTING_BALANCE")
	setBool(&cfg.Paper.SimulateFees, "POLYBOT_PAPER_SIMULATE_FEES")
	setBool(&cfg.Paper.SimulateSlippage, "POLYBOT_PAPER_SIMULATE_SLIPPAGE")
	setFloat64(&cfg.Paper.SlippagePct, "POLYBOT_PAPER_SLIPPAGE_PCT")
	setStr(&cfg.Paper.LogFile, "POLYBOT_PAPER_LOG_FILE")
	setBool(&cfg.Paper.RecordData, "POLYBOT_PAPER_RECORD_DATA")
	setStr(&cfg.Paper.DataDir, "POLYBOT_PAPER_DATA_DIR")
	setInt(&cfg.Paper.RecordIntervalMs, "POLYBOT_PAPER_RECORD_INTERVAL_MS")

	// ── Redis (optional group; only touched if already configured via TOML) ──
	if cfg.Redis != nil {
		setStr(&cfg.Redis.Addr, "POLYBOT_REDIS_ADDR")
		setStr(&cfg.Redis.Password, "POLYBOT_REDIS_PASSWORD")
		setInt(&cfg.Redis.DB, "POLYBOT_REDIS_DB")
		setInt(&cfg.Redis.PoolSize, "POLYBOT_REDIS_POOL_SIZE")
	}

	// ── Postgres (optional group) ──
	if cfg.Postgres != nil {
		setStr(&cfg.Postgres.DSN, "POLYBOT_POSTGRES_DSN")
		setBool(&cfg.Postgres.RunMigrations, "POLYBOT_POSTGRES_RUN_MIGRATIONS")
	}

	// ── S3 (optional group) ──
	if cfg.S3 != nil {
		setStr(&cfg.S3.Bucket, "POLYBOT_S3_BUCKET")
		setStr(&cfg.S3.Region, "POLYBOT_S3_REGION")
		setInt(&cfg.S3.ArchiveIntervalMinutes, "POLYBOT_S3_ARCHIVE_INTERVAL_MINUTES")
	}

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYBOT_MODE")
	setStr(&cfg.LogLevel, "POLYBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
