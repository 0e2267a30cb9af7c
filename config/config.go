package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the listing bot. Defaults live in
// Default(); environment variables override individual fields in Load().
type Config struct {
	ServerConfig    ServerConfig    `json:"server"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	BinanceConfig   BinanceConfig   `json:"binance"`
	TradingConfig   TradingConfig   `json:"trading"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	VaultConfig     VaultConfig     `json:"vault"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
}

// BinanceConfig covers credentials, endpoints and the REST/WS behavior knobs.
type BinanceConfig struct {
	APIKey            string        `json:"api_key"`
	SecretKey         string        `json:"secret_key"`
	BaseURL           string        `json:"base_url"`
	WSBaseURL         string        `json:"ws_base_url"`
	HTTPTimeout       time.Duration `json:"http_timeout"`
	MaxRetries        int           `json:"max_retries"`
	RetryBackoff      time.Duration `json:"retry_backoff"`
	FailStreakLimit   int           `json:"fail_streak_limit"`
	FailStreakCooloff time.Duration `json:"fail_streak_cooloff"`
	PriceCacheTTL     time.Duration `json:"price_cache_ttl"`
	BalanceCacheTTL   time.Duration `json:"balance_cache_ttl"`
	WSPriceEnabled    bool          `json:"ws_price_enabled"`
}

// TradingConfig holds the system-default entry and exit parameters. Plans may
// override leverage, sizing and exit percentages per row.
type TradingConfig struct {
	OrderType          string        `json:"order_type"` // MARKET or LIMIT
	Leverage           int           `json:"leverage"`
	PositionPct        float64       `json:"position_pct"`
	StopLossPct        float64       `json:"stop_loss_pct"`
	TrailingExitPct    float64       `json:"trailing_exit_pct"`
	MaxSlippagePct     float64       `json:"max_slippage_pct"`
	MaxOrderAmount     float64       `json:"max_order_amount"` // 0 disables the clamp
	LimitOrderTimeout  time.Duration `json:"limit_order_timeout"`
}

type SchedulerConfig struct {
	PlanCheckInterval    time.Duration `json:"plan_check_interval"`
	PrecisionThreshold   time.Duration `json:"precision_threshold"`
	PrecisionMode        bool          `json:"precision_mode"`
	SubscribeBefore      time.Duration `json:"subscribe_before"`
	MonitorInterval      time.Duration `json:"monitor_interval"`
	MonitorIdleInterval  time.Duration `json:"monitor_idle_interval"`
	SyncInterval         time.Duration `json:"sync_interval"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	SecretPath string `json:"secret_path"`
}

// Default returns the configuration with the stock defaults applied.
func Default() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Addr: ":8080",
		},
		DatabaseConfig: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			Name:    "listing_bot",
			SSLMode: "disable",
		},
		BinanceConfig: BinanceConfig{
			BaseURL:           "https://fapi.binance.com",
			WSBaseURL:         "wss://fstream.binance.com/ws",
			HTTPTimeout:       5 * time.Second,
			MaxRetries:        3,
			RetryBackoff:      500 * time.Millisecond,
			FailStreakLimit:   5,
			FailStreakCooloff: 10 * time.Second,
			PriceCacheTTL:     time.Second,
			BalanceCacheTTL:   2 * time.Second,
			WSPriceEnabled:    true,
		},
		TradingConfig: TradingConfig{
			OrderType:         "MARKET",
			Leverage:          5,
			PositionPct:       0.5,
			StopLossPct:       0.05,
			TrailingExitPct:   0.15,
			MaxSlippagePct:    0.5,
			LimitOrderTimeout: 30 * time.Second,
		},
		SchedulerConfig: SchedulerConfig{
			PlanCheckInterval:   300 * time.Millisecond,
			PrecisionThreshold:  60 * time.Second,
			PrecisionMode:       true,
			SubscribeBefore:     5 * time.Minute,
			MonitorInterval:     500 * time.Millisecond,
			MonitorIdleInterval: 2 * time.Second,
			SyncInterval:        5 * time.Second,
		},
		LoggingConfig: LoggingConfig{
			Level: "info",
		},
		VaultConfig: VaultConfig{
			SecretPath: "secret/data/binance",
		},
	}
}

// Load builds the configuration from defaults plus environment overrides.
// A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TradingConfig.OrderType != "MARKET" && c.TradingConfig.OrderType != "LIMIT" {
		return fmt.Errorf("invalid order_type %q: must be MARKET or LIMIT", c.TradingConfig.OrderType)
	}
	if c.TradingConfig.PositionPct <= 0 || c.TradingConfig.PositionPct > 1 {
		return fmt.Errorf("position_pct must be in (0, 1], got %v", c.TradingConfig.PositionPct)
	}
	if c.TradingConfig.Leverage < 1 {
		return fmt.Errorf("leverage must be >= 1, got %d", c.TradingConfig.Leverage)
	}
	// Sub-300ms plan ticks pile up scheduler runs faster than they finish.
	if c.SchedulerConfig.PlanCheckInterval < 300*time.Millisecond {
		c.SchedulerConfig.PlanCheckInterval = 300 * time.Millisecond
	}
	return nil
}

// DSN renders the pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

func applyEnvOverrides(cfg *Config) {
	cfg.ServerConfig.Addr = getEnvOrDefault("SERVER_ADDR", cfg.ServerConfig.Addr)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvInt("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Name)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_API_SECRET", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.WSBaseURL = getEnvOrDefault("BINANCE_WS_BASE_URL", cfg.BinanceConfig.WSBaseURL)
	cfg.BinanceConfig.HTTPTimeout = getEnvDuration("BINANCE_HTTP_TIMEOUT", cfg.BinanceConfig.HTTPTimeout)
	cfg.BinanceConfig.MaxRetries = getEnvInt("BINANCE_MAX_RETRIES", cfg.BinanceConfig.MaxRetries)
	cfg.BinanceConfig.RetryBackoff = getEnvDuration("BINANCE_RETRY_BACKOFF", cfg.BinanceConfig.RetryBackoff)
	cfg.BinanceConfig.FailStreakLimit = getEnvInt("BINANCE_REST_FAIL_THRESHOLD", cfg.BinanceConfig.FailStreakLimit)
	cfg.BinanceConfig.FailStreakCooloff = getEnvDuration("BINANCE_REST_FAIL_COOLDOWN", cfg.BinanceConfig.FailStreakCooloff)
	cfg.BinanceConfig.PriceCacheTTL = getEnvDuration("PRICE_CACHE_TTL", cfg.BinanceConfig.PriceCacheTTL)
	cfg.BinanceConfig.BalanceCacheTTL = getEnvDuration("BALANCE_CACHE_TTL", cfg.BinanceConfig.BalanceCacheTTL)
	cfg.BinanceConfig.WSPriceEnabled = getEnvBool("WEBSOCKET_PRICE_ENABLED", cfg.BinanceConfig.WSPriceEnabled)

	cfg.TradingConfig.OrderType = getEnvOrDefault("ORDER_TYPE", cfg.TradingConfig.OrderType)
	cfg.TradingConfig.Leverage = getEnvInt("LEVERAGE", cfg.TradingConfig.Leverage)
	cfg.TradingConfig.PositionPct = getEnvFloat("POSITION_PCT", cfg.TradingConfig.PositionPct)
	cfg.TradingConfig.StopLossPct = getEnvFloat("STOP_LOSS_PCT", cfg.TradingConfig.StopLossPct)
	cfg.TradingConfig.TrailingExitPct = getEnvFloat("TRAILING_EXIT_PCT", cfg.TradingConfig.TrailingExitPct)
	cfg.TradingConfig.MaxSlippagePct = getEnvFloat("MAX_SLIPPAGE_PCT", cfg.TradingConfig.MaxSlippagePct)
	cfg.TradingConfig.MaxOrderAmount = getEnvFloat("MAX_ORDER_AMOUNT", cfg.TradingConfig.MaxOrderAmount)
	cfg.TradingConfig.LimitOrderTimeout = getEnvDuration("LIMIT_ORDER_TIMEOUT", cfg.TradingConfig.LimitOrderTimeout)

	cfg.SchedulerConfig.PlanCheckInterval = getEnvDuration("MANUAL_PLAN_CHECK_INTERVAL", cfg.SchedulerConfig.PlanCheckInterval)
	cfg.SchedulerConfig.PrecisionThreshold = getEnvDuration("MANUAL_PLAN_PRECISION_THRESHOLD", cfg.SchedulerConfig.PrecisionThreshold)
	cfg.SchedulerConfig.PrecisionMode = getEnvBool("MANUAL_PLAN_PRECISION_MODE", cfg.SchedulerConfig.PrecisionMode)
	cfg.SchedulerConfig.SubscribeBefore = getEnvDuration("WEBSOCKET_SUBSCRIBE_BEFORE", cfg.SchedulerConfig.SubscribeBefore)
	cfg.SchedulerConfig.MonitorInterval = getEnvDuration("MONITOR_INTERVAL", cfg.SchedulerConfig.MonitorInterval)
	cfg.SchedulerConfig.MonitorIdleInterval = getEnvDuration("MONITOR_IDLE_INTERVAL", cfg.SchedulerConfig.MonitorIdleInterval)
	cfg.SchedulerConfig.SyncInterval = getEnvDuration("SYNC_INTERVAL", cfg.SchedulerConfig.SyncInterval)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Pretty = getEnvBool("LOG_PRETTY", cfg.LoggingConfig.Pretty)

	cfg.VaultConfig.Enabled = getEnvBool("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getEnvDuration accepts Go duration strings ("500ms", "5s") and, for
// compatibility with the older deployment env files, bare numbers of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}
