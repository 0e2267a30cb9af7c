package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.TradingConfig.Leverage != 5 {
		t.Errorf("leverage = %d, want 5", cfg.TradingConfig.Leverage)
	}
	if cfg.TradingConfig.PositionPct != 0.5 {
		t.Errorf("position_pct = %v, want 0.5", cfg.TradingConfig.PositionPct)
	}
	if cfg.TradingConfig.OrderType != "MARKET" {
		t.Errorf("order_type = %s, want MARKET", cfg.TradingConfig.OrderType)
	}
	if cfg.SchedulerConfig.PlanCheckInterval != 300*time.Millisecond {
		t.Errorf("plan_check_interval = %v, want 300ms", cfg.SchedulerConfig.PlanCheckInterval)
	}
	if cfg.BinanceConfig.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.BinanceConfig.MaxRetries)
	}
}

func TestValidateRejectsBadOrderType(t *testing.T) {
	cfg := Default()
	cfg.TradingConfig.OrderType = "STOP"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported order type")
	}
}

func TestValidateRejectsBadPositionPct(t *testing.T) {
	cfg := Default()
	cfg.TradingConfig.PositionPct = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for position_pct over 1")
	}
	cfg.TradingConfig.PositionPct = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero position_pct")
	}
}

// TestValidateClampsPlanTick: sub-300ms plan ticks are raised to the floor
// instead of rejected.
func TestValidateClampsPlanTick(t *testing.T) {
	cfg := Default()
	cfg.SchedulerConfig.PlanCheckInterval = 50 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SchedulerConfig.PlanCheckInterval != 300*time.Millisecond {
		t.Errorf("plan tick = %v, want clamped to 300ms", cfg.SchedulerConfig.PlanCheckInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEVERAGE", "10")
	t.Setenv("ORDER_TYPE", "LIMIT")
	t.Setenv("MONITOR_INTERVAL", "750ms")
	t.Setenv("BALANCE_CACHE_TTL", "3") // bare seconds form

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.TradingConfig.Leverage != 10 {
		t.Errorf("leverage = %d, want 10", cfg.TradingConfig.Leverage)
	}
	if cfg.TradingConfig.OrderType != "LIMIT" {
		t.Errorf("order_type = %s, want LIMIT", cfg.TradingConfig.OrderType)
	}
	if cfg.SchedulerConfig.MonitorInterval != 750*time.Millisecond {
		t.Errorf("monitor_interval = %v, want 750ms", cfg.SchedulerConfig.MonitorInterval)
	}
	if cfg.BinanceConfig.BalanceCacheTTL != 3*time.Second {
		t.Errorf("balance_cache_ttl = %v, want 3s", cfg.BinanceConfig.BalanceCacheTTL)
	}
}

func TestDSN(t *testing.T) {
	db := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "bot", Password: "pw",
		Name: "listing_bot", SSLMode: "disable",
	}
	want := "postgres://bot:pw@localhost:5432/listing_bot?sslmode=disable"
	if got := db.DSN(); got != want {
		t.Errorf("DSN = %s, want %s", got, want)
	}
}
