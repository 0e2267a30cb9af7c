package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"futures-listing-bot/config"
	"futures-listing-bot/internal/binance"
	"futures-listing-bot/internal/database"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeSyncGateway struct {
	klines     []binance.Kline
	klinesErr  error
	klineCalls int
}

func (f *fakeSyncGateway) GetOpenPositions(ctx context.Context) ([]binance.ExchangePosition, error) {
	return nil, nil
}

func (f *fakeSyncGateway) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]binance.Kline, error) {
	f.klineCalls++
	return f.klines, f.klinesErr
}

type fakeSyncStore struct {
	extrema []database.ExtremaUpdate
}

func (f *fakeSyncStore) ActivePositions(ctx context.Context) ([]*database.Position, error) {
	return nil, nil
}

func (f *fakeSyncStore) Create(ctx context.Context, pos *database.Position) error { return nil }

func (f *fakeSyncStore) Update(ctx context.Context, pos *database.Position) error { return nil }

func (f *fakeSyncStore) Close(ctx context.Context, id string, exitPrice, exitQuantity decimal.Decimal, exitTime time.Time, reason string) error {
	return nil
}

func (f *fakeSyncStore) UpdateExtremaBulk(ctx context.Context, updates []database.ExtremaUpdate) error {
	f.extrema = append(f.extrema, updates...)
	return nil
}

func testReconciler() *Reconciler {
	return &Reconciler{
		defaults: config.TradingConfig{
			StopLossPct:     0.05,
			TrailingExitPct: 0.15,
			MaxSlippagePct:  0.5,
		},
		logger: zerolog.Nop(),
	}
}

func dupPosition(id string, entryTime time.Time) *database.Position {
	return &database.Position{
		ID:              id,
		Symbol:          "SOLUSDT",
		Side:            "BUY",
		Status:          database.PositionActive,
		EntryPrice:      dec("100"),
		EntryQuantity:   dec("25"),
		EntryTime:       entryTime,
		StopLossPct:     dec("0.05"),
		TrailingExitPct: dec("0.15"),
		MaxSlippagePct:  dec("0.5"),
	}
}

func TestIsCustomized(t *testing.T) {
	r := testReconciler()

	stock := dupPosition("a", time.Now())
	if r.isCustomized(stock) {
		t.Error("default parameters should not count as customized")
	}

	custom := dupPosition("b", time.Now())
	custom.StopLossPct = dec("0.08")
	if !r.isCustomized(custom) {
		t.Error("non-default stop loss should count as customized")
	}

	// Differences inside the epsilon are noise from float conversion.
	nearStock := dupPosition("c", time.Now())
	nearStock.TrailingExitPct = dec("0.15000001")
	if r.isCustomized(nearStock) {
		t.Error("sub-epsilon difference should not count as customized")
	}
}

func TestPickSurvivorPrefersCustomized(t *testing.T) {
	r := testReconciler()
	now := time.Now()

	older := dupPosition("older-custom", now.Add(-time.Minute))
	older.TrailingExitPct = dec("0.10")
	newer := dupPosition("newer-stock", now)

	if got := r.pickSurvivor([]*database.Position{newer, older}); got.ID != "older-custom" {
		t.Errorf("customized position should survive, got %s", got.ID)
	}
}

func TestPickSurvivorNewestWinsOnTie(t *testing.T) {
	r := testReconciler()
	now := time.Now()

	a := dupPosition("a", now.Add(-time.Minute))
	b := dupPosition("b", now)

	if got := r.pickSurvivor([]*database.Position{a, b}); got.ID != "b" {
		t.Errorf("newest entry should survive a tie, got %s", got.ID)
	}

	// Two customized positions also tie-break on entry time.
	a.StopLossPct = dec("0.08")
	b.StopLossPct = dec("0.09")
	if got := r.pickSurvivor([]*database.Position{a, b}); got.ID != "b" {
		t.Errorf("newest customized entry should survive, got %s", got.ID)
	}
}

// TestRecoverExtremaAfterDowntime covers the restart scenario: the extrema
// were last stamped hours ago, so the candles of the gap must be scanned and
// merged even though both extrema columns already hold values.
func TestRecoverExtremaAfterDowntime(t *testing.T) {
	gateway := &fakeSyncGateway{klines: []binance.Kline{
		{High: dec("63"), Low: dec("52")},
		{High: dec("60"), Low: dec("48")},
	}}
	store := &fakeSyncStore{}
	r := testReconciler()
	r.gateway = gateway
	r.positions = store

	last := time.Now().Add(-2 * time.Hour)
	pos := dupPosition("pos-1", last)
	pos.EntryPrice = dec("50")
	pos.HighestPrice, pos.LowestPrice = decPtr("50"), decPtr("50")
	pos.LastCheckTime = &last

	r.maybeRecoverExtrema(context.Background(), pos)

	if gateway.klineCalls != 1 {
		t.Fatalf("kline calls = %d, want 1", gateway.klineCalls)
	}
	if len(store.extrema) != 1 {
		t.Fatalf("extrema writes = %d, want 1", len(store.extrema))
	}
	u := store.extrema[0]
	if !u.HighestPrice.Equal(dec("63")) || !u.LowestPrice.Equal(dec("48")) {
		t.Errorf("recovered extrema = %s/%s, want 63/48", u.HighestPrice, u.LowestPrice)
	}
}

func TestRecoverExtremaSkipsSmallGap(t *testing.T) {
	gateway := &fakeSyncGateway{}
	store := &fakeSyncStore{}
	r := testReconciler()
	r.gateway = gateway
	r.positions = store

	last := time.Now().Add(-time.Minute)
	pos := dupPosition("pos-1", last)
	pos.LastCheckTime = &last

	r.maybeRecoverExtrema(context.Background(), pos)

	if gateway.klineCalls != 0 || len(store.extrema) != 0 {
		t.Errorf("gap under the threshold must not recover: %d calls, %d writes",
			gateway.klineCalls, len(store.extrema))
	}
}

// TestRecoverExtremaKeepsStoredOnKlineFailure: an unreadable candle window
// re-anchors at the wider of the stored extrema and the entry price.
func TestRecoverExtremaKeepsStoredOnKlineFailure(t *testing.T) {
	gateway := &fakeSyncGateway{klinesErr: errors.New("rate limited")}
	store := &fakeSyncStore{}
	r := testReconciler()
	r.gateway = gateway
	r.positions = store

	last := time.Now().Add(-time.Hour)
	pos := dupPosition("pos-1", last)
	pos.EntryPrice = dec("50")
	pos.HighestPrice, pos.LowestPrice = decPtr("55"), decPtr("49")
	pos.LastCheckTime = &last

	r.maybeRecoverExtrema(context.Background(), pos)

	if len(store.extrema) != 1 {
		t.Fatalf("extrema writes = %d, want 1", len(store.extrema))
	}
	u := store.extrema[0]
	if !u.HighestPrice.Equal(dec("55")) || !u.LowestPrice.Equal(dec("49")) {
		t.Errorf("extrema = %s/%s, want stored 55/49", u.HighestPrice, u.LowestPrice)
	}
}

func TestKlineRange(t *testing.T) {
	cases := []struct {
		gap      time.Duration
		interval string
		limit    int
	}{
		{30 * time.Minute, "1m", 1000},
		{time.Hour, "1m", 1000},
		{4 * time.Hour, "1m", 500},
		{12 * time.Hour, "5m", 500},
		{48 * time.Hour, "15m", 500},
	}
	for _, c := range cases {
		interval, limit := klineRange(c.gap)
		if interval != c.interval || limit != c.limit {
			t.Errorf("klineRange(%v) = %s/%d, want %s/%d", c.gap, interval, limit, c.interval, c.limit)
		}
	}
}
