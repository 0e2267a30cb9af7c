package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"futures-listing-bot/config"
	"futures-listing-bot/internal/binance"
	"futures-listing-bot/internal/database"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakePlans struct {
	plans     map[string]*database.ManualPlan
	cancelErr error
}

func (f *fakePlans) Create(ctx context.Context, plan *database.ManualPlan) error {
	plan.ID = "plan-1"
	if f.plans == nil {
		f.plans = map[string]*database.ManualPlan{}
	}
	f.plans[plan.ID] = plan
	return nil
}

func (f *fakePlans) List(ctx context.Context) ([]*database.ManualPlan, error) {
	var out []*database.ManualPlan
	for _, p := range f.plans {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakePlans) GetByID(ctx context.Context, id string) (*database.ManualPlan, error) {
	if p, ok := f.plans[id]; ok {
		return p, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakePlans) Cancel(ctx context.Context, id string) error {
	return f.cancelErr
}

type fakePositionStore struct {
	positions map[string]*database.Position
	updated   *database.Position
}

func (f *fakePositionStore) GetByID(ctx context.Context, id string) (*database.Position, error) {
	if p, ok := f.positions[id]; ok {
		return p, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakePositionStore) ActivePositions(ctx context.Context) ([]*database.Position, error) {
	var out []*database.Position
	for _, p := range f.positions {
		if p.Status == database.PositionActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositionStore) ListRecent(ctx context.Context, limit int) ([]*database.Position, error) {
	return nil, nil
}

func (f *fakePositionStore) Update(ctx context.Context, pos *database.Position) error {
	f.updated = pos
	return nil
}

func (f *fakePositionStore) DailyRealizedPnL(ctx context.Context, days int) ([]*database.DailyPnL, error) {
	return nil, nil
}

type fakeLogStore struct{}

func (f *fakeLogStore) ListRecent(ctx context.Context, limit int) ([]*database.ExecutionLog, error) {
	return nil, nil
}

type fakeAccount struct {
	snapshot    []binance.ExchangePosition
	snapshotErr error
}

func (f *fakeAccount) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	return dec("1000"), nil
}

func (f *fakeAccount) GetWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	return dec("1200"), nil
}

func (f *fakeAccount) GetOpenPositions(ctx context.Context) ([]binance.ExchangePosition, error) {
	return f.snapshot, f.snapshotErr
}

func (f *fakeAccount) FailureStreak() int { return 0 }

func newTestRouter(plans *fakePlans, positions *fakePositionStore, account *fakeAccount) *gin.Engine {
	gin.SetMode(gin.TestMode)
	defaults := config.Default().TradingConfig
	h := NewHandlers(plans, positions, &fakeLogStore{}, account, nil, defaults, zerolog.Nop())
	router := gin.New()
	h.Register(router)
	return router
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreatePlanAppliesDefaults(t *testing.T) {
	plans := &fakePlans{}
	router := newTestRouter(plans, &fakePositionStore{}, &fakeAccount{})

	w := doJSON(router, http.MethodPost, "/api/manual-plans", map[string]interface{}{
		"symbol":       "sol",
		"side":         "BUY",
		"listing_time": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	plan := plans.plans["plan-1"]
	if plan.Symbol != "SOLUSDT" {
		t.Errorf("symbol should be normalized, got %s", plan.Symbol)
	}
	if plan.Leverage != 5 {
		t.Errorf("leverage default = %d, want 5", plan.Leverage)
	}
	if !plan.PositionPct.Equal(dec("0.5")) {
		t.Errorf("position_pct default = %s, want 0.5", plan.PositionPct)
	}
	if plan.Status != database.PlanPending {
		t.Errorf("status = %s, want PENDING", plan.Status)
	}
}

func TestCreatePlanRejectsBadSide(t *testing.T) {
	router := newTestRouter(&fakePlans{}, &fakePositionStore{}, &fakeAccount{})

	w := doJSON(router, http.MethodPost, "/api/manual-plans", map[string]interface{}{
		"symbol":       "sol",
		"side":         "LONG",
		"listing_time": time.Now().Format(time.RFC3339),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCancelPlanNotFound(t *testing.T) {
	router := newTestRouter(&fakePlans{}, &fakePositionStore{}, &fakeAccount{})

	w := doJSON(router, http.MethodDelete, "/api/manual-plans/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCancelPlanConflictWhenClaimed(t *testing.T) {
	plans := &fakePlans{
		plans: map[string]*database.ManualPlan{
			"plan-1": {ID: "plan-1", Status: database.PlanExecuting},
		},
		cancelErr: database.ErrPlanNotClaimable,
	}
	router := newTestRouter(plans, &fakePositionStore{}, &fakeAccount{})

	w := doJSON(router, http.MethodDelete, "/api/manual-plans/plan-1", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

// TestCancelPlanPostRoute: the dashboard cancels through POST
// /manual-plans/{id}/cancel; the route must answer alongside the DELETE form.
func TestCancelPlanPostRoute(t *testing.T) {
	plans := &fakePlans{
		plans: map[string]*database.ManualPlan{
			"plan-1": {ID: "plan-1", Status: database.PlanPending},
		},
	}
	router := newTestRouter(plans, &fakePositionStore{}, &fakeAccount{})

	w := doJSON(router, http.MethodPost, "/api/manual-plans/plan-1/cancel", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func activeTestPosition() *database.Position {
	return &database.Position{
		ID:              "pos-1",
		Symbol:          "SOLUSDT",
		Side:            "BUY",
		Status:          database.PositionActive,
		EntryPrice:      dec("100"),
		EntryQuantity:   dec("25"),
		EntryTime:       time.Now(),
		Leverage:        5,
		StopLossPct:     dec("0.05"),
		TrailingExitPct: dec("0.15"),
		MaxSlippagePct:  dec("0.5"),
	}
}

func TestUpdateExitParams(t *testing.T) {
	positions := &fakePositionStore{
		positions: map[string]*database.Position{"pos-1": activeTestPosition()},
	}
	account := &fakeAccount{
		snapshot: []binance.ExchangePosition{
			{Symbol: "SOLUSDT", Side: "BUY", Quantity: dec("25")},
		},
	}
	router := newTestRouter(&fakePlans{}, positions, account)

	w := doJSON(router, http.MethodPut, "/api/positions/pos-1/exit-params", map[string]interface{}{
		"stop_loss_pct": 0.08,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if positions.updated == nil || !positions.updated.StopLossPct.Equal(dec("0.08")) {
		t.Error("stop loss should be updated to 0.08")
	}
	if !positions.updated.TrailingExitPct.Equal(dec("0.15")) {
		t.Error("unspecified trailing exit must stay untouched")
	}
}

func closedTestPosition() *database.Position {
	pos := activeTestPosition()
	pos.Status = database.PositionClosed
	price := dec("95")
	qty := dec("25")
	now := time.Now()
	reason := database.ExitReasonExternalClosed
	pos.ExitPrice, pos.ExitQuantity = &price, &qty
	pos.ExitTime, pos.ExitReason = &now, &reason
	return pos
}

// TestUpdateExitParamsRestoresClosedRow: the exchange still shows the
// position, so a locally closed row is brought back to ACTIVE with its exit
// fields cleared before the new parameters land.
func TestUpdateExitParamsRestoresClosedRow(t *testing.T) {
	positions := &fakePositionStore{
		positions: map[string]*database.Position{"pos-1": closedTestPosition()},
	}
	account := &fakeAccount{
		snapshot: []binance.ExchangePosition{
			{Symbol: "SOLUSDT", Side: "BUY", Quantity: dec("25")},
		},
	}
	router := newTestRouter(&fakePlans{}, positions, account)

	w := doJSON(router, http.MethodPut, "/api/positions/pos-1/exit-params", map[string]interface{}{
		"stop_loss_pct": 0.08,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	updated := positions.updated
	if updated == nil {
		t.Fatal("update should have landed")
	}
	if updated.Status != database.PositionActive {
		t.Errorf("status = %s, want restored to ACTIVE", updated.Status)
	}
	if updated.ExitPrice != nil || updated.ExitQuantity != nil ||
		updated.ExitTime != nil || updated.ExitReason != nil {
		t.Error("exit fields must be cleared on restore")
	}
	if !updated.StopLossPct.Equal(dec("0.08")) {
		t.Errorf("stop loss = %s, want 0.08", updated.StopLossPct)
	}
}

// TestUpdateExitParamsRestoresOptimistically: the snapshot is unreadable, so
// the restore proceeds rather than leaving the row orphaned during an outage.
func TestUpdateExitParamsRestoresOptimistically(t *testing.T) {
	positions := &fakePositionStore{
		positions: map[string]*database.Position{"pos-1": closedTestPosition()},
	}
	account := &fakeAccount{snapshotErr: errors.New("down")}
	router := newTestRouter(&fakePlans{}, positions, account)

	w := doJSON(router, http.MethodPut, "/api/positions/pos-1/exit-params", map[string]interface{}{
		"trailing_exit_pct": 0.10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if positions.updated == nil || positions.updated.Status != database.PositionActive {
		t.Error("row should be restored to ACTIVE when the exchange is unreachable")
	}
}

// TestUpdateExitParamsRejectsClosedRowConfirmedGone: only an exchange that
// positively shows the position missing blocks the update.
func TestUpdateExitParamsRejectsClosedRowConfirmedGone(t *testing.T) {
	positions := &fakePositionStore{
		positions: map[string]*database.Position{"pos-1": closedTestPosition()},
	}
	account := &fakeAccount{snapshot: []binance.ExchangePosition{}}
	router := newTestRouter(&fakePlans{}, positions, account)

	w := doJSON(router, http.MethodPut, "/api/positions/pos-1/exit-params", map[string]interface{}{
		"stop_loss_pct": 0.08,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if positions.updated != nil {
		t.Error("no update may land when the exchange confirms the position is gone")
	}
}

func TestUpdateExitParamsConflictWhenGoneFromExchange(t *testing.T) {
	positions := &fakePositionStore{
		positions: map[string]*database.Position{"pos-1": activeTestPosition()},
	}
	account := &fakeAccount{snapshot: []binance.ExchangePosition{}}
	router := newTestRouter(&fakePlans{}, positions, account)

	w := doJSON(router, http.MethodPut, "/api/positions/pos-1/exit-params", map[string]interface{}{
		"stop_loss_pct": 0.08,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if positions.updated != nil {
		t.Error("no update may land when the exchange no longer shows the position")
	}
}

// TestUpdateExitParamsOptimisticOnSnapshotFailure: an unreadable snapshot
// must not block the operator; the update proceeds.
func TestUpdateExitParamsOptimisticOnSnapshotFailure(t *testing.T) {
	positions := &fakePositionStore{
		positions: map[string]*database.Position{"pos-1": activeTestPosition()},
	}
	account := &fakeAccount{snapshotErr: errors.New("down")}
	router := newTestRouter(&fakePlans{}, positions, account)

	w := doJSON(router, http.MethodPut, "/api/positions/pos-1/exit-params", map[string]interface{}{
		"trailing_exit_pct": 0.10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if positions.updated == nil || !positions.updated.TrailingExitPct.Equal(dec("0.1")) {
		t.Error("trailing exit should be updated optimistically")
	}
}

func TestAccountEndpoint(t *testing.T) {
	router := newTestRouter(&fakePlans{}, &fakePositionStore{}, &fakeAccount{
		snapshot: []binance.ExchangePosition{{Symbol: "SOLUSDT", Side: "BUY", Quantity: dec("1")}},
	})

	w := doJSON(router, http.MethodGet, "/api/account", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["open_positions"].(float64) != 1 {
		t.Errorf("open_positions = %v, want 1", resp["open_positions"])
	}
}
