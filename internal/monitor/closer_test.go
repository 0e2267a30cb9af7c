package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"futures-listing-bot/internal/binance"
	"futures-listing-bot/internal/database"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type placedClose struct {
	symbol       string
	side         string
	quantity     decimal.Decimal
	reduceOnly   bool
	positionSide string
}

type fakeCloseGateway struct {
	snapshots     [][]binance.ExchangePosition
	snapshotErr   error
	snapshotCalls int
	mode          string
	placed        []placedClose
	submitOrder   *binance.Order
	statusOrder   *binance.Order
	statusErr     error
}

func (f *fakeCloseGateway) GetOpenPositions(ctx context.Context) ([]binance.ExchangePosition, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	i := f.snapshotCalls
	f.snapshotCalls++
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	}
	return f.snapshots[i], nil
}

func (f *fakeCloseGateway) GetPositionMode(ctx context.Context) string {
	if f.mode == "" {
		return binance.PositionModeOneWay
	}
	return f.mode
}

func (f *fakeCloseGateway) GetSymbolFilters(ctx context.Context, symbol string) binance.SymbolFilters {
	return binance.SymbolFilters{StepSize: dec("0.1"), TickSize: dec("0.01")}
}

func (f *fakeCloseGateway) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, reduceOnly bool, positionSide string) (*binance.Order, error) {
	f.placed = append(f.placed, placedClose{
		symbol: symbol, side: side, quantity: quantity,
		reduceOnly: reduceOnly, positionSide: positionSide,
	})
	return f.submitOrder, nil
}

func (f *fakeCloseGateway) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*binance.Order, error) {
	return f.statusOrder, f.statusErr
}

type fakeCloseStore struct {
	positions    map[string]*database.Position
	closedID     string
	closedReason string
	exitPrice    decimal.Decimal
	exitQty      decimal.Decimal
}

func (f *fakeCloseStore) GetByID(ctx context.Context, id string) (*database.Position, error) {
	if pos, ok := f.positions[id]; ok {
		return pos, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeCloseStore) Close(ctx context.Context, id string, exitPrice, exitQuantity decimal.Decimal, exitTime time.Time, reason string) error {
	pos, ok := f.positions[id]
	if !ok || pos.Status != database.PositionActive {
		return database.ErrPositionNotActive
	}
	pos.Status = database.PositionClosed
	f.closedID, f.closedReason = id, reason
	f.exitPrice, f.exitQty = exitPrice, exitQuantity
	return nil
}

func (f *fakeCloseStore) ActiveBySymbolSide(ctx context.Context, symbol, side string) ([]*database.Position, error) {
	return nil, nil
}

type fakeCloseLogs struct {
	entries []*database.ExecutionLog
	filled  bool
	recent  *database.ExecutionLog
}

func (f *fakeCloseLogs) Append(ctx context.Context, entry *database.ExecutionLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeCloseLogs) HasOrderFilled(ctx context.Context, positionID string) (bool, error) {
	return f.filled, nil
}

func (f *fakeCloseLogs) RecentPositionClosed(ctx context.Context, positionID string, window time.Duration) (*database.ExecutionLog, error) {
	if f.recent != nil {
		return f.recent, nil
	}
	return nil, database.ErrNotFound
}

func newTestCloser(gateway *fakeCloseGateway, store *fakeCloseStore, logs *fakeCloseLogs) *Closer {
	return NewCloser(gateway, store, logs, nil, nil, zerolog.Nop())
}

// TestCloseAbsentEntryNeverFilled: the exchange shows nothing on both looks
// and our own entry never filled, so the row settles as not_executed with
// zero exit quantity and no order goes out.
func TestCloseAbsentEntryNeverFilled(t *testing.T) {
	pos := buyPosition()
	gateway := &fakeCloseGateway{snapshots: [][]binance.ExchangePosition{nil, nil}}
	store := &fakeCloseStore{positions: map[string]*database.Position{pos.ID: pos}}
	logs := &fakeCloseLogs{filled: false}
	c := newTestCloser(gateway, store, logs)

	c.Close(context.Background(), pos, database.ExitReasonTrailingStop, decimal.Zero)

	if gateway.snapshotCalls != 2 {
		t.Errorf("snapshot calls = %d, want 2 (absence re-confirmed)", gateway.snapshotCalls)
	}
	if len(gateway.placed) != 0 {
		t.Errorf("no close order may be placed for an absent position, got %d", len(gateway.placed))
	}
	if store.closedReason != database.ExitReasonNotExecuted {
		t.Errorf("reason = %s, want not_executed", store.closedReason)
	}
	if !store.exitQty.IsZero() {
		t.Errorf("exit quantity = %s, want 0", store.exitQty)
	}
	if !store.exitPrice.Equal(pos.EntryPrice) {
		t.Errorf("exit price = %s, want entry %s", store.exitPrice, pos.EntryPrice)
	}
}

func TestCloseAbsentAdoptsLoggedReason(t *testing.T) {
	pos := buyPosition()
	gateway := &fakeCloseGateway{snapshots: [][]binance.ExchangePosition{nil, nil}}
	store := &fakeCloseStore{positions: map[string]*database.Position{pos.ID: pos}}
	logs := &fakeCloseLogs{
		recent: &database.ExecutionLog{
			EventType: database.EventPositionClosed,
			Payload:   map[string]interface{}{"reason": database.ExitReasonStopLoss},
		},
	}
	c := newTestCloser(gateway, store, logs)

	c.Close(context.Background(), pos, database.ExitReasonExternalClosed, dec("95"))

	if store.closedReason != database.ExitReasonStopLoss {
		t.Errorf("reason = %s, want stop_loss adopted from the recent close log", store.closedReason)
	}
	if !store.exitQty.Equal(pos.EntryQuantity) {
		t.Errorf("exit quantity = %s, want entry quantity %s", store.exitQty, pos.EntryQuantity)
	}
	if !store.exitPrice.Equal(dec("95")) {
		t.Errorf("exit price = %s, want trigger 95", store.exitPrice)
	}
}

func TestCloseAbsentExternallyClosed(t *testing.T) {
	pos := buyPosition()
	gateway := &fakeCloseGateway{snapshots: [][]binance.ExchangePosition{nil, nil}}
	store := &fakeCloseStore{positions: map[string]*database.Position{pos.ID: pos}}
	logs := &fakeCloseLogs{filled: true}
	c := newTestCloser(gateway, store, logs)

	c.Close(context.Background(), pos, database.ExitReasonExternalClosed, decimal.Zero)

	if store.closedReason != database.ExitReasonExternalClosed {
		t.Errorf("reason = %s, want external_closed", store.closedReason)
	}
	if !store.exitQty.Equal(pos.EntryQuantity) {
		t.Errorf("exit quantity = %s, want entry quantity", store.exitQty)
	}
}

// TestCloseFlattensExchangeQuantity: the exchange's quantity wins over our
// record and is floored to the symbol's step before the reverse order.
func TestCloseFlattensExchangeQuantity(t *testing.T) {
	pos := buyPosition()
	gateway := &fakeCloseGateway{
		snapshots: [][]binance.ExchangePosition{
			{{Symbol: pos.Symbol, Side: pos.Side, Quantity: dec("12.34")}},
		},
		submitOrder: &binance.Order{
			OrderID: 7, Status: binance.OrderStatusFilled,
			AvgPrice: dec("97"), ExecutedQty: dec("12.3"),
		},
	}
	store := &fakeCloseStore{positions: map[string]*database.Position{pos.ID: pos}}
	logs := &fakeCloseLogs{}
	c := newTestCloser(gateway, store, logs)

	c.Close(context.Background(), pos, database.ExitReasonTrailingStop, dec("97.5"))

	if len(gateway.placed) != 1 {
		t.Fatalf("placed orders = %d, want 1", len(gateway.placed))
	}
	order := gateway.placed[0]
	if order.side != binance.SideSell {
		t.Errorf("close side = %s, want SELL for a long", order.side)
	}
	if !order.quantity.Equal(dec("12.3")) {
		t.Errorf("close quantity = %s, want 12.3 floored to step", order.quantity)
	}
	if !order.reduceOnly || order.positionSide != "" {
		t.Errorf("one-way close must be reduceOnly without positionSide, got %+v", order)
	}
	if store.closedReason != database.ExitReasonTrailingStop {
		t.Errorf("reason = %s, want trailing_stop", store.closedReason)
	}
	if !store.exitPrice.Equal(dec("97")) || !store.exitQty.Equal(dec("12.3")) {
		t.Errorf("exit = %s @ %s, want 12.3 @ 97 from the fill", store.exitQty, store.exitPrice)
	}
	if len(logs.entries) != 1 || logs.entries[0].EventType != database.EventPositionClosed {
		t.Fatalf("expected one position_closed log entry, got %d", len(logs.entries))
	}
	if logs.entries[0].Payload["reason"] != database.ExitReasonTrailingStop {
		t.Errorf("logged reason = %v, want trailing_stop", logs.entries[0].Payload["reason"])
	}
}

func TestCloseHedgeModeAddressesLeg(t *testing.T) {
	pos := sellPosition()
	gateway := &fakeCloseGateway{
		mode: binance.PositionModeHedge,
		snapshots: [][]binance.ExchangePosition{
			{{Symbol: pos.Symbol, Side: pos.Side, Quantity: dec("25")}},
		},
		submitOrder: &binance.Order{
			OrderID: 8, Status: binance.OrderStatusFilled,
			AvgPrice: dec("104"), ExecutedQty: dec("25"),
		},
	}
	store := &fakeCloseStore{positions: map[string]*database.Position{pos.ID: pos}}
	c := newTestCloser(gateway, store, &fakeCloseLogs{})

	c.Close(context.Background(), pos, database.ExitReasonStopLoss, dec("105"))

	if len(gateway.placed) != 1 {
		t.Fatalf("placed orders = %d, want 1", len(gateway.placed))
	}
	order := gateway.placed[0]
	if order.side != binance.SideBuy || order.positionSide != "SHORT" || order.reduceOnly {
		t.Errorf("hedge close of a short must be BUY positionSide=SHORT without reduceOnly, got %+v", order)
	}
}

func TestCloseAbandonsOnSnapshotError(t *testing.T) {
	pos := buyPosition()
	gateway := &fakeCloseGateway{snapshotErr: errors.New("timeout")}
	store := &fakeCloseStore{positions: map[string]*database.Position{pos.ID: pos}}
	c := newTestCloser(gateway, store, &fakeCloseLogs{})

	c.Close(context.Background(), pos, database.ExitReasonStopLoss, dec("95"))

	if pos.Status != database.PositionActive {
		t.Error("position must stay active when the exchange state is unknown")
	}
	if len(gateway.placed) != 0 {
		t.Error("no order may be placed on an unreadable snapshot")
	}
}

func TestCloseSkipsRowAlreadyClosed(t *testing.T) {
	pos := buyPosition()
	pos.Status = database.PositionClosed
	gateway := &fakeCloseGateway{}
	store := &fakeCloseStore{positions: map[string]*database.Position{pos.ID: pos}}
	c := newTestCloser(gateway, store, &fakeCloseLogs{})

	c.Close(context.Background(), pos, database.ExitReasonStopLoss, dec("95"))

	if gateway.snapshotCalls != 0 {
		t.Errorf("refetch of a closed row must short-circuit, got %d snapshot calls", gateway.snapshotCalls)
	}
}

// TestCloseSecondLookFindsPosition: a transient hole in the first snapshot is
// bridged by the confirm look, and the close proceeds normally.
func TestCloseSecondLookFindsPosition(t *testing.T) {
	pos := buyPosition()
	gateway := &fakeCloseGateway{
		snapshots: [][]binance.ExchangePosition{
			nil,
			{{Symbol: pos.Symbol, Side: pos.Side, Quantity: dec("25")}},
		},
		submitOrder: &binance.Order{
			OrderID: 9, Status: binance.OrderStatusFilled,
			AvgPrice: dec("96"), ExecutedQty: dec("25"),
		},
	}
	store := &fakeCloseStore{positions: map[string]*database.Position{pos.ID: pos}}
	c := newTestCloser(gateway, store, &fakeCloseLogs{})

	c.Close(context.Background(), pos, database.ExitReasonTrailingStop, dec("96.5"))

	if gateway.snapshotCalls != 2 {
		t.Errorf("snapshot calls = %d, want 2", gateway.snapshotCalls)
	}
	if len(gateway.placed) != 1 {
		t.Fatalf("placed orders = %d, want 1", len(gateway.placed))
	}
	if store.closedReason != database.ExitReasonTrailingStop {
		t.Errorf("reason = %s, want trailing_stop", store.closedReason)
	}
}
