package monitor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"futures-listing-bot/internal/binance"
	"futures-listing-bot/internal/database"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	closeConfirmGrace  = 200 * time.Millisecond
	closePollInterval  = 500 * time.Millisecond
	closePollAttempts  = 15
	closedReasonWindow = 5 * time.Minute
)

// CloseGateway is the exchange surface needed to flatten a position.
type CloseGateway interface {
	GetOpenPositions(ctx context.Context) ([]binance.ExchangePosition, error)
	GetPositionMode(ctx context.Context) string
	GetSymbolFilters(ctx context.Context, symbol string) binance.SymbolFilters
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, reduceOnly bool, positionSide string) (*binance.Order, error)
	GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*binance.Order, error)
}

// CloseStore is the persistence surface of the closer.
type CloseStore interface {
	GetByID(ctx context.Context, id string) (*database.Position, error)
	Close(ctx context.Context, id string, exitPrice, exitQuantity decimal.Decimal, exitTime time.Time, reason string) error
	ActiveBySymbolSide(ctx context.Context, symbol, side string) ([]*database.Position, error)
}

// CloseLogs is the audit trail surface of the closer.
type CloseLogs interface {
	Append(ctx context.Context, entry *database.ExecutionLog) error
	HasOrderFilled(ctx context.Context, positionID string) (bool, error)
	RecentPositionClosed(ctx context.Context, positionID string, window time.Duration) (*database.ExecutionLog, error)
}

// PlanFinisher flips a plan to EXECUTED once its last position is closed.
type PlanFinisher interface {
	MarkExecutedIfDone(ctx context.Context, id string) error
}

// StreamControl drops the price subscription when the last position on a
// symbol goes away.
type StreamControl interface {
	Unsubscribe(symbol string)
}

// Closer flattens positions on the exchange and finalizes the local row. A
// per-position closing set makes concurrent triggers for the same position
// collapse to one attempt; the CAS on the row is the final arbiter.
type Closer struct {
	gateway   CloseGateway
	positions CloseStore
	logs      CloseLogs
	plans     PlanFinisher  // may be nil
	stream    StreamControl // may be nil
	logger    zerolog.Logger

	mu      sync.Mutex
	closing map[string]struct{}
}

func NewCloser(gateway CloseGateway, positions CloseStore, logs CloseLogs, plans PlanFinisher, stream StreamControl, logger zerolog.Logger) *Closer {
	return &Closer{
		gateway:   gateway,
		positions: positions,
		logs:      logs,
		plans:     plans,
		stream:    stream,
		logger:    logger.With().Str("component", "closer").Logger(),
		closing:   make(map[string]struct{}),
	}
}

// Close flattens the position for the given reason. triggerPrice is the mark
// price that tripped the exit; it backs the exit price when the venue gives
// nothing better.
func (c *Closer) Close(ctx context.Context, pos *database.Position, reason string, triggerPrice decimal.Decimal) {
	c.mu.Lock()
	if _, busy := c.closing[pos.ID]; busy {
		c.mu.Unlock()
		return
	}
	c.closing[pos.ID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.closing, pos.ID)
		c.mu.Unlock()
	}()

	logger := c.logger.With().Str("position_id", pos.ID).Str("symbol", pos.Symbol).
		Str("side", pos.Side).Str("reason", reason).Logger()

	// Refetch: the row may have been closed by reconciliation or a competing
	// trigger between evaluation and now.
	fresh, err := c.positions.GetByID(ctx, pos.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("refetch before close failed, abandoning")
		return
	}
	if fresh.Status != database.PositionActive {
		return
	}
	pos = fresh

	snapshot, err := c.gateway.GetOpenPositions(ctx)
	if err != nil {
		// Unknown exchange state. Closing blind could double-sell, so leave
		// the position for the next tick.
		logger.Warn().Err(err).Msg("exchange snapshot unavailable, abandoning close")
		return
	}

	match := findExchangePosition(snapshot, pos.Symbol, pos.Side)
	if match == nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(closeConfirmGrace):
		}
		snapshot, err = c.gateway.GetOpenPositions(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("exchange snapshot unavailable on confirm, abandoning close")
			return
		}
		match = findExchangePosition(snapshot, pos.Symbol, pos.Side)
		if match == nil {
			c.finalizeAbsent(ctx, pos, triggerPrice, logger)
			return
		}
	}

	// The exchange quantity wins over our record: partial external reduces
	// leave less to flatten than we entered with.
	filters := c.gateway.GetSymbolFilters(ctx, pos.Symbol)
	quantity := binance.FloorToStep(match.Quantity, filters.StepSize)
	if !quantity.IsPositive() {
		c.finalizeAbsent(ctx, pos, triggerPrice, logger)
		return
	}

	order, err := c.placeClose(ctx, pos, quantity)
	if err != nil {
		logger.Error().Err(err).Msg("close order rejected")
		return
	}

	exitPrice, exitQty, filled := c.awaitCloseFill(ctx, pos.Symbol, order, logger)
	if !filled {
		logger.Error().Int64("order_id", order.OrderID).Msg("close order did not fill")
		return
	}
	if !exitPrice.IsPositive() {
		exitPrice = triggerPrice
	}
	if !exitQty.IsPositive() {
		exitQty = quantity
	}

	c.finalize(ctx, pos, exitPrice, exitQty, reason, order, logger)
}

// placeClose submits the reverse-side market order. ONE_WAY accounts close
// with reduceOnly; HEDGE accounts address the leg via positionSide, where
// reduceOnly is rejected by the venue.
func (c *Closer) placeClose(ctx context.Context, pos *database.Position, quantity decimal.Decimal) (*binance.Order, error) {
	closeSide := binance.SideSell
	if pos.Side == binance.SideSell {
		closeSide = binance.SideBuy
	}

	mode := c.gateway.GetPositionMode(ctx)
	reduceOnly := mode == binance.PositionModeOneWay
	positionSide := ""
	if mode == binance.PositionModeHedge {
		positionSide = "LONG"
		if pos.Side == binance.SideSell {
			positionSide = "SHORT"
		}
	}
	return c.gateway.PlaceMarketOrder(ctx, pos.Symbol, closeSide, quantity, reduceOnly, positionSide)
}

// awaitCloseFill polls the close order to a fill. A failed final poll still
// accepts the submit response when it already carried an executed quantity.
func (c *Closer) awaitCloseFill(ctx context.Context, symbol string, order *binance.Order, logger zerolog.Logger) (decimal.Decimal, decimal.Decimal, bool) {
	if order.Status == binance.OrderStatusFilled {
		return order.FillPrice(), order.ExecutedQty, true
	}

	select {
	case <-ctx.Done():
		return decimal.Zero, decimal.Zero, false
	case <-time.After(closeConfirmGrace):
	}

	var lastErr error
	for i := 0; i < closePollAttempts; i++ {
		current, err := c.gateway.GetOrderStatus(ctx, symbol, order.OrderID)
		if err != nil {
			lastErr = err
		} else {
			lastErr = nil
			if current.Status == binance.OrderStatusFilled {
				return current.FillPrice(), current.ExecutedQty, true
			}
			if current.IsTerminalNonFill() {
				return decimal.Zero, decimal.Zero, false
			}
		}

		select {
		case <-ctx.Done():
			return decimal.Zero, decimal.Zero, false
		case <-time.After(closePollInterval):
		}
	}

	if lastErr != nil && order.ExecutedQty.IsPositive() {
		logger.Warn().Err(lastErr).
			Msg("close status unreadable, trusting executed quantity from submit")
		return order.FillPrice(), order.ExecutedQty, true
	}
	return decimal.Zero, decimal.Zero, false
}

// finalizeAbsent settles a position the exchange no longer shows. The reason
// is taken from a recent close log when one exists, otherwise derived from
// whether our own entry ever filled.
func (c *Closer) finalizeAbsent(ctx context.Context, pos *database.Position, triggerPrice decimal.Decimal, logger zerolog.Logger) {
	reason := database.ExitReasonExternalClosed
	exitQty := pos.EntryQuantity

	if recent, err := c.logs.RecentPositionClosed(ctx, pos.ID, closedReasonWindow); err == nil && recent != nil {
		if r, ok := recent.Payload["reason"].(string); ok && r != "" {
			reason = r
		}
	} else {
		filled, err := c.logs.HasOrderFilled(ctx, pos.ID)
		if err == nil && !filled {
			// The entry never filled; there was no exposure to close.
			reason = database.ExitReasonNotExecuted
			exitQty = decimal.Zero
		}
	}

	exitPrice := triggerPrice
	if !exitPrice.IsPositive() {
		exitPrice = pos.EntryPrice
	}

	c.finalize(ctx, pos, exitPrice, exitQty, reason, nil, logger)
}

// finalize performs the CAS close, logs the audit entry and releases the
// symbol subscription when nothing else trades it.
func (c *Closer) finalize(ctx context.Context, pos *database.Position, exitPrice, exitQty decimal.Decimal, reason string, order *binance.Order, logger zerolog.Logger) {
	now := time.Now().UTC()
	if err := c.positions.Close(ctx, pos.ID, exitPrice, exitQty, now, reason); err != nil {
		if errors.Is(err, database.ErrPositionNotActive) {
			return
		}
		logger.Error().Err(err).Msg("closing position row failed")
		return
	}

	pnl := exitPrice.Sub(pos.EntryPrice).Mul(exitQty)
	if pos.Side == binance.SideSell {
		pnl = pnl.Neg()
	}

	entry := &database.ExecutionLog{
		ManualPlanID: pos.ManualPlanID,
		PositionID:   &pos.ID,
		EventType:    database.EventPositionClosed,
		Symbol:       &pos.Symbol,
		Side:         &pos.Side,
		Price:        &exitPrice,
		Quantity:     &exitQty,
		Payload: map[string]interface{}{
			"reason":      reason,
			"entry_price": pos.EntryPrice.String(),
			"pnl":         pnl.String(),
		},
	}
	if order != nil {
		orderID := strconv.FormatInt(order.OrderID, 10)
		entry.OrderID = &orderID
		entry.Status = &order.Status
	}
	if err := c.logs.Append(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("failed to append close log")
	}

	if c.plans != nil && pos.ManualPlanID != nil {
		if err := c.plans.MarkExecutedIfDone(ctx, *pos.ManualPlanID); err != nil {
			logger.Error().Err(err).Msg("finishing plan after close failed")
		}
	}

	c.maybeUnsubscribe(ctx, pos.Symbol)

	logger.Info().Str("exit_price", exitPrice.String()).
		Str("exit_qty", exitQty.String()).
		Str("pnl", pnl.String()).
		Msg("position closed")
}

func (c *Closer) maybeUnsubscribe(ctx context.Context, symbol string) {
	if c.stream == nil {
		return
	}
	for _, side := range []string{binance.SideBuy, binance.SideSell} {
		remaining, err := c.positions.ActiveBySymbolSide(ctx, symbol, side)
		if err != nil || len(remaining) > 0 {
			return
		}
	}
	c.stream.Unsubscribe(symbol)
}

func findExchangePosition(snapshot []binance.ExchangePosition, symbol, side string) *binance.ExchangePosition {
	for i := range snapshot {
		if snapshot[i].Symbol == symbol && snapshot[i].Side == side && snapshot[i].Quantity.IsPositive() {
			return &snapshot[i]
		}
	}
	return nil
}
