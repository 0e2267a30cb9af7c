package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"futures-listing-bot/config"
	"futures-listing-bot/internal/binance"
	"futures-listing-bot/internal/database"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Entry failure kinds. Any of these escaping Execute sends the plan to
// FAILED; partial fills left on the exchange are adopted later by
// reconciliation as external positions.
var (
	ErrInsufficientMargin = errors.New("insufficient margin for entry")
	ErrNoMarkPrice        = errors.New("no mark price available for sizing")
	ErrOrderNotFilled     = errors.New("order did not fill")
	ErrNothingExecuted    = errors.New("order reported zero executed quantity")
)

const (
	marketPollBudget   = 3 * time.Second
	orderPollInterval  = 500 * time.Millisecond
	marginSafetyFactor = "0.99"
)

// Gateway is the slice of the exchange client the engine needs.
type Gateway interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	ClearBalanceCache(kind string)
	GetAvailableBalance(ctx context.Context) (decimal.Decimal, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolFilters(ctx context.Context, symbol string) binance.SymbolFilters
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, reduceOnly bool, positionSide string) (*binance.Order, error)
	PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price decimal.Decimal, timeInForce string) (*binance.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*binance.Order, error)
}

// PriceSource is the stream surface used for warm prices.
type PriceSource interface {
	Subscribe(symbol string)
	Price(symbol string) *decimal.Decimal
}

// PositionStore persists the position created on fill.
type PositionStore interface {
	Create(ctx context.Context, pos *database.Position) error
}

// LogStore appends audit trail entries.
type LogStore interface {
	Append(ctx context.Context, entry *database.ExecutionLog) error
}

// Executor turns a claimed plan into an open position.
type Executor struct {
	gateway   Gateway
	stream    PriceSource // may be nil when the stream is disabled
	positions PositionStore
	logs      LogStore
	cfg       config.TradingConfig
	logger    zerolog.Logger
}

func NewExecutor(gateway Gateway, stream PriceSource, positions PositionStore, logs LogStore, cfg config.TradingConfig, logger zerolog.Logger) *Executor {
	return &Executor{
		gateway:   gateway,
		stream:    stream,
		positions: positions,
		logs:      logs,
		cfg:       cfg,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs the entry for a plan already claimed into EXECUTING. It
// returns the created position, or an error classifying the failure.
func (e *Executor) Execute(ctx context.Context, plan *database.ManualPlan) (*database.Position, error) {
	symbol := binance.NormalizeSymbol(plan.Symbol)
	logger := e.logger.With().Str("plan_id", plan.ID).Str("symbol", symbol).Str("side", plan.Side).Logger()

	if e.stream != nil {
		e.stream.Subscribe(symbol)
	}

	if err := e.gateway.SetLeverage(ctx, symbol, plan.Leverage); err != nil {
		return nil, fmt.Errorf("setting leverage: %w", err)
	}

	// Fresh read: a cached balance could overstate available margin.
	e.gateway.ClearBalanceCache("futures")
	balance, err := e.gateway.GetAvailableBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}

	markPrice, err := e.resolveMarkPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	quantity, err := e.sizeOrder(ctx, symbol, plan, balance, markPrice)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("balance", balance.String()).
		Str("mark_price", markPrice.String()).
		Str("quantity", quantity.String()).
		Int("leverage", plan.Leverage).
		Msg("submitting entry order")

	order, err := e.submitEntry(ctx, plan, symbol, quantity, markPrice, logger)
	if err != nil {
		return nil, err
	}

	fillPrice := order.FillPrice()
	fillQty := order.ExecutedQty
	if !fillQty.IsPositive() {
		// The venue sometimes omits executedQty on the submit response; the
		// order was still accepted for origQty.
		fillQty = order.OrigQty
	}
	if !fillQty.IsPositive() {
		return nil, ErrNothingExecuted
	}
	if !fillPrice.IsPositive() {
		fillPrice = markPrice
	}

	e.checkSlippage(plan, symbol, markPrice, fillPrice, logger)

	now := time.Now().UTC()
	orderID := strconv.FormatInt(order.OrderID, 10)
	position := &database.Position{
		ManualPlanID:    &plan.ID,
		Symbol:          symbol,
		Side:            plan.Side,
		Status:          database.PositionActive,
		OrderID:         &orderID,
		EntryPrice:      fillPrice,
		EntryQuantity:   fillQty,
		EntryTime:       now,
		Leverage:        plan.Leverage,
		StopLossPct:     plan.StopLossPct,
		TrailingExitPct: plan.TrailingExitPct,
		MaxSlippagePct:  plan.MaxSlippagePct,
		HighestPrice:    &fillPrice,
		LowestPrice:     &fillPrice,
		LastCheckTime:   &now,
	}
	if err := e.positions.Create(ctx, position); err != nil {
		return nil, fmt.Errorf("persisting position: %w", err)
	}

	e.appendLog(ctx, &database.ExecutionLog{
		ManualPlanID: &plan.ID,
		PositionID:   &position.ID,
		EventType:    database.EventOrderFilled,
		OrderID:      &orderID,
		Symbol:       &symbol,
		Side:         &plan.Side,
		Price:        &fillPrice,
		Quantity:     &fillQty,
		Status:       strPtr(order.Status),
		Payload: map[string]interface{}{
			"avg_price":    fillPrice.String(),
			"executed_qty": fillQty.String(),
			"mark_price":   markPrice.String(),
		},
	})

	logger.Info().Str("position_id", position.ID).
		Str("fill_price", fillPrice.String()).
		Str("fill_qty", fillQty.String()).
		Msg("entry filled")
	return position, nil
}

// resolveMarkPrice prefers the stream cache and falls back to REST. Sizing
// never proceeds without a real price.
func (e *Executor) resolveMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.stream != nil {
		if p := e.stream.Price(symbol); p != nil && p.IsPositive() {
			return *p, nil
		}
	}
	price, err := e.gateway.GetMarkPrice(ctx, symbol)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, ErrNoMarkPrice
	}
	return price, nil
}

// sizeOrder computes the entry quantity and enforces the margin guard.
func (e *Executor) sizeOrder(ctx context.Context, symbol string, plan *database.ManualPlan, balance, markPrice decimal.Decimal) (decimal.Decimal, error) {
	allocation := balance.Mul(plan.PositionPct)
	if e.cfg.MaxOrderAmount > 0 {
		maxAmount := decimal.NewFromFloat(e.cfg.MaxOrderAmount)
		if allocation.GreaterThan(maxAmount) {
			allocation = maxAmount
		}
	}

	leverage := decimal.NewFromInt(int64(plan.Leverage))
	filters := e.gateway.GetSymbolFilters(ctx, symbol)
	quantity := binance.FloorToStep(allocation.Mul(leverage).Div(markPrice), filters.StepSize)
	if !quantity.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: allocation %s too small for step %s",
			ErrInsufficientMargin, allocation, filters.StepSize)
	}

	requiredMargin := quantity.Mul(markPrice).Div(leverage)
	limit := balance.Mul(decimal.RequireFromString(marginSafetyFactor))
	if requiredMargin.GreaterThan(limit) {
		return decimal.Zero, fmt.Errorf("%w: need %s, have %s (99%% of %s)",
			ErrInsufficientMargin, requiredMargin, limit, balance)
	}
	return quantity, nil
}

// submitEntry places the order per the configured order type. LIMIT entries
// that fail to fill inside the timeout are cancelled and retried as MARKET.
func (e *Executor) submitEntry(ctx context.Context, plan *database.ManualPlan, symbol string, quantity, markPrice decimal.Decimal, logger zerolog.Logger) (*binance.Order, error) {
	if e.cfg.OrderType == binance.OrderTypeLimit {
		order, err := e.limitEntry(ctx, plan, symbol, quantity, markPrice, logger)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ErrOrderNotFilled) {
			return nil, err
		}
		logger.Warn().Msg("limit entry did not fill, falling back to market")
	}
	return e.marketEntry(ctx, plan, symbol, quantity, logger)
}

func (e *Executor) marketEntry(ctx context.Context, plan *database.ManualPlan, symbol string, quantity decimal.Decimal, logger zerolog.Logger) (*binance.Order, error) {
	order, err := e.gateway.PlaceMarketOrder(ctx, symbol, plan.Side, quantity, false, "")
	if err != nil {
		return nil, fmt.Errorf("placing market order: %w", err)
	}
	e.logOrderPlaced(ctx, plan, symbol, order)

	if order.Status == binance.OrderStatusFilled || order.Status == binance.OrderStatusPartiallyFilled {
		return order, nil
	}

	final, err := e.pollOrder(ctx, symbol, order, marketPollBudget)
	if err != nil {
		return nil, err
	}
	switch final.Status {
	case binance.OrderStatusFilled, binance.OrderStatusPartiallyFilled:
		return final, nil
	default:
		return nil, fmt.Errorf("%w: market order status %s", ErrOrderNotFilled, final.Status)
	}
}

func (e *Executor) limitEntry(ctx context.Context, plan *database.ManualPlan, symbol string, quantity, markPrice decimal.Decimal, logger zerolog.Logger) (*binance.Order, error) {
	order, err := e.gateway.PlaceLimitOrder(ctx, symbol, plan.Side, quantity, markPrice, "GTC")
	if err != nil {
		return nil, fmt.Errorf("placing limit order: %w", err)
	}
	e.logOrderPlaced(ctx, plan, symbol, order)

	if order.Status == binance.OrderStatusFilled {
		return order, nil
	}

	final, err := e.pollOrder(ctx, symbol, order, e.cfg.LimitOrderTimeout)
	if err == nil && final.Status == binance.OrderStatusFilled {
		return final, nil
	}
	if err == nil && final.IsTerminalNonFill() {
		logger.Warn().Str("status", final.Status).Msg("limit order terminated without fill")
	}

	// Best-effort cancel before the market fallback; a fill that raced the
	// cancel is surfaced by the cancel error and accepted below.
	if cancelErr := e.gateway.CancelOrder(ctx, symbol, order.OrderID); cancelErr != nil {
		if post, postErr := e.gateway.GetOrderStatus(ctx, symbol, order.OrderID); postErr == nil &&
			post.Status == binance.OrderStatusFilled {
			return post, nil
		}
	}
	return nil, ErrOrderNotFilled
}

// pollOrder polls order status at 500ms until the budget runs out, returning
// the last observation.
func (e *Executor) pollOrder(ctx context.Context, symbol string, order *binance.Order, budget time.Duration) (*binance.Order, error) {
	deadline := time.Now().Add(budget)
	last := order
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("entry cancelled: %w", ctx.Err())
		case <-time.After(orderPollInterval):
		}

		current, err := e.gateway.GetOrderStatus(ctx, symbol, order.OrderID)
		if err != nil {
			continue
		}
		last = current
		if current.Status == binance.OrderStatusFilled || current.IsTerminalNonFill() {
			return current, nil
		}
	}
	return last, nil
}

// checkSlippage compares fill against the mark price at sizing time. Breach
// is logged, never reversed.
func (e *Executor) checkSlippage(plan *database.ManualPlan, symbol string, markPrice, fillPrice decimal.Decimal, logger zerolog.Logger) {
	if !markPrice.IsPositive() {
		return
	}
	slippagePct := fillPrice.Sub(markPrice).Abs().Div(markPrice).Mul(decimal.NewFromInt(100))
	if slippagePct.GreaterThan(plan.MaxSlippagePct) {
		logger.Warn().
			Str("symbol", symbol).
			Str("expected", markPrice.String()).
			Str("filled", fillPrice.String()).
			Str("slippage_pct", slippagePct.StringFixed(4)).
			Str("max_slippage_pct", plan.MaxSlippagePct.String()).
			Msg("entry slippage over limit")
	}
}

func (e *Executor) logOrderPlaced(ctx context.Context, plan *database.ManualPlan, symbol string, order *binance.Order) {
	orderID := strconv.FormatInt(order.OrderID, 10)
	price := order.Price
	qty := order.OrigQty
	e.appendLog(ctx, &database.ExecutionLog{
		ManualPlanID: &plan.ID,
		EventType:    database.EventOrderPlaced,
		OrderID:      &orderID,
		Symbol:       &symbol,
		Side:         &plan.Side,
		Price:        &price,
		Quantity:     &qty,
		Status:       strPtr(order.Status),
		Payload: map[string]interface{}{
			"order_type": order.Type,
		},
	})
}

func (e *Executor) appendLog(ctx context.Context, entry *database.ExecutionLog) {
	if err := e.logs.Append(ctx, entry); err != nil {
		e.logger.Error().Err(err).Str("event", entry.EventType).Msg("failed to append execution log")
	}
}

func strPtr(s string) *string {
	return &s
}
