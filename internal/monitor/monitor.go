package monitor

import (
	"context"
	"sync"
	"time"

	"futures-listing-bot/internal/database"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PriceGateway resolves mark prices over REST when the stream has no fresh
// quote.
type PriceGateway interface {
	GetMarkPricesBatch(ctx context.Context, symbols []string) map[string]decimal.Decimal
}

// Stream is the fresh-price cache fed by the WebSocket streams.
type Stream interface {
	Price(symbol string) *decimal.Decimal
}

// PositionStore is the persistence surface of the monitor.
type PositionStore interface {
	ActivePositions(ctx context.Context) ([]*database.Position, error)
	UpdateExtremaBulk(ctx context.Context, updates []database.ExtremaUpdate) error
}

// Pool fans out per-position checks.
type Pool interface {
	Submit(task func()) error
}

// Monitor evaluates stop-loss and trailing exits for every active position
// once per tick. Exit decisions use the extrema as they stood at the start of
// the tick; the tick's own price observation only widens the extrema after
// the decision, so a spike can never both raise the watermark and trigger the
// trail it would imply in the same pass.
type Monitor struct {
	gateway   PriceGateway
	stream    Stream // may be nil
	positions PositionStore
	closer    *Closer
	pool      Pool
	logger    zerolog.Logger
}

func New(gateway PriceGateway, stream Stream, positions PositionStore, closer *Closer, pool Pool, logger zerolog.Logger) *Monitor {
	return &Monitor{
		gateway:   gateway,
		stream:    stream,
		positions: positions,
		closer:    closer,
		pool:      pool,
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
}

// RunOnce checks every active position and returns how many there were.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	positions, err := m.positions.ActivePositions(ctx)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}

	prices := m.resolvePrices(ctx, positions)
	now := time.Now().UTC()

	type verdict struct {
		pos    *database.Position
		price  decimal.Decimal
		reason string
	}
	var (
		mu        sync.Mutex
		triggered []verdict
		survivors []database.ExtremaUpdate
		wg        sync.WaitGroup
	)

	for _, pos := range positions {
		pos := pos
		price, ok := prices[pos.Symbol]
		if !ok || !price.IsPositive() {
			// No live price this tick. Evaluate at the entry price: the stop
			// cannot trip there and the extrema only hold, though a trail
			// already ratcheted above the entry still can.
			price = pos.EntryPrice
		}

		wg.Add(1)
		task := func() {
			defer wg.Done()
			reason := EvaluateExit(pos, price)
			mu.Lock()
			defer mu.Unlock()
			if reason != "" {
				triggered = append(triggered, verdict{pos: pos, price: price, reason: reason})
				return
			}
			survivors = append(survivors, database.ExtremaUpdate{
				PositionID:    pos.ID,
				HighestPrice:  price,
				LowestPrice:   price,
				LastCheckTime: now,
			})
		}
		if err := m.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	// Closes run serially. Each one talks to the exchange and the closing-set
	// in the closer already dedupes, but serializing keeps the order book
	// interaction predictable under a burst of simultaneous triggers.
	for _, v := range triggered {
		m.closer.Close(ctx, v.pos, v.reason, v.price)
	}

	if err := m.positions.UpdateExtremaBulk(ctx, survivors); err != nil {
		m.logger.Error().Err(err).Msg("extrema bulk update failed")
	}
	return len(positions), nil
}

// resolvePrices returns a symbol -> mark price map, preferring the stream
// cache and batching the leftovers over REST.
func (m *Monitor) resolvePrices(ctx context.Context, positions []*database.Position) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	var missing []string
	seen := make(map[string]struct{})

	for _, pos := range positions {
		if _, ok := seen[pos.Symbol]; ok {
			continue
		}
		seen[pos.Symbol] = struct{}{}

		if m.stream != nil {
			if p := m.stream.Price(pos.Symbol); p != nil && p.IsPositive() {
				prices[pos.Symbol] = *p
				continue
			}
		}
		missing = append(missing, pos.Symbol)
	}

	if len(missing) > 0 {
		for symbol, price := range m.gateway.GetMarkPricesBatch(ctx, missing) {
			prices[symbol] = price
		}
	}
	return prices
}

// EvaluateExit returns the exit reason the price triggers against the
// position's captured state, or "" to hold. Stop-loss is anchored on the
// entry price; the trailing exit is anchored on the stored extremum, falling
// back to the entry price before the first extrema write.
func EvaluateExit(pos *database.Position, price decimal.Decimal) string {
	one := decimal.NewFromInt(1)

	switch pos.Side {
	case "BUY":
		stop := pos.EntryPrice.Mul(one.Sub(pos.StopLossPct))
		if price.LessThanOrEqual(stop) {
			return database.ExitReasonStopLoss
		}
		anchor := pos.EntryPrice
		if pos.HighestPrice != nil {
			anchor = *pos.HighestPrice
		}
		trail := anchor.Mul(one.Sub(pos.TrailingExitPct))
		if price.LessThanOrEqual(trail) {
			return database.ExitReasonTrailingStop
		}
	case "SELL":
		stop := pos.EntryPrice.Mul(one.Add(pos.StopLossPct))
		if price.GreaterThanOrEqual(stop) {
			return database.ExitReasonStopLoss
		}
		anchor := pos.EntryPrice
		if pos.LowestPrice != nil {
			anchor = *pos.LowestPrice
		}
		trail := anchor.Mul(one.Add(pos.TrailingExitPct))
		if price.GreaterThanOrEqual(trail) {
			return database.ExitReasonTrailingStop
		}
	}
	return ""
}
