package monitor

import (
	"context"
	"math"
	"time"

	"futures-listing-bot/config"
	"futures-listing-bot/internal/binance"
	"futures-listing-bot/internal/database"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// Extrema older than this with a hole in them get rebuilt from klines.
	downtimeRecoveryAfter = 300 * time.Second

	// Exit percentages within this of the configured defaults count as
	// uncustomized when collapsing duplicates.
	duplicateEpsilon = 0.0001
)

// SyncGateway is the exchange surface of the reconciler.
type SyncGateway interface {
	GetOpenPositions(ctx context.Context) ([]binance.ExchangePosition, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]binance.Kline, error)
}

// SyncStore is the persistence surface of the reconciler.
type SyncStore interface {
	ActivePositions(ctx context.Context) ([]*database.Position, error)
	Create(ctx context.Context, pos *database.Position) error
	Update(ctx context.Context, pos *database.Position) error
	Close(ctx context.Context, id string, exitPrice, exitQuantity decimal.Decimal, exitTime time.Time, reason string) error
	UpdateExtremaBulk(ctx context.Context, updates []database.ExtremaUpdate) error
}

// Subscriber warms the price stream for adopted positions.
type Subscriber interface {
	Subscribe(symbol string)
}

// Reconciler aligns the local position table with the exchange: duplicates
// collapse to one survivor, rows the exchange dropped are finalized, unknown
// exchange exposure is adopted, and extrema holes left by downtime are
// rebuilt from candles.
type Reconciler struct {
	gateway   SyncGateway
	positions SyncStore
	logs      CloseLogs
	plans     PlanFinisher // may be nil
	closer    *Closer
	stream    Subscriber // may be nil
	defaults  config.TradingConfig
	logger    zerolog.Logger
}

func NewReconciler(gateway SyncGateway, positions SyncStore, logs CloseLogs, plans PlanFinisher, closer *Closer, stream Subscriber, defaults config.TradingConfig, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		gateway:   gateway,
		positions: positions,
		logs:      logs,
		plans:     plans,
		closer:    closer,
		stream:    stream,
		defaults:  defaults,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// RunOnce performs one reconciliation pass. An unreadable exchange snapshot
// skips the pass entirely: no local state may change on unknown truth.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	snapshot, err := r.gateway.GetOpenPositions(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("exchange snapshot unavailable, skipping reconciliation")
		return nil
	}

	local, err := r.positions.ActivePositions(ctx)
	if err != nil {
		return err
	}

	local = r.collapseDuplicates(ctx, local)

	exchange := make(map[string]*binance.ExchangePosition, len(snapshot))
	for i := range snapshot {
		if snapshot[i].Quantity.IsPositive() {
			exchange[snapshot[i].Symbol+"|"+snapshot[i].Side] = &snapshot[i]
		}
	}

	matched := make(map[string]struct{})
	for _, pos := range local {
		key := pos.Symbol + "|" + pos.Side
		ex, ok := exchange[key]
		if !ok {
			// The closer re-confirms absence and derives the final reason.
			r.closer.Close(ctx, pos, database.ExitReasonExternalClosed, decimal.Zero)
			continue
		}
		matched[key] = struct{}{}
		r.refresh(ctx, pos, ex)
		r.maybeRecoverExtrema(ctx, pos)
	}

	for key, ex := range exchange {
		if _, ok := matched[key]; ok {
			continue
		}
		r.adoptExternal(ctx, ex)
	}
	return nil
}

// collapseDuplicates keeps one position per (symbol, side) and closes the
// rest locally. Customized exit parameters beat defaults; ties go to the
// newest entry.
func (r *Reconciler) collapseDuplicates(ctx context.Context, local []*database.Position) []*database.Position {
	groups := make(map[string][]*database.Position)
	for _, pos := range local {
		key := pos.Symbol + "|" + pos.Side
		groups[key] = append(groups[key], pos)
	}

	var result []*database.Position
	for _, group := range groups {
		if len(group) == 1 {
			result = append(result, group[0])
			continue
		}

		winner := r.pickSurvivor(group)
		now := time.Now().UTC()
		for _, pos := range group {
			if pos.ID == winner.ID {
				continue
			}
			// The exposure lives on in the survivor; nothing is sold here.
			if err := r.positions.Close(ctx, pos.ID, pos.EntryPrice, decimal.Zero, now, database.ExitReasonDuplicateMerged); err != nil {
				r.logger.Error().Err(err).Str("position_id", pos.ID).Msg("closing duplicate failed")
				continue
			}
			r.appendMergeLog(ctx, pos, winner.ID)
			if r.plans != nil && pos.ManualPlanID != nil {
				if err := r.plans.MarkExecutedIfDone(ctx, *pos.ManualPlanID); err != nil {
					r.logger.Error().Err(err).Str("plan_id", *pos.ManualPlanID).Msg("finishing plan after merge failed")
				}
			}
			r.logger.Warn().Str("symbol", pos.Symbol).Str("merged", pos.ID).
				Str("survivor", winner.ID).Msg("collapsed duplicate position")
		}
		result = append(result, winner)
	}
	return result
}

func (r *Reconciler) pickSurvivor(group []*database.Position) *database.Position {
	var customized []*database.Position
	for _, pos := range group {
		if r.isCustomized(pos) {
			customized = append(customized, pos)
		}
	}
	candidates := group
	if len(customized) > 0 {
		candidates = customized
	}

	winner := candidates[0]
	for _, pos := range candidates[1:] {
		if pos.EntryTime.After(winner.EntryTime) {
			winner = pos
		}
	}
	return winner
}

func (r *Reconciler) isCustomized(pos *database.Position) bool {
	sl, _ := pos.StopLossPct.Float64()
	te, _ := pos.TrailingExitPct.Float64()
	ms, _ := pos.MaxSlippagePct.Float64()
	return math.Abs(sl-r.defaults.StopLossPct) > duplicateEpsilon ||
		math.Abs(te-r.defaults.TrailingExitPct) > duplicateEpsilon ||
		math.Abs(ms-r.defaults.MaxSlippagePct) > duplicateEpsilon
}

// refresh overwrites the entry facts with the exchange's view while keeping
// the operator's exit parameters exactly as they were.
func (r *Reconciler) refresh(ctx context.Context, pos *database.Position, ex *binance.ExchangePosition) {
	stopLoss, trailing, maxSlip := pos.StopLossPct, pos.TrailingExitPct, pos.MaxSlippagePct

	changed := false
	if ex.EntryPrice.IsPositive() && !ex.EntryPrice.Equal(pos.EntryPrice) {
		pos.EntryPrice = ex.EntryPrice
		changed = true
	}
	if !ex.Quantity.Equal(pos.EntryQuantity) {
		pos.EntryQuantity = ex.Quantity
		changed = true
	}
	if ex.Leverage > 0 && ex.Leverage != pos.Leverage {
		pos.Leverage = ex.Leverage
		changed = true
	}
	if !changed {
		return
	}

	pos.StopLossPct, pos.TrailingExitPct, pos.MaxSlippagePct = stopLoss, trailing, maxSlip
	if err := r.positions.Update(ctx, pos); err != nil {
		r.logger.Error().Err(err).Str("position_id", pos.ID).Msg("refreshing position from exchange failed")
	}
}

// maybeRecoverExtrema widens the extrema with the candles of a downtime gap.
// The monitor stamps last_check_time every tick, so a large gap means the
// process was down and a runner could have peaked unseen. The bulk write
// merges with GREATEST/LEAST; recovered values can only widen what is stored,
// and a candle fetch failure falls back to the entry price so the trailing
// anchor is never left null.
func (r *Reconciler) maybeRecoverExtrema(ctx context.Context, pos *database.Position) {
	since := pos.EntryTime
	if pos.LastCheckTime != nil {
		since = *pos.LastCheckTime
	}
	gap := time.Since(since)
	if gap <= downtimeRecoveryAfter {
		return
	}

	high, low := pos.EntryPrice, pos.EntryPrice
	if pos.HighestPrice != nil && pos.HighestPrice.GreaterThan(high) {
		high = *pos.HighestPrice
	}
	if pos.LowestPrice != nil && pos.LowestPrice.LessThan(low) {
		low = *pos.LowestPrice
	}
	interval, limit := klineRange(gap)
	now := time.Now().UTC()
	klines, err := r.gateway.GetKlines(ctx, pos.Symbol, interval, limit, &since, &now)
	if err != nil || len(klines) == 0 {
		r.logger.Warn().Err(err).Str("position_id", pos.ID).
			Msg("kline recovery failed, keeping stored extrema anchored at entry")
	} else {
		for _, k := range klines {
			if k.High.GreaterThan(high) {
				high = k.High
			}
			if k.Low.LessThan(low) {
				low = k.Low
			}
		}
	}

	update := []database.ExtremaUpdate{{
		PositionID:    pos.ID,
		HighestPrice:  high,
		LowestPrice:   low,
		LastCheckTime: now,
	}}
	if err := r.positions.UpdateExtremaBulk(ctx, update); err != nil {
		r.logger.Error().Err(err).Str("position_id", pos.ID).Msg("writing recovered extrema failed")
		return
	}
	r.logger.Info().Str("position_id", pos.ID).Dur("gap", gap).
		Str("high", high.String()).Str("low", low.String()).
		Msg("recovered extrema from klines")
}

// klineRange picks the candle interval and depth for a downtime gap.
func klineRange(gap time.Duration) (string, int) {
	switch {
	case gap <= time.Hour:
		return "1m", 1000
	case gap <= 8*time.Hour:
		return "1m", 500
	case gap <= 24*time.Hour:
		return "5m", 500
	default:
		return "15m", 500
	}
}

// adoptExternal records exchange exposure we did not open so the monitor
// protects it with the default exit parameters.
func (r *Reconciler) adoptExternal(ctx context.Context, ex *binance.ExchangePosition) {
	now := time.Now().UTC()
	mark := ex.MarkPrice
	if !mark.IsPositive() {
		mark = ex.EntryPrice
	}

	leverage := ex.Leverage
	if leverage <= 0 {
		leverage = r.defaults.Leverage
	}
	entryTime := ex.UpdateTime
	if entryTime.IsZero() {
		entryTime = now
	}

	pos := &database.Position{
		Symbol:          ex.Symbol,
		Side:            ex.Side,
		Status:          database.PositionActive,
		IsExternal:      true,
		EntryPrice:      ex.EntryPrice,
		EntryQuantity:   ex.Quantity,
		EntryTime:       entryTime,
		Leverage:        leverage,
		StopLossPct:     decimal.NewFromFloat(r.defaults.StopLossPct),
		TrailingExitPct: decimal.NewFromFloat(r.defaults.TrailingExitPct),
		MaxSlippagePct:  decimal.NewFromFloat(r.defaults.MaxSlippagePct),
		HighestPrice:    &mark,
		LowestPrice:     &mark,
		LastCheckTime:   &now,
	}
	if err := r.positions.Create(ctx, pos); err != nil {
		r.logger.Error().Err(err).Str("symbol", ex.Symbol).Msg("adopting external position failed")
		return
	}
	if r.stream != nil {
		r.stream.Subscribe(ex.Symbol)
	}
	r.logger.Info().Str("position_id", pos.ID).Str("symbol", ex.Symbol).
		Str("side", ex.Side).Str("quantity", ex.Quantity.String()).
		Msg("adopted external position")
}

func (r *Reconciler) appendMergeLog(ctx context.Context, pos *database.Position, survivorID string) {
	reason := database.ExitReasonDuplicateMerged
	entry := &database.ExecutionLog{
		ManualPlanID: pos.ManualPlanID,
		PositionID:   &pos.ID,
		EventType:    database.EventPositionClosed,
		Symbol:       &pos.Symbol,
		Side:         &pos.Side,
		Price:        &pos.EntryPrice,
		Payload: map[string]interface{}{
			"reason":      reason,
			"merged_into": survivorID,
		},
	}
	if err := r.logs.Append(ctx, entry); err != nil {
		r.logger.Error().Err(err).Msg("failed to append merge log")
	}
}
