package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"futures-listing-bot/config"
	"futures-listing-bot/internal/binance"
	"futures-listing-bot/internal/database"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PlanStore is the plan surface of the HTTP API.
type PlanStore interface {
	Create(ctx context.Context, plan *database.ManualPlan) error
	List(ctx context.Context) ([]*database.ManualPlan, error)
	GetByID(ctx context.Context, id string) (*database.ManualPlan, error)
	Cancel(ctx context.Context, id string) error
}

// PositionStore is the position surface of the HTTP API.
type PositionStore interface {
	GetByID(ctx context.Context, id string) (*database.Position, error)
	ActivePositions(ctx context.Context) ([]*database.Position, error)
	ListRecent(ctx context.Context, limit int) ([]*database.Position, error)
	Update(ctx context.Context, pos *database.Position) error
	DailyRealizedPnL(ctx context.Context, days int) ([]*database.DailyPnL, error)
}

// LogStore lists the audit trail.
type LogStore interface {
	ListRecent(ctx context.Context, limit int) ([]*database.ExecutionLog, error)
}

// AccountGateway is the exchange surface of the HTTP API.
type AccountGateway interface {
	GetAvailableBalance(ctx context.Context) (decimal.Decimal, error)
	GetWalletBalance(ctx context.Context) (decimal.Decimal, error)
	GetOpenPositions(ctx context.Context) ([]binance.ExchangePosition, error)
	FailureStreak() int
}

// StreamView is the read side of the price stream.
type StreamView interface {
	Price(symbol string) *decimal.Decimal
	Prices() map[string]decimal.Decimal
	Status() binance.StreamStatus
}

// Handlers carries the dependencies of every route.
type Handlers struct {
	plans     PlanStore
	positions PositionStore
	logs      LogStore
	gateway   AccountGateway
	stream    StreamView // may be nil
	defaults  config.TradingConfig
	logger    zerolog.Logger
	startedAt time.Time
}

func NewHandlers(plans PlanStore, positions PositionStore, logs LogStore, gateway AccountGateway, stream StreamView, defaults config.TradingConfig, logger zerolog.Logger) *Handlers {
	return &Handlers{
		plans:     plans,
		positions: positions,
		logs:      logs,
		gateway:   gateway,
		stream:    stream,
		defaults:  defaults,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startedAt: time.Now(),
	}
}

// Register wires the routes.
func (h *Handlers) Register(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/manual-plans", h.createPlan)
		api.GET("/manual-plans", h.listPlans)
		api.GET("/manual-plans/:id", h.getPlan)
		api.POST("/manual-plans/:id/cancel", h.cancelPlan)
		api.DELETE("/manual-plans/:id", h.cancelPlan)

		api.GET("/positions", h.listPositions)
		api.PUT("/positions/:id/exit-params", h.updateExitParams)

		api.GET("/account", h.account)
		api.GET("/prices", h.prices)
		api.GET("/execution-logs", h.executionLogs)
		api.GET("/pnl/summary", h.pnlSummary)
		api.GET("/status", h.status)
	}
}

// ==================== PLANS ====================

type createPlanRequest struct {
	Symbol          string    `json:"symbol" binding:"required"`
	Side            string    `json:"side" binding:"required"`
	ListingTime     time.Time `json:"listing_time" binding:"required"`
	Leverage        *int      `json:"leverage"`
	PositionPct     *float64  `json:"position_pct"`
	StopLossPct     *float64  `json:"stop_loss_pct"`
	TrailingExitPct *float64  `json:"trailing_exit_pct"`
	MaxSlippagePct  *float64  `json:"max_slippage_pct"`
	Notes           *string   `json:"notes"`
}

func (h *Handlers) createPlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Side != binance.SideBuy && req.Side != binance.SideSell {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be BUY or SELL"})
		return
	}

	plan := &database.ManualPlan{
		Symbol:          binance.NormalizeSymbol(req.Symbol),
		Side:            req.Side,
		ListingTime:     req.ListingTime.UTC(),
		Leverage:        h.defaults.Leverage,
		PositionPct:     decimal.NewFromFloat(h.defaults.PositionPct),
		StopLossPct:     decimal.NewFromFloat(h.defaults.StopLossPct),
		TrailingExitPct: decimal.NewFromFloat(h.defaults.TrailingExitPct),
		MaxSlippagePct:  decimal.NewFromFloat(h.defaults.MaxSlippagePct),
		Notes:           req.Notes,
		Status:          database.PlanPending,
	}
	if req.Leverage != nil {
		plan.Leverage = *req.Leverage
	}
	if req.PositionPct != nil {
		plan.PositionPct = decimal.NewFromFloat(*req.PositionPct)
	}
	if req.StopLossPct != nil {
		plan.StopLossPct = decimal.NewFromFloat(*req.StopLossPct)
	}
	if req.TrailingExitPct != nil {
		plan.TrailingExitPct = decimal.NewFromFloat(*req.TrailingExitPct)
	}
	if req.MaxSlippagePct != nil {
		plan.MaxSlippagePct = decimal.NewFromFloat(*req.MaxSlippagePct)
	}

	if plan.Leverage < 1 || plan.Leverage > 125 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "leverage must be between 1 and 125"})
		return
	}
	if plan.PositionPct.LessThanOrEqual(decimal.Zero) || plan.PositionPct.GreaterThan(decimal.NewFromInt(1)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position_pct must be in (0, 1]"})
		return
	}

	if err := h.plans.Create(c.Request.Context(), plan); err != nil {
		h.logger.Error().Err(err).Msg("creating plan failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create plan"})
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (h *Handlers) listPlans(c *gin.Context) {
	plans, err := h.plans.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "count": len(plans)})
}

func (h *Handlers) getPlan(c *gin.Context) {
	plan, err := h.plans.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load plan"})
		return
	}
	c.JSON(http.StatusOK, plan)
}

// cancelPlan only succeeds while the plan is still PENDING. A plan already
// claimed by the executor answers 409.
func (h *Handlers) cancelPlan(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.plans.GetByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load plan"})
		return
	}

	if err := h.plans.Cancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, database.ErrPlanNotClaimable) {
			c.JSON(http.StatusConflict, gin.H{"error": "plan is no longer pending"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel plan"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// ==================== POSITIONS ====================

// positionView decorates a position with live numbers for the dashboard.
type positionView struct {
	*database.Position
	CurrentPrice         *decimal.Decimal `json:"current_price,omitempty"`
	UnrealizedPnL        *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	StopPrice            decimal.Decimal  `json:"stop_price"`
	TrailingTriggerPrice decimal.Decimal  `json:"trailing_trigger_price"`
}

func (h *Handlers) listPositions(c *gin.Context) {
	ctx := c.Request.Context()

	active, err := h.positions.ActivePositions(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list positions"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	recent, err := h.positions.ListRecent(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list positions"})
		return
	}

	views := make([]positionView, 0, len(active))
	for _, pos := range active {
		views = append(views, h.decorate(pos))
	}
	c.JSON(http.StatusOK, gin.H{
		"active": views,
		"recent": recent,
	})
}

func (h *Handlers) decorate(pos *database.Position) positionView {
	view := positionView{Position: pos}
	one := decimal.NewFromInt(1)

	if pos.Side == binance.SideBuy {
		view.StopPrice = pos.EntryPrice.Mul(one.Sub(pos.StopLossPct))
		anchor := pos.EntryPrice
		if pos.HighestPrice != nil {
			anchor = *pos.HighestPrice
		}
		view.TrailingTriggerPrice = anchor.Mul(one.Sub(pos.TrailingExitPct))
	} else {
		view.StopPrice = pos.EntryPrice.Mul(one.Add(pos.StopLossPct))
		anchor := pos.EntryPrice
		if pos.LowestPrice != nil {
			anchor = *pos.LowestPrice
		}
		view.TrailingTriggerPrice = anchor.Mul(one.Add(pos.TrailingExitPct))
	}

	if h.stream != nil {
		if price := h.stream.Price(pos.Symbol); price != nil {
			view.CurrentPrice = price
			pnl := price.Sub(pos.EntryPrice).Mul(pos.EntryQuantity)
			if pos.Side == binance.SideSell {
				pnl = pnl.Neg()
			}
			view.UnrealizedPnL = &pnl
		}
	}
	return view
}

type exitParamsRequest struct {
	StopLossPct     *float64 `json:"stop_loss_pct"`
	TrailingExitPct *float64 `json:"trailing_exit_pct"`
	MaxSlippagePct  *float64 `json:"max_slippage_pct"`
}

// updateExitParams tightens or loosens the exit parameters of a position.
// The exchange is the arbiter of liveness: a locally closed row that the
// exchange still shows open is restored to ACTIVE here, and the update is
// rejected only when the exchange confirms the position is gone. When the
// snapshot is unreadable the update proceeds optimistically rather than
// blocking the operator during an outage.
func (h *Handlers) updateExitParams(c *gin.Context) {
	ctx := c.Request.Context()

	pos, err := h.positions.GetByID(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load position"})
		return
	}

	var req exitParamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.StopLossPct == nil && req.TrailingExitPct == nil && req.MaxSlippagePct == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no exit parameters given"})
		return
	}

	if snapshot, snapErr := h.gateway.GetOpenPositions(ctx); snapErr == nil {
		found := false
		for _, ex := range snapshot {
			if ex.Symbol == pos.Symbol && ex.Side == pos.Side && ex.Quantity.IsPositive() {
				found = true
				break
			}
		}
		if !found {
			c.JSON(http.StatusConflict, gin.H{"error": "position no longer open on exchange"})
			return
		}
	} else {
		h.logger.Warn().Err(snapErr).Str("position_id", pos.ID).
			Msg("exchange snapshot unavailable, updating exit params optimistically")
	}

	if pos.Status != database.PositionActive {
		pos.Status = database.PositionActive
		pos.ExitPrice, pos.ExitQuantity = nil, nil
		pos.ExitTime, pos.ExitReason = nil, nil
		h.logger.Warn().Str("position_id", pos.ID).
			Msg("restoring locally closed position still open on exchange")
	}

	if req.StopLossPct != nil {
		pos.StopLossPct = decimal.NewFromFloat(*req.StopLossPct)
	}
	if req.TrailingExitPct != nil {
		pos.TrailingExitPct = decimal.NewFromFloat(*req.TrailingExitPct)
	}
	if req.MaxSlippagePct != nil {
		pos.MaxSlippagePct = decimal.NewFromFloat(*req.MaxSlippagePct)
	}

	if err := h.positions.Update(ctx, pos); err != nil {
		h.logger.Error().Err(err).Str("position_id", pos.ID).Msg("updating exit params failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update position"})
		return
	}
	c.JSON(http.StatusOK, h.decorate(pos))
}

// ==================== ACCOUNT & HEALTH ====================

func (h *Handlers) account(c *gin.Context) {
	ctx := c.Request.Context()

	available, err := h.gateway.GetAvailableBalance(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "exchange balance unavailable"})
		return
	}
	wallet, err := h.gateway.GetWalletBalance(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "exchange balance unavailable"})
		return
	}

	openCount := 0
	if snapshot, err := h.gateway.GetOpenPositions(ctx); err == nil {
		openCount = len(snapshot)
	}

	c.JSON(http.StatusOK, gin.H{
		"available_balance": available,
		"wallet_balance":    wallet,
		"open_positions":    openCount,
	})
}

func (h *Handlers) prices(c *gin.Context) {
	if h.stream == nil {
		c.JSON(http.StatusOK, gin.H{"prices": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prices": h.stream.Prices()})
}

func (h *Handlers) executionLogs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	logs, err := h.logs.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list execution logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (h *Handlers) pnlSummary(c *gin.Context) {
	days := 30
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 365 {
			days = n
		}
	}
	rows, err := h.positions.DailyRealizedPnL(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute pnl"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"daily": rows, "days": days})
}

func (h *Handlers) status(c *gin.Context) {
	resp := gin.H{
		"status":              "ok",
		"uptime_seconds":      int(time.Since(h.startedAt).Seconds()),
		"rest_failure_streak": h.gateway.FailureStreak(),
	}
	if h.stream != nil {
		resp["price_stream"] = h.stream.Status()
	}
	c.JSON(http.StatusOK, resp)
}
