package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanStatus is the lifecycle state of a ManualPlan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "PENDING"
	PlanExecuting PlanStatus = "EXECUTING"
	PlanExecuted  PlanStatus = "EXECUTED"
	PlanFailed    PlanStatus = "FAILED"
	PlanCancelled PlanStatus = "CANCELLED"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionActive     PositionStatus = "ACTIVE"
	PositionClosed     PositionStatus = "CLOSED"
	PositionLiquidated PositionStatus = "LIQUIDATED"
)

// Exit reasons recorded on closed positions.
const (
	ExitReasonStopLoss        = "stop_loss"
	ExitReasonTrailingStop    = "trailing_stop"
	ExitReasonExternalClosed  = "external_closed"
	ExitReasonDuplicateMerged = "duplicate_merged"
	ExitReasonNotExecuted     = "not_executed"
	ExitReasonManual          = "manual"
)

// Execution log event types.
const (
	EventOrderPlaced    = "order_placed"
	EventOrderFilled    = "order_filled"
	EventPositionClosed = "position_closed"
)

// ManualPlan is the operator's intent: at listing_time, open a position on
// symbol with the given sizing and exit parameters.
type ManualPlan struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"` // BUY or SELL
	ListingTime     time.Time       `json:"listing_time"`
	Leverage        int             `json:"leverage"`
	PositionPct     decimal.Decimal `json:"position_pct"`
	StopLossPct     decimal.Decimal `json:"stop_loss_pct"`
	TrailingExitPct decimal.Decimal `json:"trailing_exit_pct"`
	MaxSlippagePct  decimal.Decimal `json:"max_slippage_pct"`
	Notes           *string         `json:"notes,omitempty"`
	Status          PlanStatus      `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Position is a live or historical exposure tracked against the exchange.
type Position struct {
	ID           string         `json:"id"`
	ManualPlanID *string        `json:"manual_plan_id,omitempty"`
	Symbol       string         `json:"symbol"`
	Side         string         `json:"side"` // BUY or SELL
	Status       PositionStatus `json:"status"`
	IsExternal   bool           `json:"is_external"`
	OrderID      *string        `json:"order_id,omitempty"`

	EntryPrice    decimal.Decimal `json:"entry_price"`
	EntryQuantity decimal.Decimal `json:"entry_quantity"`
	EntryTime     time.Time       `json:"entry_time"`

	ExitPrice    *decimal.Decimal `json:"exit_price,omitempty"`
	ExitQuantity *decimal.Decimal `json:"exit_quantity,omitempty"`
	ExitTime     *time.Time       `json:"exit_time,omitempty"`
	ExitReason   *string          `json:"exit_reason,omitempty"`

	Leverage        int             `json:"leverage"`
	StopLossPct     decimal.Decimal `json:"stop_loss_pct"`
	TrailingExitPct decimal.Decimal `json:"trailing_exit_pct"`
	MaxSlippagePct  decimal.Decimal `json:"max_slippage_pct"`

	// Running extrema over the position's life. Once non-nil, HighestPrice
	// only ever increases and LowestPrice only ever decreases.
	HighestPrice  *decimal.Decimal `json:"highest_price,omitempty"`
	LowestPrice   *decimal.Decimal `json:"lowest_price,omitempty"`
	LastCheckTime *time.Time       `json:"last_check_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionLog is one append-only audit trail entry.
type ExecutionLog struct {
	ID           string                 `json:"id"`
	ManualPlanID *string                `json:"manual_plan_id,omitempty"`
	PositionID   *string                `json:"position_id,omitempty"`
	EventType    string                 `json:"event_type"`
	OrderID      *string                `json:"order_id,omitempty"`
	Symbol       *string                `json:"symbol,omitempty"`
	Side         *string                `json:"side,omitempty"`
	Price        *decimal.Decimal       `json:"price,omitempty"`
	Quantity     *decimal.Decimal       `json:"quantity,omitempty"`
	Status       *string                `json:"status,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// DailyPnL is one row of the realized-PnL summary.
type DailyPnL struct {
	Day        time.Time       `json:"day"`
	Realized   decimal.Decimal `json:"realized"`
	Cumulative decimal.Decimal `json:"cumulative"`
	Trades     int             `json:"trades"`
}
