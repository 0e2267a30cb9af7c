package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrPlanNotClaimable is returned when a conditional status transition loses
// the race (the plan is no longer in the required source state).
var ErrPlanNotClaimable = errors.New("plan is not claimable")

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("not found")

// PlanRepository persists manual plans and owns their status transitions.
type PlanRepository struct {
	db *DB
}

func NewPlanRepository(db *DB) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, symbol, side, listing_time, leverage, position_pct,
	stop_loss_pct, trailing_exit_pct, max_slippage_pct, notes, status,
	created_at, updated_at`

func scanPlan(row pgx.Row) (*ManualPlan, error) {
	plan := &ManualPlan{}
	err := row.Scan(
		&plan.ID, &plan.Symbol, &plan.Side, &plan.ListingTime, &plan.Leverage,
		&plan.PositionPct, &plan.StopLossPct, &plan.TrailingExitPct,
		&plan.MaxSlippagePct, &plan.Notes, &plan.Status,
		&plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return plan, nil
}

// Create inserts a new plan in PENDING state and assigns its id.
func (r *PlanRepository) Create(ctx context.Context, plan *ManualPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.Status == "" {
		plan.Status = PlanPending
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	query := `
		INSERT INTO manual_plans (id, symbol, side, listing_time, leverage,
			position_pct, stop_loss_pct, trailing_exit_pct, max_slippage_pct,
			notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.Pool.Exec(ctx, query,
		plan.ID, plan.Symbol, plan.Side, plan.ListingTime, plan.Leverage,
		plan.PositionPct, plan.StopLossPct, plan.TrailingExitPct,
		plan.MaxSlippagePct, plan.Notes, plan.Status,
		plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error creating manual plan: %w", err)
	}
	return nil
}

func (r *PlanRepository) GetByID(ctx context.Context, id string) (*ManualPlan, error) {
	query := `SELECT ` + planColumns + ` FROM manual_plans WHERE id = $1`
	return scanPlan(r.db.Pool.QueryRow(ctx, query, id))
}

// List returns all plans ordered by listing time.
func (r *PlanRepository) List(ctx context.Context) ([]*ManualPlan, error) {
	query := `SELECT ` + planColumns + ` FROM manual_plans ORDER BY listing_time ASC`
	return r.queryPlans(ctx, query)
}

// ListPending returns all PENDING plans, including those not yet due.
func (r *PlanRepository) ListPending(ctx context.Context) ([]*ManualPlan, error) {
	query := `SELECT ` + planColumns + ` FROM manual_plans
		WHERE status = $1 ORDER BY listing_time ASC`
	return r.queryPlans(ctx, query, PlanPending)
}

// ListDue returns PENDING plans whose listing time has passed.
func (r *PlanRepository) ListDue(ctx context.Context, now time.Time) ([]*ManualPlan, error) {
	query := `SELECT ` + planColumns + ` FROM manual_plans
		WHERE status = $1 AND listing_time <= $2 ORDER BY listing_time ASC`
	return r.queryPlans(ctx, query, PlanPending, now)
}

// TryClaim atomically moves a plan from PENDING to EXECUTING. It returns true
// only for the single caller that wins the transition; every concurrent
// worker (plan tick or precision goroutine) goes through here.
func (r *PlanRepository) TryClaim(ctx context.Context, id string) (bool, error) {
	query := `UPDATE manual_plans SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`
	tag, err := r.db.Pool.Exec(ctx, query, PlanExecuting, id, PlanPending)
	if err != nil {
		return false, fmt.Errorf("error claiming plan %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExecuted transitions an EXECUTING plan to EXECUTED.
func (r *PlanRepository) MarkExecuted(ctx context.Context, id string) error {
	return r.transition(ctx, id, PlanExecuting, PlanExecuted)
}

// MarkFailed transitions an EXECUTING plan to FAILED.
func (r *PlanRepository) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, PlanExecuting, PlanFailed)
}

// Cancel transitions a PENDING plan to CANCELLED. Plans in any other state
// return ErrPlanNotClaimable.
func (r *PlanRepository) Cancel(ctx context.Context, id string) error {
	return r.transition(ctx, id, PlanPending, PlanCancelled)
}

func (r *PlanRepository) transition(ctx context.Context, id string, from, to PlanStatus) error {
	query := `UPDATE manual_plans SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`
	tag, err := r.db.Pool.Exec(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("error updating plan %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlanNotClaimable
	}
	return nil
}

// MarkExecutedIfDone flips an EXECUTING plan to EXECUTED once it has at least
// one child position and none of them is still ACTIVE.
func (r *PlanRepository) MarkExecutedIfDone(ctx context.Context, id string) error {
	query := `UPDATE manual_plans SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4, $5)
		AND EXISTS (SELECT 1 FROM positions WHERE manual_plan_id = $2)
		AND NOT EXISTS (SELECT 1 FROM positions WHERE manual_plan_id = $2 AND status = $6)`
	_, err := r.db.Pool.Exec(ctx, query, PlanExecuted, id,
		PlanCancelled, PlanFailed, PlanExecuted, PositionActive)
	if err != nil {
		return fmt.Errorf("error finalizing plan %s: %w", id, err)
	}
	return nil
}

func (r *PlanRepository) queryPlans(ctx context.Context, query string, args ...interface{}) ([]*ManualPlan, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying manual plans: %w", err)
	}
	defer rows.Close()

	var plans []*ManualPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning manual plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}
