package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ExecutionLogRepository appends and reads the audit trail. Rows are never
// updated or deleted.
type ExecutionLogRepository struct {
	db *DB
}

func NewExecutionLogRepository(db *DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db}
}

const logColumns = `id, manual_plan_id, position_id, event_type, order_id,
	symbol, side, price, quantity, status, payload, created_at`

// Append inserts one log entry.
func (r *ExecutionLogRepository) Append(ctx context.Context, entry *ExecutionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO execution_logs (id, manual_plan_id, position_id,
			event_type, order_id, symbol, side, price, quantity, status,
			payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.Pool.Exec(ctx, query,
		entry.ID, entry.ManualPlanID, entry.PositionID, entry.EventType,
		entry.OrderID, entry.Symbol, entry.Side, entry.Price, entry.Quantity,
		entry.Status, entry.Payload, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error appending execution log: %w", err)
	}
	return nil
}

// HasOrderFilled reports whether an order_filled entry exists for the
// position. Used to distinguish external_closed from not_executed.
func (r *ExecutionLogRepository) HasOrderFilled(ctx context.Context, positionID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM execution_logs
		WHERE position_id = $1 AND event_type = $2)`
	var exists bool
	err := r.db.Pool.QueryRow(ctx, query, positionID, EventOrderFilled).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking order_filled log: %w", err)
	}
	return exists, nil
}

// RecentPositionClosed returns the newest position_closed entry for the
// position within the window, or ErrNotFound.
func (r *ExecutionLogRepository) RecentPositionClosed(ctx context.Context, positionID string, window time.Duration) (*ExecutionLog, error) {
	query := `SELECT ` + logColumns + ` FROM execution_logs
		WHERE position_id = $1 AND event_type = $2 AND created_at >= $3
		ORDER BY created_at DESC LIMIT 1`
	cutoff := time.Now().UTC().Add(-window)
	return scanLog(r.db.Pool.QueryRow(ctx, query, positionID, EventPositionClosed, cutoff))
}

// ListRecent returns the newest entries for the dashboard history view.
func (r *ExecutionLogRepository) ListRecent(ctx context.Context, limit int) ([]*ExecutionLog, error) {
	query := `SELECT ` + logColumns + ` FROM execution_logs
		ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying execution logs: %w", err)
	}
	defer rows.Close()

	var entries []*ExecutionLog
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning execution log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanLog(row pgx.Row) (*ExecutionLog, error) {
	entry := &ExecutionLog{}
	err := row.Scan(
		&entry.ID, &entry.ManualPlanID, &entry.PositionID, &entry.EventType,
		&entry.OrderID, &entry.Symbol, &entry.Side, &entry.Price,
		&entry.Quantity, &entry.Status, &entry.Payload, &entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}
