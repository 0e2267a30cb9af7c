package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrPositionNotActive is returned when Close loses the status race.
var ErrPositionNotActive = errors.New("position is not active")

// PositionRepository persists positions. The monitor is the only writer of
// extrema and exit fields; the engine and the reconciler create rows.
type PositionRepository struct {
	db *DB
}

func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

const positionColumns = `id, manual_plan_id, symbol, side, status, is_external,
	order_id, entry_price, entry_quantity, entry_time, exit_price,
	exit_quantity, exit_time, exit_reason, leverage, stop_loss_pct,
	trailing_exit_pct, max_slippage_pct, highest_price, lowest_price,
	last_check_time, created_at, updated_at`

func scanPosition(row pgx.Row) (*Position, error) {
	pos := &Position{}
	err := row.Scan(
		&pos.ID, &pos.ManualPlanID, &pos.Symbol, &pos.Side, &pos.Status,
		&pos.IsExternal, &pos.OrderID, &pos.EntryPrice, &pos.EntryQuantity,
		&pos.EntryTime, &pos.ExitPrice, &pos.ExitQuantity, &pos.ExitTime,
		&pos.ExitReason, &pos.Leverage, &pos.StopLossPct, &pos.TrailingExitPct,
		&pos.MaxSlippagePct, &pos.HighestPrice, &pos.LowestPrice,
		&pos.LastCheckTime, &pos.CreatedAt, &pos.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return pos, nil
}

func (r *PositionRepository) Create(ctx context.Context, pos *Position) error {
	if pos.ID == "" {
		pos.ID = uuid.New().String()
	}
	if pos.Status == "" {
		pos.Status = PositionActive
	}
	now := time.Now().UTC()
	pos.CreatedAt = now
	pos.UpdatedAt = now

	query := `
		INSERT INTO positions (id, manual_plan_id, symbol, side, status,
			is_external, order_id, entry_price, entry_quantity, entry_time,
			exit_price, exit_quantity, exit_time, exit_reason, leverage,
			stop_loss_pct, trailing_exit_pct, max_slippage_pct,
			highest_price, lowest_price, last_check_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23)`

	_, err := r.db.Pool.Exec(ctx, query,
		pos.ID, pos.ManualPlanID, pos.Symbol, pos.Side, pos.Status,
		pos.IsExternal, pos.OrderID, pos.EntryPrice, pos.EntryQuantity,
		pos.EntryTime, pos.ExitPrice, pos.ExitQuantity, pos.ExitTime,
		pos.ExitReason, pos.Leverage, pos.StopLossPct, pos.TrailingExitPct,
		pos.MaxSlippagePct, pos.HighestPrice, pos.LowestPrice,
		pos.LastCheckTime, pos.CreatedAt, pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error creating position: %w", err)
	}
	return nil
}

func (r *PositionRepository) GetByID(ctx context.Context, id string) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	return scanPosition(r.db.Pool.QueryRow(ctx, query, id))
}

// ActivePositions returns every ACTIVE position ordered by entry time.
func (r *PositionRepository) ActivePositions(ctx context.Context) ([]*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE status = $1 ORDER BY entry_time ASC`
	return r.queryPositions(ctx, query, PositionActive)
}

// ActiveBySymbolSide returns ACTIVE positions on one (symbol, side) tuple.
func (r *PositionRepository) ActiveBySymbolSide(ctx context.Context, symbol, side string) ([]*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE status = $1 AND symbol = $2 AND side = $3 ORDER BY entry_time DESC`
	return r.queryPositions(ctx, query, PositionActive, symbol, side)
}

// ListRecent returns positions in any state, newest first.
func (r *PositionRepository) ListRecent(ctx context.Context, limit int) ([]*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		ORDER BY COALESCE(exit_time, entry_time) DESC LIMIT $1`
	return r.queryPositions(ctx, query, limit)
}

// Update rewrites the entry facts, risk parameters and lifecycle fields of a
// position row. The extrema columns have a single writer, UpdateExtremaBulk,
// and are never touched here: a full-row write would undo a monitor tick that
// landed between read and write.
func (r *PositionRepository) Update(ctx context.Context, pos *Position) error {
	pos.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE positions SET
			status = $2, is_external = $3, order_id = $4, entry_price = $5,
			entry_quantity = $6, entry_time = $7, exit_price = $8,
			exit_quantity = $9, exit_time = $10, exit_reason = $11,
			leverage = $12, stop_loss_pct = $13, trailing_exit_pct = $14,
			max_slippage_pct = $15, updated_at = $16
		WHERE id = $1`

	_, err := r.db.Pool.Exec(ctx, query,
		pos.ID, pos.Status, pos.IsExternal, pos.OrderID, pos.EntryPrice,
		pos.EntryQuantity, pos.EntryTime, pos.ExitPrice, pos.ExitQuantity,
		pos.ExitTime, pos.ExitReason, pos.Leverage, pos.StopLossPct,
		pos.TrailingExitPct, pos.MaxSlippagePct, pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error updating position %s: %w", pos.ID, err)
	}
	return nil
}

// ExtremaUpdate is one entry of the per-tick bulk extrema write.
type ExtremaUpdate struct {
	PositionID    string
	HighestPrice  decimal.Decimal
	LowestPrice   decimal.Decimal
	LastCheckTime time.Time
}

// UpdateExtremaBulk writes the running extrema of many positions in one
// round trip. GREATEST/LEAST keep the columns monotonic even if a competing
// writer slipped in between read and write.
func (r *PositionRepository) UpdateExtremaBulk(ctx context.Context, updates []ExtremaUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	query := `
		UPDATE positions SET
			highest_price = GREATEST(COALESCE(highest_price, $2), $2),
			lowest_price = LEAST(COALESCE(lowest_price, $3), $3),
			last_check_time = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'`

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(query, u.PositionID, u.HighestPrice, u.LowestPrice, u.LastCheckTime)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("error updating extrema: %w", err)
		}
	}
	return nil
}

// Close finalizes a position. The status predicate makes the transition a
// CAS: only one closer wins, everyone else gets ErrPositionNotActive.
func (r *PositionRepository) Close(ctx context.Context, id string, exitPrice, exitQuantity decimal.Decimal, exitTime time.Time, reason string) error {
	query := `
		UPDATE positions SET
			status = $2, exit_price = $3, exit_quantity = $4, exit_time = $5,
			exit_reason = $6, updated_at = NOW()
		WHERE id = $1 AND status = $7`

	tag, err := r.db.Pool.Exec(ctx, query,
		id, PositionClosed, exitPrice, exitQuantity, exitTime, reason, PositionActive)
	if err != nil {
		return fmt.Errorf("error closing position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotActive
	}
	return nil
}

// DailyRealizedPnL aggregates realized PnL per UTC day for closed positions,
// newest window first limited to the requested day count.
func (r *PositionRepository) DailyRealizedPnL(ctx context.Context, days int) ([]*DailyPnL, error) {
	query := `
		SELECT day, realized, trades FROM (
			SELECT date_trunc('day', exit_time) AS day,
				SUM(CASE WHEN side = 'BUY'
					THEN (exit_price - entry_price) * exit_quantity
					ELSE (entry_price - exit_price) * exit_quantity END) AS realized,
				COUNT(*) AS trades
			FROM positions
			WHERE status = $1 AND exit_time IS NOT NULL
				AND exit_price IS NOT NULL AND exit_quantity IS NOT NULL
				AND exit_time >= NOW() - ($2 || ' days')::interval
			GROUP BY 1
		) t ORDER BY day ASC`

	rows, err := r.db.Pool.Query(ctx, query, PositionClosed, days)
	if err != nil {
		return nil, fmt.Errorf("error querying daily pnl: %w", err)
	}
	defer rows.Close()

	var result []*DailyPnL
	cumulative := decimal.Zero
	for rows.Next() {
		row := &DailyPnL{}
		if err := rows.Scan(&row.Day, &row.Realized, &row.Trades); err != nil {
			return nil, fmt.Errorf("error scanning daily pnl: %w", err)
		}
		cumulative = cumulative.Add(row.Realized)
		row.Cumulative = cumulative
		result = append(result, row)
	}
	return result, rows.Err()
}

func (r *PositionRepository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning position: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}
