package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore backed by pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotCols = `id, position_id, wallet, health_factor, collateral_value,
	borrowed_value, leverage, liquidation_price, risk_score,
	cascade_probability, time_to_liquidation_ms, taken_at`

func scanSnapshot(row pgx.Row) (domain.AccountSnapshot, error) {
	var (
		s   domain.AccountSnapshot
		ttl int64
	)
	err := row.Scan(
		&s.ID, &s.PositionID, &s.Wallet, &s.HealthFactor, &s.CollateralValue,
		&s.BorrowedValue, &s.Leverage, &s.LiquidationPrice, &s.RiskScore,
		&s.CascadeProbability, &ttl, &s.TakenAt,
	)
	s.TimeToLiquidation = time.Duration(ttl) * time.Millisecond
	return s, err
}

// Insert appends a snapshot.
func (st *SnapshotStore) Insert(ctx context.Context, s domain.AccountSnapshot) error {
	const q = `
		INSERT INTO account_snapshots (
			position_id, wallet, health_factor, collateral_value,
			borrowed_value, leverage, liquidation_price, risk_score,
			cascade_probability, time_to_liquidation_ms, taken_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := st.pool.Exec(ctx, q,
		s.PositionID, s.Wallet, s.HealthFactor, s.CollateralValue,
		s.BorrowedValue, s.Leverage, s.LiquidationPrice, s.RiskScore,
		s.CascadeProbability, s.TimeToLiquidation.Milliseconds(), s.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert snapshot for %s: %w", s.PositionID, err)
	}
	return nil
}

// Latest returns the most recent snapshot of a position.
func (st *SnapshotStore) Latest(ctx context.Context, positionID string) (domain.AccountSnapshot, error) {
	s, err := scanSnapshot(st.pool.QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM account_snapshots
		 WHERE position_id = $1 ORDER BY taken_at DESC LIMIT 1`, positionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AccountSnapshot{}, fmt.Errorf("postgres: snapshot of %s: %w", positionID, domain.ErrNotFound)
		}
		return domain.AccountSnapshot{}, fmt.Errorf("postgres: latest snapshot of %s: %w", positionID, err)
	}
	return s, nil
}

// List returns a position's snapshots, newest first.
func (st *SnapshotStore) List(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.AccountSnapshot, error) {
	sql, args := withListOpts(`SELECT `+snapshotCols+` FROM account_snapshots WHERE position_id = $1`,
		[]any{positionID}, "taken_at", opts)
	rows, err := st.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots of %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []domain.AccountSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
