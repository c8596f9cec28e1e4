package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, wallet, protocol, network, status,
	collateral_token, collateral_amount, borrow_token, borrow_amount,
	leverage, liquidation_threshold, entry_price, liquidation_price,
	open_health_factor, open_execution_id, COALESCE(close_execution_id, ''),
	opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                domain.Position
		protocol, status string
	)
	err := row.Scan(
		&p.ID, &p.Wallet, &protocol, &p.Network, &status,
		&p.CollateralToken, &p.CollateralAmount, &p.BorrowToken, &p.BorrowAmount,
		&p.Leverage, &p.LiquidationThreshold, &p.EntryPrice, &p.LiquidationPrice,
		&p.OpenHealthFactor, &p.OpenExecutionID, &p.CloseExecutionID,
		&p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Protocol = domain.ProtocolID(protocol)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func (s *PositionStore) query(ctx context.Context, op, sql string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const q = `
		INSERT INTO positions (
			id, wallet, protocol, network, status,
			collateral_token, collateral_amount, borrow_token, borrow_amount,
			leverage, liquidation_threshold, entry_price, liquidation_price,
			open_health_factor, open_execution_id, close_execution_id,
			opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, NULLIF($16, ''),
			$17, $18, NOW()
		)`
	_, err := s.pool.Exec(ctx, q,
		p.ID, p.Wallet, string(p.Protocol), p.Network, string(p.Status),
		p.CollateralToken, p.CollateralAmount, p.BorrowToken, p.BorrowAmount,
		p.Leverage, p.LiquidationThreshold, p.EntryPrice, p.LiquidationPrice,
		p.OpenHealthFactor, p.OpenExecutionID, p.CloseExecutionID,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of a position: status, amounts and the
// close bookkeeping.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const q = `
		UPDATE positions SET
			status             = $2,
			collateral_amount  = $3,
			borrow_amount      = $4,
			liquidation_price  = $5,
			close_execution_id = NULLIF($6, ''),
			closed_at          = $7,
			updated_at         = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q,
		p.ID, string(p.Status), p.CollateralAmount, p.BorrowAmount,
		p.LiquidationPrice, p.CloseExecutionID, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns the wallet's open positions, newest first.
func (s *PositionStore) ListOpen(ctx context.Context, wallet string) ([]domain.Position, error) {
	return s.query(ctx, "list open positions",
		`SELECT `+positionCols+` FROM positions
		 WHERE wallet = $1 AND status = $2
		 ORDER BY opened_at DESC`, wallet, string(domain.PositionOpen))
}

// ListAllOpen returns every open position, oldest first. The risk monitor
// walks this list.
func (s *PositionStore) ListAllOpen(ctx context.Context) ([]domain.Position, error) {
	return s.query(ctx, "list all open positions",
		`SELECT `+positionCols+` FROM positions
		 WHERE status = $1
		 ORDER BY opened_at`, string(domain.PositionOpen))
}

// ListHistory returns the wallet's positions of any status.
func (s *PositionStore) ListHistory(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error) {
	sql, args := withListOpts(`SELECT `+positionCols+` FROM positions WHERE wallet = $1`,
		[]any{wallet}, "opened_at", opts)
	return s.query(ctx, "list position history", sql, args...)
}

var _ domain.PositionStore = (*PositionStore)(nil)
