package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore. The full MultiTxResult is
// kept as JSONB; the columns beside it exist for querying.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore backed by pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Record upserts a terminal result. A resumed execution overwrites the row
// written by the process that started it.
func (s *ExecutionStore) Record(ctx context.Context, res domain.MultiTxResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("postgres: encode execution %s: %w", res.ExecutionID, err)
	}
	const q = `
		INSERT INTO executions (
			execution_id, strategy_id, kind, wallet, protocol, status,
			error_class, error, rolled_back, last_confirmed_signature,
			position_id, result, started_at, finished_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			NULLIF($7, ''), NULLIF($8, ''), $9, NULLIF($10, ''),
			NULLIF($11, ''), $12, $13, $14
		)
		ON CONFLICT (execution_id) DO UPDATE SET
			status                   = EXCLUDED.status,
			error_class              = EXCLUDED.error_class,
			error                    = EXCLUDED.error,
			rolled_back              = EXCLUDED.rolled_back,
			last_confirmed_signature = EXCLUDED.last_confirmed_signature,
			position_id              = EXCLUDED.position_id,
			result                   = EXCLUDED.result,
			finished_at              = EXCLUDED.finished_at`
	_, err = s.pool.Exec(ctx, q,
		res.ExecutionID, res.StrategyID, string(res.Kind), res.Wallet, string(res.Protocol), string(res.Status),
		string(res.ErrorClass), res.Error, res.RolledBack, res.LastConfirmedSignature,
		res.PositionID, raw, res.StartedAt, res.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record execution %s: %w", res.ExecutionID, err)
	}
	return nil
}

// GetByID returns one recorded result.
func (s *ExecutionStore) GetByID(ctx context.Context, executionID string) (domain.MultiTxResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM executions WHERE execution_id = $1`, executionID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MultiTxResult{}, fmt.Errorf("postgres: execution %s: %w", executionID, domain.ErrNotFound)
		}
		return domain.MultiTxResult{}, fmt.Errorf("postgres: get execution %s: %w", executionID, err)
	}
	var res domain.MultiTxResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.MultiTxResult{}, fmt.Errorf("postgres: decode execution %s: %w", executionID, err)
	}
	return res, nil
}

// ListByWallet returns a wallet's results, newest first.
func (s *ExecutionStore) ListByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.MultiTxResult, error) {
	sql, args := withListOpts(`SELECT result FROM executions WHERE wallet = $1`, []any{wallet}, "started_at", opts)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.MultiTxResult
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		var res domain.MultiTxResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("postgres: decode execution: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
