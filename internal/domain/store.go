package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists leveraged positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context, wallet string) ([]Position, error)
	ListAllOpen(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, wallet string, opts ListOpts) ([]Position, error)
}

// SnapshotStore persists periodic risk snapshots.
type SnapshotStore interface {
	Insert(ctx context.Context, snap AccountSnapshot) error
	Latest(ctx context.Context, positionID string) (AccountSnapshot, error)
	List(ctx context.Context, positionID string, opts ListOpts) ([]AccountSnapshot, error)
}

// ExecutionStore persists terminal strategy results.
type ExecutionStore interface {
	Record(ctx context.Context, res MultiTxResult) error
	GetByID(ctx context.Context, executionID string) (MultiTxResult, error)
	ListByWallet(ctx context.Context, wallet string, opts ListOpts) ([]MultiTxResult, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
