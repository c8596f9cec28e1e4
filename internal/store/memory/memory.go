// Package memory implements the domain store interfaces in process, for
// running without PostgreSQL and for service tests. Nothing survives a
// restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// page applies ListOpts to items already sorted newest first.
func page[T any](items []T, at func(T) time.Time, opts domain.ListOpts) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		ts := at(it)
		if opts.Since != nil && ts.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && ts.After(*opts.Until) {
			continue
		}
		out = append(out, it)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	byID map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{byID: make(map[string]domain.Position)}
}

func (s *PositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; ok {
		return fmt.Errorf("memory: position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	s.byID[p.ID] = p
	return nil
}

func (s *PositionStore) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		return fmt.Errorf("memory: position %s: %w", p.ID, domain.ErrNotFound)
	}
	s.byID[p.ID] = p
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *PositionStore) filter(keep func(domain.Position) bool, newestFirst bool) []domain.Position {
	s.mu.RLock()
	var out []domain.Position
	for _, p := range s.byID {
		if keep(p) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].OpenedAt.After(out[j].OpenedAt)
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (s *PositionStore) ListOpen(_ context.Context, wallet string) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool {
		return p.Wallet == wallet && p.Status == domain.PositionOpen
	}, true), nil
}

func (s *PositionStore) ListAllOpen(context.Context) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool { return p.Status == domain.PositionOpen }, false), nil
}

func (s *PositionStore) ListHistory(_ context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error) {
	all := s.filter(func(p domain.Position) bool { return p.Wallet == wallet }, true)
	return page(all, func(p domain.Position) time.Time { return p.OpenedAt }, opts), nil
}

// SnapshotStore implements domain.SnapshotStore.
type SnapshotStore struct {
	mu     sync.RWMutex
	nextID int64
	byPos  map[string][]domain.AccountSnapshot // oldest first
}

// NewSnapshotStore creates an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{byPos: make(map[string][]domain.AccountSnapshot)}
}

func (s *SnapshotStore) Insert(_ context.Context, snap domain.AccountSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	snap.ID = s.nextID
	s.byPos[snap.PositionID] = append(s.byPos[snap.PositionID], snap)
	return nil
}

func (s *SnapshotStore) Latest(_ context.Context, positionID string) (domain.AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.byPos[positionID]
	if len(snaps) == 0 {
		return domain.AccountSnapshot{}, fmt.Errorf("memory: snapshot of %s: %w", positionID, domain.ErrNotFound)
	}
	return snaps[len(snaps)-1], nil
}

func (s *SnapshotStore) List(_ context.Context, positionID string, opts domain.ListOpts) ([]domain.AccountSnapshot, error) {
	s.mu.RLock()
	snaps := s.byPos[positionID]
	rev := make([]domain.AccountSnapshot, len(snaps))
	for i, sn := range snaps {
		rev[len(snaps)-1-i] = sn
	}
	s.mu.RUnlock()
	return page(rev, func(a domain.AccountSnapshot) time.Time { return a.TakenAt }, opts), nil
}

// ExecutionStore implements domain.ExecutionStore. Record overwrites.
type ExecutionStore struct {
	mu   sync.RWMutex
	byID map[string]domain.MultiTxResult
}

// NewExecutionStore creates an empty ExecutionStore.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{byID: make(map[string]domain.MultiTxResult)}
}

func (s *ExecutionStore) Record(_ context.Context, res domain.MultiTxResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[res.ExecutionID] = res
	return nil
}

func (s *ExecutionStore) GetByID(_ context.Context, id string) (domain.MultiTxResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.byID[id]
	if !ok {
		return domain.MultiTxResult{}, fmt.Errorf("memory: execution %s: %w", id, domain.ErrNotFound)
	}
	return res, nil
}

func (s *ExecutionStore) ListByWallet(_ context.Context, wallet string, opts domain.ListOpts) ([]domain.MultiTxResult, error) {
	s.mu.RLock()
	var out []domain.MultiTxResult
	for _, res := range s.byID {
		if res.Wallet == wallet {
			out = append(out, res)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, func(r domain.MultiTxResult) time.Time { return r.StartedAt }, opts), nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry // oldest first
	now     func() time.Time
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{now: time.Now}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	rev := make([]domain.AuditEntry, len(s.entries))
	for i, e := range s.entries {
		rev[len(s.entries)-1-i] = e
	}
	s.mu.RUnlock()
	return page(rev, func(e domain.AuditEntry) time.Time { return e.CreatedAt }, opts), nil
}

var (
	_ domain.PositionStore  = (*PositionStore)(nil)
	_ domain.SnapshotStore  = (*SnapshotStore)(nil)
	_ domain.ExecutionStore = (*ExecutionStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)

var (
	_ domain.PositionStore  = (*PositionStore)(nil)
	_ domain.SnapshotStore  = (*SnapshotStore)(nil)
	_ domain.ExecutionStore = (*ExecutionStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)
