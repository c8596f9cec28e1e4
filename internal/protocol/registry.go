package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// Registry holds the adapters keyed by protocol id. It is safe for
// concurrent use.
type Registry struct {
	adapters map[domain.ProtocolID]Adapter
	mu       sync.RWMutex
}

// NewRegistry returns a Registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.ProtocolID]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds an adapter, replacing any previous one with the same id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for id.
func (r *Registry) Get(id domain.ProtocolID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("protocol %q: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// IDs returns all registered protocol ids in sorted order.
func (r *Registry) IDs() []domain.ProtocolID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.ProtocolID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Supporting returns, in id order, the adapters listing both tokens and
// admitted by the request's protocol filter.
func (r *Registry) Supporting(req domain.QuoteRequest) []Adapter {
	var out []Adapter
	for _, id := range r.IDs() {
		if !req.WantsProtocol(id) {
			continue
		}
		a, err := r.Get(id)
		if err != nil {
			continue
		}
		if a.Supports(req.CollateralToken, req.BorrowToken) {
			out = append(out, a)
		}
	}
	return out
}
