package executor

import (
	"sync"
	"time"
)

// Dedup remembers strategy IDs that were handed to the coordinator so the
// same plan is not executed twice within the TTL. It is safe for concurrent
// use.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time // strategy ID -> first claimed
	ttl  time.Duration
	now  func() time.Time
}

// NewDedup returns a Dedup with the given window.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Claim records id and reports true when it was not claimed within the TTL.
// Expired entries are swept on every call.
func (d *Dedup) Claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = now
	return true
}

// Release forgets id so the strategy may be submitted again, e.g. after it
// was rejected before anything ran.
func (d *Dedup) Release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}
