package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in process, grouped by call. Tests and local runs use
// it in place of PostgresRepo.
type MemoryRepo struct {
	mu     sync.Mutex
	order  []Event
	byCall map[string][]int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byCall: map[string][]int{}}
}

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCall[e.CallID] = append(r.byCall[e.CallID], len(r.order))
	r.order = append(r.order, e)
	return nil
}

// ListByCall returns a call's events oldest first, like the postgres query.
func (r *MemoryRepo) ListByCall(_ context.Context, callID string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.byCall[callID]
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.order[i])
	}
	return out, nil
}

// Events is every recorded event in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.order...)
}
