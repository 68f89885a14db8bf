package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Store for tests and local runs.
// It applies the same conditional-update rules as the Postgres store.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{calls: map[string]Call{}} }

func (r *MemoryRepo) Create(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ID] = clone(c)
	return nil
}

func (r *MemoryRepo) FindByID(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return clone(c), nil
}

func (r *MemoryRepo) FindByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if providerCallID == "" {
		return Call{}, ErrNotFound
	}
	for _, c := range r.calls {
		if c.ProviderCallID == providerCallID {
			return clone(c), nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepo) Find(ctx context.Context, f Filter, limit int) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0)
	for _, c := range r.calls {
		if f.matches(c) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if f.NewestFirst {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) UpdateTransition(ctx context.Context, next Call, expected CallStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.calls[next.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != expected {
		return false, nil
	}
	cur.Status = next.Status
	cur.Outcome = next.Outcome
	cur.Notes = next.Notes
	cur.EndTime = next.EndTime
	cur.DurationSeconds = next.DurationSeconds
	cur.QualificationScore = next.QualificationScore
	cur.UpdatedAt = time.Now().UTC()
	r.calls[next.ID] = cur
	return true, nil
}

func (r *MemoryRepo) BackfillProviderID(ctx context.Context, id, providerCallID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.calls[id]
	if !ok {
		return false, ErrNotFound
	}
	if cur.ProviderCallID != "" {
		return false, nil
	}
	cur.ProviderCallID = providerCallID
	r.calls[id] = cur
	return true, nil
}

func (r *MemoryRepo) AppendConversationEntry(ctx context.Context, id string, e ConversationEntry) error {
	return r.update(id, func(c *Call) { c.Conversation = append(c.Conversation, e) })
}

func (r *MemoryRepo) SetRecordingURL(ctx context.Context, id, url string) error {
	return r.update(id, func(c *Call) { c.RecordingURL = url })
}

func (r *MemoryRepo) Annotate(ctx context.Context, id string, a Analysis) error {
	return r.update(id, func(c *Call) {
		c.Outcome = a.Outcome
		c.QualificationScore = a.QualificationScore
		c.Notes = a.Notes
		at := a.AnalyzedAt
		c.LastAnalyzedAt = &at
	})
}

func (r *MemoryRepo) Touch(ctx context.Context, id string, at time.Time) error {
	return r.update(id, func(c *Call) { c.LastProcessedAt = &at })
}

func (r *MemoryRepo) update(id string, fn func(c *Call)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.calls[id]
	if !ok {
		return ErrNotFound
	}
	fn(&cur)
	r.calls[id] = cur
	return nil
}

func clone(c Call) Call {
	out := c
	out.Conversation = append([]ConversationEntry(nil), c.Conversation...)
	return out
}
