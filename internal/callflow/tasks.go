package callflow

import (
	"context"
	"sync"
	"time"
)

// Tasks runs delayed work scoped to a call. Each call gets one context; Cancel
// ends it, and a task whose delay elapses after that never runs its body.
type Tasks struct {
	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu    sync.Mutex
	calls map[string]*callScope
}

type callScope struct {
	ctx     context.Context
	cancel  context.CancelFunc
	pending int
}

func NewTasks() *Tasks {
	root, stop := context.WithCancel(context.Background())
	return &Tasks{root: root, stop: stop, calls: map[string]*callScope{}}
}

// After runs fn once d has elapsed, unless the call is cancelled first.
func (t *Tasks) After(callID string, d time.Duration, fn func(ctx context.Context)) {
	t.mu.Lock()
	s, ok := t.calls[callID]
	if !ok {
		ctx, cancel := context.WithCancel(t.root)
		s = &callScope{ctx: ctx, cancel: cancel}
		t.calls[callID] = s
	}
	s.pending++
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.done(callID, s)

		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		if s.ctx.Err() != nil {
			return
		}
		fn(s.ctx)
	}()
}

// done drops the scope once its last task finished without being cancelled.
func (t *Tasks) done(callID string, s *callScope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.pending--
	if s.pending == 0 && t.calls[callID] == s {
		delete(t.calls, callID)
		s.cancel()
	}
}

// Cancel stops every pending task of the call.
func (t *Tasks) Cancel(callID string) {
	t.mu.Lock()
	s, ok := t.calls[callID]
	if ok {
		delete(t.calls, callID)
	}
	t.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Len reports how many calls have pending tasks.
func (t *Tasks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Close cancels everything and waits for running bodies to return.
func (t *Tasks) Close() {
	t.stop()
	t.wg.Wait()
}
