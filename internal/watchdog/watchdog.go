// Package watchdog detects callers who stop talking.
//
// Each call has one timer. When it fires the call's consecutive-silence count goes
// up; below the limit OnSilence runs and the timer re-arms, at the limit the entry is
// dropped and OnExhausted runs. Every arm bumps a generation number so a timer that
// fires after being superseded does nothing.
package watchdog

import (
	"log/slog"
	"sync"
	"time"

	"outbound-voice/pkg/logger"
)

type Options struct {
	Timeout     time.Duration
	MaxSilences int

	OnSilence   func(callID string, n int)
	OnExhausted func(callID string)

	Log *slog.Logger
}

type Watchdog struct {
	timeout     time.Duration
	maxSilences int
	onSilence   func(string, int)
	onExhausted func(string)
	log         *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	gen   uint64
	count int
	timer *time.Timer
}

func New(opts Options) *Watchdog {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.MaxSilences <= 0 {
		opts.MaxSilences = 3
	}
	return &Watchdog{
		timeout:     opts.Timeout,
		maxSilences: opts.MaxSilences,
		onSilence:   opts.OnSilence,
		onExhausted: opts.OnExhausted,
		log:         logger.OrDefault(opts.Log),
		entries:     map[string]*entry{},
	}
}

// Arm starts or restarts the silence timer. The consecutive count is kept.
func (w *Watchdog) Arm(callID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[callID]
	if !ok {
		e = &entry{}
		w.entries[callID] = e
	}
	w.schedule(callID, e)
}

// schedule must be called with mu held.
func (w *Watchdog) schedule(callID string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(w.timeout, func() { w.fire(callID, gen) })
}

// Heard disarms the timer and resets the count.
func (w *Watchdog) Heard(callID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[callID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	e.count = 0
}

// Release forgets the call.
func (w *Watchdog) Release(callID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[callID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(w.entries, callID)
}

func (w *Watchdog) fire(callID string, gen uint64) {
	w.mu.Lock()
	e, ok := w.entries[callID]
	if !ok || e.gen != gen {
		w.mu.Unlock()
		return
	}
	e.count++
	n := e.count
	exhausted := n >= w.maxSilences
	if exhausted {
		delete(w.entries, callID)
	} else {
		w.schedule(callID, e)
	}
	w.mu.Unlock()

	log := logger.ForCall(w.log, callID, "")
	if exhausted {
		log.Info("caller silent, giving up", "silences", n)
		if w.onExhausted != nil {
			w.onExhausted(callID)
		}
		return
	}
	log.Info("caller silent", "silences", n)
	if w.onSilence != nil {
		w.onSilence(callID, n)
	}
}

// Count reports consecutive silences and whether the call is tracked.
func (w *Watchdog) Count(callID string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[callID]
	if !ok {
		return 0, false
	}
	return e.count, true
}

func (w *Watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
