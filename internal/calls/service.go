package calls

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"outbound-voice/pkg/logger"
)

var ErrConflict = errors.New("calls: concurrent update, transition not applied")

const maxTransitionAttempts = 3

// TransitionObserver is notified after a transition is persisted.
type TransitionObserver func(from, to CallStatus, ev Event)

// Machine applies transitions against the Store using optimistic concurrency:
// read, Apply, then a write conditional on the status that was read.
type Machine struct {
	store   Store
	log     *slog.Logger
	now     func() time.Time
	observe TransitionObserver
}

func NewMachine(store Store, log *slog.Logger) *Machine {
	return &Machine{store: store, log: logger.OrDefault(log), now: time.Now}
}

// WithObserver sets a hook called after each persisted transition.
func (m *Machine) WithObserver(fn TransitionObserver) *Machine {
	m.observe = fn
	return m
}

// WithClock overrides the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) Store() Store { return m.store }

// Apply transitions the call and persists the result.
// A rejected transition returns the current record and an error for which IsNoop is true.
func (m *Machine) Apply(ctx context.Context, callID string, t Transition) (Call, error) {
	if t.At.IsZero() {
		t.At = m.now()
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := m.store.FindByID(ctx, callID)
		if err != nil {
			return Call{}, err
		}

		next, err := Apply(cur, t)
		if err != nil {
			if IsNoop(err) {
				logger.ForCall(m.log, cur.ID, cur.ProviderCallID).Debug("transition skipped",
					"event", t.Event, "status", cur.Status, "reason", err.Error())
			}
			return cur, err
		}

		ok, err := m.store.UpdateTransition(ctx, next, cur.Status)
		if err != nil {
			return cur, err
		}
		if !ok {
			continue
		}

		logger.ForCall(m.log, next.ID, next.ProviderCallID).Info("call transition",
			"event", t.Event, "from", cur.Status, "to", next.Status, "outcome", next.Outcome)
		if m.observe != nil {
			m.observe(cur.Status, next.Status, t.Event)
		}
		return next, nil
	}
	return Call{}, ErrConflict
}

// Annotate writes analysis results. It is the one write allowed on terminal calls.
func (m *Machine) Annotate(ctx context.Context, callID string, a Analysis) error {
	if a.AnalyzedAt.IsZero() {
		a.AnalyzedAt = m.now().UTC()
	}
	if a.QualificationScore < 0 {
		a.QualificationScore = 0
	}
	if a.QualificationScore > 100 {
		a.QualificationScore = 100
	}
	if a.Outcome == "" {
		a.Outcome = OutcomeIncomplete
	}
	return m.store.Annotate(ctx, callID, a)
}
