package calls

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyTerminal is returned for any transition on a completed or failed call.
	ErrAlreadyTerminal = errors.New("calls: call already terminal")
	// ErrInvalidTransition is returned when the event does not apply from the current status.
	ErrInvalidTransition = errors.New("calls: invalid transition")
)

// IsNoop reports whether err means the transition was rejected and nothing changed.
// Callers log these and move on; they are expected under duplicate or reordered events.
func IsNoop(err error) bool {
	return errors.Is(err, ErrAlreadyTerminal) || errors.Is(err, ErrInvalidTransition)
}

type Event string

const (
	EventRing     Event = "ring"
	EventAnswer   Event = "answer"
	EventConverse Event = "converse"
	EventHangup   Event = "hangup"
	EventNoAnswer Event = "no_answer"
	EventTimeout  Event = "timeout"
	EventFail     Event = "fail"
)

// Transition is the input to Apply.
type Transition struct {
	Event Event
	At    time.Time

	// Outcome overrides the outcome recorded on a terminal transition.
	Outcome Outcome
	// Note is appended to Notes. Required context for EventFail.
	Note string
	// Score, when set, records the live qualification score with the transition.
	Score *int
}

// Apply is the call state machine. It is pure: it only changes status, outcome,
// notes, score and the end timestamps. Side effects belong to the caller and run after
// the new state is persisted.
func Apply(c Call, t Transition) (Call, error) {
	if c.Status.IsTerminal() {
		return c, ErrAlreadyTerminal
	}

	next := c
	switch t.Event {
	case EventRing:
		if c.Status != CallStatusInitiated {
			return c, invalid(c.Status, t.Event)
		}
		next.Status = CallStatusRinging

	case EventAnswer:
		if c.Status != CallStatusInitiated && c.Status != CallStatusRinging {
			return c, invalid(c.Status, t.Event)
		}
		next.Status = CallStatusAnswered

	case EventConverse:
		if c.Status != CallStatusAnswered {
			return c, invalid(c.Status, t.Event)
		}
		next.Status = CallStatusInProgress

	case EventHangup:
		next.Status = CallStatusCompleted
		switch {
		case t.Outcome != "":
			next.Outcome = t.Outcome
		case c.Outcome == "" || c.Outcome == OutcomeIncomplete:
			next.Outcome = OutcomeNoAnswer
		}

	case EventNoAnswer:
		next.Status = CallStatusCompleted
		next.Outcome = OutcomeNoAnswer

	case EventTimeout:
		next.Status = CallStatusCompleted
		next.Outcome = OutcomeTimeout

	case EventFail:
		next.Status = CallStatusFailed

	default:
		return c, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, t.Event)
	}

	if next.Status.rank() < c.Status.rank() {
		return c, invalid(c.Status, t.Event)
	}

	if t.Note != "" {
		next.Notes = appendNote(c.Notes, t.Note)
	}
	if t.Score != nil {
		next.QualificationScore = max(0, min(100, *t.Score))
	}
	if next.Status.IsTerminal() {
		next = finish(next, t.At)
	}
	return next, nil
}

// finish stamps EndTime once and derives the duration from it.
func finish(c Call, at time.Time) Call {
	if c.EndTime != nil {
		return c
	}
	if at.IsZero() {
		at = time.Now()
	}
	end := at.UTC()
	c.EndTime = &end
	c.DurationSeconds = durationSeconds(c.StartTime, end)
	return c
}

func durationSeconds(start, end time.Time) int {
	if start.IsZero() || end.Before(start) {
		return 0
	}
	return int(end.Sub(start) / time.Second)
}

func appendNote(existing, note string) string {
	existing = strings.TrimSpace(existing)
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

func invalid(from CallStatus, ev Event) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
}
