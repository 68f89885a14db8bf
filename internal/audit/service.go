package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID string, limit int) ([]Event, error)
}

// Service records call audit events. Callers should treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogWebhookError records a webhook that was acknowledged but could not be processed.
func (s *Service) LogWebhookError(ctx context.Context, callID, eventType string, err error) error {
	return s.Append(ctx, Event{
		CallID:   callID,
		Type:     EventTypeWebhookError,
		Actor:    "dispatcher",
		Message:  fmt.Sprintf("%s handling failed", eventType),
		Metadata: errString(err),
	})
}

// LogFallback records a switch to a secondary provider.
func (s *Service) LogFallback(ctx context.Context, callID, subsystem, note string) error {
	return s.Append(ctx, Event{
		CallID:   callID,
		Type:     EventTypeFallback,
		Actor:    subsystem,
		Message:  subsystem + " fell back",
		Metadata: note,
	})
}

// LogForcedTermination records a call ended by the reconciler or the silence watchdog.
func (s *Service) LogForcedTermination(ctx context.Context, callID, actor, reason string) error {
	return s.Append(ctx, Event{
		CallID:  callID,
		Type:    EventTypeForcedTermination,
		Actor:   actor,
		Message: reason,
	})
}

// LogOperatorAction records an action taken through the operator API.
func (s *Service) LogOperatorAction(ctx context.Context, callID, userID, message string) error {
	return s.Append(ctx, Event{
		CallID:  callID,
		Type:    EventTypeOperatorAction,
		Actor:   userID,
		Message: message,
	})
}

func (s *Service) ListByCall(ctx context.Context, callID string, limit int) ([]Event, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return s.repo.ListByCall(ctx, callID, limit)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
