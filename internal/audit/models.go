package audit

import "time"

// Event is an immutable, append-only record of something that happened to a call
// outside its normal lifecycle.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id is required; every event belongs to exactly one call.
// - Recording is best-effort; do not block call handling on audit failures.
//
// Storage: table call_events (see calls/schema.sql), INSERT-only.
type Event struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	// Type indicates the category of the record.
	Type EventType `json:"type" db:"type"`

	// Actor is who caused the event: a user id for operator actions, or the
	// component name ("dispatcher", "reconciler") for automated ones.
	Actor string `json:"actor,omitempty" db:"actor"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional free-form detail, usually the webhook event type or error.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeWebhookError      EventType = "webhook_error"
	EventTypeFallback          EventType = "fallback"
	EventTypeForcedTermination EventType = "forced_termination"
	EventTypeOperatorAction    EventType = "operator_action"
)
