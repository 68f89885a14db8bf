package calls

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("calls: not found")

// Filter selects calls for listing and for the reconciler sweeps.
type Filter struct {
	UserID   string
	Statuses []CallStatus

	// UntouchedBefore keeps calls whose last_processed_at is unset or older.
	UntouchedBefore time.Time
	// NeedsAnalysis keeps calls that were never analyzed.
	NeedsAnalysis bool

	// NewestFirst orders by start time descending; the default is oldest first.
	NewestFirst bool
}

// Store is the durable call record contract.
//
// Writes that can race with webhook processing are conditional:
// UpdateTransition only applies while the row still has the expected status, and
// BackfillProviderID only writes an empty provider id.
type Store interface {
	Create(ctx context.Context, c Call) error
	FindByID(ctx context.Context, id string) (Call, error)
	FindByProviderID(ctx context.Context, providerCallID string) (Call, error)
	Find(ctx context.Context, f Filter, limit int) ([]Call, error)

	UpdateTransition(ctx context.Context, next Call, expected CallStatus) (bool, error)
	BackfillProviderID(ctx context.Context, id, providerCallID string) (bool, error)
	AppendConversationEntry(ctx context.Context, id string, e ConversationEntry) error
	SetRecordingURL(ctx context.Context, id, url string) error
	Annotate(ctx context.Context, id string, a Analysis) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// New builds a fresh call record in the initiated status.
func New(userID, phoneNumber, leadName string, now time.Time) Call {
	leadName = strings.TrimSpace(leadName)
	if leadName == "" {
		leadName = DefaultLeadName
	}
	now = now.UTC()
	return Call{
		ID:           uuid.NewString(),
		UserID:       userID,
		PhoneNumber:  phoneNumber,
		LeadName:     leadName,
		Status:       CallStatusInitiated,
		StartTime:    now,
		Outcome:      OutcomeIncomplete,
		Conversation: []ConversationEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (f Filter) matches(c Call) bool {
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if c.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.UntouchedBefore.IsZero() && c.LastProcessedAt != nil && !c.LastProcessedAt.Before(f.UntouchedBefore) {
		return false
	}
	if f.NeedsAnalysis && c.LastAnalyzedAt != nil {
		return false
	}
	return true
}
