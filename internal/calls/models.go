package calls

import "time"

// Call is one outbound voice interaction, from initiation to a terminal status.
//
// Status, EndTime and DurationSeconds are only changed through Apply. A terminal
// call is immutable except for analysis annotation (outcome, score, notes).
type Call struct {
	ID             string `json:"id" db:"id"`
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`
	UserID         string `json:"user_id" db:"user_id"`

	PhoneNumber string `json:"phone_number" db:"phone_number"`
	LeadName    string `json:"lead_name" db:"lead_name"`

	Status CallStatus `json:"status" db:"status"`

	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`

	// DurationSeconds is derived from EndTime and never computed before it exists.
	DurationSeconds int `json:"duration" db:"duration"`

	Outcome            Outcome `json:"outcome" db:"outcome"`
	QualificationScore int     `json:"qualification_score" db:"qualification_score"`
	Notes              string  `json:"notes,omitempty" db:"notes"`
	RecordingURL       string  `json:"recording_url,omitempty" db:"recording_url"`

	Conversation []ConversationEntry `json:"conversation" db:"conversation"`

	LastProcessedAt *time.Time `json:"last_processed_at,omitempty" db:"last_processed_at"`
	LastAnalyzedAt  *time.Time `json:"last_analyzed_at,omitempty" db:"last_analyzed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultLeadName is used when a call is placed without a lead name.
const DefaultLeadName = "Unknown Lead"

type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusAnswered   CallStatus = "answered"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// NonTerminalStatuses lists every status a live call can be in.
var NonTerminalStatuses = []CallStatus{
	CallStatusInitiated,
	CallStatusRinging,
	CallStatusAnswered,
	CallStatusInProgress,
}

func (s CallStatus) IsTerminal() bool {
	return s == CallStatusCompleted || s == CallStatusFailed
}

// rank orders statuses for the monotonic progression check.
func (s CallStatus) rank() int {
	switch s {
	case CallStatusInitiated:
		return 0
	case CallStatusRinging:
		return 1
	case CallStatusAnswered:
		return 2
	case CallStatusInProgress:
		return 3
	case CallStatusCompleted, CallStatusFailed:
		return 4
	default:
		return -1
	}
}

type Outcome string

const (
	OutcomeIncomplete    Outcome = "incomplete"
	OutcomeQualified     Outcome = "qualified"
	OutcomeFollowUp      Outcome = "follow_up"
	OutcomeNotInterested Outcome = "not_interested"
	OutcomeNoAnswer      Outcome = "no_answer"
	OutcomeTimeout       Outcome = "timeout"
)

type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// ConversationEntry is one utterance in the persisted transcript.
type ConversationEntry struct {
	Role      Role      `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	AudioURL  string    `json:"audio_url,omitempty"`
}

// Analysis is the post-hoc annotation a terminal call may still receive.
type Analysis struct {
	Outcome            Outcome
	QualificationScore int
	Notes              string
	AnalyzedAt         time.Time
}
