// Package conversation holds per-call dialogue memory and decides what the agent says next.
package conversation

import (
	"time"

	"outbound-voice/internal/calls"
)

type Stage string

const (
	StageOpening          Stage = "opening"
	StageQualification    Stage = "qualification"
	StageInterestBuilding Stage = "interest_building"
	StageClosing          Stage = "closing"
)

func (s Stage) rank() int {
	switch s {
	case StageOpening:
		return 0
	case StageQualification:
		return 1
	case StageInterestBuilding:
		return 2
	case StageClosing:
		return 3
	default:
		return -1
	}
}

type Turn struct {
	Role calls.Role
	Text string
	At   time.Time
}

const (
	InterestLow    = "low"
	InterestMedium = "medium"
	InterestHigh   = "high"

	TimelineUrgent = "urgent"
	TimelineMedium = "medium"
)

// Qualification holds the signals extracted from customer speech. Empty fields are unknown.
type Qualification struct {
	BusinessType  string `json:"business_type,omitempty"`
	HasWebsite    *bool  `json:"has_website,omitempty"`
	Timeline      string `json:"timeline,omitempty"`
	InterestLevel string `json:"interest_level,omitempty"`
	BudgetConcern bool   `json:"budget_concern,omitempty"`
}

func (q Qualification) empty() bool {
	return q.BusinessType == "" && q.HasWebsite == nil && q.Timeline == "" && q.InterestLevel == "" && !q.BudgetConcern
}

// Context is the in-memory dialogue state of one call.
type Context struct {
	CallID        string
	LeadName      string
	Stage         Stage
	Turns         []Turn
	Qualification Qualification
	TurnCount     int
	Closing       bool
	CreatedAt     time.Time
}

// maxRetainedTurns bounds memory per call; only the tail is ever replayed.
const maxRetainedTurns = 40

func (c *Context) addTurn(role calls.Role, text string, at time.Time) {
	c.Turns = append(c.Turns, Turn{Role: role, Text: text, At: at})
	if len(c.Turns) > maxRetainedTurns {
		c.Turns = append([]Turn(nil), c.Turns[len(c.Turns)-maxRetainedTurns:]...)
	}
}

func (c *Context) clone() Context {
	out := *c
	out.Turns = append([]Turn(nil), c.Turns...)
	if c.Qualification.HasWebsite != nil {
		v := *c.Qualification.HasWebsite
		out.Qualification.HasWebsite = &v
	}
	return out
}
