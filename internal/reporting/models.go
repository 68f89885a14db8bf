package reporting

import (
	"time"

	"outbound-voice/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest asks for aggregated call metrics of one user. An empty
// UserID summarizes every user and is reserved for super admins.
type CallsSummaryRequest struct {
	UserID string    `json:"user_id,omitempty"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID string    `json:"user_id,omitempty"`
	Range  TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	LiveCalls      int `json:"live_calls"`
	CompletedCalls int `json:"completed_calls"`
	FailedCalls    int `json:"failed_calls"`
	RecordedCalls  int `json:"recorded_calls"`

	Outcomes map[calls.Outcome]int `json:"outcomes"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// AverageScore covers analyzed calls only.
	AverageScore   float64 `json:"average_score"`
	AnalyzedCalls  int     `json:"analyzed_calls"`
	ConnectionRate float64 `json:"connection_rate"`
	QualifiedRate  float64 `json:"qualified_rate"`
}
