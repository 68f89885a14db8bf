package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outbound-voice/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRows bounds one summary; beyond it the figures cover the newest calls only.
const maxRows = 10000

// Service aggregates call records. It reads through the call store and never writes.
type Service struct {
	store calls.Store
	now   func() time.Time
}

func NewService(store calls.Store) *Service { return &Service{store: store, now: time.Now} }

// DefaultRange is the last 30 days.
func (s *Service) DefaultRange() TimeRange {
	to := s.now().UTC()
	return TimeRange{From: to.AddDate(0, 0, -30), To: to}
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.store == nil {
		return CallsSummary{}, errors.New("reporting: store not configured")
	}

	rows, err := s.store.Find(ctx, calls.Filter{UserID: req.UserID, NewestFirst: true}, maxRows)
	if err != nil {
		return CallsSummary{}, fmt.Errorf("reporting: list calls: %w", err)
	}

	out := CallsSummary{UserID: req.UserID, Range: req.Range, Outcomes: map[calls.Outcome]int{}}
	connected, scoreSum := 0, 0
	for _, c := range rows {
		if c.StartTime.Before(req.Range.From) || !c.StartTime.Before(req.Range.To) {
			continue
		}
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
			out.Outcomes[c.Outcome]++
			if c.Outcome != calls.OutcomeNoAnswer && c.Outcome != calls.OutcomeTimeout {
				connected++
			}
		case calls.CallStatusFailed:
			out.FailedCalls++
		default:
			out.LiveCalls++
		}
		if c.LastAnalyzedAt != nil {
			out.AnalyzedCalls++
			scoreSum += c.QualificationScore
		}
	}

	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
		out.ConnectionRate = float64(connected) / float64(out.TotalCalls)
		out.QualifiedRate = float64(out.Outcomes[calls.OutcomeQualified]) / float64(out.TotalCalls)
	}
	if out.AnalyzedCalls > 0 {
		out.AverageScore = float64(scoreSum) / float64(out.AnalyzedCalls)
	}
	return out, nil
}
