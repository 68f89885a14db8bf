package conversation

import (
	"fmt"
	"strings"

	"outbound-voice/internal/calls"
)

var (
	negativeWords  = []string{"not interested", "no thanks", "busy", "stop calling", "remove me"}
	rapportWords   = []string{"good", "fine", "okay", "great", "well"}
	interestWords  = []string{"interested", "need", "want", "tell me more"}
	readinessWords = []string{"when", "how much", "next step", "price", "cost"}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// nextStage applies one customer utterance. A negative signal closes; otherwise the
// stage moves at most one step forward, and never back.
func nextStage(current Stage, text string) Stage {
	in := strings.ToLower(text)
	if containsAny(in, negativeWords) {
		return StageClosing
	}
	next := current
	switch current {
	case StageOpening:
		if containsAny(in, rapportWords) {
			next = StageQualification
		}
	case StageQualification:
		if containsAny(in, interestWords) {
			next = StageInterestBuilding
		}
	case StageInterestBuilding:
		if containsAny(in, readinessWords) {
			next = StageClosing
		}
	}
	if next.rank() < current.rank() {
		return current
	}
	return next
}

type rule struct {
	words []string
	value string
}

// Rules are ordered; the first match wins within one utterance.
var (
	businessRules = []rule{
		{[]string{"restaurant", "food", "cafe", "bakery"}, "restaurant"},
		{[]string{"retail", "store", "shop", "boutique"}, "retail"},
		{[]string{"service", "consulting", "agency", "contractor"}, "service"},
	}
	websiteRules = []rule{
		{[]string{"no website", "don't have", "do not have", "without a site"}, "false"},
		{[]string{"website", "site"}, "true"},
	}
	timelineRules = []rule{
		{[]string{"soon", "asap", "quickly", "right away"}, TimelineUrgent},
		{[]string{"month", "weeks"}, TimelineMedium},
	}
	interestRules = []rule{
		{[]string{"not interested", "no thanks", "not really", "don't need"}, InterestLow},
		{[]string{"interested", "sounds good", "tell me more"}, InterestHigh},
		{[]string{"maybe", "thinking about", "not sure"}, InterestMedium},
	}
	budgetWords = []string{"expensive", "cost", "price", "budget", "afford"}
)

func firstMatch(in string, rules []rule) (string, bool) {
	for _, r := range rules {
		if containsAny(in, r.words) {
			return r.value, true
		}
	}
	return "", false
}

// extract folds one customer utterance into q. Later utterances overwrite earlier values.
func extract(q Qualification, text string) Qualification {
	in := strings.ToLower(text)
	if v, ok := firstMatch(in, businessRules); ok {
		q.BusinessType = v
	}
	if v, ok := firstMatch(in, websiteRules); ok {
		has := v == "true"
		q.HasWebsite = &has
	}
	if v, ok := firstMatch(in, timelineRules); ok {
		q.Timeline = v
	}
	if v, ok := firstMatch(in, interestRules); ok {
		q.InterestLevel = v
	}
	if containsAny(in, budgetWords) {
		q.BudgetConcern = true
	}
	return q
}

// Outcome derives the call outcome from a context. It is a pure function.
func Outcome(c Context) calls.Outcome {
	q := c.Qualification
	switch {
	case q.InterestLevel == InterestHigh && c.TurnCount >= 3:
		return calls.OutcomeQualified
	case q.InterestLevel == InterestLow:
		return calls.OutcomeNotInterested
	case q.InterestLevel == InterestMedium || c.Stage == StageInterestBuilding:
		return calls.OutcomeFollowUp
	case c.TurnCount < 2 || c.Stage == StageOpening:
		return calls.OutcomeNoAnswer
	default:
		return calls.OutcomeNotInterested
	}
}

// Score rates a lead from 0 to 100.
func Score(c Context) int {
	q := c.Qualification
	score := 0
	switch q.InterestLevel {
	case InterestHigh:
		score += 40
	case InterestMedium:
		score += 20
	}
	if q.HasWebsite != nil {
		if *q.HasWebsite {
			score += 5
		} else {
			score += 15
		}
	}
	switch q.Timeline {
	case TimelineUrgent:
		score += 20
	case TimelineMedium:
		score += 10
	}
	if q.BusinessType != "" {
		score += 10
	}
	if q.BudgetConcern {
		score -= 10
	}
	switch c.Stage {
	case StageInterestBuilding:
		score += 10
	case StageClosing:
		if q.InterestLevel != InterestLow {
			score += 15
		}
	}
	if c.TurnCount >= 3 {
		score += 5
	}
	return max(0, min(100, score))
}

// Analyze replays stage and signal extraction over a stored transcript. The
// boolean reports whether any qualification signal was found.
func Analyze(entries []calls.ConversationEntry) (calls.Analysis, bool) {
	c := Context{Stage: StageOpening}
	for _, e := range entries {
		if e.Role != calls.RoleCustomer {
			continue
		}
		c.TurnCount++
		c.Stage = nextStage(c.Stage, e.Message)
		c.Qualification = extract(c.Qualification, e.Message)
	}
	return calls.Analysis{
		Outcome:            Outcome(c),
		QualificationScore: Score(c),
		Notes:              describe(c),
	}, !c.Qualification.empty()
}

func describe(c Context) string {
	q := c.Qualification
	parts := []string{fmt.Sprintf("stage=%s", c.Stage), fmt.Sprintf("turns=%d", c.TurnCount)}
	if q.BusinessType != "" {
		parts = append(parts, "business_type="+q.BusinessType)
	}
	if q.HasWebsite != nil {
		parts = append(parts, fmt.Sprintf("has_website=%t", *q.HasWebsite))
	}
	if q.Timeline != "" {
		parts = append(parts, "timeline="+q.Timeline)
	}
	if q.InterestLevel != "" {
		parts = append(parts, "interest_level="+q.InterestLevel)
	}
	if q.BudgetConcern {
		parts = append(parts, "budget_concern=true")
	}
	return strings.Join(parts, "; ")
}
