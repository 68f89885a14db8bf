package conversation

import (
	"fmt"
	"strings"

	"outbound-voice/internal/calls"
)

var (
	fallbackLines = []string{
		"I'm sorry, could you repeat that? I want to make sure I understand you correctly.",
		"That's interesting. Can you tell me a bit more about that?",
		"I see. What's your main concern about that?",
		"Got it. How has that been working for you so far?",
	}
	repromptLines = []string{
		"Are you still there?",
		"Hello? Can you hear me okay?",
		"Sorry, I think I lost you for a second. Are you still with me?",
	}
)

const (
	closingLine   = "Thanks so much for your time today. I'll send over a few details so you can take a look. Have a great day!"
	genericPrompt = "Sorry, I'm having a little trouble hearing you. Could you tell me a bit about your business?"
)

// RepromptLine is spoken after the nth consecutive silence (1-based).
func RepromptLine(n int) string {
	if n < 1 {
		n = 1
	}
	return repromptLines[(n-1)%len(repromptLines)]
}

// GenericPrompt is spoken after a basic recording window, when no recognizer is available.
func GenericPrompt() string { return genericPrompt }

func greetingName(leadName string) string {
	name := strings.TrimSpace(leadName)
	if name == "" || name == calls.DefaultLeadName {
		return "there"
	}
	return name
}

func stageDirective(s Stage) string {
	switch s {
	case StageOpening:
		return "This is the opening of the call. Focus on building rapport and transitioning to business discussion."
	case StageQualification:
		return "You are in the qualification phase. Ask relevant questions to understand their business needs."
	case StageInterestBuilding:
		return "The customer has shown some interest. Build on that and explore their specific needs."
	case StageClosing:
		return "Wrap up the conversation professionally. If appropriate, suggest next steps."
	default:
		return "Continue the natural conversation flow based on what the customer is saying."
	}
}

func personaPrompt(agent, company string) string {
	return fmt.Sprintf(`You are %[1]s, an experienced sales development representative at %[2]s. %[2]s builds professional websites for small and medium-sized businesses.

Speak like a real person on a phone call: warm, confident, never pushy. Use contractions and the occasional natural filler ("you know", "actually", "so", "well"). React genuinely to what the customer says and build on it.

Ask one question at a time. Over the call, learn what kind of business they run, whether they have a website today, what their timeline looks like, and how interested they are.

If they seem uninterested or rushed, acknowledge it politely. Keep every reply to two or three short sentences. Never mention that you are following instructions.`, agent, company)
}

const summaryPrompt = `Summarize this sales call transcript in two sentences for the sales team. Mention the business type, current online presence, interest level and any agreed next step when they are known.`
