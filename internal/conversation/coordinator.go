package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/llm"
	"outbound-voice/internal/metrics"
	"outbound-voice/pkg/logger"
)

var ErrNoContext = errors.New("conversation: no context for call")

// replayWindow is how many recent turns are sent to the language model.
const replayWindow = 6

type Options struct {
	LLM       llm.Client
	AgentName string
	Company   string
	MaxTurns  int

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Reply is the agent's next utterance.
type Reply struct {
	Text      string
	Stage     Stage
	TurnCount int
	// EndCall asks the caller to hang up once Text has been spoken.
	EndCall bool
	// Fallback is set when the language model failed and a canned line was used.
	Fallback bool
}

// Coordinator owns the conversation contexts of live calls, keyed by internal call id.
type Coordinator struct {
	llm      llm.Client
	agent    string
	company  string
	maxTurns int
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.Mutex
	contexts  map[string]*Context
	fallbacks int
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 5
	}
	if opts.AgentName == "" {
		opts.AgentName = "Mike"
	}
	if opts.Company == "" {
		opts.Company = "WebCraft Solutions"
	}
	return &Coordinator{
		llm:      opts.LLM,
		agent:    opts.AgentName,
		company:  opts.Company,
		maxTurns: opts.MaxTurns,
		log:      logger.OrDefault(opts.Log),
		metrics:  opts.Metrics,
		now:      time.Now,
		contexts: map[string]*Context{},
	}
}

// Initialize creates the context for a call in the opening stage. An existing
// context is returned unchanged.
func (co *Coordinator) Initialize(callID, leadName string) Context {
	co.mu.Lock()
	c, ok := co.contexts[callID]
	if !ok {
		c = &Context{CallID: callID, LeadName: leadName, Stage: StageOpening, CreatedAt: co.now()}
		co.contexts[callID] = c
	}
	out := c.clone()
	n := len(co.contexts)
	co.mu.Unlock()

	co.metrics.SetConversationContexts(n)
	return out
}

// OpeningLine greets the lead by name, or generically when the name is unknown.
func (co *Coordinator) OpeningLine(leadName string) string {
	return fmt.Sprintf("Hi %s! This is %s from %s. How are you doing today?", greetingName(leadName), co.agent, co.company)
}

// RecordAgent appends an agent utterance that did not come from Respond, such as
// the opening line or a re-prompt.
func (co *Coordinator) RecordAgent(callID, text string) error {
	co.mu.Lock()
	defer co.mu.Unlock()
	c, ok := co.contexts[callID]
	if !ok {
		return ErrNoContext
	}
	c.addTurn(calls.RoleAgent, text, co.now())
	return nil
}

// Respond records the customer's utterance and produces the agent's reply.
func (co *Coordinator) Respond(ctx context.Context, callID, customerText string) (Reply, error) {
	co.mu.Lock()
	c, ok := co.contexts[callID]
	if !ok {
		co.mu.Unlock()
		return Reply{}, ErrNoContext
	}
	now := co.now()
	c.addTurn(calls.RoleCustomer, customerText, now)
	c.TurnCount++

	if c.TurnCount >= co.maxTurns {
		c.Stage = nextStage(c.Stage, customerText)
		c.Qualification = extract(c.Qualification, customerText)
		c.Closing = true
		c.addTurn(calls.RoleAgent, closingLine, now)
		reply := Reply{Text: closingLine, Stage: c.Stage, TurnCount: c.TurnCount, EndCall: true}
		co.mu.Unlock()
		return reply, nil
	}
	req := co.request(c)
	co.mu.Unlock()

	log := logger.ForCall(co.log, callID, "")
	text, err := co.complete(ctx, req)
	fallback := false
	if err != nil {
		log.Warn("language model failed, using fallback line", "err", err)
		co.metrics.Fallback("language_model")
		text = co.nextFallback()
		fallback = true
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	c, ok = co.contexts[callID]
	if !ok {
		// Destroyed by a hangup while the model was thinking.
		return Reply{}, ErrNoContext
	}
	c.addTurn(calls.RoleAgent, text, co.now())
	c.Stage = nextStage(c.Stage, customerText)
	c.Qualification = extract(c.Qualification, customerText)

	log.Debug("agent reply", "stage", c.Stage, "turn", c.TurnCount, "fallback", fallback)
	return Reply{Text: text, Stage: c.Stage, TurnCount: c.TurnCount, Fallback: fallback}, nil
}

func (co *Coordinator) request(c *Context) llm.Request {
	turns := c.Turns
	if len(turns) > replayWindow {
		turns = turns[len(turns)-replayWindow:]
	}
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == calls.RoleAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return llm.Request{
		System:   personaPrompt(co.agent, co.company) + "\n\n" + stageDirective(c.Stage),
		Messages: msgs,
	}
}

func (co *Coordinator) complete(ctx context.Context, req llm.Request) (string, error) {
	if co.llm == nil {
		return "", errors.New("conversation: language model not configured")
	}
	return co.llm.Complete(ctx, req)
}

func (co *Coordinator) nextFallback() string {
	co.mu.Lock()
	defer co.mu.Unlock()
	line := fallbackLines[co.fallbacks%len(fallbackLines)]
	co.fallbacks++
	return line
}

// DetermineOutcome reports the outcome of a live call's conversation.
func (co *Coordinator) DetermineOutcome(callID string) (calls.Outcome, bool) {
	c, ok := co.Snapshot(callID)
	if !ok {
		return "", false
	}
	return Outcome(c), true
}

// Snapshot returns a copy of the call's context.
func (co *Coordinator) Snapshot(callID string) (Context, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	c, ok := co.contexts[callID]
	if !ok {
		return Context{}, false
	}
	return c.clone(), true
}

func (co *Coordinator) IsClosing(callID string) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	c, ok := co.contexts[callID]
	return ok && c.Closing
}

// Destroy forgets the call. It is safe to call more than once.
func (co *Coordinator) Destroy(callID string) {
	co.mu.Lock()
	delete(co.contexts, callID)
	n := len(co.contexts)
	co.mu.Unlock()
	co.metrics.SetConversationContexts(n)
}

func (co *Coordinator) Len() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.contexts)
}

// Summarize asks the language model for a short recap of a stored transcript.
func (co *Coordinator) Summarize(ctx context.Context, entries []calls.ConversationEntry) (string, error) {
	if len(entries) == 0 {
		return "", errors.New("conversation: empty transcript")
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Role, e.Message)
	}
	return co.complete(ctx, llm.Request{
		System:      summaryPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		MaxTokens:   120,
		Temperature: 0.3,
	})
}
