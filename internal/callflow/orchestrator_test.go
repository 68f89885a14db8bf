package callflow

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/stt"
	"outbound-voice/internal/telephony"
)

func event(c calls.Call, typ telephony.EventType, id string) telephony.Event {
	return telephony.Event{ID: id, Type: typ, ProviderCallID: c.ProviderCallID, ClientState: c.ID}
}

func TestHandle_AnswerToHangupLeavesNoState(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusRinging)
	ctx := context.Background()

	if ack := h.o.Handle(ctx, event(c, telephony.EventCallAnswered, "e1")); !ack.Handled {
		t.Fatalf("expected answered handled, got %+v", ack)
	}
	eventually(t, "call in progress", func() bool {
		return h.call(t, c.ID).Status == calls.CallStatusInProgress
	})
	if lines := h.speaker.lines(); len(lines) != 1 || !strings.Contains(lines[0], "Dana") {
		t.Fatalf("expected opening line with lead name, got %v", lines)
	}

	h.o.Handle(ctx, event(c, telephony.EventSpeakEnded, "e2"))
	eventually(t, "listening", func() bool { return h.o.watch.Len() == 1 })

	ev := event(c, telephony.EventCallHangup, "e3")
	ev.HangupCause = "normal_clearing"
	if ack := h.o.Handle(ctx, ev); !ack.Handled {
		t.Fatalf("expected hangup handled, got %+v", ack)
	}

	got := h.call(t, c.ID)
	if got.Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Outcome != calls.OutcomeNoAnswer {
		t.Fatalf("expected no_answer without customer turns, got %s", got.Outcome)
	}
	tasks, watched, contexts := h.o.Live()
	if tasks != 0 || watched != 0 || contexts != 0 {
		t.Fatalf("expected no ephemeral state, got tasks=%d watched=%d contexts=%d", tasks, watched, contexts)
	}
	if h.rec.active() != 0 {
		t.Fatalf("expected recognition stopped")
	}
	if _, released := h.limiter.counts(); released != 1 {
		t.Fatalf("expected cap released once, got %d", released)
	}
}

func TestHandle_HangupBeforeOpeningLineCancelsIt(t *testing.T) {
	timing := fastTiming()
	timing.AnswerDelay = 50 * time.Millisecond
	h := newHarness(t, timing)
	c := h.seed(t, calls.CallStatusRinging)
	ctx := context.Background()

	h.o.Handle(ctx, event(c, telephony.EventCallAnswered, "e1"))
	h.o.Handle(ctx, event(c, telephony.EventCallHangup, "e2"))
	time.Sleep(100 * time.Millisecond)

	if lines := h.speaker.lines(); len(lines) != 0 {
		t.Fatalf("expected nothing spoken after hangup, got %v", lines)
	}
	if h.convo.Len() != 0 {
		t.Fatalf("expected no conversation context")
	}
}

func TestHandle_DuplicateDeliveryDropped(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusInitiated)
	ctx := context.Background()

	first := h.o.Handle(ctx, event(c, telephony.EventCallInitiated, "same"))
	second := h.o.Handle(ctx, event(c, telephony.EventCallInitiated, "same"))
	if !first.Handled {
		t.Fatalf("expected first delivery handled, got %+v", first)
	}
	if second.Handled || second.Reason != "duplicate" {
		t.Fatalf("expected duplicate, got %+v", second)
	}
}

func TestHandle_ReplayWithNewIDIsIgnoredByStatus(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusInitiated)
	ctx := context.Background()

	h.o.Handle(ctx, event(c, telephony.EventCallInitiated, "a"))
	ack := h.o.Handle(ctx, event(c, telephony.EventCallInitiated, "b"))
	if ack.Handled {
		t.Fatalf("expected replay ignored, got %+v", ack)
	}
	if got := h.call(t, c.ID).Status; got != calls.CallStatusRinging {
		t.Fatalf("expected ringing, got %s", got)
	}
}

func TestHandle_UnknownCall(t *testing.T) {
	h := newHarness(t, fastTiming())
	ack := h.o.Handle(context.Background(), telephony.Event{
		ID: "x", Type: telephony.EventCallAnswered, ProviderCallID: "nobody",
	})
	if ack.Handled || ack.Reason != "unknown call" {
		t.Fatalf("expected unknown call, got %+v", ack)
	}
}

func TestHandle_ResolvesByClientStateAndBackfills(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := calls.New("u1", "+15551234567", "Dana", time.Now())
	if err := h.store.Create(context.Background(), c); err != nil {
		t.Fatalf("create: %v", err)
	}

	ack := h.o.Handle(context.Background(), telephony.Event{
		ID: "e1", Type: telephony.EventCallInitiated, ProviderCallID: "late-id", ClientState: c.ID,
	})
	if !ack.Handled {
		t.Fatalf("expected handled, got %+v", ack)
	}
	got := h.call(t, c.ID)
	if got.ProviderCallID != "late-id" {
		t.Fatalf("expected provider id backfilled, got %q", got.ProviderCallID)
	}
	if got.Status != calls.CallStatusRinging {
		t.Fatalf("expected ringing, got %s", got.Status)
	}
}

func TestHandle_ResolvesByClientStateOnly(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := calls.New("u1", "+15551234567", "Dana", time.Now())
	if err := h.store.Create(context.Background(), c); err != nil {
		t.Fatalf("create: %v", err)
	}

	ack := h.o.Handle(context.Background(), telephony.Event{
		ID: "e1", Type: telephony.EventCallInitiated, ClientState: c.ID,
	})
	if !ack.Handled {
		t.Fatalf("expected handled, got %+v", ack)
	}
	got := h.call(t, c.ID)
	if got.Status != calls.CallStatusRinging {
		t.Fatalf("expected ringing, got %s", got.Status)
	}
	if got.ProviderCallID != "" {
		t.Fatalf("expected no provider id, got %q", got.ProviderCallID)
	}
}

func TestHandle_BackfillLosesToEarlierID(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := calls.New("u1", "+15551234567", "Dana", time.Now())
	if err := h.store.Create(context.Background(), c); err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()

	h.o.Handle(ctx, telephony.Event{ID: "e1", Type: telephony.EventCallInitiated, ProviderCallID: "first", ClientState: c.ID})
	h.o.Handle(ctx, telephony.Event{ID: "e2", Type: telephony.EventCallHangup, ProviderCallID: "second", ClientState: c.ID})
	got := h.call(t, c.ID)
	if got.ProviderCallID != "first" {
		t.Fatalf("expected first provider id kept, got %q", got.ProviderCallID)
	}
	if got.Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestHandle_HangupDuringOpeningReadLeavesNoContext(t *testing.T) {
	var h *harness
	var hs *hookStore
	h = newHarnessOn(t, fastTiming(), func(r *calls.MemoryRepo) calls.Store {
		hs = &hookStore{MemoryRepo: r}
		return hs
	})
	c := h.seed(t, calls.CallStatusRinging)
	hs.onAnswered = func() {
		h.o.Handle(context.Background(), event(c, telephony.EventCallHangup, "hangup"))
	}

	h.o.Handle(context.Background(), event(c, telephony.EventCallAnswered, "answered"))

	eventually(t, "hook to fire", func() bool { return hs.fired.Load() })
	eventually(t, "deferred tasks to drain", func() bool {
		tasks, _, _ := h.o.Live()
		return tasks == 0
	})
	time.Sleep(20 * time.Millisecond)

	if got := h.call(t, c.ID).Status; got != calls.CallStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if n := h.convo.Len(); n != 0 {
		t.Fatalf("expected no conversation context, got %d", n)
	}
	if lines := h.speaker.lines(); len(lines) != 0 {
		t.Fatalf("expected nothing spoken, got %v", lines)
	}
}

func TestHandle_OpeningLineFailureFailsCall(t *testing.T) {
	h := newHarness(t, fastTiming())
	h.speaker.err = errBoom
	c := h.seed(t, calls.CallStatusRinging)

	h.o.Handle(context.Background(), event(c, telephony.EventCallAnswered, "e1"))
	eventually(t, "call failed", func() bool {
		return h.call(t, c.ID).Status == calls.CallStatusFailed
	})

	got := h.call(t, c.ID)
	if !strings.Contains(got.Notes, "opening line") {
		t.Fatalf("expected note about the opening line, got %q", got.Notes)
	}
	if h.tel.hangupCount() != 1 {
		t.Fatalf("expected one hangup, got %d", h.tel.hangupCount())
	}
	eventually(t, "context destroyed", func() bool { return h.convo.Len() == 0 })
}

func TestHandle_MachineDetectionEndsCall(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusRinging)

	ev := event(c, telephony.EventMachineDetectionEnded, "e1")
	ev.MachineResult = telephony.MachineResultMachine
	if ack := h.o.Handle(context.Background(), ev); !ack.Handled {
		t.Fatalf("expected handled, got %+v", ack)
	}

	got := h.call(t, c.ID)
	if got.Outcome != calls.OutcomeNoAnswer || !got.Status.IsTerminal() {
		t.Fatalf("expected terminal no_answer, got %s/%s", got.Status, got.Outcome)
	}
	if !strings.Contains(got.Notes, "answered by machine") {
		t.Fatalf("expected machine note, got %q", got.Notes)
	}
	if h.tel.hangupCount() != 1 {
		t.Fatalf("expected hangup requested")
	}
}

func TestHandle_HumanDetectionKeepsCall(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusRinging)

	ev := event(c, telephony.EventMachineDetectionEnded, "e1")
	ev.MachineResult = telephony.MachineResultHuman
	h.o.Handle(context.Background(), ev)

	if got := h.call(t, c.ID).Status; got != calls.CallStatusRinging {
		t.Fatalf("expected ringing, got %s", got)
	}
	if h.tel.hangupCount() != 0 {
		t.Fatalf("expected no hangup")
	}
}

func TestHandle_RecordingSaved(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusCompleted)

	ev := event(c, telephony.EventRecordingSaved, "e1")
	ev.RecordingURL = "https://rec.example/1.mp3"
	h.o.Handle(context.Background(), ev)

	if got := h.call(t, c.ID).RecordingURL; got != ev.RecordingURL {
		t.Fatalf("expected recording url, got %q", got)
	}
}

func TestHandle_TranscriptionWithoutSessionIgnored(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusInProgress)

	ev := event(c, telephony.EventTranscription, "e1")
	ev.Transcript = "hello there"
	ev.TranscriptFinal = true
	if ack := h.o.Handle(context.Background(), ev); ack.Handled {
		t.Fatalf("expected ignored, got %+v", ack)
	}
}

func TestTurn_TranscriptGetsReply(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusInProgress)
	h.convo.Initialize(c.ID, c.LeadName)

	h.o.listen(context.Background(), c.ID)
	hs, ok := h.rec.handlers(c.ProviderCallID)
	if !ok {
		t.Fatalf("expected recognition session")
	}
	hs.OnTranscript(c.ProviderCallID, "I run a small bakery downtown")

	eventually(t, "agent reply spoken", func() bool { return len(h.speaker.lines()) == 1 })
	if h.rec.active() != 0 {
		t.Fatalf("expected recognition stopped while the agent speaks")
	}

	got := h.call(t, c.ID)
	if len(got.Conversation) != 2 {
		t.Fatalf("expected customer and agent entries, got %d", len(got.Conversation))
	}
	if got.Conversation[0].Role != calls.RoleCustomer || got.Conversation[1].Role != calls.RoleAgent {
		t.Fatalf("expected customer then agent, got %+v", got.Conversation)
	}
	// No language model is configured, so the canned line is used.
	if !slices.Contains(h.auditTypes(), audit.EventTypeFallback) {
		t.Fatalf("expected fallback audit, got %v", h.auditTypes())
	}
}

func TestTurn_LastTurnHangsUp(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusInProgress)
	h.convo.Initialize(c.ID, c.LeadName)

	for i := 0; i < 5; i++ {
		h.o.takeTurn(context.Background(), c.ID, "sure, tell me more")
	}
	eventually(t, "closing hangup", func() bool { return h.tel.hangupCount() == 1 })
	if !h.convo.IsClosing(c.ID) {
		t.Fatalf("expected conversation closing")
	}
}

func TestRecognition_ErrorSwitchesToFallback(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusInProgress)
	h.convo.Initialize(c.ID, c.LeadName)
	h.o.listen(context.Background(), c.ID)

	hs, _ := h.rec.handlers(c.ProviderCallID)
	hs.OnError(c.ProviderCallID, errBoom)

	eventually(t, "fallback audit", func() bool {
		return slices.Contains(h.auditTypes(), audit.EventTypeFallback)
	})
	if h.rec.active() != 1 {
		t.Fatalf("expected fallback session active")
	}
}

func TestRecognition_NothingAvailableRecordsAndReprompts(t *testing.T) {
	h := newHarness(t, fastTiming())
	h.rec.startErr = stt.ErrUnavailable
	c := h.seed(t, calls.CallStatusInProgress)
	h.convo.Initialize(c.ID, c.LeadName)

	h.o.listen(context.Background(), c.ID)

	eventually(t, "generic prompt spoken", func() bool { return len(h.speaker.lines()) == 1 })
	h.tel.mu.Lock()
	recorded := len(h.tel.recording)
	h.tel.mu.Unlock()
	if recorded != 1 {
		t.Fatalf("expected a recording started, got %d", recorded)
	}
}

func TestSilence_RepromptsThenEndsCall(t *testing.T) {
	timing := fastTiming()
	timing.SilenceTimeout = 10 * time.Millisecond
	timing.MaxSilences = 2
	h := newHarness(t, timing)
	c := h.seed(t, calls.CallStatusInProgress)
	h.convo.Initialize(c.ID, c.LeadName)

	h.o.listen(context.Background(), c.ID)

	eventually(t, "silent call ended", func() bool {
		return h.call(t, c.ID).Status.IsTerminal()
	})
	got := h.call(t, c.ID)
	if got.Outcome != calls.OutcomeNoAnswer {
		t.Fatalf("expected no_answer, got %s", got.Outcome)
	}
	if len(h.speaker.lines()) < 1 {
		t.Fatalf("expected at least one re-prompt")
	}
	var forced []audit.Event
	for _, e := range h.audit.Events() {
		if e.Type == audit.EventTypeForcedTermination {
			forced = append(forced, e)
		}
	}
	if len(forced) != 1 || forced[0].Actor != "watchdog" {
		t.Fatalf("expected one watchdog termination, got %+v", forced)
	}
}

func TestInitiate_PlacesCallWithClientState(t *testing.T) {
	h := newHarness(t, fastTiming())

	c, err := h.o.Initiate(context.Background(), InitiateRequest{
		UserID: "u1", PhoneNumber: "(555) 123-4567", LeadName: "Dana",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.PhoneNumber != "+15551234567" {
		t.Fatalf("expected normalized number, got %q", c.PhoneNumber)
	}
	if len(h.tel.placed) != 1 || h.tel.placed[0].ClientState != c.ID {
		t.Fatalf("expected client state to carry the call id, got %+v", h.tel.placed)
	}
	if c.ProviderCallID != "pc-"+c.ID {
		t.Fatalf("expected provider id stored, got %q", c.ProviderCallID)
	}
	if live, _ := h.limiter.counts(); live != 1 {
		t.Fatalf("expected one live slot, got %d", live)
	}
}

func TestInitiate_RejectedReleasesCap(t *testing.T) {
	h := newHarness(t, fastTiming())
	h.tel.placeErr = &telephony.APIError{StatusCode: 422, Detail: "Invalid destination number"}

	c, err := h.o.Initiate(context.Background(), InitiateRequest{UserID: "u1", PhoneNumber: "+15551234567"})
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if c.Status != calls.CallStatusFailed {
		t.Fatalf("expected failed record, got %s", c.Status)
	}
	if !strings.Contains(c.Notes, "Invalid destination number") {
		t.Fatalf("expected provider detail in notes, got %q", c.Notes)
	}
	if live, released := h.limiter.counts(); live != 0 || released != 1 {
		t.Fatalf("expected slot released once, got live=%d released=%d", live, released)
	}
}

func TestInitiate_TooManyCalls(t *testing.T) {
	h := newHarness(t, fastTiming())
	h.limiter.limit = 0

	_, err := h.o.Initiate(context.Background(), InitiateRequest{UserID: "u1", PhoneNumber: "+15551234567"})
	if !errors.Is(err, ErrTooManyCalls) {
		t.Fatalf("expected ErrTooManyCalls, got %v", err)
	}
	if len(h.tel.placed) != 0 {
		t.Fatalf("expected no dial")
	}
}

func TestInitiate_InvalidNumber(t *testing.T) {
	h := newHarness(t, fastTiming())
	if _, err := h.o.Initiate(context.Background(), InitiateRequest{UserID: "u1", PhoneNumber: "abc"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHangup_OperatorEndsLiveCall(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusInProgress)

	got, err := h.o.Hangup(context.Background(), "u1", c.ID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Status != calls.CallStatusCompleted || !strings.Contains(got.Notes, "ended by operator") {
		t.Fatalf("expected completed by operator, got %s %q", got.Status, got.Notes)
	}
	if !slices.Contains(h.auditTypes(), audit.EventTypeOperatorAction) {
		t.Fatalf("expected operator action audit")
	}
}

func TestHangup_TerminalIsNoop(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusCompleted)

	got, err := h.o.Hangup(context.Background(), "u1", c.ID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Status != calls.CallStatusCompleted || h.tel.hangupCount() != 0 {
		t.Fatalf("expected untouched call and no provider hangup")
	}
}

func TestHangup_OtherUsersCallNotFound(t *testing.T) {
	h := newHarness(t, fastTiming())
	c := h.seed(t, calls.CallStatusInProgress)

	if _, err := h.o.Hangup(context.Background(), "someone-else", c.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTasks_CancelSkipsBody(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()

	ran := make(chan struct{}, 1)
	tasks.After("c1", 20*time.Millisecond, func(ctx context.Context) { ran <- struct{}{} })
	tasks.Cancel("c1")

	select {
	case <-ran:
		t.Fatalf("expected cancelled task not to run")
	case <-time.After(60 * time.Millisecond):
	}
	if tasks.Len() != 0 {
		t.Fatalf("expected no pending scopes, got %d", tasks.Len())
	}
}

func TestTasks_ScopeDroppedAfterRun(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()

	done := make(chan struct{})
	tasks.After("c1", 0, func(ctx context.Context) { close(done) })
	<-done
	eventually(t, "scope dropped", func() bool { return tasks.Len() == 0 })
}
