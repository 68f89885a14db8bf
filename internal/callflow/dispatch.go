package callflow

import (
	"context"
	"errors"
	"fmt"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/stt"
	"outbound-voice/internal/telephony"
	"outbound-voice/pkg/logger"
)

// skipError marks an event that does not apply to the call's current status.
type skipError struct{ reason string }

func (e skipError) Error() string { return e.reason }

func skip(format string, args ...any) error { return skipError{reason: fmt.Sprintf(format, args...)} }

func ignored(err error) bool {
	var s skipError
	return errors.As(err, &s) || calls.IsNoop(err)
}

// Handle processes one provider webhook. It always acknowledges; failures are
// logged and recorded against the call instead of being returned.
func (o *Orchestrator) Handle(ctx context.Context, ev telephony.Event) telephony.Ack {
	log := logger.ForCall(o.log, "", ev.ProviderCallID).With("event", string(ev.Type))

	if !o.firstDelivery(ctx, ev) {
		log.Debug("duplicate webhook dropped", "event_id", ev.ID)
		o.metrics.Webhook(string(ev.Type), "duplicate")
		return telephony.Ack{Reason: "duplicate"}
	}

	if ev.Type == telephony.EventTranscription {
		return o.handleTranscription(ev)
	}

	c, err := o.resolve(ctx, ev)
	if errors.Is(err, calls.ErrNotFound) {
		log.Warn("webhook for unknown call", "client_state", ev.ClientState)
		o.metrics.Webhook(string(ev.Type), "unknown_call")
		return telephony.Ack{Reason: "unknown call"}
	}
	if err != nil {
		log.Error("call lookup failed", "err", err)
		o.metrics.Webhook(string(ev.Type), "error")
		return telephony.Ack{Reason: "lookup failed"}
	}

	log = logger.ForCall(o.log, c.ID, c.ProviderCallID).With("event", string(ev.Type))
	ctx = logger.With(ctx, log)

	err = o.dispatch(ctx, c, ev)
	switch {
	case err == nil:
		o.metrics.Webhook(string(ev.Type), "handled")
		return telephony.Ack{Handled: true}
	case ignored(err):
		log.Debug("webhook ignored", "status", c.Status, "reason", err.Error())
		o.metrics.Webhook(string(ev.Type), "ignored")
		return telephony.Ack{Reason: err.Error()}
	default:
		log.Error("webhook handling failed", "err", err)
		o.metrics.Webhook(string(ev.Type), "error")
		if o.audit != nil {
			if aerr := o.audit.LogWebhookError(ctx, c.ID, string(ev.Type), err); aerr != nil {
				log.Debug("audit webhook error failed", "err", aerr)
			}
		}
		return telephony.Ack{Reason: err.Error()}
	}
}

// firstDelivery fails open: without a working marker the status checks still
// reject replays.
func (o *Orchestrator) firstDelivery(ctx context.Context, ev telephony.Event) bool {
	if o.dedupe == nil {
		return true
	}
	fresh, err := o.dedupe.MarkOnce(ctx, ev.DedupeKey())
	if err != nil {
		o.log.Warn("webhook dedupe unavailable", "err", err)
		return true
	}
	return fresh
}

// resolve finds the call by provider id, falling back to the client-state token
// for events that arrive before the provider id was stored.
func (o *Orchestrator) resolve(ctx context.Context, ev telephony.Event) (calls.Call, error) {
	if ev.ProviderCallID == "" {
		if ev.ClientState == "" {
			return calls.Call{}, calls.ErrNotFound
		}
		return o.store.FindByID(ctx, ev.ClientState)
	}
	c, err := o.store.FindByProviderID(ctx, ev.ProviderCallID)
	if err == nil || !errors.Is(err, calls.ErrNotFound) || ev.ClientState == "" {
		return c, err
	}

	c, err = o.store.FindByID(ctx, ev.ClientState)
	if err != nil || c.ProviderCallID != "" {
		return c, err
	}
	won, err := o.store.BackfillProviderID(ctx, c.ID, ev.ProviderCallID)
	if err != nil {
		return calls.Call{}, fmt.Errorf("backfill provider id: %w", err)
	}
	if won {
		c.ProviderCallID = ev.ProviderCallID
		return c, nil
	}
	// Another delivery stored its id first.
	return o.store.FindByID(ctx, c.ID)
}

func (o *Orchestrator) dispatch(ctx context.Context, c calls.Call, ev telephony.Event) error {
	switch ev.Type {
	case telephony.EventCallInitiated:
		return o.onInitiated(ctx, c)
	case telephony.EventCallAnswered:
		return o.onAnswered(ctx, c)
	case telephony.EventSpeakEnded, telephony.EventPlaybackEnded:
		return o.onSpeechEnded(ctx, c)
	case telephony.EventCallHangup:
		return o.onHangup(ctx, c, ev)
	case telephony.EventRecordingSaved:
		return o.onRecordingSaved(ctx, c, ev)
	case telephony.EventMachineDetectionEnded:
		return o.onMachineDetection(ctx, c, ev)
	case telephony.EventStreamingFailed:
		return o.onStreamingFailed(ctx, c)
	default:
		return skip("unhandled event type %s", ev.Type)
	}
}

func (o *Orchestrator) onInitiated(ctx context.Context, c calls.Call) error {
	if c.Status != calls.CallStatusInitiated {
		return skip("call is %s", c.Status)
	}
	_, err := o.machine.Apply(ctx, c.ID, calls.Transition{Event: calls.EventRing})
	return err
}

func (o *Orchestrator) onAnswered(ctx context.Context, c calls.Call) error {
	if c.Status != calls.CallStatusInitiated && c.Status != calls.CallStatusRinging {
		return skip("call is %s", c.Status)
	}
	if _, err := o.machine.Apply(ctx, c.ID, calls.Transition{Event: calls.EventAnswer}); err != nil {
		return err
	}
	o.tasks.After(c.ID, o.timing.AnswerDelay, func(ctx context.Context) {
		o.beginConversation(ctx, c.ID)
	})
	return nil
}

// beginConversation greets the lead and moves the call into conversation.
func (o *Orchestrator) beginConversation(ctx context.Context, callID string) {
	c, ok := o.current(ctx, callID, calls.CallStatusAnswered)
	if !ok {
		return
	}
	log := o.callLog(c)

	o.convo.Initialize(c.ID, c.LeadName)
	// A hangup handled after the re-read has already released the call, and its
	// Destroy ran before this Initialize.
	if ctx.Err() != nil {
		o.convo.Destroy(c.ID)
		return
	}
	line := o.convo.OpeningLine(c.LeadName)
	if err := o.convo.RecordAgent(c.ID, line); err != nil {
		log.Warn("record opening line failed", "err", err)
	}
	o.appendEntry(ctx, c, calls.RoleAgent, line)

	if ctx.Err() != nil {
		o.convo.Destroy(c.ID)
		return
	}
	res, err := o.speech.Speak(ctx, c.ProviderCallID, line)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("opening line could not be spoken", "err", err)
		o.abort(ctx, c, "speech synthesis unavailable: could not speak the opening line")
		return
	}
	if res.Fallback {
		o.auditFallback(ctx, c, "synthesis", res.Note)
	}

	if _, err := o.machine.Apply(ctx, c.ID, calls.Transition{Event: calls.EventConverse}); err != nil && !calls.IsNoop(err) {
		log.Error("converse transition failed", "err", err)
	}
}

// onSpeechEnded either closes the call or, after a short pause, listens for the reply.
func (o *Orchestrator) onSpeechEnded(ctx context.Context, c calls.Call) error {
	if c.Status != calls.CallStatusInProgress {
		return skip("call is %s", c.Status)
	}
	if o.convo.IsClosing(c.ID) {
		return o.requestHangup(ctx, c)
	}
	o.tasks.After(c.ID, o.timing.ListenDelay, func(ctx context.Context) {
		o.listen(ctx, c.ID)
	})
	return nil
}

// onHangup releases the call and records the outcome. A call that is already
// terminal still has its ephemeral state released.
func (o *Orchestrator) onHangup(ctx context.Context, c calls.Call, ev telephony.Event) error {
	t := o.withConversation(c.ID, calls.Transition{Event: calls.EventHangup})
	o.release(ctx, c)
	if c.Status.IsTerminal() {
		return skip("call already %s", c.Status)
	}
	if ev.HangupCause != "" && ev.HangupCause != "normal_clearing" {
		t.Note = "hangup cause: " + ev.HangupCause
	}
	_, err := o.finish(ctx, c, t)
	return err
}

func (o *Orchestrator) onRecordingSaved(ctx context.Context, c calls.Call, ev telephony.Event) error {
	if ev.RecordingURL == "" {
		return skip("recording event without url")
	}
	return o.store.SetRecordingURL(ctx, c.ID, ev.RecordingURL)
}

func (o *Orchestrator) onMachineDetection(ctx context.Context, c calls.Call, ev telephony.Event) error {
	if c.Status != calls.CallStatusRinging && c.Status != calls.CallStatusAnswered {
		return skip("call is %s", c.Status)
	}
	switch ev.MachineResult {
	case telephony.MachineResultMachine, telephony.MachineResultFax:
	default:
		return nil
	}

	o.callLog(c).Info("answering machine detected, ending call", "result", ev.MachineResult)
	if err := o.requestHangup(ctx, c); err != nil {
		return fmt.Errorf("hangup after machine detection: %w", err)
	}
	_, err := o.finish(ctx, c, calls.Transition{Event: calls.EventNoAnswer, Note: "answered by " + ev.MachineResult})
	o.release(ctx, c)
	return err
}

// onStreamingFailed moves a listening call off the audio fork.
func (o *Orchestrator) onStreamingFailed(ctx context.Context, c calls.Call) error {
	if c.Status != calls.CallStatusInProgress {
		return skip("call is %s", c.Status)
	}
	o.onRecognitionError(c.ProviderCallID, errors.New("telephony audio stream failed"))
	return nil
}

func (o *Orchestrator) handleTranscription(ev telephony.Event) telephony.Ack {
	err := o.rec.Deliver(ev.ProviderCallID, ev.Transcript, ev.TranscriptFinal)
	if errors.Is(err, stt.ErrNoSession) {
		o.metrics.Webhook(string(ev.Type), "ignored")
		return telephony.Ack{Reason: "no recognition session"}
	}
	o.metrics.Webhook(string(ev.Type), "handled")
	return telephony.Ack{Handled: true}
}
