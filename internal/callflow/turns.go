package callflow

import (
	"context"
	"errors"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/conversation"
	"outbound-voice/internal/stt"
)

func (o *Orchestrator) handlers() stt.Handlers {
	return stt.Handlers{OnTranscript: o.onTranscript, OnError: o.onRecognitionError}
}

// listen opens recognition for the caller's reply and arms the silence watchdog.
func (o *Orchestrator) listen(ctx context.Context, callID string) {
	c, ok := o.current(ctx, callID, calls.CallStatusInProgress)
	if !ok {
		return
	}
	log := o.callLog(c)

	res, err := o.rec.Start(ctx, c.ProviderCallID, o.handlers())
	switch {
	case errors.Is(err, stt.ErrSessionActive):
		log.Debug("already listening")
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		log.Warn("no recognizer available, recording instead", "err", err)
		o.recordInstead(ctx, c)
	case res.Fallback:
		o.auditFallback(ctx, c, "recognition", res.Note)
	}
	o.watch.Arm(c.ID)

	// A hangup that released the call while this task was starting the session
	// would otherwise leave both behind.
	if ctx.Err() != nil {
		o.watch.Release(c.ID)
		sctx, cancel := o.detached(ctx)
		defer cancel()
		if _, err := o.rec.Stop(sctx, c.ProviderCallID); err != nil {
			log.Warn("stop recognition failed", "err", err)
		}
	}
}

// onTranscript is the recognition manager's finalized-utterance callback. The
// turn runs as a deferred task so the provider's goroutine is not held and a
// hangup cancels it.
func (o *Orchestrator) onTranscript(providerCallID, text string) {
	c, ok := o.byProviderID(providerCallID)
	if !ok {
		return
	}
	o.tasks.After(c.ID, 0, func(ctx context.Context) {
		o.takeTurn(ctx, c.ID, text)
	})
}

func (o *Orchestrator) takeTurn(ctx context.Context, callID, text string) {
	c, err := o.store.FindByID(ctx, callID)
	if err != nil {
		o.log.Warn("reload call failed", "call_id", callID, "err", err)
		return
	}
	log := o.callLog(c)

	if _, err := o.rec.Stop(ctx, c.ProviderCallID); err != nil {
		log.Warn("stop recognition failed", "err", err)
	}
	o.watch.Heard(c.ID)

	if c.Status != calls.CallStatusInProgress {
		log.Debug("transcript dropped", "status", c.Status)
		return
	}
	o.appendEntry(ctx, c, calls.RoleCustomer, text)

	reply, err := o.convo.Respond(ctx, c.ID, text)
	if errors.Is(err, conversation.ErrNoContext) {
		log.Warn("transcript dropped, no conversation context")
		return
	}
	if err != nil {
		log.Error("respond failed", "err", err)
		return
	}
	if reply.Fallback {
		o.auditFallback(ctx, c, "language_model", "canned reply used")
	}
	o.appendEntry(ctx, c, calls.RoleAgent, reply.Text)

	if !o.say(ctx, c, reply.Text) {
		return
	}
	if reply.EndCall {
		o.tasks.After(c.ID, o.timing.HangupGrace, func(ctx context.Context) {
			if err := o.requestHangup(ctx, c); err != nil {
				o.callLog(c).Warn("closing hangup failed", "err", err)
			}
		})
	}
}

// say speaks text; when every synthesis path fails the call is aborted.
func (o *Orchestrator) say(ctx context.Context, c calls.Call, text string) bool {
	res, err := o.speech.Speak(ctx, c.ProviderCallID, text)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		o.callLog(c).Error("speech failed on every path", "err", err)
		o.abort(ctx, c, "speech synthesis unavailable mid-call")
		return false
	}
	if res.Fallback {
		o.auditFallback(ctx, c, "synthesis", res.Note)
	}
	return true
}

// onRecognitionError is the recognition manager's error callback.
func (o *Orchestrator) onRecognitionError(providerCallID string, cause error) {
	c, ok := o.byProviderID(providerCallID)
	if !ok || c.Status != calls.CallStatusInProgress {
		return
	}
	o.tasks.After(c.ID, 0, func(ctx context.Context) {
		o.recoverRecognition(ctx, c, cause)
	})
}

func (o *Orchestrator) recoverRecognition(ctx context.Context, c calls.Call, cause error) {
	log := o.callLog(c)
	log.Warn("recognition failed, switching to fallback", "err", cause)

	if _, err := o.rec.Stop(ctx, c.ProviderCallID); err != nil {
		log.Warn("stop recognition failed", "err", err)
	}
	res, err := o.rec.StartFallback(ctx, c.ProviderCallID, o.handlers())
	if err == nil {
		o.auditFallback(ctx, c, "recognition", "primary failed: "+cause.Error())
		log.Info("recognition fallback active", "provider", res.Provider)
		return
	}
	if ctx.Err() != nil {
		return
	}
	log.Warn("fallback recognition failed, recording instead", "err", err)
	o.recordInstead(ctx, c)
}

// recordInstead captures the caller with a plain recording for a fixed window, then
// asks a generic question so the conversation keeps moving.
func (o *Orchestrator) recordInstead(ctx context.Context, c calls.Call) {
	log := o.callLog(c)
	if err := o.tel.StartRecording(ctx, c.ProviderCallID); err != nil {
		log.Warn("start recording failed", "err", err)
	}
	o.auditFallback(ctx, c, "recognition", "no recognizer available, basic recording")

	o.tasks.After(c.ID, o.timing.RecordingWindow, func(ctx context.Context) {
		if err := o.tel.StopRecording(ctx, c.ProviderCallID); err != nil {
			log.Debug("stop recording failed", "err", err)
		}
		cur, ok := o.current(ctx, c.ID, calls.CallStatusInProgress)
		if !ok {
			return
		}
		line := conversation.GenericPrompt()
		_ = o.convo.RecordAgent(cur.ID, line)
		o.appendEntry(ctx, cur, calls.RoleAgent, line)
		o.say(ctx, cur, line)
	})
}

// onSilence re-prompts the caller. Listening resumes when the prompt finishes.
func (o *Orchestrator) onSilence(callID string, n int) {
	o.tasks.After(callID, 0, func(ctx context.Context) {
		c, ok := o.current(ctx, callID, calls.CallStatusInProgress)
		if !ok {
			return
		}
		if _, err := o.rec.Stop(ctx, c.ProviderCallID); err != nil {
			o.callLog(c).Warn("stop recognition failed", "err", err)
		}
		line := conversation.RepromptLine(n)
		_ = o.convo.RecordAgent(c.ID, line)
		o.appendEntry(ctx, c, calls.RoleAgent, line)
		o.say(ctx, c, line)
	})
}

// onExhausted ends a call whose caller stayed silent too many times.
func (o *Orchestrator) onExhausted(callID string) {
	o.tasks.After(callID, 0, func(ctx context.Context) {
		c, err := o.store.FindByID(ctx, callID)
		if err != nil {
			o.log.Warn("reload call failed", "call_id", callID, "err", err)
			return
		}
		if _, err := o.Terminate(ctx, c, calls.Transition{
			Event: calls.EventNoAnswer,
			Note:  "caller stayed silent",
		}, true, "watchdog"); err != nil && !calls.IsNoop(err) {
			o.callLog(c).Error("silent call termination failed", "err", err)
		}
	})
}

func (o *Orchestrator) byProviderID(providerCallID string) (calls.Call, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timing.ProviderTimeout)
	defer cancel()
	c, err := o.store.FindByProviderID(ctx, providerCallID)
	if err != nil {
		o.log.Warn("call lookup failed", "provider_call_id", providerCallID, "err", err)
		return calls.Call{}, false
	}
	return c, true
}
