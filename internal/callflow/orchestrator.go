// Package callflow drives live calls: it dispatches provider webhooks into state
// machine transitions and runs the side effects that follow them.
//
// Rules:
//   - Status changes only go through calls.Machine; a rejected transition means some
//     other path got there first and the event is dropped.
//   - Ephemeral per-call state (deferred tasks, watchdog entry, recognition session,
//     conversation context) is torn down by release and nowhere else.
//   - The live-call cap is returned exactly once, by whoever applies the terminal
//     transition.
package callflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/config"
	"outbound-voice/internal/conversation"
	"outbound-voice/internal/metrics"
	"outbound-voice/internal/stt"
	"outbound-voice/internal/telephony"
	"outbound-voice/internal/tts"
	"outbound-voice/internal/watchdog"
	"outbound-voice/pkg/logger"
)

// Recognizer is the speech recognition session manager.
type Recognizer interface {
	Start(ctx context.Context, providerCallID string, h stt.Handlers) (stt.Result, error)
	StartFallback(ctx context.Context, providerCallID string, h stt.Handlers) (stt.Result, error)
	Stop(ctx context.Context, providerCallID string) (stt.Result, error)
	Deliver(providerCallID, text string, final bool) error
}

// Speaker is the speech synthesis pipeline.
type Speaker interface {
	Speak(ctx context.Context, providerCallID, text string) (tts.Result, error)
}

type Options struct {
	Machine      *calls.Machine
	Telephony    telephony.Controller
	Recognition  Recognizer
	Speech       Speaker
	Conversation *conversation.Coordinator
	Audit        *audit.Service

	// Dedupe and Limiter are optional; without them duplicates rely on status
	// checks alone and no per-user cap is enforced.
	Dedupe  Deduper
	Limiter Limiter

	FromNumber string
	WebhookURL string
	Timing     config.TimingConfig

	Metrics *metrics.Metrics
	Log     *slog.Logger
}

type Orchestrator struct {
	machine *calls.Machine
	store   calls.Store
	tel     telephony.Controller
	rec     Recognizer
	speech  Speaker
	convo   *conversation.Coordinator
	audit   *audit.Service
	dedupe  Deduper
	limiter Limiter
	watch   *watchdog.Watchdog
	tasks   *Tasks

	from       string
	webhookURL string
	timing     config.TimingConfig

	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func New(opts Options) *Orchestrator {
	t := opts.Timing
	if t.ProviderTimeout <= 0 {
		t.ProviderTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		machine:    opts.Machine,
		store:      opts.Machine.Store(),
		tel:        opts.Telephony,
		rec:        opts.Recognition,
		speech:     opts.Speech,
		convo:      opts.Conversation,
		audit:      opts.Audit,
		dedupe:     opts.Dedupe,
		limiter:    opts.Limiter,
		tasks:      NewTasks(),
		from:       opts.FromNumber,
		webhookURL: opts.WebhookURL,
		timing:     t,
		metrics:    opts.Metrics,
		log:        logger.OrDefault(opts.Log),
		now:        time.Now,
	}
	o.watch = watchdog.New(watchdog.Options{
		Timeout:     t.SilenceTimeout,
		MaxSilences: t.MaxSilences,
		OnSilence:   o.onSilence,
		OnExhausted: o.onExhausted,
		Log:         o.log,
	})
	return o
}

// Close cancels pending deferred work and waits for it to return.
func (o *Orchestrator) Close() { o.tasks.Close() }

// Live reports how many calls hold ephemeral state.
func (o *Orchestrator) Live() (tasks, watched, contexts int) {
	return o.tasks.Len(), o.watch.Len(), o.convo.Len()
}

// detached gives side effects that must survive the caller's cancellation, such as
// cleanup after a deferred task's own call was released, a bounded context.
func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.timing.ProviderTimeout)
}

func (o *Orchestrator) callLog(c calls.Call) *slog.Logger {
	return logger.ForCall(o.log, c.ID, c.ProviderCallID)
}

// release tears down every piece of ephemeral state the call may hold. It is
// idempotent and safe on calls that never had any.
func (o *Orchestrator) release(ctx context.Context, c calls.Call) {
	o.tasks.Cancel(c.ID)
	o.watch.Release(c.ID)
	if c.ProviderCallID != "" {
		sctx, cancel := o.detached(ctx)
		if _, err := o.rec.Stop(sctx, c.ProviderCallID); err != nil {
			o.callLog(c).Warn("stop recognition failed", "err", err)
		}
		cancel()
	}
	o.convo.Destroy(c.ID)
}

// finish applies a terminal transition. When this call made the call terminal, the
// live-call cap is returned.
func (o *Orchestrator) finish(ctx context.Context, c calls.Call, t calls.Transition) (calls.Call, error) {
	next, err := o.machine.Apply(ctx, c.ID, t)
	if err != nil {
		return next, err
	}
	if next.Status.IsTerminal() {
		o.releaseCap(ctx, next)
	}
	return next, nil
}

func (o *Orchestrator) releaseCap(ctx context.Context, c calls.Call) {
	if o.limiter == nil || c.UserID == "" {
		return
	}
	rctx, cancel := o.detached(ctx)
	defer cancel()
	if err := o.limiter.Release(rctx, c.UserID); err != nil {
		o.callLog(c).Warn("release call cap failed", "err", err)
	}
}

// requestHangup asks the provider to end the call. Ended calls are not an error.
func (o *Orchestrator) requestHangup(ctx context.Context, c calls.Call) error {
	if c.ProviderCallID == "" {
		return nil
	}
	hctx, cancel := o.detached(ctx)
	defer cancel()
	if err := o.tel.Hangup(hctx, c.ProviderCallID); err != nil && !telephony.IsCallEnded(err) {
		return err
	}
	return nil
}

// abort ends a call that cannot continue: hangup first, then fail with a note.
func (o *Orchestrator) abort(ctx context.Context, c calls.Call, note string) {
	log := o.callLog(c)
	if err := o.requestHangup(ctx, c); err != nil {
		log.Warn("hangup during abort failed", "err", err)
	}
	if _, err := o.finish(ctx, c, calls.Transition{Event: calls.EventFail, Note: note}); err != nil && !calls.IsNoop(err) {
		log.Error("fail transition failed", "err", err)
	}
	o.release(ctx, c)
}

// current re-reads the call and reports whether it is still in want.
func (o *Orchestrator) current(ctx context.Context, callID string, want calls.CallStatus) (calls.Call, bool) {
	c, err := o.store.FindByID(ctx, callID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.log.Warn("reload call failed", "call_id", callID, "err", err)
		}
		return calls.Call{}, false
	}
	return c, c.Status == want
}

func (o *Orchestrator) appendEntry(ctx context.Context, c calls.Call, role calls.Role, text string) {
	err := o.store.AppendConversationEntry(ctx, c.ID, calls.ConversationEntry{
		Role:      role,
		Message:   text,
		Timestamp: o.now().UTC(),
	})
	if err != nil {
		o.callLog(c).Warn("append conversation entry failed", "role", role, "err", err)
	}
}

func (o *Orchestrator) auditFallback(ctx context.Context, c calls.Call, subsystem, note string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.LogFallback(ctx, c.ID, subsystem, note); err != nil {
		o.callLog(c).Debug("audit fallback failed", "err", err)
	}
}

// withConversation fills the outcome and score of a hangup from the live
// conversation. It must run before release destroys the context.
func (o *Orchestrator) withConversation(callID string, t calls.Transition) calls.Transition {
	snap, ok := o.convo.Snapshot(callID)
	if !ok {
		return t
	}
	if t.Outcome == "" {
		t.Outcome = conversation.Outcome(snap)
	}
	score := conversation.Score(snap)
	t.Score = &score
	return t
}
