// Package reconcile repairs what webhooks missed. Two cron schedules run in the
// background: the progress sweep forces stale live calls into a terminal status,
// and the analysis sweep scores finished calls from their transcripts.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/config"
	"outbound-voice/internal/conversation"
	"outbound-voice/internal/metrics"
	"outbound-voice/pkg/logger"
)

const (
	progressBatch = 5
	analysisBatch = 3

	actor = "reconciler"
)

// Terminator force-ends a call and releases its ephemeral state.
type Terminator interface {
	Terminate(ctx context.Context, c calls.Call, t calls.Transition, hangup bool, actor string) (calls.Call, error)
}

// Liveness asks the telephony provider whether a call still exists.
type Liveness interface {
	CallAlive(ctx context.Context, providerCallID string) (bool, error)
}

// Summarizer writes a short summary of a finished conversation.
type Summarizer interface {
	Summarize(ctx context.Context, entries []calls.ConversationEntry) (string, error)
}

type Options struct {
	Machine    *calls.Machine
	Terminator Terminator
	Liveness   Liveness
	// Summarizer is optional.
	Summarizer Summarizer

	Timing  config.TimingConfig
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

type Reconciler struct {
	machine    *calls.Machine
	store      calls.Store
	terminator Terminator
	liveness   Liveness
	summarizer Summarizer
	timing     config.TimingConfig
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time

	cron *cron.Cron
}

func New(opts Options) *Reconciler {
	t := opts.Timing
	if t.ProgressInterval <= 0 {
		t.ProgressInterval = 30 * time.Second
	}
	if t.AnalysisInterval <= 0 {
		t.AnalysisInterval = 5 * time.Minute
	}
	if t.StaleAfter <= 0 {
		t.StaleAfter = 30 * time.Second
	}
	if t.InitiationTimeout <= 0 {
		t.InitiationTimeout = 2 * time.Minute
	}
	if t.MaxCallDuration <= 0 {
		t.MaxCallDuration = 10 * time.Minute
	}
	if t.ProviderTimeout <= 0 {
		t.ProviderTimeout = 10 * time.Second
	}
	log := logger.OrDefault(opts.Log).With("component", "reconciler")
	return &Reconciler{
		machine:    opts.Machine,
		store:      opts.Machine.Store(),
		terminator: opts.Terminator,
		liveness:   opts.Liveness,
		summarizer: opts.Summarizer,
		timing:     t,
		metrics:    opts.Metrics,
		log:        log,
		now:        time.Now,
	}
}

// Start schedules both sweeps. A sweep still running when its next tick comes is
// skipped for that tick.
func (r *Reconciler) Start(ctx context.Context) error {
	cl := cronLogger{log: r.log}
	r.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context) (int, error)
	}{
		{"progress", r.timing.ProgressInterval, r.SweepProgress},
		{"analysis", r.timing.AnalysisInterval, r.SweepAnalysis},
	}
	for _, j := range jobs {
		j := j
		spec := "@every " + j.every.String()
		if _, err := r.cron.AddFunc(spec, func() {
			n, err := j.run(ctx)
			if err != nil {
				r.log.Error("sweep failed", "sweep", j.name, "err", err)
				return
			}
			if n > 0 {
				r.log.Info("sweep done", "sweep", j.name, "calls", n)
			}
		}); err != nil {
			return fmt.Errorf("reconcile: schedule %s: %w", j.name, err)
		}
	}
	r.cron.Start()
	r.log.Info("reconciler started",
		"progress_every", r.timing.ProgressInterval, "analysis_every", r.timing.AnalysisInterval)
	return nil
}

// Stop halts the schedules and waits for running sweeps, up to ctx.
func (r *Reconciler) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// SweepProgress inspects a batch of live calls nobody has looked at recently and
// reports how many it forced into a terminal status.
func (r *Reconciler) SweepProgress(ctx context.Context) (int, error) {
	now := r.now()
	batch, err := r.store.Find(ctx, calls.Filter{
		Statuses:        calls.NonTerminalStatuses,
		UntouchedBefore: now.Add(-r.timing.StaleAfter),
	}, progressBatch)
	if err != nil {
		return 0, fmt.Errorf("reconcile: find live calls: %w", err)
	}

	corrected := 0
	for _, c := range batch {
		if ctx.Err() != nil {
			return corrected, ctx.Err()
		}
		if err := r.store.Touch(ctx, c.ID, now.UTC()); err != nil {
			logger.ForCall(r.log, c.ID, c.ProviderCallID).Warn("touch failed", "err", err)
		}
		if r.check(ctx, c, now) {
			corrected++
		}
	}
	return corrected, nil
}

func (r *Reconciler) check(ctx context.Context, c calls.Call, now time.Time) bool {
	log := logger.ForCall(r.log, c.ID, c.ProviderCallID)
	age := now.Sub(c.StartTime)

	switch {
	case c.ProviderCallID == "" && age > r.timing.InitiationTimeout:
		return r.force(ctx, c, "never_accepted", false, calls.Transition{
			Event: calls.EventFail,
			Note:  "call was never accepted by the telephony provider",
		})

	case age > r.timing.MaxCallDuration:
		return r.force(ctx, c, "max_duration", true, calls.Transition{
			Event: calls.EventTimeout,
			Note:  fmt.Sprintf("call exceeded %s", r.timing.MaxCallDuration),
		})

	case c.ProviderCallID != "" && r.liveness != nil:
		lctx, cancel := context.WithTimeout(ctx, r.timing.ProviderTimeout)
		alive, err := r.liveness.CallAlive(lctx, c.ProviderCallID)
		cancel()
		if err != nil {
			log.Warn("liveness check failed", "err", err)
			return false
		}
		if alive {
			return false
		}
		return r.force(ctx, c, "lost_hangup", false, calls.Transition{
			Event: calls.EventHangup,
			Note:  "provider reports the call ended",
		})
	}
	return false
}

func (r *Reconciler) force(ctx context.Context, c calls.Call, reason string, hangup bool, t calls.Transition) bool {
	_, err := r.terminator.Terminate(ctx, c, t, hangup, actor)
	if calls.IsNoop(err) {
		return false
	}
	if err != nil {
		logger.ForCall(r.log, c.ID, c.ProviderCallID).Error("forced termination failed", "reason", reason, "err", err)
		return false
	}
	r.metrics.Correction(reason)
	return true
}

// SweepAnalysis scores a batch of completed calls that were never analyzed.
func (r *Reconciler) SweepAnalysis(ctx context.Context) (int, error) {
	batch, err := r.store.Find(ctx, calls.Filter{
		Statuses:      []calls.CallStatus{calls.CallStatusCompleted},
		NeedsAnalysis: true,
	}, analysisBatch)
	if err != nil {
		return 0, fmt.Errorf("reconcile: find unanalyzed calls: %w", err)
	}

	done := 0
	for _, c := range batch {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := r.machine.Annotate(ctx, c.ID, r.analyze(ctx, c)); err != nil {
			logger.ForCall(r.log, c.ID, c.ProviderCallID).Error("annotate failed", "err", err)
			continue
		}
		done++
	}
	return done, nil
}

func (r *Reconciler) analyze(ctx context.Context, c calls.Call) calls.Analysis {
	derived, found := conversation.Analyze(c.Conversation)

	a := calls.Analysis{
		Outcome:            c.Outcome,
		QualificationScore: derived.QualificationScore,
		Notes:              c.Notes,
		AnalyzedAt:         r.now().UTC(),
	}
	if found && (c.Outcome == calls.OutcomeIncomplete || c.Outcome == calls.OutcomeNoAnswer || c.Outcome == "") {
		a.Outcome = derived.Outcome
	}

	if r.summarizer == nil || len(c.Conversation) == 0 {
		return a
	}
	summary, err := r.summarizer.Summarize(ctx, c.Conversation)
	if err != nil {
		logger.ForCall(r.log, c.ID, c.ProviderCallID).Warn("summary failed, keeping notes", "err", err)
		return a
	}
	if summary = strings.TrimSpace(summary); summary != "" {
		if a.Notes != "" {
			a.Notes += "\n"
		}
		a.Notes += "Summary: " + summary
	}
	return a
}

// cronLogger routes cron's logr-style output into slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kv, "err", err)...)
}
