package callflow

import (
	"context"
	"errors"
	"fmt"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/telephony"
)

var (
	ErrTooManyCalls     = errors.New("callflow: too many live calls")
	ErrProviderRejected = errors.New("callflow: telephony provider rejected the call")
)

type InitiateRequest struct {
	UserID      string
	PhoneNumber string
	LeadName    string
}

// Initiate records a new call and dials it. When the provider refuses the dial,
// the returned call is the failed record together with an error.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (calls.Call, error) {
	phone, err := calls.NormalizePhoneNumber(req.PhoneNumber)
	if err != nil {
		return calls.Call{}, err
	}

	if o.limiter != nil {
		ok, err := o.limiter.Acquire(ctx, req.UserID)
		if err != nil {
			return calls.Call{}, fmt.Errorf("callflow: acquire call cap: %w", err)
		}
		if !ok {
			return calls.Call{}, ErrTooManyCalls
		}
	}

	c := calls.New(req.UserID, phone, req.LeadName, o.now())
	if err := o.store.Create(ctx, c); err != nil {
		o.releaseCap(ctx, c)
		return calls.Call{}, fmt.Errorf("callflow: create call: %w", err)
	}
	log := o.callLog(c)

	placed, err := o.tel.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:          phone,
		From:        o.from,
		WebhookURL:  o.webhookURL,
		ClientState: c.ID,
	})
	if err != nil {
		log.Warn("place call failed", "err", err)
		failed, ferr := o.finish(ctx, c, calls.Transition{
			Event: calls.EventFail,
			Note:  "could not place the call: " + userFacing(err),
		})
		if ferr != nil {
			log.Error("fail transition failed", "err", ferr)
			failed = c
		}
		if telephony.IsRejected(err) {
			return failed, fmt.Errorf("%w: %v", ErrProviderRejected, err)
		}
		return failed, fmt.Errorf("callflow: place call: %w", err)
	}

	if _, err := o.store.BackfillProviderID(ctx, c.ID, placed.ProviderCallID); err != nil {
		log.Warn("backfill provider id failed", "err", err)
	}
	log.Info("call placed", "provider_call_id", placed.ProviderCallID, "to", phone)

	if cur, err := o.store.FindByID(ctx, c.ID); err == nil {
		return cur, nil
	}
	c.ProviderCallID = placed.ProviderCallID
	return c, nil
}

func userFacing(err error) string {
	var apiErr *telephony.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Detail != "" {
			return apiErr.Detail
		}
		if apiErr.Title != "" {
			return apiErr.Title
		}
	}
	return "the telephony provider is unavailable"
}

// Hangup ends a live call on an operator's request. userID scopes the lookup;
// empty means any owner. Ending an already finished call is a no-op.
func (o *Orchestrator) Hangup(ctx context.Context, userID, callID string) (calls.Call, error) {
	c, err := o.store.FindByID(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if userID != "" && c.UserID != userID {
		return calls.Call{}, calls.ErrNotFound
	}
	if c.Status.IsTerminal() {
		return c, nil
	}
	if err := o.requestHangup(ctx, c); err != nil {
		return c, fmt.Errorf("callflow: hangup: %w", err)
	}

	t := o.withConversation(c.ID, calls.Transition{Event: calls.EventHangup, Note: "ended by operator"})
	defer o.release(ctx, c)
	next, err := o.finish(ctx, c, t)
	if o.audit != nil {
		if aerr := o.audit.LogOperatorAction(ctx, c.ID, userID, "hangup requested"); aerr != nil {
			o.callLog(c).Debug("audit operator action failed", "err", aerr)
		}
	}
	if calls.IsNoop(err) {
		return next, nil
	}
	return next, err
}

// Terminate force-ends a call: optionally asks the provider to hang up, applies t,
// records who did it and releases ephemeral state.
func (o *Orchestrator) Terminate(ctx context.Context, c calls.Call, t calls.Transition, hangup bool, actor string) (calls.Call, error) {
	log := o.callLog(c)
	if hangup {
		if err := o.requestHangup(ctx, c); err != nil {
			log.Warn("hangup during termination failed", "err", err)
		}
	}
	if t.Event == calls.EventHangup {
		t = o.withConversation(c.ID, t)
	}
	// release may cancel ctx when this runs as one of the call's own tasks, so it
	// goes last.
	defer o.release(ctx, c)
	next, err := o.finish(ctx, c, t)
	if err != nil {
		return next, err
	}

	log.Info("call terminated", "actor", actor, "event", t.Event, "note", t.Note)
	if o.audit != nil {
		reason := t.Note
		if reason == "" {
			reason = string(t.Event)
		}
		if aerr := o.audit.LogForcedTermination(ctx, c.ID, actor, reason); aerr != nil {
			log.Debug("audit termination failed", "err", aerr)
		}
	}
	return next, nil
}
