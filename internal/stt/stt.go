// Package stt manages per-call speech recognition sessions.
//
// Providers push results through an Emitter; the Manager turns those into a single
// finalized-transcript callback so callers never see a provider's own callback shape.
package stt

import (
	"context"
	"errors"
)

var (
	ErrSessionActive = errors.New("stt: session already active")
	ErrNoSession     = errors.New("stt: no active session")
	ErrUnavailable   = errors.New("stt: no recognition provider available")
	// ErrStopped is returned by Start when Stop ran while the session was opening.
	ErrStopped = errors.New("stt: session stopped while starting")
)

// Transcript is one recognition result.
type Transcript struct {
	Text  string
	Final bool
}

// Emitter is how a provider stream reports results for one session.
type Emitter struct {
	Transcript func(Transcript)
	Error      func(error)
}

// Provider opens recognition streams.
type Provider interface {
	Name() string
	// NeedsAudio reports whether call audio must be forked to this process and fed
	// through Stream.Write. Providers that transcribe on the telephony side return false.
	NeedsAudio() bool
	Open(ctx context.Context, providerCallID string, emit Emitter) (Stream, error)
}

// Stream is an open recognition session at a provider.
type Stream interface {
	Write(audio []byte) error
	Close() error
}

// AudioForwarder controls the telephony audio fork.
type AudioForwarder interface {
	StartStreaming(ctx context.Context, providerCallID, streamURL string) error
	StopStreaming(ctx context.Context, providerCallID string) error
}

// Handlers receive a session's output. Both run on the provider's goroutine.
type Handlers struct {
	OnTranscript func(providerCallID, text string)
	OnError      func(providerCallID string, err error)
}

// Result describes what Start or Stop did.
type Result struct {
	Provider string
	Fallback bool
	Stopped  bool
	Note     string
}
