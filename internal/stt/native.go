package stt

import (
	"context"
	"time"
)

// Transcriber is the telephony side of native transcription.
type Transcriber interface {
	StartTranscription(ctx context.Context, providerCallID string) error
	StopTranscription(ctx context.Context, providerCallID string) error
}

// Native uses the telephony provider's built-in transcription. Results arrive as
// webhooks and reach the session through Manager.Deliver.
type Native struct {
	tel     Transcriber
	timeout time.Duration
}

func NewNative(tel Transcriber, timeout time.Duration) *Native {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Native{tel: tel, timeout: timeout}
}

func (n *Native) Name() string     { return "telephony" }
func (n *Native) NeedsAudio() bool { return false }

func (n *Native) Open(ctx context.Context, providerCallID string, _ Emitter) (Stream, error) {
	if err := n.tel.StartTranscription(ctx, providerCallID); err != nil {
		return nil, err
	}
	return &nativeStream{n: n, providerCallID: providerCallID}, nil
}

type nativeStream struct {
	n              *Native
	providerCallID string
}

// Write discards audio; the provider transcribes its own media.
func (s *nativeStream) Write([]byte) error { return nil }

func (s *nativeStream) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.n.timeout)
	defer cancel()
	return s.n.tel.StopTranscription(ctx, s.providerCallID)
}
