// Package tts speaks agent utterances on a live call.
//
// The primary path renders audio with a synthesis provider and plays it through the
// telephony provider. When that fails, the telephony provider's own voice reads the
// same shaped SSML, so the caller hears identical words either way.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"outbound-voice/internal/metrics"
	"outbound-voice/internal/telephony"
	"outbound-voice/pkg/logger"
)

var (
	ErrSynthesisFailed = errors.New("tts: synthesis failed on every path")
	ErrEmptyText       = errors.New("tts: nothing to say")
)

// Synthesizer renders plain text to audio.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player is the telephony side of speech output.
type Player interface {
	PlayAudio(ctx context.Context, providerCallID string, audio []byte) error
	Speak(ctx context.Context, providerCallID string, req telephony.SpeakRequest) error
}

type Result struct {
	Provider string
	Fallback bool
	Note     string
	// Text is the shaped SSML that was spoken.
	Text string
}

type PipelineOptions struct {
	// Primary may be nil; every utterance then goes to the telephony voice.
	Primary Synthesizer
	Player  Player

	Voice    string
	Language string
	Timeout  time.Duration

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

type Pipeline struct {
	primary  Synthesizer
	player   Player
	voice    string
	language string
	timeout  time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Pipeline{
		primary:  opts.Primary,
		player:   opts.Player,
		voice:    opts.Voice,
		language: opts.Language,
		timeout:  opts.Timeout,
		log:      logger.OrDefault(opts.Log),
		metrics:  opts.Metrics,
	}
}

// Speak shapes text and plays it on the call.
func (p *Pipeline) Speak(ctx context.Context, providerCallID, text string) (Result, error) {
	shaped := Shape(text)
	if shaped == "" {
		return Result{}, ErrEmptyText
	}
	log := logger.ForCall(p.log, "", providerCallID)

	primaryErr := p.speakPrimary(ctx, providerCallID, shaped)
	if primaryErr == nil {
		return Result{Provider: p.primary.Name(), Text: shaped}, nil
	}
	log.Warn("primary synthesis failed, using telephony voice", "err", primaryErr)

	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.player.Speak(fctx, providerCallID, telephony.SpeakRequest{
		Payload:  shaped,
		SSML:     true,
		Voice:    p.voice,
		Language: p.language,
	})
	if err != nil {
		log.Error("telephony speak failed", "err", err)
		return Result{Text: shaped}, errors.Join(ErrSynthesisFailed, primaryErr, err)
	}

	p.metrics.Fallback("synthesis")
	return Result{
		Provider: "telephony",
		Fallback: true,
		Note:     fmt.Sprintf("primary synthesis failed: %v", primaryErr),
		Text:     shaped,
	}, nil
}

func (p *Pipeline) speakPrimary(ctx context.Context, providerCallID, shaped string) error {
	if p.primary == nil {
		return errors.New("tts: primary synthesis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	audio, err := p.primary.Synthesize(ctx, Plain(shaped))
	if err != nil {
		return err
	}
	if err := p.player.PlayAudio(ctx, providerCallID, audio); err != nil {
		return fmt.Errorf("tts: play audio: %w", err)
	}
	return nil
}
