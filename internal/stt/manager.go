package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"outbound-voice/internal/metrics"
	"outbound-voice/pkg/logger"
)

// minTranscriptChars drops noise like "uh" or a stray "ok" from reaching the coordinator.
const minTranscriptChars = 2

type ManagerOptions struct {
	// Primary may be nil when no streaming provider is configured.
	Primary  Provider
	Fallback Provider

	Forwarder AudioForwarder
	StreamURL string

	Timeout time.Duration
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns the registry of recognition sessions, at most one per provider call id.
type Manager struct {
	primary   Provider
	fallback  Provider
	forwarder AudioForwarder
	streamURL string
	timeout   time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	providerCallID string
	provider       Provider
	stream         Stream
	handlers       Handlers
	startedAt      time.Time

	// claimed is set once a transcript or error has been handed out.
	claimed bool
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Manager{
		primary:   opts.Primary,
		fallback:  opts.Fallback,
		forwarder: opts.Forwarder,
		streamURL: opts.StreamURL,
		timeout:   opts.Timeout,
		log:       logger.OrDefault(opts.Log),
		metrics:   opts.Metrics,
		now:       time.Now,
		sessions:  map[string]*session{},
	}
}

// Start opens a session on the primary provider, or on the fallback when the
// primary is missing or fails. It is rejected while a session exists.
func (m *Manager) Start(ctx context.Context, providerCallID string, h Handlers) (Result, error) {
	return m.start(ctx, providerCallID, h, true)
}

// StartFallback opens a session directly on the fallback provider.
func (m *Manager) StartFallback(ctx context.Context, providerCallID string, h Handlers) (Result, error) {
	return m.start(ctx, providerCallID, h, false)
}

func (m *Manager) start(ctx context.Context, providerCallID string, h Handlers, tryPrimary bool) (Result, error) {
	if providerCallID == "" {
		return Result{}, errors.New("stt: provider call id is required")
	}
	log := logger.ForCall(m.log, "", providerCallID)

	s := &session{providerCallID: providerCallID, handlers: h, startedAt: m.now()}
	m.mu.Lock()
	if _, ok := m.sessions[providerCallID]; ok {
		m.mu.Unlock()
		return Result{}, ErrSessionActive
	}
	// Reserve the slot so a concurrent Start is rejected while we dial.
	m.sessions[providerCallID] = s
	m.mu.Unlock()

	var primaryErr error
	if tryPrimary && m.primary != nil {
		stream, err := m.open(ctx, m.primary, s)
		if err == nil {
			return m.commit(ctx, s, m.primary, stream, Result{Provider: m.primary.Name()})
		}
		primaryErr = err
		log.Warn("primary recognition unavailable, using fallback", "provider", m.primary.Name(), "err", err)
	}

	if m.fallback == nil {
		m.release(s)
		return Result{}, errors.Join(ErrUnavailable, primaryErr)
	}
	stream, err := m.open(ctx, m.fallback, s)
	if err != nil {
		m.release(s)
		return Result{}, errors.Join(ErrUnavailable, primaryErr, err)
	}
	m.metrics.Fallback("recognition")
	res := Result{Provider: m.fallback.Name(), Fallback: true}
	if primaryErr != nil {
		res.Note = fmt.Sprintf("primary recognition failed: %v", primaryErr)
	} else if tryPrimary {
		res.Note = "primary recognition not configured"
	}
	return m.commit(ctx, s, m.fallback, stream, res)
}

// open starts the provider stream and, when needed, the telephony audio fork.
func (m *Manager) open(ctx context.Context, p Provider, s *session) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	stream, err := p.Open(ctx, s.providerCallID, m.emitter(s))
	if err != nil {
		return nil, err
	}
	if !p.NeedsAudio() {
		return stream, nil
	}
	if m.forwarder == nil {
		_ = stream.Close()
		return nil, errors.New("stt: audio forwarder not configured")
	}
	if err := m.forwarder.StartStreaming(ctx, s.providerCallID, m.streamURL); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("stt: start audio stream: %w", err)
	}
	return stream, nil
}

func (m *Manager) commit(ctx context.Context, s *session, p Provider, stream Stream, res Result) (Result, error) {
	m.mu.Lock()
	if m.sessions[s.providerCallID] != s {
		m.mu.Unlock()
		m.closeStream(ctx, p, s.providerCallID, stream)
		return Result{}, ErrStopped
	}
	s.provider = p
	s.stream = stream
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetRecognitionSessions(n)
	logger.ForCall(m.log, "", s.providerCallID).Info("recognition started", "provider", res.Provider, "fallback", res.Fallback)
	return res, nil
}

func (m *Manager) release(s *session) {
	m.mu.Lock()
	if m.sessions[s.providerCallID] == s {
		delete(m.sessions, s.providerCallID)
	}
	m.mu.Unlock()
}

// Stop closes the session and stops audio forwarding. Stopping an idle call is a no-op.
func (m *Manager) Stop(ctx context.Context, providerCallID string) (Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[providerCallID]
	if ok {
		delete(m.sessions, providerCallID)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return Result{}, nil
	}
	m.metrics.SetRecognitionSessions(n)
	if s.stream == nil {
		// Still opening; commit sees the missing slot and closes the stream itself.
		return Result{Stopped: true}, nil
	}
	m.closeStream(ctx, s.provider, providerCallID, s.stream)
	return Result{Provider: s.provider.Name(), Stopped: true}, nil
}

func (m *Manager) closeStream(ctx context.Context, p Provider, providerCallID string, stream Stream) {
	log := logger.ForCall(m.log, "", providerCallID)
	if err := stream.Close(); err != nil {
		log.Debug("recognition stream close failed", "err", err)
	}
	if p.NeedsAudio() && m.forwarder != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		if err := m.forwarder.StopStreaming(ctx, providerCallID); err != nil {
			log.Warn("stop audio stream failed", "err", err)
		}
	}
}

// Feed forwards one audio frame into the active session.
func (m *Manager) Feed(providerCallID string, audio []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[providerCallID]
	m.mu.Unlock()
	if !ok || s.stream == nil {
		return ErrNoSession
	}
	return s.stream.Write(audio)
}

// Deliver injects a transcript produced outside this process, such as the
// telephony provider's own transcription webhooks.
func (m *Manager) Deliver(providerCallID, text string, final bool) error {
	m.mu.Lock()
	s, ok := m.sessions[providerCallID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	m.deliver(s, Transcript{Text: text, Final: final})
	return nil
}

// Active reports whether a session exists for the call.
func (m *Manager) Active(providerCallID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[providerCallID]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) emitter(s *session) Emitter {
	return Emitter{
		Transcript: func(t Transcript) { m.deliver(s, t) },
		Error:      func(err error) { m.fail(s, err) },
	}
}

// deliver forwards the first qualifying final transcript of a session.
func (m *Manager) deliver(s *session, t Transcript) {
	text := strings.TrimSpace(t.Text)
	if !t.Final || len(text) <= minTranscriptChars {
		return
	}
	if !m.claim(s) {
		return
	}
	if s.handlers.OnTranscript != nil {
		s.handlers.OnTranscript(s.providerCallID, text)
	}
}

func (m *Manager) fail(s *session, err error) {
	if !m.claim(s) {
		return
	}
	logger.ForCall(m.log, "", s.providerCallID).Warn("recognition error", "err", err)
	if s.handlers.OnError != nil {
		s.handlers.OnError(s.providerCallID, err)
	}
}

// claim succeeds once per live session; stale emits from a stopped session lose.
func (m *Manager) claim(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.providerCallID] != s || s.claimed {
		return false
	}
	s.claimed = true
	return true
}
