package callflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/config"
	"outbound-voice/internal/conversation"
	"outbound-voice/internal/stt"
	"outbound-voice/internal/telephony"
	"outbound-voice/internal/tts"
	"outbound-voice/pkg/logger"
)

type fakeTelephony struct {
	mu        sync.Mutex
	placed    []telephony.PlaceCallRequest
	placeErr  error
	hangups   []string
	recording []string
}

func (f *fakeTelephony) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return telephony.PlaceCallResult{}, f.placeErr
	}
	return telephony.PlaceCallResult{ProviderCallID: "pc-" + req.ClientState}, nil
}

func (f *fakeTelephony) Hangup(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, providerCallID)
	return nil
}

func (f *fakeTelephony) CallAlive(ctx context.Context, providerCallID string) (bool, error) {
	return true, nil
}

func (f *fakeTelephony) Speak(ctx context.Context, providerCallID string, req telephony.SpeakRequest) error {
	return nil
}

func (f *fakeTelephony) PlayAudio(ctx context.Context, providerCallID string, audio []byte) error {
	return nil
}

func (f *fakeTelephony) StartStreaming(ctx context.Context, providerCallID, streamURL string) error {
	return nil
}

func (f *fakeTelephony) StopStreaming(ctx context.Context, providerCallID string) error { return nil }

func (f *fakeTelephony) StartTranscription(ctx context.Context, providerCallID string) error {
	return nil
}

func (f *fakeTelephony) StopTranscription(ctx context.Context, providerCallID string) error {
	return nil
}

func (f *fakeTelephony) StartRecording(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = append(f.recording, providerCallID)
	return nil
}

func (f *fakeTelephony) StopRecording(ctx context.Context, providerCallID string) error { return nil }

func (f *fakeTelephony) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

type fakeRecognizer struct {
	mu       sync.Mutex
	sessions map[string]stt.Handlers
	starts   int
	stops    int
	startErr error
	fbErr    error
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{sessions: map[string]stt.Handlers{}}
}

func (f *fakeRecognizer) Start(ctx context.Context, pid string, h stt.Handlers) (stt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[pid]; ok {
		return stt.Result{}, stt.ErrSessionActive
	}
	if f.startErr != nil {
		return stt.Result{}, f.startErr
	}
	f.starts++
	f.sessions[pid] = h
	return stt.Result{Provider: "fake"}, nil
}

func (f *fakeRecognizer) StartFallback(ctx context.Context, pid string, h stt.Handlers) (stt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fbErr != nil {
		return stt.Result{}, f.fbErr
	}
	f.sessions[pid] = h
	return stt.Result{Provider: "fallback", Fallback: true}, nil
}

func (f *fakeRecognizer) Stop(ctx context.Context, pid string) (stt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[pid]; !ok {
		return stt.Result{}, nil
	}
	delete(f.sessions, pid)
	f.stops++
	return stt.Result{Provider: "fake", Stopped: true}, nil
}

func (f *fakeRecognizer) Deliver(pid, text string, final bool) error {
	f.mu.Lock()
	h, ok := f.sessions[pid]
	f.mu.Unlock()
	if !ok {
		return stt.ErrNoSession
	}
	if final && h.OnTranscript != nil {
		h.OnTranscript(pid, text)
	}
	return nil
}

func (f *fakeRecognizer) handlers(pid string) (stt.Handlers, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.sessions[pid]
	return h, ok
}

func (f *fakeRecognizer) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	err    error
}

func (f *fakeSpeaker) Speak(ctx context.Context, pid, text string) (tts.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tts.Result{}, f.err
	}
	f.spoken = append(f.spoken, text)
	return tts.Result{Provider: "fake", Text: text}, nil
}

func (f *fakeSpeaker) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type fakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeDeduper) MarkOnce(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	live     int
	limit    int
	released int
}

func (f *fakeLimiter) Acquire(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live >= f.limit {
		return false, nil
	}
	f.live++
	return true, nil
}

func (f *fakeLimiter) Release(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live--
	f.released++
	return nil
}

func (f *fakeLimiter) counts() (live, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live, f.released
}

type harness struct {
	o       *Orchestrator
	store   *calls.MemoryRepo
	tel     *fakeTelephony
	rec     *fakeRecognizer
	speaker *fakeSpeaker
	dedupe  *fakeDeduper
	limiter *fakeLimiter
	audit   *audit.MemoryRepo
	convo   *conversation.Coordinator
}

func fastTiming() config.TimingConfig {
	return config.TimingConfig{
		AnswerDelay:     time.Millisecond,
		ListenDelay:     time.Millisecond,
		HangupGrace:     time.Millisecond,
		RecordingWindow: time.Millisecond,
		SilenceTimeout:  time.Hour,
		MaxSilences:     2,
		ProviderTimeout: time.Second,
	}
}

func newHarness(t *testing.T, timing config.TimingConfig) *harness {
	t.Helper()
	return newHarnessOn(t, timing, nil)
}

// newHarnessOn lets a test put a wrapper in front of the memory store.
func newHarnessOn(t *testing.T, timing config.TimingConfig, wrap func(*calls.MemoryRepo) calls.Store) *harness {
	t.Helper()
	h := &harness{
		store:   calls.NewMemoryRepo(),
		tel:     &fakeTelephony{},
		rec:     newFakeRecognizer(),
		speaker: &fakeSpeaker{},
		dedupe:  &fakeDeduper{},
		limiter: &fakeLimiter{limit: 2},
		audit:   audit.NewMemoryRepo(),
	}
	h.convo = conversation.NewCoordinator(conversation.Options{MaxTurns: 5, Log: logger.Discard()})
	var store calls.Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	h.o = New(Options{
		Machine:      calls.NewMachine(store, logger.Discard()),
		Telephony:    h.tel,
		Recognition:  h.rec,
		Speech:       h.speaker,
		Conversation: h.convo,
		Audit:        audit.NewService(h.audit),
		Dedupe:       h.dedupe,
		Limiter:      h.limiter,
		FromNumber:   "+15550000000",
		WebhookURL:   "https://example.test/webhooks/telnyx",
		Timing:       timing,
		Log:          logger.Discard(),
	})
	t.Cleanup(h.o.Close)
	return h
}

// seed stores a call already placed with the provider and moved to status.
func (h *harness) seed(t *testing.T, status calls.CallStatus) calls.Call {
	t.Helper()
	c := calls.New("u1", "+15551234567", "Dana", time.Now())
	c.ProviderCallID = "pc-" + c.ID
	c.Status = status
	if err := h.store.Create(context.Background(), c); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return c
}

func (h *harness) call(t *testing.T, id string) calls.Call {
	t.Helper()
	c, err := h.store.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find %s: %v", id, err)
	}
	return c
}

func (h *harness) auditTypes() []audit.EventType {
	var out []audit.EventType
	for _, e := range h.audit.Events() {
		out = append(out, e.Type)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %s", what)
}

var errBoom = errors.New("boom")

// hookStore runs onAnswered once, right after a FindByID that reads an
// answered call and before that read is returned.
type hookStore struct {
	*calls.MemoryRepo
	fired      atomic.Bool
	onAnswered func()
}

func (s *hookStore) FindByID(ctx context.Context, id string) (calls.Call, error) {
	c, err := s.MemoryRepo.FindByID(ctx, id)
	if err == nil && c.Status == calls.CallStatusAnswered && s.onAnswered != nil && s.fired.CompareAndSwap(false, true) {
		s.onAnswered()
	}
	return c, err
}
