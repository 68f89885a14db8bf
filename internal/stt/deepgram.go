package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"outbound-voice/pkg/logger"
)

const defaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

type DeepgramOptions struct {
	APIKey   string
	Model    string
	Language string

	// URL overrides the live endpoint.
	URL       string
	Dialer    *websocket.Dialer
	KeepAlive time.Duration
	Log       *slog.Logger
}

// Deepgram streams telephony audio (8kHz mu-law) to Deepgram's live API.
type Deepgram struct {
	apiKey    string
	model     string
	language  string
	url       string
	dialer    *websocket.Dialer
	keepAlive time.Duration
	log       *slog.Logger
}

func NewDeepgram(opts DeepgramOptions) *Deepgram {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}
	if opts.URL == "" {
		opts.URL = defaultDeepgramURL
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 5 * time.Second
	}
	return &Deepgram{
		apiKey:    opts.APIKey,
		model:     opts.Model,
		language:  opts.Language,
		url:       opts.URL,
		dialer:    opts.Dialer,
		keepAlive: opts.KeepAlive,
		log:       logger.OrDefault(opts.Log),
	}
}

func (d *Deepgram) Name() string     { return "deepgram" }
func (d *Deepgram) NeedsAudio() bool { return true }

func (d *Deepgram) endpoint() string {
	params := url.Values{}
	params.Set("model", d.model)
	params.Set("language", d.language)
	params.Set("encoding", "mulaw")
	params.Set("sample_rate", "8000")
	params.Set("channels", "1")
	params.Set("interim_results", "false")
	params.Set("endpointing", "250")
	params.Set("utterance_end_ms", "800")
	params.Set("punctuate", "true")
	params.Set("smart_format", "true")
	params.Set("vad_events", "true")
	return d.url + "?" + params.Encode()
}

func (d *Deepgram) Open(ctx context.Context, providerCallID string, emit Emitter) (Stream, error) {
	if d.apiKey == "" {
		return nil, errors.New("deepgram: api key not configured")
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := d.dialer.DialContext(ctx, d.endpoint(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &deepgramStream{
		conn: conn,
		done: make(chan struct{}),
		log:  logger.ForCall(d.log, "", providerCallID).With("provider", "deepgram"),
	}
	go s.receive(emit)
	go s.keepAliveLoop(d.keepAlive)
	return s, nil
}

type deepgramStream struct {
	conn *websocket.Conn
	log  *slog.Logger

	// connMu serializes writes; gorilla allows one concurrent writer.
	connMu sync.Mutex
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) receive(emit Emitter) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.log.Warn("deepgram connection lost", "err", err)
			if emit.Error != nil {
				emit.Error(fmt.Errorf("deepgram: read: %w", err))
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("deepgram message ignored", "err", err)
			continue
		}
		if msg.Type != "" && msg.Type != "Results" {
			continue
		}
		if len(msg.Channel.Alternatives) == 0 {
			continue
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		if emit.Transcript != nil {
			emit.Transcript(Transcript{Text: text, Final: msg.IsFinal})
		}
	}
}

func (s *deepgramStream) keepAliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				s.log.Debug("deepgram keepalive failed", "err", err)
				return
			}
		}
	}
}

func (s *deepgramStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *deepgramStream) Write(audio []byte) error {
	if s.closed.Load() {
		return ErrNoSession
	}
	if len(audio) == 0 {
		return nil
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *deepgramStream) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if werr := s.writeJSON(map[string]string{"type": "CloseStream"}); werr != nil {
			s.log.Debug("deepgram close message failed", "err", werr)
		}
		err = s.conn.Close()
	})
	return err
}
