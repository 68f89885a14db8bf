package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultElevenLabsBaseURL = "https://api.elevenlabs.io"

type ElevenLabsOptions struct {
	APIKey  string
	VoiceID string
	ModelID string
	BaseURL string

	HTTPClient *http.Client
}

// ElevenLabs renders text to MP3 with the ElevenLabs text-to-speech API.
type ElevenLabs struct {
	apiKey  string
	voiceID string
	modelID string
	baseURL string
	hc      *http.Client
}

func NewElevenLabs(opts ElevenLabsOptions) *ElevenLabs {
	if opts.VoiceID == "" {
		opts.VoiceID = "pNInz6obpgDQGcFmaJgB"
	}
	if opts.ModelID == "" {
		opts.ModelID = "eleven_turbo_v2"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultElevenLabsBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &ElevenLabs{
		apiKey:  opts.APIKey,
		voiceID: opts.VoiceID,
		modelID: opts.ModelID,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		hc:      opts.HTTPClient,
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize returns MP3 audio (22.05kHz, 32kbps) for text.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if e.apiKey == "" {
		return nil, errors.New("elevenlabs: api key not configured")
	}
	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: e.modelID,
		VoiceSettings: voiceSettings{
			Stability:       0.6,
			SimilarityBoost: 0.8,
			Style:           0.2,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := e.baseURL + "/v1/text-to-speech/" + url.PathEscape(e.voiceID) + "?output_format=mp3_22050_32"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("elevenlabs: returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: empty audio")
	}
	return audio, nil
}

var _ Synthesizer = (*ElevenLabs)(nil)
