package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTelnyxBaseURL = "https://api.telnyx.com/v2"
	defaultActionTimeout = 10 * time.Second
	speakTimeout         = 8 * time.Second

	// codeCallEnded is returned by Telnyx for commands on a call that already hung up.
	codeCallEnded = "90018"
)

// APIError is a non-2xx response from the telephony provider.
type APIError struct {
	StatusCode int
	Code       string
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	msg := e.Title
	if e.Detail != "" {
		msg = e.Detail
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("telephony: %d %s (code %s)", e.StatusCode, msg, e.Code)
	}
	return fmt.Sprintf("telephony: %d %s", e.StatusCode, msg)
}

// IsRejected reports whether the provider refused the request itself
// (bad destination, invalid parameters) as opposed to being unavailable.
func IsRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusRequestTimeout &&
		apiErr.StatusCode != http.StatusTooManyRequests
}

// IsCallEnded reports whether the provider says the call is already over.
func IsCallEnded(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeCallEnded
}

type TelnyxOptions struct {
	APIKey       string
	ConnectionID string
	FromNumber   string
	BaseURL      string

	// Timeout bounds each control request. Speak uses a shorter budget.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// TelnyxClient implements Controller against the Telnyx Call Control v2 API.
type TelnyxClient struct {
	apiKey       string
	connectionID string
	fromNumber   string
	baseURL      string
	timeout      time.Duration
	httpClient   *http.Client
}

var _ Controller = (*TelnyxClient)(nil)

func NewTelnyxClient(opts TelnyxOptions) (*TelnyxClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("telephony: api key is required")
	}
	if opts.ConnectionID == "" {
		return nil, errors.New("telephony: connection id is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultTelnyxBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultActionTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &TelnyxClient{
		apiKey:       opts.APIKey,
		connectionID: opts.ConnectionID,
		fromNumber:   opts.FromNumber,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		timeout:      opts.Timeout,
		httpClient:   opts.HTTPClient,
	}, nil
}

// PlaceCall dials out with answer-time recording and machine detection enabled.
func (c *TelnyxClient) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.To == "" {
		return PlaceCallResult{}, errors.New("telephony: destination is required")
	}
	from := req.From
	if from == "" {
		from = c.fromNumber
	}
	body := map[string]any{
		"connection_id":               c.connectionID,
		"to":                          req.To,
		"from":                        from,
		"webhook_url":                 req.WebhookURL,
		"webhook_url_method":          "POST",
		"client_state":                EncodeClientState(req.ClientState),
		"record":                      "record-from-answer",
		"record_format":               "mp3",
		"record_channels":             "dual",
		"answering_machine_detection": "detect",
	}

	var resp struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
			CallLegID     string `json:"call_leg_id"`
			CallSessionID string `json:"call_session_id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/calls", body, &resp, c.timeout); err != nil {
		return PlaceCallResult{}, err
	}
	if resp.Data.CallControlID == "" {
		return PlaceCallResult{}, errors.New("telephony: response missing call_control_id")
	}
	return PlaceCallResult{
		ProviderCallID: resp.Data.CallControlID,
		CallLegID:      resp.Data.CallLegID,
		SessionID:      resp.Data.CallSessionID,
	}, nil
}

func (c *TelnyxClient) Hangup(ctx context.Context, providerCallID string) error {
	err := c.action(ctx, providerCallID, "hangup", map[string]any{}, c.timeout)
	if IsCallEnded(err) {
		return nil
	}
	return err
}

// CallAlive asks the provider whether the call leg is still up.
func (c *TelnyxClient) CallAlive(ctx context.Context, providerCallID string) (bool, error) {
	if providerCallID == "" {
		return false, errors.New("telephony: provider call id is required")
	}
	var resp struct {
		Data struct {
			IsAlive bool `json:"is_alive"`
		} `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(providerCallID), nil, &resp, c.timeout)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return resp.Data.IsAlive, nil
}

func (c *TelnyxClient) Speak(ctx context.Context, providerCallID string, req SpeakRequest) error {
	if strings.TrimSpace(req.Payload) == "" {
		return errors.New("telephony: speak payload is empty")
	}
	voice := req.Voice
	if voice == "" {
		voice = "male"
	}
	lang := req.Language
	if lang == "" {
		lang = "en-US"
	}
	payloadType := "text"
	if req.SSML {
		payloadType = "ssml"
	}
	return c.action(ctx, providerCallID, "speak", map[string]any{
		"payload":       req.Payload,
		"payload_type":  payloadType,
		"voice":         voice,
		"language":      lang,
		"service_level": "premium",
	}, speakTimeout)
}

// PlayAudio plays an mp3 clip inline, without hosting it anywhere.
func (c *TelnyxClient) PlayAudio(ctx context.Context, providerCallID string, audio []byte) error {
	if len(audio) == 0 {
		return errors.New("telephony: audio is empty")
	}
	return c.action(ctx, providerCallID, "playback_start", map[string]any{
		"playback_content": base64.StdEncoding.EncodeToString(audio),
		"overlay":          false,
		"target_legs":      "self",
	}, c.timeout)
}

func (c *TelnyxClient) StartStreaming(ctx context.Context, providerCallID, streamURL string) error {
	if streamURL == "" {
		return errors.New("telephony: stream url is required")
	}
	return c.action(ctx, providerCallID, "streaming_start", map[string]any{
		"stream_url":   streamURL,
		"stream_track": "inbound_track",
	}, c.timeout)
}

func (c *TelnyxClient) StopStreaming(ctx context.Context, providerCallID string) error {
	return c.endAction(ctx, providerCallID, "streaming_stop")
}

// StartTranscription turns on the provider's own speech recognition; results
// arrive as call.transcription webhooks.
func (c *TelnyxClient) StartTranscription(ctx context.Context, providerCallID string) error {
	return c.action(ctx, providerCallID, "transcription_start", map[string]any{
		"language":             "en",
		"interim_results":      false,
		"transcription_engine": "A",
		"transcription_tracks": "inbound",
	}, c.timeout)
}

func (c *TelnyxClient) StopTranscription(ctx context.Context, providerCallID string) error {
	return c.endAction(ctx, providerCallID, "transcription_stop")
}

func (c *TelnyxClient) StartRecording(ctx context.Context, providerCallID string) error {
	return c.action(ctx, providerCallID, "record_start", map[string]any{
		"format":   "mp3",
		"channels": "single",
	}, c.timeout)
}

func (c *TelnyxClient) StopRecording(ctx context.Context, providerCallID string) error {
	return c.endAction(ctx, providerCallID, "record_stop")
}

// endAction runs a stop-style command; a call that already ended has nothing left to stop.
func (c *TelnyxClient) endAction(ctx context.Context, providerCallID, name string) error {
	err := c.action(ctx, providerCallID, name, map[string]any{}, c.timeout)
	if IsCallEnded(err) {
		return nil
	}
	return err
}

func (c *TelnyxClient) action(ctx context.Context, providerCallID, name string, body map[string]any, timeout time.Duration) error {
	if providerCallID == "" {
		return errors.New("telephony: provider call id is required")
	}
	// command_id lets the provider drop our own retries of the same command.
	body["command_id"] = uuid.NewString()
	path := fmt.Sprintf("/calls/%s/actions/%s", url.PathEscape(providerCallID), name)
	return c.do(ctx, http.MethodPost, path, body, nil, timeout)
}

func (c *TelnyxClient) do(ctx context.Context, method, path string, body any, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("telephony: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("telephony: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telephony: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("telephony: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) error {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Errors []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if json.Unmarshal(raw, &body) == nil && len(body.Errors) > 0 {
		apiErr.Code = body.Errors[0].Code
		apiErr.Title = body.Errors[0].Title
		apiErr.Detail = body.Errors[0].Detail
	}
	return apiErr
}
