package telephony

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type EventType string

const (
	EventCallInitiated         EventType = "call.initiated"
	EventCallAnswered          EventType = "call.answered"
	EventCallHangup            EventType = "call.hangup"
	EventSpeakEnded            EventType = "call.speak.ended"
	EventPlaybackEnded         EventType = "call.playback.ended"
	EventRecordingSaved        EventType = "call.recording.saved"
	EventMachineDetectionEnded EventType = "call.machine.detection.ended"
	EventTranscription         EventType = "call.transcription"
	EventStreamingFailed       EventType = "streaming.failed"
)

// Machine detection results.
const (
	MachineResultHuman   = "human"
	MachineResultMachine = "machine"
	MachineResultNotSure = "not_sure"
	MachineResultFax     = "fax"
)

var (
	ErrInvalidEvent     = errors.New("telephony: invalid webhook event")
	ErrInvalidSignature = errors.New("telephony: invalid webhook signature")
)

// Event is a provider webhook reduced to the fields the orchestration uses.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time

	ProviderCallID string
	// ClientState is the decoded round-trip token (the internal call id).
	ClientState string

	MachineResult   string
	RecordingURL    string
	HangupCause     string
	Transcript      string
	TranscriptFinal bool
}

// DedupeKey identifies a delivery for duplicate suppression.
func (e Event) DedupeKey() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s|%s|%d", e.Type, e.ProviderCallID, e.OccurredAt.UnixNano())
}

type webhookEnvelope struct {
	Data struct {
		ID         string    `json:"id"`
		EventType  string    `json:"event_type"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			CallControlID string `json:"call_control_id"`
			ClientState   string `json:"client_state"`
			Result        string `json:"result"`
			HangupCause   string `json:"hangup_cause"`
			RecordingURLs struct {
				MP3 string `json:"mp3"`
			} `json:"recording_urls"`
			PublicRecordingURLs struct {
				MP3 string `json:"mp3"`
			} `json:"public_recording_urls"`
			TranscriptionData struct {
				Transcript string `json:"transcript"`
				IsFinal    bool   `json:"is_final"`
			} `json:"transcription_data"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseEvent decodes a provider webhook body.
func ParseEvent(body []byte) (Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	d := env.Data
	if d.EventType == "" {
		return Event{}, fmt.Errorf("%w: missing event_type", ErrInvalidEvent)
	}
	p := d.Payload
	if p.CallControlID == "" && p.ClientState == "" {
		return Event{}, fmt.Errorf("%w: missing call identifiers", ErrInvalidEvent)
	}

	rec := p.RecordingURLs.MP3
	if rec == "" {
		rec = p.PublicRecordingURLs.MP3
	}
	return Event{
		ID:              d.ID,
		Type:            EventType(d.EventType),
		OccurredAt:      d.OccurredAt,
		ProviderCallID:  p.CallControlID,
		ClientState:     DecodeClientState(p.ClientState),
		MachineResult:   p.Result,
		RecordingURL:    rec,
		HangupCause:     p.HangupCause,
		Transcript:      strings.TrimSpace(p.TranscriptionData.Transcript),
		TranscriptFinal: p.TranscriptionData.IsFinal,
	}, nil
}

// EncodeClientState wraps a token the way the provider requires (base64).
func EncodeClientState(s string) string {
	if s == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeClientState reverses EncodeClientState. Values that are not valid base64
// are returned unchanged.
func DecodeClientState(s string) string {
	if s == "" {
		return ""
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}

// SignatureVerifier checks the ed25519 signature the provider puts on each webhook.
type SignatureVerifier struct {
	key       ed25519.PublicKey
	tolerance time.Duration
}

// NewSignatureVerifier parses a base64 public key. An empty key returns nil,
// meaning webhooks are accepted unsigned.
func NewSignatureVerifier(publicKeyB64 string) (*SignatureVerifier, error) {
	if publicKeyB64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("telephony: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &SignatureVerifier{key: ed25519.PublicKey(raw), tolerance: 5 * time.Minute}, nil
}

// Verify checks signature over "timestamp|body" and rejects stale timestamps.
func (v *SignatureVerifier) Verify(body []byte, signatureB64, timestamp string, now time.Time) error {
	if v == nil {
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return ErrInvalidSignature
	}
	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '|')
	signed = append(signed, body...)
	if !ed25519.Verify(v.key, signed, sig) {
		return ErrInvalidSignature
	}
	return nil
}
