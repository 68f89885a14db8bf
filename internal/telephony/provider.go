package telephony

import "context"

// Controller is the telephony control surface the call orchestration drives.
//
// Rules:
// - No provider HTTP calls outside telephony adapters.
// - Every operation after PlaceCall is addressed by the provider call id.
// - Implementations are stateless; callers own per-call state.
// - Each request carries its own timeout; exceeding it is reported as an error.
type Controller interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	Hangup(ctx context.Context, providerCallID string) error
	CallAlive(ctx context.Context, providerCallID string) (bool, error)

	Speak(ctx context.Context, providerCallID string, req SpeakRequest) error
	PlayAudio(ctx context.Context, providerCallID string, audio []byte) error

	StartStreaming(ctx context.Context, providerCallID, streamURL string) error
	StopStreaming(ctx context.Context, providerCallID string) error
	StartTranscription(ctx context.Context, providerCallID string) error
	StopTranscription(ctx context.Context, providerCallID string) error

	StartRecording(ctx context.Context, providerCallID string) error
	StopRecording(ctx context.Context, providerCallID string) error
}

// PlaceCallRequest describes an outbound dial.
type PlaceCallRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`

	// WebhookURL receives lifecycle events for this call.
	WebhookURL string `json:"webhook_url"`

	// ClientState is round-tripped on every event; we carry the internal call id.
	ClientState string `json:"client_state"`
}

type PlaceCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
	CallLegID      string `json:"call_leg_id,omitempty"`
	SessionID      string `json:"call_session_id,omitempty"`
}

// SpeakRequest asks the provider's built-in voice to read a payload.
type SpeakRequest struct {
	Payload string
	// SSML marks Payload as SSML markup rather than plain text.
	SSML     bool
	Voice    string
	Language string
}
