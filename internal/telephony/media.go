package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media stream frame kinds.
const (
	MediaEventStart = "start"
	MediaEventMedia = "media"
	MediaEventStop  = "stop"
)

// MediaFrame is one frame of forked call audio.
type MediaFrame struct {
	Event    string
	StreamID string

	// ProviderCallID is present on start/stop frames and on HTTP-posted media;
	// websocket media frames rely on the id seen at start.
	ProviderCallID string
	Audio          []byte
}

type mediaEnvelope struct {
	Event         string `json:"event"`
	StreamID      string `json:"stream_id"`
	CallControlID string `json:"call_control_id"`
	Start         *struct {
		CallControlID string `json:"call_control_id"`
	} `json:"start"`
	Stop *struct {
		CallControlID string `json:"call_control_id"`
	} `json:"stop"`
	Media *struct {
		CallControlID string `json:"call_control_id"`
		Track         string `json:"track"`
		Payload       string `json:"payload"`
	} `json:"media"`
}

// ParseMediaFrame decodes a media stream frame and its base64 audio payload.
func ParseMediaFrame(b []byte) (MediaFrame, error) {
	var env mediaEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return MediaFrame{}, fmt.Errorf("telephony: decode media frame: %w", err)
	}
	f := MediaFrame{Event: env.Event, StreamID: env.StreamID, ProviderCallID: env.CallControlID}

	switch env.Event {
	case MediaEventStart:
		if env.Start != nil && env.Start.CallControlID != "" {
			f.ProviderCallID = env.Start.CallControlID
		}
	case MediaEventStop:
		if env.Stop != nil && env.Stop.CallControlID != "" {
			f.ProviderCallID = env.Stop.CallControlID
		}
	case MediaEventMedia:
		if env.Media == nil {
			return MediaFrame{}, fmt.Errorf("telephony: media frame without media")
		}
		if env.Media.Track != "" && env.Media.Track != "inbound" {
			// Only caller audio is transcribed.
			return f, nil
		}
		if env.Media.CallControlID != "" {
			f.ProviderCallID = env.Media.CallControlID
		}
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return MediaFrame{}, fmt.Errorf("telephony: decode media payload: %w", err)
		}
		f.Audio = audio
	}
	return f, nil
}
