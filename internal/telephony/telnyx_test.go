package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

func newTelnyxTestServer(t *testing.T, status int, response string) (*TelnyxClient, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		reqs = append(reqs, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	c, err := NewTelnyxClient(TelnyxOptions{
		APIKey:       "KEY",
		ConnectionID: "conn-1",
		FromNumber:   "+15550001111",
		BaseURL:      srv.URL,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c, &reqs
}

func TestTelnyx_PlaceCall(t *testing.T) {
	c, reqs := newTelnyxTestServer(t, http.StatusOK, `{"data":{"call_control_id":"v3:abc","call_leg_id":"leg"}}`)

	res, err := c.PlaceCall(context.Background(), PlaceCallRequest{
		To:          "+15551234567",
		WebhookURL:  "https://example.com/webhooks/telnyx",
		ClientState: "call-1",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.ProviderCallID != "v3:abc" {
		t.Fatalf("expected provider call id, got %q", res.ProviderCallID)
	}

	got := (*reqs)[0]
	if got.Method != http.MethodPost || got.Path != "/calls" {
		t.Fatalf("unexpected request %s %s", got.Method, got.Path)
	}
	if got.Auth != "Bearer KEY" {
		t.Fatalf("expected bearer auth, got %q", got.Auth)
	}
	if got.Body["from"] != "+15550001111" || got.Body["connection_id"] != "conn-1" {
		t.Fatalf("expected default from and connection, got %v", got.Body)
	}
	if DecodeClientState(got.Body["client_state"].(string)) != "call-1" {
		t.Fatalf("expected encoded client state, got %v", got.Body["client_state"])
	}
}

func TestTelnyx_ActionsAddressCallAndCarryCommandID(t *testing.T) {
	c, reqs := newTelnyxTestServer(t, http.StatusOK, `{"data":{"result":"ok"}}`)

	if err := c.Speak(context.Background(), "v3:abc", SpeakRequest{Payload: "<speak>Hi</speak>", SSML: true}); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if err := c.StartStreaming(context.Background(), "v3:abc", "wss://example.com/streams/audio/ws"); err != nil {
		t.Fatalf("streaming: %v", err)
	}

	speak := (*reqs)[0]
	if speak.Path != "/calls/v3:abc/actions/speak" {
		t.Fatalf("unexpected path %q", speak.Path)
	}
	if speak.Body["payload_type"] != "ssml" || speak.Body["voice"] != "male" {
		t.Fatalf("unexpected speak body %v", speak.Body)
	}
	if speak.Body["command_id"] == "" || speak.Body["command_id"] == nil {
		t.Fatalf("expected command_id")
	}
	stream := (*reqs)[1]
	if stream.Body["stream_track"] != "inbound_track" {
		t.Fatalf("expected inbound track, got %v", stream.Body)
	}
}

func TestTelnyx_RejectedErrorIsTyped(t *testing.T) {
	c, _ := newTelnyxTestServer(t, http.StatusUnprocessableEntity,
		`{"errors":[{"code":"10015","title":"Invalid value","detail":"The 'to' number is invalid"}]}`)

	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{To: "+1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRejected(err) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid") {
		t.Fatalf("expected provider detail in error, got %v", err)
	}
}

func TestTelnyx_ServerErrorIsNotRejected(t *testing.T) {
	c, _ := newTelnyxTestServer(t, http.StatusBadGateway, `oops`)
	err := c.Speak(context.Background(), "v3:abc", SpeakRequest{Payload: "hi"})
	if err == nil || IsRejected(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestTelnyx_HangupOnEndedCallIsNoError(t *testing.T) {
	c, _ := newTelnyxTestServer(t, http.StatusUnprocessableEntity,
		`{"errors":[{"code":"90018","title":"Call has already ended"}]}`)
	if err := c.Hangup(context.Background(), "v3:abc"); err != nil {
		t.Fatalf("expected nil for ended call, got %v", err)
	}
	if err := c.StopStreaming(context.Background(), "v3:abc"); err != nil {
		t.Fatalf("expected nil for ended call, got %v", err)
	}
}

func TestTelnyx_CallAlive(t *testing.T) {
	c, reqs := newTelnyxTestServer(t, http.StatusOK, `{"data":{"is_alive":false}}`)
	alive, err := c.CallAlive(context.Background(), "v3:abc")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if alive {
		t.Fatalf("expected not alive")
	}
	if (*reqs)[0].Method != http.MethodGet {
		t.Fatalf("expected GET")
	}
}

func TestTelnyx_RequiresIdentifiers(t *testing.T) {
	c, _ := newTelnyxTestServer(t, http.StatusOK, `{}`)
	if err := c.Hangup(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty provider id")
	}
	if err := c.PlayAudio(context.Background(), "v3:abc", nil); err == nil {
		t.Fatalf("expected error for empty audio")
	}
	if _, err := NewTelnyxClient(TelnyxOptions{ConnectionID: "x"}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}
