package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func chatServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Messages  []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Model != "gpt-4" || req.MaxTokens != 150 || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
}

func TestOpenAI_Complete(t *testing.T) {
	srv := chatServer(t, "  Great to hear! What kind of business do you run?  ", http.StatusOK)
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{APIKey: "sk-test", Model: "gpt-4", BaseURL: srv.URL + "/v1"})
	got, err := c.Complete(context.Background(), Request{
		System:   "You are Mike.",
		Messages: []Message{{Role: RoleUser, Content: "I'm good"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "Great to hear! What kind of business do you run?" {
		t.Fatalf("unexpected completion %q", got)
	}
}

func TestOpenAI_EmptyCompletion(t *testing.T) {
	srv := chatServer(t, "   ", http.StatusOK)
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	_, err := c.Complete(context.Background(), Request{System: "s", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

func TestOpenAI_ServerError(t *testing.T) {
	srv := chatServer(t, "", http.StatusInternalServerError)
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	if _, err := c.Complete(context.Background(), Request{System: "s", Messages: []Message{{Role: RoleUser, Content: "hi"}}}); err == nil {
		t.Fatalf("expected error")
	}
}
