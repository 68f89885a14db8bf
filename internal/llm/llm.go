// Package llm is the language-model contract used for agent replies and call summaries.
package llm

import (
	"context"
	"errors"
)

var ErrEmptyCompletion = errors.New("llm: empty completion")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Request is one chat completion. Zero sampling fields use the client defaults.
type Request struct {
	System   string
	Messages []Message

	MaxTokens   int
	Temperature float32
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
