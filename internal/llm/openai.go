package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"outbound-voice/internal/metrics"
	"outbound-voice/pkg/logger"
)

type OpenAIOptions struct {
	APIKey string
	Model  string
	// BaseURL overrides the API root, e.g. for a proxy.
	BaseURL string

	MaxTokens        int
	Temperature      float32
	PresencePenalty  float32
	FrequencyPenalty float32
	Timeout          time.Duration

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
	log    *slog.Logger
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	if opts.Model == "" {
		opts.Model = openai.GPT4
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 150
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.8
	}
	if opts.PresencePenalty == 0 {
		opts.PresencePenalty = 0.3
	}
	if opts.FrequencyPenalty == 0 {
		opts.FrequencyPenalty = 0.3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
		log:    logger.OrDefault(opts.Log),
	}
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := o.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temperature := o.opts.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:            o.opts.Model,
		Messages:         msgs,
		MaxTokens:        maxTokens,
		Temperature:      temperature,
		PresencePenalty:  o.opts.PresencePenalty,
		FrequencyPenalty: o.opts.FrequencyPenalty,
	})
	o.opts.Metrics.ObserveLLM(time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	o.log.Debug("llm completion", "model", o.opts.Model, "tokens", resp.Usage.TotalTokens, "elapsed_ms", time.Since(start).Milliseconds())
	return text, nil
}

var _ Client = (*OpenAI)(nil)
