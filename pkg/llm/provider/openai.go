package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/shiyoukh/cf-ai-agent/internal/observability"
)

const (
	defaultModel   = openai.GPT4oMini
	defaultTimeout = 120 * time.Second

	// Outbound ceiling toward the provider, shared across sessions.
	// Per-client admission is handled upstream by the token buckets.
	outboundRPS   = 5
	outboundBurst = 10
)

// chatCompleter is the subset of the OpenAI client we use.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIGenerator implements Generator against the OpenAI chat API.
type OpenAIGenerator struct {
	client  chatCompleter
	model   string
	timeout time.Duration
	limiter *rate.Limiter
}

// OpenAIConfig holds OpenAI client configuration.
type OpenAIConfig struct {
	// APIKey authenticates against the API.
	APIKey string
	// BaseURL overrides the API endpoint (optional).
	BaseURL string
	// Model is the chat model (default: gpt-4o-mini).
	Model string
	// Timeout bounds a single generation call (default: 120s).
	Timeout time.Duration
}

// NewOpenAIGenerator creates an OpenAI-backed generator.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(outboundRPS), outboundBurst),
	}, nil
}

// Generate returns the assistant's reply for the given messages.
func (g *OpenAIGenerator) Generate(ctx context.Context, messages []Message) (string, error) {
	ctx, span := observability.StartSpan(ctx, "llm.generate")
	defer span.End()

	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("outbound rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		observability.RecordError(span, err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}
