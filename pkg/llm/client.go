// Package llm provides the inference clients used by the resolver, refiner,
// planner and the generator adapters.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Messages     []*Message `json:"messages"`
	Temperature  float64    `json:"temperature"`
	MaxTokens    int        `json:"max_tokens,omitempty"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
}

// Client is the interface for inference clients.
type Client interface {
	// CompleteWithRequest sends a completion request and returns the response.
	CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	// Complete is a simplified version for a single prompt.
	Complete(ctx context.Context, prompt string) (string, error)
	// GetModelName returns the model name.
	GetModelName() string
}

// Provider names accepted by NewClient.
const (
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Config selects and configures an inference provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Endpoint    string
	APIVersion  string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewClient creates a client for the configured provider.
func NewClient(cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg)
	case ProviderAzure:
		return NewAzureOpenAIClient(cfg)
	case ProviderAnthropic:
		return NewAnthropicClient(cfg)
	case ProviderGemini:
		return NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// Ask is a convenience wrapper for a system prompt plus a single user message.
func Ask(ctx context.Context, c Client, system, user string) (string, error) {
	resp, err := c.CompleteWithRequest(ctx, &CompletionRequest{
		SystemPrompt: system,
		Messages:     []*Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
