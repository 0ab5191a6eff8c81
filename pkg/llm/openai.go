package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient implements Client using the OpenAI chat completions API. The
// same client serves Azure OpenAI deployments.
type OpenAIClient struct {
	client openai.Client
	model  string
	cfg    Config
}

// NewOpenAIClient creates a client that talks directly to the OpenAI API.
func NewOpenAIClient(cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai client requires an API key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return newOpenAIClient(cfg, opts), nil
}

// NewAzureOpenAIClient creates a client for an Azure OpenAI deployment. The
// configured model is the deployment name.
func NewAzureOpenAIClient(cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("azure openai client requires an API key")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("azure openai client requires an endpoint")
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = "2024-12-01-preview"
	}
	opts := []option.RequestOption{
		azure.WithEndpoint(cfg.Endpoint, apiVersion),
		azure.WithAPIKey(cfg.APIKey),
	}
	return newOpenAIClient(cfg, opts), nil
}

func newOpenAIClient(cfg Config, opts []option.RequestOption) *OpenAIClient {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
		cfg:    cfg,
	}
}

func (c *OpenAIClient) GetModelName() string {
	return c.model
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.CompleteWithRequest(ctx, &CompletionRequest{
		Messages: []*Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *OpenAIClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("openai completion request cannot be nil")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		switch strings.ToLower(m.Role) {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("openai completion requires at least one message")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	params.Temperature = openai.Float(pickTemperature(req.Temperature, c.cfg.Temperature))
	if limit := pickMaxTokens(req.MaxTokens, c.cfg.MaxTokens); limit > 0 {
		params.MaxCompletionTokens = openai.Int(int64(limit))
	}

	ctx, cancel := withTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &CompletionResponse{}, nil
	}

	return &CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		StopReason:   string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func pickTemperature(req, def float64) float64 {
	if req > 0 {
		return req
	}
	return def
}

func pickMaxTokens(req, def int) int {
	if req > 0 {
		return req
	}
	return def
}
