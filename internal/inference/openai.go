package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 300

	classifyPrompt = "Does this image show a plant, a fungus, or something else? Please give a short answer: plant, fungus, else"
	identifyPrompt = "What %s is this? Please provide the following information as a raw JSON object with the following fields: " +
		"common name, scientific name, wikipedia link, basic information. " +
		`If there is no information about any of these categories add "None" please.`
)

// OpenAIConfig configures the OpenAI chat-completions adapter.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// OpenAIClient implements Client on top of the chat completions API.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewOpenAIClient builds an adapter. BaseURL may point to any
// OpenAI-compatible endpoint; empty fields take the package defaults.
func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger.Named("openai_client"),
	}, nil
}

// Classify implements Client.
func (c *OpenAIClient) Classify(ctx context.Context, imageBase64, mediaType string) (string, error) {
	return c.complete(ctx, "classify", classifyPrompt, imageBase64, mediaType)
}

// Identify implements Client.
func (c *OpenAIClient) Identify(ctx context.Context, imageBase64, mediaType string, kind Kind) (string, error) {
	if !kind.Valid() {
		return "", &Error{Operation: "identify", Err: fmt.Errorf("unsupported kind %q", kind)}
	}
	return c.complete(ctx, "identify", fmt.Sprintf(identifyPrompt, kind), imageBase64, mediaType)
}

func (c *OpenAIClient) complete(ctx context.Context, operation, prompt, imageBase64, mediaType string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: DataURL(mediaType, imageBase64),
						},
					},
				},
			},
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		c.logger.Error("chat completion failed",
			zap.String("operation", operation),
			zap.String("model", c.model),
			zap.Error(err),
		)
		return "", &Error{Operation: operation, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Operation: operation, Err: ErrEmptyResponse}
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		c.logger.Warn("chat completion without content",
			zap.String("operation", operation),
			zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		)
		return "", &Error{Operation: operation, Err: ErrEmptyContent}
	}

	c.logger.Debug("chat completion",
		zap.String("operation", operation),
		zap.String("model", resp.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return content, nil
}
