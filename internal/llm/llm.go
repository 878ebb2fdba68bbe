// Package llm provides model-backed extractors that turn document text into
// question/answer JSON.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/grader/internal/extract"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
)

// Provider names a model API.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Config selects and configures a provider.
type Config struct {
	Provider Provider
	BaseURL  string
	APIKey   string
	Model    string
}

// Client is an extractor holding provider resources.
type Client interface {
	extract.Extractor
	Close() error
}

// New creates the extractor for cfg.Provider. An empty provider means OpenAI.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case ProviderGemini:
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

const systemPrompt = "You are a precise data extraction assistant. You return only valid JSON."

// OpenAI extracts through an OpenAI-compatible chat completions API.
type OpenAI struct {
	api   *openai.Client
	model string
}

// NewOpenAI creates a new OpenAI-compatible extractor.
func NewOpenAI(baseURL, apiKey, modelName string) *OpenAI {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAI{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Extract sends the document to the model in JSON mode and returns the
// raw response content. Client errors other than rate limiting are
// permanent.
func (c *OpenAI) Extract(ctx context.Context, doc model.Document) (string, error) {
	prompt, err := prompts.Build(doc)
	if err != nil {
		return "", extract.Permanent(fmt.Errorf("build prompt: %w", err))
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		err = fmt.Errorf("LLM API call: %w", err)
		if permanentStatus(err) {
			return "", extract.Permanent(err)
		}
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "ref", doc.Ref, "raw", raw)
	return raw, nil
}

// Close is a no-op; the HTTP client holds no resources.
func (c *OpenAI) Close() error { return nil }

func permanentStatus(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return permanentCode(status)
}

func permanentCode(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
}
