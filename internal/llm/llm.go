package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

const (
	temperature     = 0.1
	maxOutputTokens = 4096

	systemPrompt = "You extract multiple-choice questions from OCR text of exam papers. " +
		"Reply with a JSON array only, no prose."
)

// ErrEmptyResponse is returned when the service answers with no content.
var ErrEmptyResponse = errors.New("generative service returned no content")

// Generator sends one prompt to a generative-language service and returns its text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Generate sends the extraction prompt and returns the raw completion text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		slog.Warn("LLM output truncated at token limit", "model", c.model, "max_tokens", maxOutputTokens)
	}
	slog.Debug("LLM response", "chars", len(choice.Message.Content), "finish_reason", choice.FinishReason)
	if choice.Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return choice.Message.Content, nil
}

// Ping checks that the service is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM ping: %w", err)
	}
	return nil
}
