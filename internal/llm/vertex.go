package llm

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// Vertex is a Generator backed by a Gemini model on Vertex AI.
type Vertex struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewVertex creates a Gemini client for the given project and region.
// Credentials come from the environment (ADC).
func NewVertex(ctx context.Context, projectID, region, modelName string) (*Vertex, error) {
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	m := client.GenerativeModel(modelName)
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	m.SetTemperature(temperature)
	m.SetMaxOutputTokens(maxOutputTokens)

	return &Vertex{client: client, model: m}, nil
}

// Generate sends the prompt and concatenates the text parts of the first candidate.
func (v *Vertex) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := v.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", err
	}
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockedReasonUnspecified {
		return "", fmt.Errorf("gemini blocked prompt: %s", fb.BlockReasonMessage)
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("gemini stopped for safety")
	}
	if cand.Content == nil {
		return "", ErrEmptyResponse
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// Close releases the underlying client.
func (v *Vertex) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
