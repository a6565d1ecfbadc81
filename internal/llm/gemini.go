package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

type GeminiModel struct {
	generate    generateFunc
	model       string
	temperature float64
	maxTokens   int
}

func NewGeminiModel(ctx context.Context, cfg Config) (*GeminiModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiModel{
		generate:    client.Models.GenerateContent,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (m *GeminiModel) Complete(ctx context.Context, prompt Prompt) (Completion, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(m.temperature)),
	}
	if m.maxTokens > 0 {
		config.MaxOutputTokens = int32(m.maxTokens)
	}
	if system := genai.Text(prompt.System); strings.TrimSpace(prompt.System) != "" && len(system) > 0 {
		config.SystemInstruction = system[0]
	}

	resp, err := m.generate(ctx, m.model, genai.Text(prompt.User), config)
	if err != nil {
		return Completion{}, fmt.Errorf("gemini generate content: %w", err)
	}
	if resp == nil {
		return Completion{}, fmt.Errorf("empty gemini response")
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return Completion{}, fmt.Errorf("empty gemini response")
	}
	return Completion{
		Text:     text,
		Provider: string(ProviderGemini),
		Model:    m.model,
	}, nil
}
