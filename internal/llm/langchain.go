package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
)

// LangchainModel adapts any langchaingo model.
type LangchainModel struct {
	llm         llms.Model
	provider    string
	model       string
	temperature float64
	maxTokens   int
}

func NewLangchainModel(model llms.Model, provider, name string, temperature float64, maxTokens int) *LangchainModel {
	return &LangchainModel{
		llm:         model,
		provider:    provider,
		model:       name,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

func NewAnthropicModel(cfg Config) (*LangchainModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	opts := []anthropic.Option{
		anthropic.WithToken(strings.TrimSpace(cfg.APIKey)),
		anthropic.WithModel(model),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	client, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic client: %w", err)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return NewLangchainModel(client, string(ProviderAnthropic), model, cfg.Temperature, maxTokens), nil
}

func NewOllamaModel(cfg Config) (*LangchainModel, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	opts := []ollama.Option{ollama.WithModel(model)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}
	client, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return NewLangchainModel(client, string(ProviderOllama), model, cfg.Temperature, cfg.MaxTokens), nil
}

func (m *LangchainModel) Complete(ctx context.Context, prompt Prompt) (Completion, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if strings.TrimSpace(prompt.System) != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, prompt.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt.User))

	opts := []llms.CallOption{llms.WithTemperature(m.temperature)}
	if m.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.maxTokens))
	}
	resp, err := m.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return Completion{}, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return Completion{}, fmt.Errorf("empty %s response", m.provider)
	}
	return Completion{
		Text:     resp.Choices[0].Content,
		Provider: m.provider,
		Model:    m.model,
	}, nil
}
