// Package llm talks to the language model that writes queries.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Prompt struct {
	System string
	User   string
}

type Completion struct {
	Text     string
	Provider string
	Model    string
}

// Model makes exactly one model call per Complete. Callers own retries and
// bound the call through ctx.
type Model interface {
	Complete(ctx context.Context, prompt Prompt) (Completion, error)
}

type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderGemini    Provider = "gemini"
)

type Config struct {
	Provider    Provider
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func New(ctx context.Context, cfg Config) (Model, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(string(cfg.Provider)))) {
	case ProviderOpenAI, "":
		model, err := NewOpenAIModel(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("configure openai model: %w", err)
		}
		return model, nil
	case ProviderAnthropic:
		model, err := NewAnthropicModel(cfg)
		if err != nil {
			return nil, fmt.Errorf("configure anthropic model: %w", err)
		}
		return model, nil
	case ProviderOllama:
		model, err := NewOllamaModel(cfg)
		if err != nil {
			return nil, fmt.Errorf("configure ollama model: %w", err)
		}
		return model, nil
	case ProviderGemini:
		model, err := NewGeminiModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("configure gemini model: %w", err)
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}
