// Package llm wraps the generative model providers behind one call:
// instructions plus a question in, raw text out.
package llm

import (
	"context"
	"fmt"

	"github.com/calldataai/calldata/internal/config"
)

// Generator makes exactly one model call per Generate. The returned text is
// not validated or retried.
type Generator interface {
	Generate(ctx context.Context, instructions, question string) (string, error)
}

// New builds the generator selected by cfg.Provider. A missing credential is
// an error.
func New(ctx context.Context, cfg config.AIConfig) (Generator, error) {
	switch cfg.Provider {
	case config.AIProviderGemini, "":
		return NewGeminiGenerator(ctx, GeminiConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
	case config.AIProviderOpenAI:
		return NewOpenAIGenerator(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}
