package llm

import (
	"context"

	"github.com/BaSui01/agentroom/types"
)

// Result is the output of one generation call.
type Result struct {
	Text  string           `json:"text"`
	Model string           `json:"model,omitempty"`
	Usage types.TokenUsage `json:"usage"`
}

// Generator invokes a language model with an agent's configuration.
// Implementations must honor ctx cancellation and deadlines.
type Generator interface {
	Generate(ctx context.Context, cfg types.GenerationConfig, prompt string) (*Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, cfg types.GenerationConfig, prompt string) (*Result, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, cfg types.GenerationConfig, prompt string) (*Result, error) {
	return f(ctx, cfg, prompt)
}

// modelOf resolves the model a call will use.
func modelOf(cfg types.GenerationConfig, fallback string) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return fallback
}
