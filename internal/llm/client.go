package llm

import (
	"context"
	"fmt"

	"healnerd/internal/config"

	"go.uber.org/zap"
)

// Client is a single-shot text completion backend. Implementations never
// retry: a failed call is reported to the caller as-is.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// New builds the client selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case config.ProviderOllama, "":
		return NewOllamaClient(cfg.Host, cfg.Model, cfg.Temperature, cfg.Timeout(), logger), nil
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.Temperature, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
