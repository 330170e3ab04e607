// internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
)

// New builds the stream client named by the configuration.
func New(cfg config.LLMConfig, rt config.RuntimeConfig, logger *zap.Logger) (schemas.StreamClient, error) {
	switch cfg.Provider {
	case "gemini", "":
		return NewGeminiClient(cfg, rt, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
