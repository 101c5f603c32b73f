package generation

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
)

// NewGenerator creates the content generator selected by llm.provider
func NewGenerator(ctx context.Context, config *common.Config, logger arbor.ILogger) (interfaces.ContentGenerator, error) {
	switch config.LLM.Provider {
	case "claude":
		return NewClaudeGenerator(&config.Claude, logger)
	case "gemini":
		return NewGeminiGenerator(ctx, &config.Gemini, logger)
	case "offline", "":
		return NewOfflineGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (want claude, gemini, or offline)", config.LLM.Provider)
	}
}
