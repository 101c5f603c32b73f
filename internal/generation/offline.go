package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// OfflineGenerator produces deterministic placeholder content without any
// external calls. It is the default provider for development and tests,
// and its output passes the structural validators for every task type.
type OfflineGenerator struct{}

// NewOfflineGenerator creates the offline content generator
func NewOfflineGenerator() *OfflineGenerator {
	return &OfflineGenerator{}
}

func (g *OfflineGenerator) Name() string {
	return "offline"
}

func (g *OfflineGenerator) Generate(ctx context.Context, req *interfaces.GenerationRequest) (*interfaces.GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var payload interface{}
	switch req.TaskType {
	case models.TaskTypeLessonAssessment, models.TaskTypePathQuiz:
		payload = map[string]interface{}{
			"questions": []map[string]interface{}{
				{
					"text":    fmt.Sprintf("Placeholder question for %s", req.TaskID),
					"options": []string{"Option A", "Option B"},
					"answer":  0,
				},
			},
		}
	default:
		payload = map[string]interface{}{
			"title": fmt.Sprintf("Placeholder: %s", req.TaskType),
			"body":  fmt.Sprintf("Offline content for task %s in job %s.", req.TaskID, req.JobID),
		}
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal offline content: %w", err)
	}

	return &interfaces.GenerationResult{
		Content:      string(content),
		Model:        "offline",
		InputTokens:  int64(len(req.Prompt) / 4),
		OutputTokens: int64(len(content) / 4),
	}, nil
}
