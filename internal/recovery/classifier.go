// -----------------------------------------------------------------------
// Failure classification - maps an execution result onto the error
// taxonomy: category, severity, and recovery suggestions
// -----------------------------------------------------------------------

package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// Classification is the taxonomy verdict for one failed attempt
type Classification struct {
	Category    models.ErrorCategory
	Severity    models.Severity
	Message     string
	Suggestions []string
}

// Classify maps a failed execution result onto the error taxonomy.
// A first validation failure is medium (one automatic retry); timeouts
// and transport errors are transient/low; quota exhaustion is critical
// and fails the owning job.
func Classify(result *interfaces.ExecutionResult) *Classification {
	if len(result.ValidationErrors) > 0 {
		return &Classification{
			Category: models.ErrorCategoryValidation,
			Severity: models.SeverityMedium,
			Message:  fmt.Sprintf("output validation failed: %s", strings.Join(result.ValidationErrors, "; ")),
		}
	}

	err := result.Err
	if err == nil {
		return &Classification{
			Category: models.ErrorCategoryTransient,
			Severity: models.SeverityLow,
			Message:  "execution failed without a reported error",
		}
	}

	if isQuotaError(err) {
		return &Classification{
			Category: models.ErrorCategoryQuota,
			Severity: models.SeverityCritical,
			Message:  err.Error(),
			Suggestions: []string{
				"service quota exhausted; wait for the quota window to reset",
				"reduce engine.requests_per_second or engine.workers",
				"verify the provider account has remaining credit",
			},
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Classification{
			Category: models.ErrorCategoryTransient,
			Severity: models.SeverityLow,
			Message:  fmt.Sprintf("generation timed out: %v", err),
		}
	}

	return &Classification{
		Category: models.ErrorCategoryTransient,
		Severity: models.SeverityLow,
		Message:  err.Error(),
	}
}

// RepeatedValidation escalates a validation failure that survived its
// retry. The output is malformed in a stable way, so automatic recovery
// is refused and operator guidance is attached instead.
func RepeatedValidation(c *Classification) *Classification {
	return &Classification{
		Category: models.ErrorCategoryValidation,
		Severity: models.SeverityHigh,
		Message:  c.Message,
		Suggestions: []string{
			"inspect the task input for fields the provider cannot satisfy",
			"adjust the prompt template for this task type",
			"skip the task if the artifact is optional",
		},
	}
}

// DependencyFailure is the classification applied to tasks whose
// prerequisite failed; they never execute.
func DependencyFailure(depTaskID string) *Classification {
	return &Classification{
		Category: models.ErrorCategoryDependency,
		Severity: models.SeverityHigh,
		Message:  fmt.Sprintf("dependency %s failed; task was not executed", depTaskID),
		Suggestions: []string{
			fmt.Sprintf("retry the failed dependency %s, then retry this task", depTaskID),
			"skip the failed dependency if its output is not required",
		},
	}
}

func isQuotaError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"quota", "rate limit", "429", "resource exhausted", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
