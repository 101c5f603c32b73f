// -----------------------------------------------------------------------
// Output validation - structural checks on generated content before a
// task may complete. Invalid output is a validation failure, never a
// partial completion.
// -----------------------------------------------------------------------

package engine

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/cursus/internal/models"
)

// lessonPayload is the expected shape for lesson-section and
// course-summary output
type lessonPayload struct {
	Title string `json:"title" validate:"required"`
	Body  string `json:"body" validate:"required"`
}

// quizPayload is the expected shape for lesson-assessment and path-quiz
// output
type quizPayload struct {
	Questions []quizQuestion `json:"questions" validate:"required,min=1,dive"`
}

type quizQuestion struct {
	Text    string   `json:"text" validate:"required"`
	Options []string `json:"options" validate:"required,min=2,dive,required"`
	Answer  int      `json:"answer" validate:"gte=0"`
}

// OutputValidator performs structural validation of generated content
// per task type
type OutputValidator struct {
	validate *validator.Validate
}

// NewOutputValidator creates the output validator
func NewOutputValidator() *OutputValidator {
	return &OutputValidator{
		validate: validator.New(),
	}
}

// Validate checks content against the structural contract for taskType.
// Returns the list of violations; an empty slice means the output is
// acceptable. Unknown task types only require well-formed JSON.
func (v *OutputValidator) Validate(taskType, content string) []string {
	switch taskType {
	case models.TaskTypeLessonSection, models.TaskTypeCourseSummary:
		var payload lessonPayload
		if err := json.Unmarshal([]byte(content), &payload); err != nil {
			return []string{fmt.Sprintf("output is not valid JSON: %v", err)}
		}
		return v.collectViolations(&payload, nil)

	case models.TaskTypeLessonAssessment, models.TaskTypePathQuiz:
		var payload quizPayload
		if err := json.Unmarshal([]byte(content), &payload); err != nil {
			return []string{fmt.Sprintf("output is not valid JSON: %v", err)}
		}
		extra := checkAnswerBounds(&payload)
		return v.collectViolations(&payload, extra)

	default:
		var payload interface{}
		if err := json.Unmarshal([]byte(content), &payload); err != nil {
			return []string{fmt.Sprintf("output is not valid JSON: %v", err)}
		}
		return nil
	}
}

func (v *OutputValidator) collectViolations(payload interface{}, extra []string) []string {
	violations := append([]string{}, extra...)
	if err := v.validate.Struct(payload); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				violations = append(violations, fmt.Sprintf("field %s fails %q constraint", fe.Namespace(), fe.Tag()))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return violations
}

// checkAnswerBounds verifies answer indices reference an existing option,
// which tag-based validation cannot express
func checkAnswerBounds(payload *quizPayload) []string {
	var violations []string
	for i, q := range payload.Questions {
		if q.Answer >= len(q.Options) {
			violations = append(violations, fmt.Sprintf("questions[%d].answer index %d out of range for %d options", i, q.Answer, len(q.Options)))
		}
	}
	return violations
}
