// -----------------------------------------------------------------------
// Prompt templates - per-task-type system and user prompts, loaded from
// embedded defaults with optional YAML overrides on disk
// -----------------------------------------------------------------------

package generation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/ternarybob/cursus/internal/models"
	"gopkg.in/yaml.v3"
)

// PromptTemplate holds the prompt pair for one task type. System is sent
// as the provider's system instruction; Prompt is rendered with the task
// input and job context.
type PromptTemplate struct {
	TaskType string `yaml:"task_type"`
	System   string `yaml:"system"`
	Prompt   string `yaml:"prompt"`
}

// templateData is what a prompt template renders against
type templateData struct {
	TaskName   string
	Input      map[string]interface{}
	JobContext map[string]interface{}
}

var defaultTemplates = map[string]PromptTemplate{
	models.TaskTypeLessonSection: {
		TaskType: models.TaskTypeLessonSection,
		System: "You are a curriculum author. Produce lesson content as a JSON object " +
			"with fields \"title\" and \"body\". Respond with JSON only, no prose around it.",
		Prompt: "Write the lesson section named {{.TaskName}}.\n" +
			"Section input: {{json .Input}}\n" +
			"Course context: {{json .JobContext}}",
	},
	models.TaskTypeLessonAssessment: {
		TaskType: models.TaskTypeLessonAssessment,
		System: "You are a curriculum author. Produce an assessment as a JSON object " +
			"with a \"questions\" array. Each question has \"text\", an \"options\" array " +
			"of at least two strings, and an \"answer\" index. Respond with JSON only.",
		Prompt: "Write the assessment named {{.TaskName}}.\n" +
			"Assessment input: {{json .Input}}\n" +
			"Course context: {{json .JobContext}}",
	},
	models.TaskTypePathQuiz: {
		TaskType: models.TaskTypePathQuiz,
		System: "You are a curriculum author. Produce a learning-path quiz as a JSON object " +
			"with a \"questions\" array. Each question has \"text\", an \"options\" array " +
			"of at least two strings, and an \"answer\" index. Respond with JSON only.",
		Prompt: "Write the quiz named {{.TaskName}} covering the whole learning path.\n" +
			"Quiz input: {{json .Input}}\n" +
			"Course context: {{json .JobContext}}",
	},
	models.TaskTypeCourseSummary: {
		TaskType: models.TaskTypeCourseSummary,
		System: "You are a curriculum author. Produce a course summary as a JSON object " +
			"with fields \"title\" and \"body\". Respond with JSON only.",
		Prompt: "Write the closing summary named {{.TaskName}} for this course.\n" +
			"Summary input: {{json .Input}}\n" +
			"Course context: {{json .JobContext}}",
	},
}

// TemplateStore resolves and renders prompt templates by task type
type TemplateStore struct {
	templates map[string]PromptTemplate
}

// NewTemplateStore builds a template store from the embedded defaults,
// overlaid with any *.yaml files found in dir (empty dir skips overrides).
// Override files hold one PromptTemplate document each.
func NewTemplateStore(dir string) (*TemplateStore, error) {
	templates := make(map[string]PromptTemplate, len(defaultTemplates))
	for taskType, tmpl := range defaultTemplates {
		templates[taskType] = tmpl
	}

	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("failed to scan templates dir: %w", err)
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read template %s: %w", path, err)
			}
			var tmpl PromptTemplate
			if err := yaml.Unmarshal(data, &tmpl); err != nil {
				return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
			}
			if tmpl.TaskType == "" {
				return nil, fmt.Errorf("template %s is missing task_type", path)
			}
			templates[tmpl.TaskType] = tmpl
		}
	}

	return &TemplateStore{templates: templates}, nil
}

// Render produces the system and prompt strings for one task attempt.
// Unknown task types fall back to a generic JSON-content prompt so an
// expand operation with a new type still executes.
func (s *TemplateStore) Render(taskType, taskName string, input, jobContext map[string]interface{}) (system string, prompt string, err error) {
	tmpl, ok := s.templates[taskType]
	if !ok {
		tmpl = PromptTemplate{
			TaskType: taskType,
			System: "You are a curriculum author. Produce the requested content as a JSON object " +
				"with fields \"title\" and \"body\". Respond with JSON only.",
			Prompt: "Write the content item named {{.TaskName}} of type " + taskType + ".\n" +
				"Input: {{json .Input}}\nCourse context: {{json .JobContext}}",
		}
	}

	data := &templateData{
		TaskName:   taskName,
		Input:      input,
		JobContext: jobContext,
	}

	prompt, err = renderText(tmpl.Prompt, data)
	if err != nil {
		return "", "", fmt.Errorf("failed to render prompt for %s: %w", taskType, err)
	}
	return tmpl.System, prompt, nil
}

func jsonFunc(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func renderText(text string, data *templateData) (string, error) {
	t, err := template.New("prompt").Funcs(template.FuncMap{
		"json": jsonFunc,
	}).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
