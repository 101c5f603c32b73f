package interfaces

import "context"

// GenerationRequest is one outbound call to the content-generation service.
// One request corresponds to exactly one task attempt.
type GenerationRequest struct {
	TaskType string
	TaskID   string
	JobID    string

	// System and Prompt are rendered from the task-type template
	System string
	Prompt string

	// Input is the task's payload, JobContext the job-level request
	Input      map[string]interface{}
	JobContext map[string]interface{}
}

// GenerationResult is the raw provider response before structural validation
type GenerationResult struct {
	// Content is the provider output, expected to be a JSON document for
	// structured task types
	Content string

	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ContentGenerator is the external AI content-generation callable. It is a
// black box to the orchestrator: one call, one attempt, no retries inside.
type ContentGenerator interface {
	// Generate performs a single generation call with a bounded context
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)

	// Name identifies the provider ("claude", "gemini", "offline")
	Name() string
}
