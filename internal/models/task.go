// -----------------------------------------------------------------------
// Task - one unit of generation work with dependencies and a retry budget
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task types produced by course-generation request expansion
const (
	TaskTypeLessonSection    = "lesson-section"
	TaskTypeLessonAssessment = "lesson-assessment"
	TaskTypePathQuiz         = "path-quiz"
	TaskTypeCourseSummary    = "course-summary"
)

// DefaultMaxRetries is applied when a task is created without an explicit
// retry budget.
const DefaultMaxRetries = 3

// Task represents one unit of generation work. The task graph is fixed at
// job creation; the only structural mutation permitted afterwards is an
// expand operation, which inserts a new task depending on a completed one.
// Tasks are never deleted; terminal tasks are retained for audit and export.
type Task struct {
	ID    string `json:"id" badgerhold:"key"`
	JobID string `json:"job_id" badgerhold:"index"`
	Type  string `json:"type"`
	Name  string `json:"name"`

	// DependsOn lists prerequisite task IDs. A task may only run once every
	// dependency is completed or skipped. Stored as plain ID references -
	// resolution happens through the task store, never via object pointers.
	DependsOn []string `json:"depends_on,omitempty"`

	// Priority orders ready tasks; lower value dispatches first. Ties are
	// broken by Sequence for determinism.
	Priority int `json:"priority"`
	Sequence int `json:"sequence"`

	Status TaskStatus `json:"status" badgerhold:"index"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Error               string        `json:"error,omitempty"`
	Severity            Severity      `json:"severity,omitempty"`
	ErrorCategory       ErrorCategory `json:"error_category,omitempty"`
	RecoverySuggestions []string      `json:"recovery_suggestions,omitempty"`

	// NextAttemptAt gates retry dispatch; a task is not ready until the
	// backoff window has elapsed
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// Input is the task-type-specific generation payload
	Input map[string]interface{} `json:"input"`
	// OutputRef points at the stored generation output once completed
	OutputRef string `json:"output_ref,omitempty"`

	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	ActualDuration    time.Duration `json:"actual_duration,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LastHeartbeat is refreshed while the task is running so the health
	// monitor can requeue executions orphaned by a crash
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// TaskSpec describes one task in a submission request, before IDs are
// assigned. Dependencies reference other specs by index into the submitted
// slice.
type TaskSpec struct {
	Type              string                 `json:"type"`
	Name              string                 `json:"name"`
	DependsOn         []int                  `json:"depends_on,omitempty"`
	Priority          int                    `json:"priority"`
	MaxRetries        int                    `json:"max_retries,omitempty"`
	Input             map[string]interface{} `json:"input,omitempty"`
	EstimatedDuration string                 `json:"estimated_duration,omitempty"`
}

// NewTask creates a new pending task for a job. Sequence records creation
// order and is assigned by the caller building the graph.
func NewTask(jobID, taskType, name string, sequence int) *Task {
	return &Task{
		ID:         "task_" + uuid.New().String(),
		JobID:      jobID,
		Type:       taskType,
		Name:       name,
		Sequence:   sequence,
		Status:     TaskStatusPending,
		MaxRetries: DefaultMaxRetries,
		Input:      make(map[string]interface{}),
		CreatedAt:  time.Now(),
	}
}

// Validate validates the task fields required before persistence
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if t.JobID == "" {
		return fmt.Errorf("task job ID is required")
	}
	if t.Type == "" {
		return fmt.Errorf("task type is required")
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("task max retries cannot be negative")
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task cannot depend on itself")
		}
	}
	return nil
}

// RetriesRemaining returns how many automatic retries are left
func (t *Task) RetriesRemaining() int {
	remaining := t.MaxRetries - t.RetryCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ReadyAt returns true if the backoff window (if any) has elapsed
func (t *Task) ReadyAt(now time.Time) bool {
	return t.NextAttemptAt == nil || !now.Before(*t.NextAttemptAt)
}

// MarkQueued records the queue claim timestamp
func (t *Task) MarkQueued() {
	t.Status = TaskStatusQueued
	now := time.Now()
	t.QueuedAt = &now
}

// MarkRunning records execution start
func (t *Task) MarkRunning() {
	t.Status = TaskStatusRunning
	now := time.Now()
	t.StartedAt = &now
	t.LastHeartbeat = &now
}

// MarkCompleted records successful completion and the output reference
func (t *Task) MarkCompleted(outputRef string) {
	t.Status = TaskStatusCompleted
	t.OutputRef = outputRef
	now := time.Now()
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.ActualDuration = now.Sub(*t.StartedAt)
	}
}

// MarkFailed records a terminal failure with classification
func (t *Task) MarkFailed(errorMsg string, severity Severity, category ErrorCategory) {
	t.Status = TaskStatusFailed
	t.Error = errorMsg
	t.Severity = severity
	t.ErrorCategory = category
	now := time.Now()
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.ActualDuration = now.Sub(*t.StartedAt)
	}
}

// MarkSkipped records an operator skip. Skipped is terminal and resolves
// the task for dependents without producing output.
func (t *Task) MarkSkipped() {
	t.Status = TaskStatusSkipped
	t.ErrorCategory = ErrorCategoryCancelled
	now := time.Now()
	t.CompletedAt = &now
}

// IsTerminal returns true if the task is in a terminal state
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// AttemptCount returns the number of execution attempts made so far.
// A task that has started at least once has RetryCount+1 attempts.
func (t *Task) AttemptCount() int {
	if t.StartedAt == nil && t.RetryCount == 0 {
		return 0
	}
	return t.RetryCount + 1
}
