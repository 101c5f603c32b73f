// -----------------------------------------------------------------------
// Job - one user-initiated generation request, decomposed into tasks
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job represents a single content-generation request. A job owns a fixed
// graph of tasks created at submission time; its status is derived from the
// states of those tasks and is never set directly by external callers.
type Job struct {
	ID     string `json:"id" badgerhold:"key"`
	UserID string `json:"user_id" badgerhold:"index"`
	Role   string `json:"role"`
	Name   string `json:"name"`

	// Request is the opaque generation request payload supplied at submission.
	// The orchestrator never interprets it beyond handing it to the engine
	// as job-level context.
	Request map[string]interface{} `json:"request"`

	Status JobStatus `json:"status" badgerhold:"index"`

	// Task counters, recomputed by the scheduler on every pass
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	SkippedTasks   int `json:"skipped_tasks"`

	// CourseRef points at the assembled output once the job completes
	CourseRef string `json:"course_ref,omitempty"`

	// CriticalFailure is raised when any task fails with critical severity
	CriticalFailure bool   `json:"critical_failure"`
	Error           string `json:"error,omitempty"`

	// Paused halts scheduler dispatch for this job only. In-flight
	// executions run to completion; newly-ready tasks stay pending.
	Paused bool `json:"paused"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LastTransitionAt records the most recent task state change, used by
	// the health aggregator for staleness classification
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// NewJob creates a new job in pending state
func NewJob(userID, role, name string, request map[string]interface{}) *Job {
	if request == nil {
		request = make(map[string]interface{})
	}
	now := time.Now()
	return &Job{
		ID:               "job_" + uuid.New().String(),
		UserID:           userID,
		Role:             role,
		Name:             name,
		Request:          request,
		Status:           JobStatusPending,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

// Validate validates the job fields required before persistence
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.UserID == "" {
		return fmt.Errorf("job user ID is required")
	}
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	return nil
}

// MarkStarted transitions the job into processing
func (j *Job) MarkStarted() {
	j.Status = JobStatusProcessing
	now := time.Now()
	j.StartedAt = &now
	j.LastTransitionAt = now
}

// MarkCompleted marks the job completed
func (j *Job) MarkCompleted() {
	j.Status = JobStatusCompleted
	now := time.Now()
	j.CompletedAt = &now
	j.LastTransitionAt = now
}

// MarkFailed marks the job failed with an error message
func (j *Job) MarkFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.Error = errorMsg
	now := time.Now()
	j.CompletedAt = &now
	j.LastTransitionAt = now
}

// MarkCancelled marks the job cancelled
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := time.Now()
	j.CompletedAt = &now
	j.LastTransitionAt = now
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// ProgressPercentage returns the resolved fraction of the task graph.
// Skipped tasks count as resolved, matching the recovery semantics.
func (j *Job) ProgressPercentage() float64 {
	if j.TotalTasks == 0 {
		return 0
	}
	return float64(j.CompletedTasks+j.SkippedTasks) / float64(j.TotalTasks) * 100
}

// GetRequestString retrieves a string value from the request payload
func (j *Job) GetRequestString(key string) (string, bool) {
	val, ok := j.Request[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}
