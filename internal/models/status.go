package models

// JobStatus represents the lifecycle state of a generation job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal returns true if the job status is terminal
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// TaskStatus represents the lifecycle state of a single generation task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// IsTerminal returns true if the task status is terminal
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// IsResolved returns true if the task no longer blocks its dependents.
// Skipped tasks count as resolved-but-incomplete for job progress.
func (s TaskStatus) IsResolved() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// Severity classifies how serious a task failure is.
// Ascending order: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtMost returns true if the severity is less than or equal to other
func (s Severity) AtMost(other Severity) bool {
	return severityRank[s] <= severityRank[other]
}

// ErrorCategory classifies the origin of a task failure
type ErrorCategory string

const (
	ErrorCategoryTransient  ErrorCategory = "transient"  // network/timeout - auto-retried
	ErrorCategoryValidation ErrorCategory = "validation" // structurally invalid output
	ErrorCategoryQuota      ErrorCategory = "quota"      // rate limit or service quota exhausted
	ErrorCategoryDependency ErrorCategory = "dependency" // prerequisite task failed, never executed
	ErrorCategoryCancelled  ErrorCategory = "cancelled"  // operator skip/cancel, not an error
)
