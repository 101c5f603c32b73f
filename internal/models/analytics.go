package models

import "time"

// AnalyticsSnapshot is derived from a job's task records on demand. It is
// never mutated independently and nothing requires it to be durable.
type AnalyticsSnapshot struct {
	JobID           string        `json:"job_id"`
	TotalTasks      int           `json:"total_tasks"`
	CompletedTasks  int           `json:"completed_tasks"`
	FailedTasks     int           `json:"failed_tasks"`
	SkippedTasks    int           `json:"skipped_tasks"`
	TotalDuration   time.Duration `json:"total_duration"`
	AvgTaskDuration time.Duration `json:"avg_task_duration"`
	APICallsMade    int           `json:"api_calls_made"`
	APICallsFailed  int           `json:"api_calls_failed"`
	TokensConsumed  int64         `json:"tokens_consumed"`
	EstimatedCost   float64       `json:"estimated_cost"`
	SuccessRate     float64       `json:"success_rate"`
	// PeakMemoryBytes is collected externally and passed through
	PeakMemoryBytes int64     `json:"peak_memory_bytes,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// HealthStatus classifies a job's liveness for external monitoring
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusStalled   HealthStatus = "stalled"
	HealthStatusStuck     HealthStatus = "stuck"
	HealthStatusFailed    HealthStatus = "failed"
	HealthStatusAbandoned HealthStatus = "abandoned"
)

// JobHealth is the read-only health view of a job
type JobHealth struct {
	JobID              string       `json:"job_id"`
	Status             HealthStatus `json:"status"`
	JobStatus          JobStatus    `json:"job_status"`
	ProgressPercentage float64      `json:"progress_percentage"`
	Message            string       `json:"message"`
	LastTransitionAt   time.Time    `json:"last_transition_at"`
}
