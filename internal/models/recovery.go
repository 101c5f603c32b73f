package models

// RecoveryAction records one decision taken by a smart-recover pass
type RecoveryAction struct {
	TaskID   string   `json:"task_id"`
	TaskType string   `json:"task_type"`
	Action   string   `json:"action"` // "retry" or "skip"
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

// RecoverySummary reports what a smart-recover pass did to a job
type RecoverySummary struct {
	JobID   string           `json:"job_id"`
	Retried int              `json:"retried"`
	Skipped int              `json:"skipped"`
	Actions []RecoveryAction `json:"actions"`
}
