package models

import (
	"time"

	"github.com/google/uuid"
)

// LogEntry is one append-only record in a job's log stream. Entries are
// immutable once written; every failed execution produces exactly one entry.
type LogEntry struct {
	ID        string                 `json:"id" badgerhold:"key"`
	JobID     string                 `json:"job_id" badgerhold:"index"`
	TaskID    string                 `json:"task_id,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewLogEntry creates a log entry for a job, optionally scoped to a task
func NewLogEntry(jobID, taskID, level, message string, payload map[string]interface{}) LogEntry {
	return LogEntry{
		ID:        "log_" + uuid.New().String(),
		JobID:     jobID,
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}
