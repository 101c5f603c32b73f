package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/cursus/internal/models"
)

// Storage sentinel errors. Conditional updates return ErrConflict when the
// expected prior status does not match, which callers treat as "someone else
// claimed this task" rather than a failure.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("conditional update conflict")
)

// JobListOptions filters and pages job listings
type JobListOptions struct {
	UserID   string
	Status   string
	Limit    int
	Offset   int
	OrderBy  string
	OrderDir string
}

// TaskUpdate carries the optional fields written alongside a status
// transition. Nil pointers leave the stored value untouched.
type TaskUpdate struct {
	Error               *string
	Severity            *models.Severity
	ErrorCategory       *models.ErrorCategory
	RecoverySuggestions []string
	OutputRef           *string
	RetryCount          *int
	NextAttemptAt       *time.Time
	ClearNextAttempt    bool
}

// JobStorage persists job records
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	CountJobs(ctx context.Context, opts *JobListOptions) (int, error)
	GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
}

// TaskStorage persists task records. UpdateTaskStatus is the single
// contended write path and must be an atomic compare-and-set keyed on the
// expected prior status - the orchestrator forbids read-modify-write races
// on task state.
type TaskStorage interface {
	CreateJobWithTasks(ctx context.Context, job *models.Job, tasks []*models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, jobID string) ([]*models.Task, error)

	// GetReadyTasks returns pending tasks whose dependencies are all
	// completed or skipped and whose backoff window has elapsed.
	GetReadyTasks(ctx context.Context, jobID string) ([]*models.Task, error)

	// UpdateTaskStatus transitions taskID from expected to next atomically,
	// applying fields in the same transaction. Returns ErrConflict if the
	// stored status is not expected.
	UpdateTaskStatus(ctx context.Context, taskID string, expected, next models.TaskStatus, fields *TaskUpdate) error

	// InsertTask atomically appends one task (an expand operation) and bumps
	// the owning job's total task count.
	InsertTask(ctx context.Context, task *models.Task) error

	UpdateTaskHeartbeat(ctx context.Context, taskID string) error
	GetStaleRunningTasks(ctx context.Context, olderThanMinutes int) ([]*models.Task, error)

	// ResetInterrupted returns queued/running tasks to pending, used on
	// startup after an unclean shutdown.
	ResetInterrupted(ctx context.Context) (int, error)
}

// RateLimitStorage persists per-user admission counters. Reserve runs the
// roll-check-increment sequence inside one storage transaction.
type RateLimitStorage interface {
	GetRecord(ctx context.Context, userID string) (*models.RateLimitRecord, error)

	// Reserve atomically applies fn to the user's record and persists the
	// result iff fn reports admission. fn receives a window-rolled record.
	Reserve(ctx context.Context, userID string, fn func(rec *models.RateLimitRecord) *models.RateLimitDecision) (*models.RateLimitDecision, error)

	// AdjustActiveJobs atomically adds delta to the active job counter,
	// clamping at zero.
	AdjustActiveJobs(ctx context.Context, userID string, delta int) error
}

// OutputStorage persists generation output payloads, addressed by ref
type OutputStorage interface {
	SaveOutput(ctx context.Context, rec *models.OutputRecord) error
	GetOutput(ctx context.Context, ref string) (*models.OutputRecord, error)
	ListOutputs(ctx context.Context, jobID string) ([]*models.OutputRecord, error)
}

// LogStorage is the append-only job log stream
type LogStorage interface {
	AppendLog(ctx context.Context, entry models.LogEntry) error
	GetLogs(ctx context.Context, jobID string, level string, limit, offset int) ([]models.LogEntry, error)
	CountLogs(ctx context.Context, jobID string) (int, error)
}

// StorageManager aggregates the storage interfaces over one database
type StorageManager interface {
	JobStorage() JobStorage
	TaskStorage() TaskStorage
	RateLimitStorage() RateLimitStorage
	OutputStorage() OutputStorage
	LogStorage() LogStorage
	Close() error
}
