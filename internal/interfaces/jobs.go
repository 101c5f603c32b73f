package interfaces

import (
	"context"

	"github.com/ternarybob/cursus/internal/models"
)

// ExecutionResult is the outcome of a single engine attempt. Exactly one of
// the failure fields is meaningful: ValidationErrors for structurally invalid
// output, Err for transport/service errors.
type ExecutionResult struct {
	Success          bool
	OutputRef        string
	ValidationErrors []string
	Err              error
	Duration         int64 // milliseconds
	InputTokens      int64
	OutputTokens     int64
}

// TaskExecutor executes a single task attempt against the generation
// service. It owns no retry logic - retries belong to the recovery manager.
type TaskExecutor interface {
	Execute(ctx context.Context, job *models.Job, task *models.Task) *ExecutionResult
}

// RateLimiter answers admission queries for task dispatch and job submission
type RateLimiter interface {
	// CheckAndReserve checks all request ceilings for the user and, when
	// admitted, atomically increments the window counters.
	CheckAndReserve(ctx context.Context, userID, role string) (*models.RateLimitDecision, error)

	// ReserveJobSlot admits a new job against the concurrency ceiling
	ReserveJobSlot(ctx context.Context, userID, role string) (*models.RateLimitDecision, error)

	// ReleaseJobSlot releases a concurrency slot on job terminal transition
	ReleaseJobSlot(ctx context.Context, userID string) error
}

// RecoveryActions are the operator-invocable recovery operations. All are
// idempotent: invoking them on an already-terminal task is a no-op.
type RecoveryActions interface {
	RetryTask(ctx context.Context, taskID string) error
	SkipTask(ctx context.Context, taskID string) error
	PauseJob(ctx context.Context, jobID string) error
	ResumeJob(ctx context.Context, jobID string) error
	SmartRecover(ctx context.Context, jobID string) (*models.RecoverySummary, error)
}

// JobScheduler drives dispatch for active jobs
type JobScheduler interface {
	// StartJob begins the dispatch loop for a job in a background goroutine
	StartJob(ctx context.Context, jobID string)

	// WakeJob ensures a loop is running for the job (used after resume,
	// retry, expand and startup recovery)
	WakeJob(ctx context.Context, jobID string)

	// Stop halts all dispatch loops and waits for them to exit
	Stop()
}

// HealthAggregator computes the read-only health view of a job
type HealthAggregator interface {
	Health(ctx context.Context, jobID string) (*models.JobHealth, error)
}
