package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/events"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	storage "github.com/ternarybob/cursus/internal/storage/badger"
)

func newTestManager(t *testing.T) (*Manager, interfaces.StorageManager) {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := storage.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager := NewManager(store, events.NewService(logger), &common.RetryConfig{
		BaseDelay: "5s",
		MaxDelay:  "2m",
	}, logger)
	return manager, store
}

func seedRunningTask(t *testing.T, store interfaces.StorageManager, maxRetries int) (*models.Job, *models.Task) {
	t.Helper()
	ctx := context.Background()
	job := models.NewJob("user-1", "default", "Course", nil)
	task := models.NewTask(job.ID, models.TaskTypeLessonSection, "Section", 0)
	task.MaxRetries = maxRetries
	require.NoError(t, store.TaskStorage().CreateJobWithTasks(ctx, job, []*models.Task{task}))
	require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusPending, models.TaskStatusQueued, nil))
	require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusQueued, models.TaskStatusRunning, nil))
	return job, task
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	manager, _ := newTestManager(t)

	assert.Equal(t, 5*time.Second, manager.Backoff(0))
	assert.Equal(t, 10*time.Second, manager.Backoff(1))
	assert.Equal(t, 20*time.Second, manager.Backoff(2))
	assert.Equal(t, 2*time.Minute, manager.Backoff(10), "backoff caps at max delay")
}

func TestHandleResult_SuccessCompletesTask(t *testing.T) {
	manager, store := newTestManager(t)
	job, task := seedRunningTask(t, store, 3)
	ctx := context.Background()

	err := manager.HandleResult(ctx, job, task, &interfaces.ExecutionResult{
		Success:   true,
		OutputRef: "out_abc",
	})
	require.NoError(t, err)

	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.Equal(t, "out_abc", stored.OutputRef)
}

func TestHandleResult_TransientFailureSchedulesRetry(t *testing.T) {
	manager, store := newTestManager(t)
	job, task := seedRunningTask(t, store, 3)
	ctx := context.Background()

	before := time.Now()
	err := manager.HandleResult(ctx, job, task, &interfaces.ExecutionResult{
		Err: errors.New("connection refused"),
	})
	require.NoError(t, err)

	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, models.ErrorCategoryTransient, stored.ErrorCategory)
	assert.Equal(t, models.SeverityLow, stored.Severity)
	require.NotNil(t, stored.NextAttemptAt)
	assert.True(t, stored.NextAttemptAt.After(before.Add(4*time.Second)), "first retry waits the base delay")
}

func TestHandleResult_RetryBudgetExhaustedFails(t *testing.T) {
	manager, store := newTestManager(t)
	job, task := seedRunningTask(t, store, 2)
	ctx := context.Background()
	transient := &interfaces.ExecutionResult{Err: errors.New("connection refused")}

	// Attempt 1 fails, retries 1 and 2 fail: terminal after max_retries retries
	for attempt := 0; attempt < 3; attempt++ {
		current, err := store.TaskStorage().GetTask(ctx, task.ID)
		require.NoError(t, err)
		if attempt > 0 {
			require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusPending, models.TaskStatusQueued, nil))
			require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusQueued, models.TaskStatusRunning, nil))
			current, err = store.TaskStorage().GetTask(ctx, task.ID)
			require.NoError(t, err)
		}
		require.NoError(t, manager.HandleResult(ctx, job, current, transient))
	}

	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount, "retry count never exceeds max retries")
}

func TestHandleResult_ValidationRetriesOnce(t *testing.T) {
	manager, store := newTestManager(t)
	job, task := seedRunningTask(t, store, 3)
	ctx := context.Background()
	invalid := &interfaces.ExecutionResult{ValidationErrors: []string{"missing title"}}

	require.NoError(t, manager.HandleResult(ctx, job, task, invalid))
	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status, "first validation failure earns one retry")

	require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusPending, models.TaskStatusQueued, nil))
	require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusQueued, models.TaskStatusRunning, nil))
	stored, err = store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, manager.HandleResult(ctx, job, stored, invalid))

	stored, err = store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status, "second validation failure is terminal")
	assert.Equal(t, models.ErrorCategoryValidation, stored.ErrorCategory)
	assert.Equal(t, models.SeverityHigh, stored.Severity, "repeated validation failure escalates")
	assert.NotEmpty(t, stored.RecoverySuggestions)
}

func TestHandleResult_QuotaFailureIsTerminalCritical(t *testing.T) {
	manager, store := newTestManager(t)
	job, task := seedRunningTask(t, store, 3)
	ctx := context.Background()

	err := manager.HandleResult(ctx, job, task, &interfaces.ExecutionResult{
		Err: errors.New("429: rate limit exceeded"),
	})
	require.NoError(t, err)

	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.Equal(t, models.ErrorCategoryQuota, stored.ErrorCategory)
	assert.Equal(t, models.SeverityCritical, stored.Severity)
	assert.NotEmpty(t, stored.RecoverySuggestions)
}

func TestRetryTask_OnlyActsOnFailedTasks(t *testing.T) {
	manager, store := newTestManager(t)
	job, task := seedRunningTask(t, store, 3)
	ctx := context.Background()

	// Running task: retry is a no-op
	require.NoError(t, manager.RetryTask(ctx, task.ID))
	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, stored.Status)

	// Fail it, then retry returns it to pending
	require.NoError(t, manager.HandleResult(ctx, job, task, &interfaces.ExecutionResult{
		Err: errors.New("quota exhausted"),
	}))
	require.NoError(t, manager.RetryTask(ctx, task.ID))
	stored, err = store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Nil(t, stored.NextAttemptAt)
}

func TestRetryTask_ReopensFailedJob(t *testing.T) {
	manager, store := newTestManager(t)
	job, task := seedRunningTask(t, store, 3)
	ctx := context.Background()

	require.NoError(t, manager.HandleResult(ctx, job, task, &interfaces.ExecutionResult{
		Err: errors.New("429: rate limit exceeded"),
	}))

	stored, err := store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	stored.CriticalFailure = true
	stored.MarkFailed("quota exhausted")
	require.NoError(t, store.JobStorage().UpdateJob(ctx, stored))

	// Retrying the failed task returns the terminal job to processing so
	// the dispatch loop picks it up again
	require.NoError(t, manager.RetryTask(ctx, task.ID))

	reopened, err := store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, reopened.Status)
	assert.False(t, reopened.CriticalFailure)
	assert.Empty(t, reopened.Error)
	assert.Nil(t, reopened.CompletedAt)
}

func TestSkipTask_IsIdempotent(t *testing.T) {
	manager, store := newTestManager(t)
	job, task := seedRunningTask(t, store, 3)
	ctx := context.Background()

	require.NoError(t, manager.HandleResult(ctx, job, task, &interfaces.ExecutionResult{
		Err: errors.New("quota exhausted"),
	}))

	require.NoError(t, manager.SkipTask(ctx, task.ID))
	require.NoError(t, manager.SkipTask(ctx, task.ID))

	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSkipped, stored.Status)
}

func TestPauseResumeJob(t *testing.T) {
	manager, store := newTestManager(t)
	job, _ := seedRunningTask(t, store, 3)
	ctx := context.Background()

	require.NoError(t, manager.PauseJob(ctx, job.ID))
	stored, err := store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Paused)
	assert.Equal(t, models.JobStatusPaused, stored.Status)

	// Pausing again is a no-op
	require.NoError(t, manager.PauseJob(ctx, job.ID))

	require.NoError(t, manager.ResumeJob(ctx, job.ID))
	stored, err = store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, stored.Paused)
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
}

func TestSmartRecover_RetriesRecoverableSkipsRest(t *testing.T) {
	manager, store := newTestManager(t)
	ctx := context.Background()

	job := models.NewJob("user-1", "default", "Course", nil)
	recoverable := models.NewTask(job.ID, models.TaskTypeLessonSection, "A", 0)
	hopeless := models.NewTask(job.ID, models.TaskTypeLessonSection, "B", 1)
	untouched := models.NewTask(job.ID, models.TaskTypeLessonSection, "C", 2)
	require.NoError(t, store.TaskStorage().CreateJobWithTasks(ctx, job, []*models.Task{recoverable, hopeless, untouched}))

	failTask := func(id string, severity models.Severity, category models.ErrorCategory) {
		require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, id, models.TaskStatusPending, models.TaskStatusQueued, nil))
		require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, id, models.TaskStatusQueued, models.TaskStatusRunning, nil))
		msg := "failed"
		require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, id, models.TaskStatusRunning, models.TaskStatusFailed, &interfaces.TaskUpdate{
			Error:         &msg,
			Severity:      &severity,
			ErrorCategory: &category,
		}))
	}
	failTask(recoverable.ID, models.SeverityLow, models.ErrorCategoryTransient)
	failTask(hopeless.ID, models.SeverityCritical, models.ErrorCategoryQuota)

	summary, err := manager.SmartRecover(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 1, summary.Skipped)
	assert.Len(t, summary.Actions, 2)

	a, err := store.TaskStorage().GetTask(ctx, recoverable.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, a.Status)

	b, err := store.TaskStorage().GetTask(ctx, hopeless.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSkipped, b.Status)

	c, err := store.TaskStorage().GetTask(ctx, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, c.Status, "non-failed tasks are untouched")

	// Second pass is a no-op
	summary, err = manager.SmartRecover(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, summary.Retried+summary.Skipped)
}

func TestSmartRecover_SkipsRepeatedValidationFailure(t *testing.T) {
	manager, store := newTestManager(t)
	job, task := seedRunningTask(t, store, 3)
	ctx := context.Background()
	invalid := &interfaces.ExecutionResult{ValidationErrors: []string{"missing title"}}

	// First failure earns the automatic retry, the second is terminal
	require.NoError(t, manager.HandleResult(ctx, job, task, invalid))
	require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusPending, models.TaskStatusQueued, nil))
	require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusQueued, models.TaskStatusRunning, nil))
	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, manager.HandleResult(ctx, job, stored, invalid))

	// The escalated severity keeps smart recovery from retrying output
	// that fails the same way every time
	summary, err := manager.SmartRecover(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Retried)
	assert.Equal(t, 1, summary.Skipped)

	stored, err = store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSkipped, stored.Status)
}
