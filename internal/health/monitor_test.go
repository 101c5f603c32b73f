package health

import (
	"context"
	"sync"
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

// wakeRecorder stands in for the scheduler and counts wake requests
type wakeRecorder struct {
	mu    sync.Mutex
	woken map[string]int
}

func (w *wakeRecorder) StartJob(ctx context.Context, jobID string) { w.WakeJob(ctx, jobID) }

func (w *wakeRecorder) WakeJob(ctx context.Context, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.woken == nil {
		w.woken = make(map[string]int)
	}
	w.woken[jobID]++
}

func (w *wakeRecorder) Stop() {}

func (w *wakeRecorder) wakes(jobID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.woken[jobID]
}

func newTestMonitor(t *testing.T) (*Monitor, interfaces.StorageManager, *wakeRecorder) {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := storage.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	config := &common.HealthConfig{
		StalledAfter:   "2m",
		StuckAfter:     "10m",
		AbandonedAfter: "1h",
		SweepSchedule:  "@every 1m",
		StaleTaskAfter: "5m",
	}
	wakes := &wakeRecorder{}
	monitor := NewMonitor(store, NewAggregator(store, config, logger), wakes, events.NewService(logger), config, logger)
	return monitor, store, wakes
}

// seedRunningTask inserts a processing job with one running task whose
// last heartbeat is the given age old.
func seedRunningTask(t *testing.T, store interfaces.StorageManager, heartbeatAge time.Duration, maxRetries, retryCount int) (*models.Job, *models.Task) {
	t.Helper()
	ctx := context.Background()

	job := models.NewJob("user-1", "default", "Course", nil)
	job.Status = models.JobStatusProcessing
	task := models.NewTask(job.ID, models.TaskTypeLessonSection, "Section", 0)
	task.MaxRetries = maxRetries
	task.RetryCount = retryCount
	task.Status = models.TaskStatusRunning
	seen := time.Now().Add(-heartbeatAge)
	task.StartedAt = &seen
	task.LastHeartbeat = &seen
	require.NoError(t, store.TaskStorage().CreateJobWithTasks(ctx, job, []*models.Task{task}))
	return job, task
}

func TestSweep_RequeuesStaleTaskWithBudget(t *testing.T) {
	monitor, store, wakes := newTestMonitor(t)
	job, task := seedRunningTask(t, store, 30*time.Minute, 3, 0)
	ctx := context.Background()

	monitor.Sweep()

	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount, "the lost attempt counts against the budget")
	assert.Equal(t, models.ErrorCategoryTransient, stored.ErrorCategory)
	assert.Nil(t, stored.NextAttemptAt, "requeued task is immediately dispatchable")
	assert.Equal(t, 1, wakes.wakes(job.ID), "scheduler must be woken for the requeued task")

	logs, err := store.LogStorage().GetLogs(ctx, job.ID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1, "the abandoned attempt must be recorded")
	assert.Equal(t, task.ID, logs[0].TaskID)
	assert.Equal(t, "warn", logs[0].Level)
	assert.Equal(t, true, logs[0].Payload["requeued"])
}

func TestSweep_FailsStaleTaskOutOfBudget(t *testing.T) {
	monitor, store, _ := newTestMonitor(t)
	job, task := seedRunningTask(t, store, 30*time.Minute, 2, 2)
	ctx := context.Background()

	monitor.Sweep()

	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount, "retry count never exceeds max retries")

	logs, err := store.LogStorage().GetLogs(ctx, job.ID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "error", logs[0].Level)
	assert.Contains(t, logs[0].Message, "retry budget exhausted")
	assert.Equal(t, false, logs[0].Payload["requeued"])
}

func TestSweep_LeavesFreshRunningTasksAlone(t *testing.T) {
	monitor, store, _ := newTestMonitor(t)
	job, task := seedRunningTask(t, store, 10*time.Second, 3, 0)
	ctx := context.Background()

	monitor.Sweep()

	stored, err := store.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, stored.Status)

	count, err := store.LogStorage().CountLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}
