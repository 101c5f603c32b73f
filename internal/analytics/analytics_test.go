package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	storage "github.com/ternarybob/cursus/internal/storage/badger"
)

func newTestService(t *testing.T) (*Service, interfaces.StorageManager) {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := storage.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, &common.AnalyticsConfig{
		CostPerCall:      0.01,
		CostPerKiloToken: 0.001,
	}, logger)
	return svc, store
}

// seedJob creates a job with a mixed task set: one completed after a
// retry, one failed after exhausting two retries, one skipped untouched,
// one still pending.
func seedJob(t *testing.T, store interfaces.StorageManager) (*models.Job, []*models.Task) {
	t.Helper()
	ctx := context.Background()

	job := models.NewJob("user-1", "default", "Analytics Course", nil)
	completed := models.NewTask(job.ID, models.TaskTypeLessonSection, "Intro", 0)
	failed := models.NewTask(job.ID, models.TaskTypeLessonAssessment, "Quiz", 1)
	skipped := models.NewTask(job.ID, models.TaskTypePathQuiz, "Extra", 2)
	pending := models.NewTask(job.ID, models.TaskTypeCourseSummary, "Summary", 3)
	tasks := []*models.Task{completed, failed, skipped, pending}
	require.NoError(t, store.TaskStorage().CreateJobWithTasks(ctx, job, tasks))

	run := func(taskID string) {
		require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, taskID, models.TaskStatusPending, models.TaskStatusQueued, nil))
		require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, taskID, models.TaskStatusQueued, models.TaskStatusRunning, nil))
	}

	one, two := 1, 2
	ref := "out_abc"
	run(completed.ID)
	require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, completed.ID, models.TaskStatusRunning, models.TaskStatusCompleted, &interfaces.TaskUpdate{
		OutputRef:  &ref,
		RetryCount: &one,
	}))

	msg := "generation timed out"
	run(failed.ID)
	require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, failed.ID, models.TaskStatusRunning, models.TaskStatusFailed, &interfaces.TaskUpdate{
		Error:      &msg,
		RetryCount: &two,
	}))

	require.NoError(t, store.TaskStorage().UpdateTaskStatus(ctx, skipped.ID, models.TaskStatusPending, models.TaskStatusSkipped, nil))

	for _, tokens := range []int64{100, 200} {
		require.NoError(t, store.LogStorage().AppendLog(ctx, models.NewLogEntry(job.ID, completed.ID, "info", "generation attempt succeeded", map[string]interface{}{
			"input_tokens":  tokens,
			"output_tokens": int64(50),
		})))
	}
	return job, tasks
}

func TestSnapshot_CountsAndCost(t *testing.T) {
	svc, store := newTestService(t)
	job, _ := seedJob(t, store)

	snap, err := svc.Snapshot(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.TotalTasks)
	assert.Equal(t, 1, snap.CompletedTasks)
	assert.Equal(t, 1, snap.FailedTasks)
	assert.Equal(t, 1, snap.SkippedTasks)

	// Completed task: 2 attempts, 1 failed. Failed task: 3 attempts, all
	// failed. Skipped and pending tasks never reached the engine.
	assert.Equal(t, 5, snap.APICallsMade)
	assert.Equal(t, 4, snap.APICallsFailed)

	assert.Equal(t, int64(400), snap.TokensConsumed)
	assert.InDelta(t, 5*0.01+400.0/1000*0.001, snap.EstimatedCost, 1e-9)
	assert.InDelta(t, 50.0, snap.SuccessRate, 1e-9)
	assert.False(t, snap.GeneratedAt.IsZero())
}

func TestSnapshot_UnknownJob(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Snapshot(context.Background(), "job_missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestExportReport_JSON(t *testing.T) {
	svc, store := newTestService(t)
	job, tasks := seedJob(t, store)

	report, err := svc.ExportReport(context.Background(), job.ID, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "application/json", report.ContentType)
	assert.Equal(t, "report_"+common.ShortID(job.ID)+".json", report.Filename)

	var decoded jsonReport
	require.NoError(t, json.Unmarshal(report.Data, &decoded))
	assert.Equal(t, job.ID, decoded.Job.ID)
	assert.Len(t, decoded.Tasks, len(tasks))
	assert.Equal(t, 5, decoded.Snapshot.APICallsMade)
}

func TestExportReport_CSV(t *testing.T) {
	svc, store := newTestService(t)
	job, tasks := seedJob(t, store)

	report, err := svc.ExportReport(context.Background(), job.ID, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", report.ContentType)

	records, err := csv.NewReader(bytes.NewReader(report.Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, len(tasks)+1, "header plus one row per task")
	assert.Equal(t, "task_id", records[0][0])
}

func TestExportReport_PDF(t *testing.T) {
	svc, store := newTestService(t)
	job, _ := seedJob(t, store)

	report, err := svc.ExportReport(context.Background(), job.ID, FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", report.ContentType)
	assert.True(t, bytes.HasPrefix(report.Data, []byte("%PDF")), "missing PDF magic header")
}

func TestExportReport_UnknownFormat(t *testing.T) {
	svc, store := newTestService(t)
	job, _ := seedJob(t, store)

	_, err := svc.ExportReport(context.Background(), job.ID, "xml")
	assert.ErrorContains(t, err, "unsupported export format")
}
