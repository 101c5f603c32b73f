package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/cursus/internal/models"
)

func newTestAggregator() *Aggregator {
	return &Aggregator{
		stalledAfter:   2 * time.Minute,
		stuckAfter:     10 * time.Minute,
		abandonedAfter: time.Hour,
	}
}

func processingJob(lastTransition time.Time) *models.Job {
	job := models.NewJob("user-1", "default", "Course", nil)
	job.Status = models.JobStatusProcessing
	job.TotalTasks = 4
	job.CompletedTasks = 2
	job.LastTransitionAt = lastTransition
	return job
}

func TestClassify_StalenessThresholds(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()

	cases := []struct {
		name      string
		staleness time.Duration
		want      models.HealthStatus
	}{
		{"fresh transition", 30 * time.Second, models.HealthStatusHealthy},
		{"just under stalled", 119 * time.Second, models.HealthStatusHealthy},
		{"stalled", 3 * time.Minute, models.HealthStatusStalled},
		{"stuck", 15 * time.Minute, models.HealthStatusStuck},
		{"abandoned", 2 * time.Hour, models.HealthStatusAbandoned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := processingJob(now.Add(-tc.staleness))
			health := a.classify(job, now)
			assert.Equal(t, tc.want, health.Status)
			assert.Equal(t, float64(50), health.ProgressPercentage)
		})
	}
}

func TestClassify_TerminalStates(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()

	completed := processingJob(now.Add(-5 * time.Hour))
	completed.MarkCompleted()
	assert.Equal(t, models.HealthStatusHealthy, a.classify(completed, now).Status,
		"terminal jobs are never stale")

	failed := processingJob(now)
	failed.MarkFailed("quota exhausted")
	health := a.classify(failed, now)
	assert.Equal(t, models.HealthStatusFailed, health.Status)
	assert.Contains(t, health.Message, "quota exhausted")

	cancelled := processingJob(now)
	cancelled.MarkCancelled()
	assert.Equal(t, models.HealthStatusFailed, a.classify(cancelled, now).Status)
}

func TestClassify_PausedJobIsHealthy(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()

	job := processingJob(now.Add(-30 * time.Minute))
	job.Paused = true
	job.Status = models.JobStatusPaused

	health := a.classify(job, now)
	assert.Equal(t, models.HealthStatusHealthy, health.Status)
	assert.Contains(t, health.Message, "paused")
}

func TestClassify_CriticalFailureInMessage(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()

	job := processingJob(now)
	job.CriticalFailure = true
	job.MarkFailed("provider quota exhausted")

	health := a.classify(job, now)
	assert.Equal(t, models.HealthStatusFailed, health.Status)
	assert.Contains(t, health.Message, "critically")
}
