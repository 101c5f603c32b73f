// -----------------------------------------------------------------------
// Health monitor - cron-driven sweep over active jobs: publishes health
// degradation events and requeues running tasks whose heartbeat went
// silent (orphans from a crashed or wedged worker).
// -----------------------------------------------------------------------

package health

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// Monitor runs the periodic health sweep
type Monitor struct {
	storage    interfaces.StorageManager
	aggregator *Aggregator
	scheduler  interfaces.JobScheduler
	events     interfaces.EventService
	logger     arbor.ILogger

	cron           *cron.Cron
	schedule       string
	staleTaskAfter time.Duration
}

// NewMonitor creates the health monitor
func NewMonitor(
	storage interfaces.StorageManager,
	aggregator *Aggregator,
	scheduler interfaces.JobScheduler,
	events interfaces.EventService,
	config *common.HealthConfig,
	logger arbor.ILogger,
) *Monitor {
	return &Monitor{
		storage:        storage,
		aggregator:     aggregator,
		scheduler:      scheduler,
		events:         events,
		logger:         logger,
		cron:           cron.New(),
		schedule:       config.SweepSchedule,
		staleTaskAfter: common.MustDuration(config.StaleTaskAfter),
	}
}

// Start registers and starts the sweep schedule
func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc(m.schedule, m.Sweep); err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info().Str("schedule", m.schedule).Msg("Health monitor started")
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish
func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info().Msg("Health monitor stopped")
}

// Sweep runs one monitor pass. Exported so startup recovery and tests
// can trigger it directly.
func (m *Monitor) Sweep() {
	ctx := context.Background()
	m.requeueStaleTasks(ctx)
	m.reportDegradedJobs(ctx)
}

// requeueStaleTasks returns heartbeat-silent running tasks to pending so
// the scheduler picks them up again. The lost attempt counts against the
// retry budget; a task out of budget fails instead.
func (m *Monitor) requeueStaleTasks(ctx context.Context) {
	minutes := int(m.staleTaskAfter.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	stale, err := m.storage.TaskStorage().GetStaleRunningTasks(ctx, minutes)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Stale task query failed")
		return
	}

	for _, task := range stale {
		msg := "execution heartbeat lost; attempt abandoned"
		severity := models.SeverityLow
		category := models.ErrorCategoryTransient
		requeued := task.RetriesRemaining() > 0

		if requeued {
			retryCount := task.RetryCount + 1
			err = m.storage.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusPending, &interfaces.TaskUpdate{
				Error:            &msg,
				Severity:         &severity,
				ErrorCategory:    &category,
				RetryCount:       &retryCount,
				ClearNextAttempt: true,
			})
		} else {
			err = m.storage.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusFailed, &interfaces.TaskUpdate{
				Error:         &msg,
				Severity:      &severity,
				ErrorCategory: &category,
			})
		}
		if err != nil {
			if err != interfaces.ErrConflict {
				m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to requeue stale task")
			}
			continue
		}

		// The abandoned attempt never returned to the engine's attempt log;
		// record it here
		entry := models.NewLogEntry(task.JobID, task.ID, "warn", msg, map[string]interface{}{
			"category": string(category),
			"requeued": requeued,
			"attempt":  task.RetryCount + 1,
		})
		if !requeued {
			entry.Level = "error"
			entry.Message = "execution heartbeat lost; retry budget exhausted, task failed"
		}
		if err := m.storage.LogStorage().AppendLog(ctx, entry); err != nil {
			m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to append stale task log")
		}

		m.logger.Warn().
			Str("job_id", task.JobID).
			Str("task_id", task.ID).
			Int("retry_count", task.RetryCount).
			Bool("requeued", requeued).
			Msg("Stale running task settled")
		m.scheduler.WakeJob(ctx, task.JobID)
	}
}

// reportDegradedJobs publishes a health event for every active job that
// is no longer healthy
func (m *Monitor) reportDegradedJobs(ctx context.Context) {
	for _, status := range []models.JobStatus{models.JobStatusProcessing, models.JobStatusPending} {
		jobs, err := m.storage.JobStorage().GetJobsByStatus(ctx, status)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Health sweep job query failed")
			return
		}
		for _, job := range jobs {
			health := m.aggregator.classify(job, time.Now())
			if health.Status == models.HealthStatusHealthy {
				continue
			}

			_ = m.events.Publish(ctx, interfaces.Event{
				Type:    interfaces.EventJobHealthChange,
				Payload: health,
			})
			m.logger.Warn().
				Str("job_id", job.ID).
				Str("health", string(health.Status)).
				Str("message", health.Message).
				Msg("Job health degraded")

			// A degraded job may just have a sleeping loop (backoff windows,
			// restarts); make sure one is running
			m.scheduler.WakeJob(ctx, job.ID)
		}
	}
}
