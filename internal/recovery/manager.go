// -----------------------------------------------------------------------
// Recovery manager - owns the retry policy and the operator recovery
// actions. Every state change goes through the task store's conditional
// update, so a concurrent actor losing the race is a no-op, which is
// what makes all of these actions idempotent.
// -----------------------------------------------------------------------

package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// Manager implements RecoveryActions and the post-execution result
// handling invoked by the scheduler.
type Manager struct {
	storage interfaces.StorageManager
	events  interfaces.EventService
	logger  arbor.ILogger

	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewManager creates the recovery manager
func NewManager(storage interfaces.StorageManager, events interfaces.EventService, config *common.RetryConfig, logger arbor.ILogger) *Manager {
	return &Manager{
		storage:   storage,
		events:    events,
		logger:    logger,
		baseDelay: common.MustDuration(config.BaseDelay),
		maxDelay:  common.MustDuration(config.MaxDelay),
	}
}

// Backoff returns the retry delay for the given retry count:
// base * 2^retryCount, capped at the configured maximum.
func (m *Manager) Backoff(retryCount int) time.Duration {
	delay := m.baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	if delay > m.maxDelay {
		return m.maxDelay
	}
	return delay
}

// HandleResult applies one execution result to a running task: completed
// on success, pending with a backoff gate when an automatic retry is due,
// failed otherwise. Returns ErrConflict from storage if the task is no
// longer running (another actor intervened), which callers ignore.
func (m *Manager) HandleResult(ctx context.Context, job *models.Job, task *models.Task, result *interfaces.ExecutionResult) error {
	log := m.logger.WithCorrelationId(job.ID)

	if result.Success {
		outputRef := result.OutputRef
		err := m.storage.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusCompleted, &interfaces.TaskUpdate{
			OutputRef:        &outputRef,
			ClearNextAttempt: true,
		})
		if err != nil {
			return err
		}
		m.publishTaskChange(ctx, job.ID, task.ID, models.TaskStatusCompleted)
		log.Info().
			Str("task_id", task.ID).
			Str("task_type", task.Type).
			Msg("Task completed")
		return nil
	}

	classification := Classify(result)

	if m.shouldRetry(task, classification) {
		retryCount := task.RetryCount + 1
		nextAttempt := time.Now().Add(m.Backoff(task.RetryCount))
		err := m.storage.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusPending, &interfaces.TaskUpdate{
			Error:         &classification.Message,
			Severity:      &classification.Severity,
			ErrorCategory: &classification.Category,
			RetryCount:    &retryCount,
			NextAttemptAt: &nextAttempt,
		})
		if err != nil {
			return err
		}
		m.publishTaskChange(ctx, job.ID, task.ID, models.TaskStatusPending)
		log.Warn().
			Str("task_id", task.ID).
			Str("category", string(classification.Category)).
			Int("retry_count", retryCount).
			Int("max_retries", task.MaxRetries).
			Str("next_attempt", nextAttempt.Format(time.RFC3339)).
			Msg("Task scheduled for retry")
		return nil
	}

	if classification.Category == models.ErrorCategoryValidation && task.RetryCount > 0 {
		classification = RepeatedValidation(classification)
	}

	err := m.storage.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusFailed, &interfaces.TaskUpdate{
		Error:               &classification.Message,
		Severity:            &classification.Severity,
		ErrorCategory:       &classification.Category,
		RecoverySuggestions: classification.Suggestions,
	})
	if err != nil {
		return err
	}
	m.publishTaskChange(ctx, job.ID, task.ID, models.TaskStatusFailed)
	log.Error().
		Str("task_id", task.ID).
		Str("category", string(classification.Category)).
		Str("severity", string(classification.Severity)).
		Msg("Task failed terminally")
	return nil
}

// shouldRetry decides whether a failed attempt earns an automatic retry.
// Transient failures retry while budget remains; validation failures
// retry once; quota failures never auto-retry.
func (m *Manager) shouldRetry(task *models.Task, c *Classification) bool {
	if task.RetriesRemaining() == 0 {
		return false
	}
	switch c.Category {
	case models.ErrorCategoryTransient:
		return true
	case models.ErrorCategoryValidation:
		return task.RetryCount == 0
	default:
		return false
	}
}

// RetryTask returns a failed task to pending so the scheduler dispatches
// it again. The backoff gate is cleared for an immediate attempt. A task
// that is not failed is left alone.
func (m *Manager) RetryTask(ctx context.Context, taskID string) error {
	task, err := m.storage.TaskStorage().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusFailed {
		return nil
	}

	err = m.storage.TaskStorage().UpdateTaskStatus(ctx, taskID, models.TaskStatusFailed, models.TaskStatusPending, &interfaces.TaskUpdate{
		ClearNextAttempt: true,
	})
	if err == interfaces.ErrConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to retry task: %w", err)
	}

	m.reopenFailedJob(ctx, task.JobID)
	m.publishTaskChange(ctx, task.JobID, taskID, models.TaskStatusPending)
	m.logger.Info().
		Str("job_id", task.JobID).
		Str("task_id", taskID).
		Msg("Task retried by operator")
	return nil
}

// SkipTask marks a failed or pending task skipped, resolving it for its
// dependents without output. Skipping an already-skipped task is a no-op.
func (m *Manager) SkipTask(ctx context.Context, taskID string) error {
	task, err := m.storage.TaskStorage().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusFailed && task.Status != models.TaskStatusPending {
		return nil
	}

	category := models.ErrorCategoryCancelled
	err = m.storage.TaskStorage().UpdateTaskStatus(ctx, taskID, task.Status, models.TaskStatusSkipped, &interfaces.TaskUpdate{
		ErrorCategory:    &category,
		ClearNextAttempt: true,
	})
	if err == interfaces.ErrConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to skip task: %w", err)
	}

	m.reopenFailedJob(ctx, task.JobID)
	m.publishTaskChange(ctx, task.JobID, taskID, models.TaskStatusSkipped)
	m.logger.Info().
		Str("job_id", task.JobID).
		Str("task_id", taskID).
		Msg("Task skipped by operator")
	return nil
}

// PauseJob halts scheduler dispatch for the job. In-flight executions run
// to completion; newly-ready tasks stay pending.
func (m *Manager) PauseJob(ctx context.Context, jobID string) error {
	job, err := m.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() || job.Paused {
		return nil
	}

	job.Paused = true
	job.Status = models.JobStatusPaused
	if err := m.storage.JobStorage().UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to pause job: %w", err)
	}

	m.publishJobChange(ctx, jobID, models.JobStatusPaused)
	m.logger.Info().Str("job_id", jobID).Msg("Job paused")
	return nil
}

// ResumeJob re-enables dispatch for a paused job. The caller is expected
// to wake the scheduler loop afterwards.
func (m *Manager) ResumeJob(ctx context.Context, jobID string) error {
	job, err := m.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Paused {
		return nil
	}

	job.Paused = false
	job.Status = models.JobStatusProcessing
	if err := m.storage.JobStorage().UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to resume job: %w", err)
	}

	m.publishJobChange(ctx, jobID, models.JobStatusProcessing)
	m.logger.Info().Str("job_id", jobID).Msg("Job resumed")
	return nil
}

// SmartRecover walks the job's failed tasks and retries the recoverable
// ones (severity at most medium, retry budget remaining), skipping the
// rest. Running the pass twice changes nothing the second time.
func (m *Manager) SmartRecover(ctx context.Context, jobID string) (*models.RecoverySummary, error) {
	tasks, err := m.storage.TaskStorage().ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	summary := &models.RecoverySummary{JobID: jobID}
	for _, task := range tasks {
		if task.Status != models.TaskStatusFailed {
			continue
		}

		if task.Severity.AtMost(models.SeverityMedium) && task.RetriesRemaining() > 0 {
			if err := m.RetryTask(ctx, task.ID); err != nil {
				return nil, err
			}
			summary.Retried++
			summary.Actions = append(summary.Actions, models.RecoveryAction{
				TaskID:   task.ID,
				TaskType: task.Type,
				Action:   "retry",
				Severity: task.Severity,
				Reason:   fmt.Sprintf("severity %s with %d retries remaining", task.Severity, task.RetriesRemaining()),
			})
		} else {
			if err := m.SkipTask(ctx, task.ID); err != nil {
				return nil, err
			}
			summary.Skipped++
			summary.Actions = append(summary.Actions, models.RecoveryAction{
				TaskID:   task.ID,
				TaskType: task.Type,
				Action:   "skip",
				Severity: task.Severity,
				Reason:   fmt.Sprintf("severity %s or retry budget exhausted", task.Severity),
			})
		}
	}

	m.logger.Info().
		Str("job_id", jobID).
		Int("retried", summary.Retried).
		Int("skipped", summary.Skipped).
		Msg("Smart recovery pass completed")
	return summary, nil
}

// reopenFailedJob returns a terminally failed job to processing after an
// operator resolved one of its failed tasks. The scheduler recompute
// settles the job again once the remaining tasks resolve.
func (m *Manager) reopenFailedJob(ctx context.Context, jobID string) {
	job, err := m.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to load job for reopen")
		return
	}
	if job.Status != models.JobStatusFailed {
		return
	}

	job.Status = models.JobStatusProcessing
	job.Error = ""
	job.CriticalFailure = false
	job.CompletedAt = nil
	job.LastTransitionAt = time.Now()
	if err := m.storage.JobStorage().UpdateJob(ctx, job); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to reopen job")
		return
	}
	m.publishJobChange(ctx, jobID, models.JobStatusProcessing)
}

func (m *Manager) publishTaskChange(ctx context.Context, jobID, taskID string, status models.TaskStatus) {
	_ = m.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventTaskStatusChange,
		Payload: map[string]interface{}{
			"job_id":  jobID,
			"task_id": taskID,
			"status":  string(status),
		},
	})
}

func (m *Manager) publishJobChange(ctx context.Context, jobID string, status models.JobStatus) {
	_ = m.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobStatusChange,
		Payload: map[string]interface{}{
			"job_id": jobID,
			"status": string(status),
		},
	})
}
