// -----------------------------------------------------------------------
// Orchestrator - the inbound control surface. Admission, task-graph
// construction, job queries, exports and operator recovery actions all
// enter here; dispatch itself belongs to the scheduler.
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/analytics"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	"github.com/ternarybob/cursus/internal/recovery"
)

// RateLimitError reports a denied admission together with the limiter's
// verdict, so the transport layer can answer 429 with a retry hint.
type RateLimitError struct {
	Decision *models.RateLimitDecision
}

func (e *RateLimitError) Error() string {
	if e.Decision.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded (%s ceiling); retry after %s", e.Decision.Reason, e.Decision.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded (%s ceiling)", e.Decision.Reason)
}

// SubmitRequest is a job submission: the user identity, the opaque
// generation request and the task graph as specs with index-based
// dependency references.
type SubmitRequest struct {
	UserID  string                 `json:"user_id"`
	Role    string                 `json:"role,omitempty"`
	Name    string                 `json:"name"`
	Request map[string]interface{} `json:"request,omitempty"`
	Tasks   []models.TaskSpec      `json:"tasks"`
}

// Service implements the orchestration API
type Service struct {
	storage   interfaces.StorageManager
	scheduler interfaces.JobScheduler
	limiter   interfaces.RateLimiter
	recovery  *recovery.Manager
	analytics *analytics.Service
	health    interfaces.HealthAggregator
	events    interfaces.EventService
	logger    arbor.ILogger
}

// NewService creates the orchestrator service
func NewService(
	storage interfaces.StorageManager,
	scheduler interfaces.JobScheduler,
	limiter interfaces.RateLimiter,
	recoveryManager *recovery.Manager,
	analyticsService *analytics.Service,
	health interfaces.HealthAggregator,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Service {
	return &Service{
		storage:   storage,
		scheduler: scheduler,
		limiter:   limiter,
		recovery:  recoveryManager,
		analytics: analyticsService,
		health:    health,
		events:    events,
		logger:    logger,
	}
}

// SubmitJob admits a new job against the concurrency ceiling, persists
// the job with its task graph atomically and starts dispatch.
func (s *Service) SubmitJob(ctx context.Context, req *SubmitRequest) (*models.Job, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}
	role := req.Role
	if role == "" {
		role = "default"
	}

	decision, err := s.limiter.ReserveJobSlot(ctx, req.UserID, role)
	if err != nil {
		return nil, fmt.Errorf("admission check failed: %w", err)
	}
	if !decision.Allowed {
		s.logger.Warn().
			Str("user_id", req.UserID).
			Str("reason", string(decision.Reason)).
			Msg("Job submission denied by rate limit")
		return nil, &RateLimitError{Decision: decision}
	}

	job := models.NewJob(req.UserID, role, req.Name, req.Request)
	tasks, err := buildTaskGraph(job.ID, req.Tasks)
	if err != nil {
		s.releaseSlot(ctx, req.UserID)
		return nil, err
	}

	if err := s.storage.TaskStorage().CreateJobWithTasks(ctx, job, tasks); err != nil {
		s.releaseSlot(ctx, req.UserID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	s.scheduler.StartJob(ctx, job.ID)
	_ = s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobSubmitted,
		Payload: map[string]interface{}{
			"job_id":  job.ID,
			"user_id": job.UserID,
			"tasks":   len(tasks),
		},
	})

	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("tasks", len(tasks)).
		Msg("Job submitted")
	return job, nil
}

// buildTaskGraph materializes task specs into tasks. Dependencies
// reference earlier specs by index, which keeps the graph acyclic by
// construction.
func buildTaskGraph(jobID string, specs []models.TaskSpec) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0, len(specs))
	for i, spec := range specs {
		if spec.Type == "" {
			return nil, fmt.Errorf("task %d: type is required", i)
		}
		name := spec.Name
		if name == "" {
			name = spec.Type
		}

		task := models.NewTask(jobID, spec.Type, name, i)
		task.Priority = spec.Priority
		if spec.MaxRetries > 0 {
			task.MaxRetries = spec.MaxRetries
		}
		if spec.Input != nil {
			task.Input = spec.Input
		}
		if spec.EstimatedDuration != "" {
			d, err := time.ParseDuration(spec.EstimatedDuration)
			if err != nil {
				return nil, fmt.Errorf("task %d: invalid estimated_duration %q: %w", i, spec.EstimatedDuration, err)
			}
			task.EstimatedDuration = d
		}

		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= i {
				return nil, fmt.Errorf("task %d: dependency index %d must reference an earlier task", i, dep)
			}
			task.DependsOn = append(task.DependsOn, tasks[dep].ID)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *Service) releaseSlot(ctx context.Context, userID string) {
	if err := s.limiter.ReleaseJobSlot(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to release job slot")
	}
}

// GetJobStatus returns the current job record
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	return s.storage.JobStorage().GetJob(ctx, jobID)
}

// ListJobs lists jobs with the total count for pagination
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, int, error) {
	jobs, err := s.storage.JobStorage().ListJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.storage.JobStorage().CountJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListTasks returns all tasks of a job
func (s *Service) ListTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	if _, err := s.storage.JobStorage().GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.storage.TaskStorage().ListTasks(ctx, jobID)
}

// GetErrors returns the failed tasks of a job with their classification
// and recovery suggestions
func (s *Service) GetErrors(ctx context.Context, jobID string) ([]*models.Task, error) {
	tasks, err := s.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	failed := make([]*models.Task, 0)
	for _, task := range tasks {
		if task.Status == models.TaskStatusFailed {
			failed = append(failed, task)
		}
	}
	return failed, nil
}

// GetAnalytics computes the job's analytics snapshot
func (s *Service) GetAnalytics(ctx context.Context, jobID string) (*models.AnalyticsSnapshot, error) {
	return s.analytics.Snapshot(ctx, jobID)
}

// GetHealth returns the job's health classification
func (s *Service) GetHealth(ctx context.Context, jobID string) (*models.JobHealth, error) {
	return s.health.Health(ctx, jobID)
}

// GetLogs returns job log entries, optionally filtered by level
func (s *Service) GetLogs(ctx context.Context, jobID, level string, limit, offset int) ([]models.LogEntry, error) {
	if _, err := s.storage.JobStorage().GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.storage.LogStorage().GetLogs(ctx, jobID, level, limit, offset)
}

// ExportReport renders the job report in json, csv or pdf
func (s *Service) ExportReport(ctx context.Context, jobID, format string) (*analytics.Report, error) {
	return s.analytics.ExportReport(ctx, jobID, format)
}

// CancelJob moves a job to cancelled and releases its concurrency slot.
// Cancelling an already-terminal job is a no-op. In-flight executions
// run to completion; their results land on terminal tasks and are
// dropped by the status compare-and-set.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	job.MarkCancelled()
	if err := s.storage.JobStorage().UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	s.releaseSlot(ctx, job.UserID)

	_ = s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobStatusChange,
		Payload: map[string]interface{}{
			"job_id": job.ID,
			"status": string(job.Status),
		},
	})
	s.logger.Info().Str("job_id", jobID).Msg("Job cancelled")

	// Let the dispatch loop observe the terminal state and exit
	s.scheduler.WakeJob(ctx, jobID)
	return nil
}

// ExpandTask inserts a new task depending on a completed task. Expanding
// a completed job reopens it; failed and cancelled jobs cannot be
// expanded.
func (s *Service) ExpandTask(ctx context.Context, taskID string, spec models.TaskSpec) (*models.Task, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("task type is required")
	}

	parent, err := s.storage.TaskStorage().GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if parent.Status != models.TaskStatusCompleted {
		return nil, fmt.Errorf("can only expand a completed task; task %s is %s", taskID, parent.Status)
	}

	job, err := s.storage.JobStorage().GetJob(ctx, parent.JobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobStatusFailed, models.JobStatusCancelled:
		return nil, fmt.Errorf("cannot expand job %s in state %s", job.ID, job.Status)
	case models.JobStatusCompleted:
		job.Status = models.JobStatusProcessing
		job.CompletedAt = nil
		job.LastTransitionAt = time.Now()
		if err := s.storage.JobStorage().UpdateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to reopen job: %w", err)
		}
	}

	name := spec.Name
	if name == "" {
		name = spec.Type
	}
	task := models.NewTask(job.ID, spec.Type, name, job.TotalTasks)
	task.Priority = spec.Priority
	task.DependsOn = []string{parent.ID}
	if spec.MaxRetries > 0 {
		task.MaxRetries = spec.MaxRetries
	}
	if spec.Input != nil {
		task.Input = spec.Input
	}

	if err := s.storage.TaskStorage().InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	s.scheduler.WakeJob(ctx, job.ID)
	s.logger.Info().
		Str("job_id", job.ID).
		Str("task_id", task.ID).
		Str("parent_task_id", parent.ID).
		Msg("Task graph expanded")
	return task, nil
}

// RetryTask requeues a failed task and nudges its dispatch loop
func (s *Service) RetryTask(ctx context.Context, taskID string) error {
	task, err := s.storage.TaskStorage().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.recovery.RetryTask(ctx, taskID); err != nil {
		return err
	}
	s.scheduler.WakeJob(ctx, task.JobID)
	return nil
}

// SkipTask skips a task and nudges its dispatch loop, which may now be
// able to complete the job
func (s *Service) SkipTask(ctx context.Context, taskID string) error {
	task, err := s.storage.TaskStorage().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.recovery.SkipTask(ctx, taskID); err != nil {
		return err
	}
	s.scheduler.WakeJob(ctx, task.JobID)
	return nil
}

// PauseJob halts new dispatch for the job
func (s *Service) PauseJob(ctx context.Context, jobID string) error {
	return s.recovery.PauseJob(ctx, jobID)
}

// ResumeJob clears the pause flag and restarts dispatch
func (s *Service) ResumeJob(ctx context.Context, jobID string) error {
	if err := s.recovery.ResumeJob(ctx, jobID); err != nil {
		return err
	}
	s.scheduler.WakeJob(ctx, jobID)
	return nil
}

// SmartRecover walks the job's failed tasks, retrying the recoverable
// and skipping the hopeless, then restarts dispatch
func (s *Service) SmartRecover(ctx context.Context, jobID string) (*models.RecoverySummary, error) {
	summary, err := s.recovery.SmartRecover(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.scheduler.WakeJob(ctx, jobID)
	return summary, nil
}

// RecoverStartupState resets tasks interrupted by an unclean shutdown
// and restarts dispatch loops for every active job. Called once on boot.
func (s *Service) RecoverStartupState(ctx context.Context) error {
	reset, err := s.storage.TaskStorage().ResetInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset interrupted tasks: %w", err)
	}
	if reset > 0 {
		s.logger.Info().Int("tasks", reset).Msg("Reset interrupted tasks to pending")
	}

	for _, status := range []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing} {
		jobs, err := s.storage.JobStorage().GetJobsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			s.scheduler.WakeJob(ctx, job.ID)
		}
	}
	return nil
}
