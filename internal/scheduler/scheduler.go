// -----------------------------------------------------------------------
// Scheduler - per-job dispatch loops. Each active job gets one goroutine
// that repeatedly claims ready tasks through the store's compare-and-set
// and hands them to the engine. Claims that lose the race are dropped
// silently, which is what allows several scheduler instances to share a
// store.
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	"github.com/ternarybob/cursus/internal/recovery"
)

// pollInterval bounds how long a loop sleeps between dispatch passes
// when nothing wakes it earlier
const pollInterval = 1 * time.Second

// heartbeatInterval refreshes a running task's heartbeat so the health
// monitor can distinguish slow work from orphaned work
const heartbeatInterval = 15 * time.Second

// Scheduler implements the JobScheduler interface
type Scheduler struct {
	storage  interfaces.StorageManager
	executor interfaces.TaskExecutor
	recovery *recovery.Manager
	limiter  interfaces.RateLimiter
	events   interfaces.EventService
	logger   arbor.ILogger

	mu     sync.Mutex
	loops  map[string]chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates the scheduler. Loops are started per job via
// StartJob/WakeJob.
func NewScheduler(
	storage interfaces.StorageManager,
	executor interfaces.TaskExecutor,
	recoveryManager *recovery.Manager,
	limiter interfaces.RateLimiter,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		storage:  storage,
		executor: executor,
		recovery: recoveryManager,
		limiter:  limiter,
		events:   events,
		logger:   logger,
		loops:    make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartJob begins the dispatch loop for a job
func (s *Scheduler) StartJob(ctx context.Context, jobID string) {
	s.WakeJob(ctx, jobID)
}

// WakeJob ensures a dispatch loop is running for the job and nudges it
// to run a pass now
func (s *Scheduler) WakeJob(ctx context.Context, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wake, ok := s.loops[jobID]; ok {
		select {
		case wake <- struct{}{}:
		default:
		}
		return
	}

	if s.ctx.Err() != nil {
		return
	}

	wake := make(chan struct{}, 1)
	s.loops[jobID] = wake
	s.wg.Add(1)
	go s.runLoop(jobID, wake)
}

// Stop halts all dispatch loops and waits for in-flight work to settle
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) runLoop(jobID string, wake chan struct{}) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.loops, jobID)
		s.mu.Unlock()
	}()

	log := s.logger.WithCorrelationId(jobID)
	log.Debug().Str("job_id", jobID).Msg("Dispatch loop started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		done := s.pass(s.ctx, jobID, log)
		if done {
			log.Debug().Str("job_id", jobID).Msg("Dispatch loop finished")
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// pass runs one dispatch iteration. Returns true when the loop should
// exit (job terminal or gone).
func (s *Scheduler) pass(ctx context.Context, jobID string, log arbor.ILogger) bool {
	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		if err == interfaces.ErrNotFound {
			return true
		}
		log.Warn().Err(err).Str("job_id", jobID).Msg("Dispatch pass failed to load job")
		return false
	}
	if job.IsTerminal() {
		return true
	}

	tasks, err := s.storage.TaskStorage().ListTasks(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("Dispatch pass failed to list tasks")
		return false
	}

	s.propagateDependencyFailures(ctx, tasks, log)

	job, terminal := s.recomputeJobStatus(ctx, job, log)
	if terminal {
		return true
	}

	if job.Paused {
		return false
	}

	s.dispatchReady(ctx, job, log)
	return false
}

// propagateDependencyFailures fails pending tasks whose prerequisite has
// failed terminally, without ever invoking the engine for them. A failed
// dependency means its retry budget is spent; doomed dependents are
// settled immediately so the job can reach a terminal state.
func (s *Scheduler) propagateDependencyFailures(ctx context.Context, tasks []*models.Task, log arbor.ILogger) {
	failed := make(map[string]bool)
	for _, task := range tasks {
		if task.Status == models.TaskStatusFailed {
			failed[task.ID] = true
		}
	}
	if len(failed) == 0 {
		return
	}

	for _, task := range tasks {
		if task.Status != models.TaskStatusPending {
			continue
		}
		for _, dep := range task.DependsOn {
			if !failed[dep] {
				continue
			}
			c := recovery.DependencyFailure(dep)
			err := s.storage.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusPending, models.TaskStatusFailed, &interfaces.TaskUpdate{
				Error:               &c.Message,
				Severity:            &c.Severity,
				ErrorCategory:       &c.Category,
				RecoverySuggestions: c.Suggestions,
			})
			if err != nil && err != interfaces.ErrConflict {
				log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to propagate dependency failure")
			} else if err == nil {
				task.Status = models.TaskStatusFailed
				failed[task.ID] = true
				// The task never executes, so the attempt log never sees it;
				// record the failure here
				entry := models.NewLogEntry(task.JobID, task.ID, "error", c.Message, map[string]interface{}{
					"category":   string(c.Category),
					"severity":   string(c.Severity),
					"dependency": dep,
				})
				if err := s.storage.LogStorage().AppendLog(ctx, entry); err != nil {
					log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to append dependency failure log")
				}
				log.Warn().
					Str("task_id", task.ID).
					Str("dependency", dep).
					Msg("Task failed through dependency propagation")
			}
			break
		}
	}
}

// recomputeJobStatus derives the job's status and counters from its task
// set. Returns the refreshed job and whether it reached a terminal state.
func (s *Scheduler) recomputeJobStatus(ctx context.Context, job *models.Job, log arbor.ILogger) (*models.Job, bool) {
	tasks, err := s.storage.TaskStorage().ListTasks(ctx, job.ID)
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to list tasks for status recompute")
		return job, false
	}

	var completed, failedCount, skipped, unresolved int
	var critical bool
	var criticalMsg string
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			completed++
		case models.TaskStatusFailed:
			failedCount++
			if task.Severity == models.SeverityCritical {
				critical = true
				if criticalMsg == "" {
					criticalMsg = task.Error
				}
			}
		case models.TaskStatusSkipped:
			skipped++
		default:
			unresolved++
		}
	}

	// CriticalFailure is derived here from task state on every pass, so a
	// retried critical task clears it and no other writer races this one
	changed := job.CompletedTasks != completed || job.FailedTasks != failedCount ||
		job.SkippedTasks != skipped || job.CriticalFailure != critical
	job.CompletedTasks = completed
	job.FailedTasks = failedCount
	job.SkippedTasks = skipped
	job.CriticalFailure = critical

	switch {
	case critical:
		// A critical task failure fails the job immediately; tasks still
		// unresolved are left undispatched
		if criticalMsg == "" {
			criticalMsg = "critical task failure"
		}
		job.MarkFailed(criticalMsg)
	case unresolved == 0 && failedCount == 0:
		// Every task resolved: the job completes even if some were skipped.
		// Assembly runs on each completing transition so a job reopened by
		// expansion gets a fresh course document.
		if ref, err := s.assembleCourse(ctx, job, tasks); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Course assembly failed")
		} else {
			job.CourseRef = ref
		}
		job.MarkCompleted()
	case unresolved == 0 && failedCount > 0:
		job.MarkFailed("one or more tasks failed terminally")
	case job.Status == models.JobStatusPending && !job.Paused:
		job.MarkStarted()
		changed = true
	}

	if changed || job.IsTerminal() {
		if err := s.storage.JobStorage().UpdateJob(ctx, job); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist job status")
			return job, false
		}
	}

	if job.IsTerminal() {
		if err := s.limiter.ReleaseJobSlot(ctx, job.UserID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to release job slot")
		}
		_ = s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventJobStatusChange,
			Payload: map[string]interface{}{
				"job_id": job.ID,
				"status": string(job.Status),
			},
		})
		log.Info().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Int("completed", completed).
			Int("failed", failedCount).
			Int("skipped", skipped).
			Msg("Job reached terminal state")
		return job, true
	}
	return job, false
}

// assembleCourse writes the course manifest for a completing job: the
// completed tasks in creation order with their output refs. Returns the
// ref stored in Job.CourseRef.
func (s *Scheduler) assembleCourse(ctx context.Context, job *models.Job, tasks []*models.Task) (string, error) {
	ordered := make([]*models.Task, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	type section struct {
		TaskID    string `json:"task_id"`
		Name      string `json:"name"`
		Type      string `json:"type"`
		OutputRef string `json:"output_ref"`
	}
	manifest := struct {
		JobID    string    `json:"job_id"`
		Name     string    `json:"name"`
		Sections []section `json:"sections"`
	}{
		JobID:    job.ID,
		Name:     job.Name,
		Sections: []section{},
	}
	for _, task := range ordered {
		if task.Status != models.TaskStatusCompleted {
			continue
		}
		manifest.Sections = append(manifest.Sections, section{
			TaskID:    task.ID,
			Name:      task.Name,
			Type:      task.Type,
			OutputRef: task.OutputRef,
		})
	}

	content, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	rec := &models.OutputRecord{
		Ref:     common.NewOutputID(),
		JobID:   job.ID,
		Content: string(content),
	}
	if err := s.storage.OutputStorage().SaveOutput(ctx, rec); err != nil {
		return "", err
	}
	return rec.Ref, nil
}

// dispatchReady claims ready tasks in priority order and executes them.
// A rate-limit denial ends the pass: the loop retries after the poll
// interval rather than busy-looping against the limiter.
func (s *Scheduler) dispatchReady(ctx context.Context, job *models.Job, log arbor.ILogger) {
	ready, err := s.storage.TaskStorage().GetReadyTasks(ctx, job.ID)
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to query ready tasks")
		return
	}

	for _, task := range ready {
		decision, err := s.limiter.CheckAndReserve(ctx, job.UserID, job.Role)
		if err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Rate limit check failed")
			return
		}
		if !decision.Allowed {
			_ = s.events.Publish(ctx, interfaces.Event{
				Type: interfaces.EventRateLimitDenied,
				Payload: map[string]interface{}{
					"job_id":      job.ID,
					"user_id":     job.UserID,
					"reason":      string(decision.Reason),
					"retry_after": decision.RetryAfter.String(),
				},
			})
			log.Debug().
				Str("job_id", job.ID).
				Str("reason", string(decision.Reason)).
				Msg("Dispatch halted by rate limit")
			return
		}

		// Claim pending -> queued; losing the race means another scheduler
		// took it
		err = s.storage.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusPending, models.TaskStatusQueued, nil)
		if err == interfaces.ErrConflict {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to claim task")
			continue
		}

		err = s.storage.TaskStorage().UpdateTaskStatus(ctx, task.ID, models.TaskStatusQueued, models.TaskStatusRunning, nil)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to start claimed task")
			continue
		}

		claimed, err := s.storage.TaskStorage().GetTask(ctx, task.ID)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to reload claimed task")
			continue
		}

		s.wg.Add(1)
		go s.runTask(job, claimed)
	}
}

// runTask executes one claimed task and hands the result to the recovery
// manager. The scheduler context outlives request contexts; in-flight
// executions finish even when the submitting request is gone.
func (s *Scheduler) runTask(job *models.Job, task *models.Task) {
	defer s.wg.Done()
	log := s.logger.WithCorrelationId(job.ID)

	// Heartbeat while the execution is in flight
	hbCtx, stopHeartbeat := context.WithCancel(s.ctx)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := s.storage.TaskStorage().UpdateTaskHeartbeat(hbCtx, task.ID); err != nil {
					log.Debug().Err(err).Str("task_id", task.ID).Msg("Heartbeat update failed")
				}
			}
		}
	}()

	result := s.executor.Execute(s.ctx, job, task)
	stopHeartbeat()

	if err := s.recovery.HandleResult(s.ctx, job, task, result); err != nil && err != interfaces.ErrConflict {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to record execution result")
	}

	// Nudge the loop so dependents dispatch without waiting out the poll
	s.WakeJob(s.ctx, job.ID)
}
