// -----------------------------------------------------------------------
// TaskStorage - Badger-backed task persistence. Status transitions are
// compare-and-set inside a single Badger transaction so that two
// schedulers can never both claim the same task.
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStorage implements the TaskStorage interface for Badger
type TaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

// CreateJobWithTasks persists a job and its full task graph atomically.
// Either the whole graph lands or none of it does.
func (s *TaskStorage) CreateJobWithTasks(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("invalid task %s: %w", task.ID, err)
		}
	}

	job.TotalTasks = len(tasks)

	store := s.db.Store()
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		if err := store.TxInsert(tx, job.ID, job); err != nil {
			if err == badgerhold.ErrKeyExists {
				return interfaces.ErrConflict
			}
			return err
		}
		for _, task := range tasks {
			if err := store.TxInsert(tx, task.ID, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if err == interfaces.ErrConflict {
			return err
		}
		return fmt.Errorf("failed to create job with tasks: %w", err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Int("task_count", len(tasks)).
		Msg("Job created with task graph")

	return nil
}

func (s *TaskStorage) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(taskID, &task); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStorage) ListTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("JobID").Eq(jobID).Index("JobID")); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

// GetReadyTasks returns pending tasks whose dependencies have all resolved
// (completed or skipped) and whose backoff window has elapsed, ordered by
// priority ascending with sequence as the tie-break.
func (s *TaskStorage) GetReadyTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	tasks, err := s.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.Status == models.TaskStatusCompleted || task.Status == models.TaskStatusSkipped {
			resolved[task.ID] = true
		}
	}

	now := time.Now()
	var ready []*models.Task
	for _, task := range tasks {
		if task.Status != models.TaskStatusPending {
			continue
		}
		if !task.ReadyAt(now) {
			continue
		}
		depsMet := true
		for _, dep := range task.DependsOn {
			if !resolved[dep] {
				depsMet = false
				break
			}
		}
		if depsMet {
			ready = append(ready, task)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].Sequence < ready[j].Sequence
	})
	return ready, nil
}

// UpdateTaskStatus transitions a task from expected to next atomically.
// The read, status check, and write all happen in one Badger transaction;
// a mismatched prior status returns ErrConflict and writes nothing. The
// owning job's LastTransitionAt is touched in the same transaction so the
// health aggregator sees progress.
func (s *TaskStorage) UpdateTaskStatus(ctx context.Context, taskID string, expected, next models.TaskStatus, fields *interfaces.TaskUpdate) error {
	store := s.db.Store()
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		var task models.Task
		if err := store.TxGet(tx, taskID, &task); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return err
		}

		if task.Status != expected {
			return interfaces.ErrConflict
		}

		applyTransition(&task, next)
		applyFields(&task, fields)

		if err := store.TxUpdate(tx, taskID, &task); err != nil {
			return err
		}

		var job models.Job
		if err := store.TxGet(tx, task.JobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return nil
			}
			return err
		}
		job.LastTransitionAt = time.Now()
		return store.TxUpdate(tx, job.ID, &job)
	})
	if err != nil {
		if err == interfaces.ErrConflict || err == interfaces.ErrNotFound {
			return err
		}
		// A commit-time conflict means another transaction touched the task
		// first, which is the same outcome as a failed status check.
		if err == badgerdb.ErrConflict {
			return interfaces.ErrConflict
		}
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// InsertTask appends one task to an existing job and bumps the job's total
// task count in the same transaction (the expand operation).
func (s *TaskStorage) InsertTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	store := s.db.Store()
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		var job models.Job
		if err := store.TxGet(tx, task.JobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return err
		}

		if err := store.TxInsert(tx, task.ID, task); err != nil {
			if err == badgerhold.ErrKeyExists {
				return interfaces.ErrConflict
			}
			return err
		}

		job.TotalTasks++
		job.LastTransitionAt = time.Now()
		return store.TxUpdate(tx, job.ID, &job)
	})
	if err != nil {
		if err == interfaces.ErrConflict || err == interfaces.ErrNotFound {
			return err
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *TaskStorage) UpdateTaskHeartbeat(ctx context.Context, taskID string) error {
	store := s.db.Store()
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		var task models.Task
		if err := store.TxGet(tx, taskID, &task); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return err
		}
		if task.Status != models.TaskStatusRunning {
			return nil
		}
		now := time.Now()
		task.LastHeartbeat = &now
		return store.TxUpdate(tx, taskID, &task)
	})
	if err != nil {
		if err == interfaces.ErrNotFound {
			return err
		}
		return fmt.Errorf("failed to update task heartbeat: %w", err)
	}
	return nil
}

// GetStaleRunningTasks returns running tasks whose heartbeat is older than
// the threshold, typically orphans from a crashed worker.
func (s *TaskStorage) GetStaleRunningTasks(ctx context.Context, olderThanMinutes int) ([]*models.Task, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("Status").Eq(models.TaskStatusRunning).Index("Status")); err != nil {
		return nil, fmt.Errorf("failed to find running tasks: %w", err)
	}

	threshold := time.Now().Add(-time.Duration(olderThanMinutes) * time.Minute)
	var stale []*models.Task
	for i := range tasks {
		task := &tasks[i]
		last := task.LastHeartbeat
		if last == nil {
			last = task.StartedAt
		}
		if last != nil && last.Before(threshold) {
			stale = append(stale, task)
		}
	}
	return stale, nil
}

// ResetInterrupted returns queued and running tasks to pending. Called once
// on startup to recover work interrupted by an unclean shutdown.
func (s *TaskStorage) ResetInterrupted(ctx context.Context) (int, error) {
	var tasks []models.Task
	query := badgerhold.Where("Status").In(models.TaskStatusQueued, models.TaskStatusRunning)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return 0, fmt.Errorf("failed to find interrupted tasks: %w", err)
	}

	count := 0
	for i := range tasks {
		task := tasks[i]
		task.Status = models.TaskStatusPending
		task.QueuedAt = nil
		task.StartedAt = nil
		task.LastHeartbeat = nil
		if err := s.db.Store().Update(task.ID, &task); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to reset interrupted task")
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Reset interrupted tasks to pending")
	}
	return count, nil
}

// applyTransition sets the timestamps that accompany a status change
func applyTransition(task *models.Task, next models.TaskStatus) {
	now := time.Now()
	task.Status = next

	switch next {
	case models.TaskStatusPending:
		// Retry return path: attempt bookkeeping stays, claim markers clear
		task.QueuedAt = nil
		task.StartedAt = nil
		task.LastHeartbeat = nil
		task.CompletedAt = nil
	case models.TaskStatusQueued:
		task.QueuedAt = &now
	case models.TaskStatusRunning:
		task.StartedAt = &now
		task.LastHeartbeat = &now
	case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusSkipped:
		task.CompletedAt = &now
		if task.StartedAt != nil {
			task.ActualDuration = now.Sub(*task.StartedAt)
		}
	}
}

// applyFields writes the optional per-transition fields
func applyFields(task *models.Task, fields *interfaces.TaskUpdate) {
	if fields == nil {
		return
	}
	if fields.Error != nil {
		task.Error = *fields.Error
	}
	if fields.Severity != nil {
		task.Severity = *fields.Severity
	}
	if fields.ErrorCategory != nil {
		task.ErrorCategory = *fields.ErrorCategory
	}
	if fields.RecoverySuggestions != nil {
		task.RecoverySuggestions = fields.RecoverySuggestions
	}
	if fields.OutputRef != nil {
		task.OutputRef = *fields.OutputRef
	}
	if fields.RetryCount != nil {
		task.RetryCount = *fields.RetryCount
	}
	if fields.NextAttemptAt != nil {
		task.NextAttemptAt = fields.NextAttemptAt
	}
	if fields.ClearNextAttempt {
		task.NextAttemptAt = nil
	}
}
