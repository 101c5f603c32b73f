// -----------------------------------------------------------------------
// Analytics - execution metrics derived on demand from a job's task set
// and attempt log. Snapshots are recomputable at any time and never
// persisted.
// -----------------------------------------------------------------------

package analytics

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// Service computes analytics snapshots and renders job reports
type Service struct {
	storage interfaces.StorageManager
	config  *common.AnalyticsConfig
	logger  arbor.ILogger
}

// NewService creates the analytics service
func NewService(storage interfaces.StorageManager, config *common.AnalyticsConfig, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		config:  config,
		logger:  logger,
	}
}

// Snapshot computes the current analytics view of a job. Attempt counts
// come from the task records; token usage comes from the attempt log.
func (s *Service) Snapshot(ctx context.Context, jobID string) (*models.AnalyticsSnapshot, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.storage.TaskStorage().ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snap := &models.AnalyticsSnapshot{
		JobID:       job.ID,
		TotalTasks:  len(tasks),
		GeneratedAt: time.Now(),
	}

	var measured int
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			snap.CompletedTasks++
		case models.TaskStatusFailed:
			snap.FailedTasks++
		case models.TaskStatusSkipped:
			snap.SkippedTasks++
		}

		if task.ActualDuration > 0 {
			snap.TotalDuration += task.ActualDuration
			measured++
		}

		attempts := task.AttemptCount()
		snap.APICallsMade += attempts
		if task.Status == models.TaskStatusCompleted {
			// Every attempt before the successful one failed
			snap.APICallsFailed += task.RetryCount
		} else {
			snap.APICallsFailed += attempts
		}
	}
	if measured > 0 {
		snap.AvgTaskDuration = snap.TotalDuration / time.Duration(measured)
	}

	snap.TokensConsumed = s.sumTokens(ctx, jobID)
	snap.EstimatedCost = float64(snap.APICallsMade)*s.config.CostPerCall +
		float64(snap.TokensConsumed)/1000*s.config.CostPerKiloToken

	if resolved := snap.CompletedTasks + snap.FailedTasks; resolved > 0 {
		snap.SuccessRate = float64(snap.CompletedTasks) / float64(resolved) * 100
	}
	return snap, nil
}

// sumTokens totals token usage over the job's attempt log. A log read
// failure degrades to zero tokens rather than failing the snapshot.
func (s *Service) sumTokens(ctx context.Context, jobID string) int64 {
	entries, err := s.storage.LogStorage().GetLogs(ctx, jobID, "", 0, 0)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Token tally skipped; log read failed")
		return 0
	}
	var total int64
	for _, entry := range entries {
		total += asInt64(entry.Payload["input_tokens"])
		total += asInt64(entry.Payload["output_tokens"])
	}
	return total
}

// asInt64 coerces the numeric types a payload value may round-trip
// through storage as
func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
