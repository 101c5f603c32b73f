// -----------------------------------------------------------------------
// Health aggregator - read-only liveness classification of a job from
// its last task transition. Never mutates job or task state.
// -----------------------------------------------------------------------

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// Aggregator implements the HealthAggregator interface
type Aggregator struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger

	stalledAfter   time.Duration
	stuckAfter     time.Duration
	abandonedAfter time.Duration
}

// NewAggregator creates the health aggregator with thresholds from config
func NewAggregator(storage interfaces.StorageManager, config *common.HealthConfig, logger arbor.ILogger) *Aggregator {
	return &Aggregator{
		storage:        storage,
		logger:         logger,
		stalledAfter:   common.MustDuration(config.StalledAfter),
		stuckAfter:     common.MustDuration(config.StuckAfter),
		abandonedAfter: common.MustDuration(config.AbandonedAfter),
	}
}

// Health classifies the job's liveness
func (a *Aggregator) Health(ctx context.Context, jobID string) (*models.JobHealth, error) {
	job, err := a.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return a.classify(job, time.Now()), nil
}

// classify derives the health verdict from job state and transition
// staleness. Split out for tests with a controlled clock.
func (a *Aggregator) classify(job *models.Job, now time.Time) *models.JobHealth {
	health := &models.JobHealth{
		JobID:              job.ID,
		JobStatus:          job.Status,
		ProgressPercentage: job.ProgressPercentage(),
		LastTransitionAt:   job.LastTransitionAt,
	}

	switch job.Status {
	case models.JobStatusCompleted:
		health.Status = models.HealthStatusHealthy
		health.Message = "job completed"
		return health
	case models.JobStatusFailed:
		health.Status = models.HealthStatusFailed
		if job.CriticalFailure {
			health.Message = fmt.Sprintf("job failed critically: %s", job.Error)
		} else {
			health.Message = fmt.Sprintf("job failed: %s", job.Error)
		}
		return health
	case models.JobStatusCancelled:
		health.Status = models.HealthStatusFailed
		health.Message = "job cancelled"
		return health
	case models.JobStatusPaused:
		health.Status = models.HealthStatusHealthy
		health.Message = "job paused by operator"
		return health
	}

	// Pending or processing: classify by transition staleness
	staleness := now.Sub(job.LastTransitionAt)
	switch {
	case staleness >= a.abandonedAfter:
		health.Status = models.HealthStatusAbandoned
		health.Message = fmt.Sprintf("no task transition for %s; job looks abandoned", staleness.Round(time.Second))
	case staleness >= a.stuckAfter:
		health.Status = models.HealthStatusStuck
		health.Message = fmt.Sprintf("no task transition for %s", staleness.Round(time.Second))
	case staleness >= a.stalledAfter:
		health.Status = models.HealthStatusStalled
		health.Message = fmt.Sprintf("no task transition for %s", staleness.Round(time.Second))
	default:
		health.Status = models.HealthStatusHealthy
		health.Message = "job progressing"
	}
	return health
}
