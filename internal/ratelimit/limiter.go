// -----------------------------------------------------------------------
// Rate limiter - stateless admission logic over persisted per-user
// counter records. The storage layer supplies the atomicity; this
// package supplies the policy.
// -----------------------------------------------------------------------

package ratelimit

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// Limiter implements the RateLimiter interface over a RateLimitStorage.
// Every ceiling check and its increment run inside one storage
// transaction, so concurrent dispatchers cannot both pass the same
// last-slot check.
type Limiter struct {
	storage interfaces.RateLimitStorage
	config  *common.RateLimitConfig
	logger  arbor.ILogger
}

// NewLimiter creates a rate limiter backed by persisted counters
func NewLimiter(storage interfaces.RateLimitStorage, config *common.RateLimitConfig, logger arbor.ILogger) interfaces.RateLimiter {
	return &Limiter{
		storage: storage,
		config:  config,
		logger:  logger,
	}
}

// CheckAndReserve checks the minute, hour, and day ceilings for the user
// and increments all three window counters when admitted. A denial reports
// the first ceiling hit (checked in minute, hour, day order) and the time
// until that window resets.
func (l *Limiter) CheckAndReserve(ctx context.Context, userID, role string) (*models.RateLimitDecision, error) {
	limits := l.config.LimitsForRole(role)

	decision, err := l.storage.Reserve(ctx, userID, func(rec *models.RateLimitRecord) *models.RateLimitDecision {
		now := time.Now()
		if limits.PerMinute > 0 && rec.MinuteCount >= limits.PerMinute {
			return deny(models.RateLimitReasonMinute, rec.MinuteWindow.Add(time.Minute).Sub(now))
		}
		if limits.PerHour > 0 && rec.HourCount >= limits.PerHour {
			return deny(models.RateLimitReasonHour, rec.HourWindow.Add(time.Hour).Sub(now))
		}
		if limits.PerDay > 0 && rec.DayCount >= limits.PerDay {
			return deny(models.RateLimitReasonDay, rec.DayWindow.Add(24*time.Hour).Sub(now))
		}

		rec.MinuteCount++
		rec.HourCount++
		rec.DayCount++
		return &models.RateLimitDecision{Allowed: true}
	})
	if err != nil {
		return nil, err
	}

	if !decision.Allowed {
		l.logger.Debug().
			Str("user_id", userID).
			Str("role", role).
			Str("reason", string(decision.Reason)).
			Msg("Request denied by rate limit")
	}
	return decision, nil
}

// ReserveJobSlot admits a new job against the concurrency ceiling and
// increments the active job counter when admitted. Concurrency denials
// carry no RetryAfter - slots free when a job finishes, not on a clock.
func (l *Limiter) ReserveJobSlot(ctx context.Context, userID, role string) (*models.RateLimitDecision, error) {
	limits := l.config.LimitsForRole(role)

	decision, err := l.storage.Reserve(ctx, userID, func(rec *models.RateLimitRecord) *models.RateLimitDecision {
		if limits.ConcurrentJobs > 0 && rec.ActiveJobs >= limits.ConcurrentJobs {
			return &models.RateLimitDecision{
				Allowed: false,
				Reason:  models.RateLimitReasonConcurrency,
			}
		}
		rec.ActiveJobs++
		return &models.RateLimitDecision{Allowed: true}
	})
	if err != nil {
		return nil, err
	}

	if !decision.Allowed {
		l.logger.Debug().
			Str("user_id", userID).
			Str("role", role).
			Int("limit", limits.ConcurrentJobs).
			Msg("Job submission denied by concurrency limit")
	}
	return decision, nil
}

// ReleaseJobSlot frees one concurrency slot. Safe to call more than once
// for the same job; the counter clamps at zero in storage.
func (l *Limiter) ReleaseJobSlot(ctx context.Context, userID string) error {
	return l.storage.AdjustActiveJobs(ctx, userID, -1)
}

func deny(reason models.RateLimitReason, retryAfter time.Duration) *models.RateLimitDecision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &models.RateLimitDecision{
		Allowed:    false,
		Reason:     reason,
		RetryAfter: retryAfter,
	}
}
