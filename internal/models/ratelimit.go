package models

import "time"

// RateLimitReason identifies which ceiling denied an admission check
type RateLimitReason string

const (
	RateLimitReasonMinute      RateLimitReason = "minute"
	RateLimitReasonHour        RateLimitReason = "hour"
	RateLimitReasonDay         RateLimitReason = "day"
	RateLimitReasonConcurrency RateLimitReason = "concurrency"
)

// RateLimitRecord holds the persisted admission counters for one user.
// The limiter is stateless logic over these records; all mutation happens
// through atomic conditional updates in the store so that concurrent
// schedulers cannot race a check-then-increment.
type RateLimitRecord struct {
	UserID string `json:"user_id" badgerhold:"key"`

	MinuteCount  int       `json:"minute_count"`
	MinuteWindow time.Time `json:"minute_window"` // start of current minute window
	HourCount    int       `json:"hour_count"`
	HourWindow   time.Time `json:"hour_window"`
	DayCount     int       `json:"day_count"`
	DayWindow    time.Time `json:"day_window"`

	// ActiveJobs increments on job start and decrements when the job
	// reaches a terminal state
	ActiveJobs int `json:"active_jobs"`

	UpdatedAt time.Time `json:"updated_at"`
}

// RollWindows resets any counter whose window boundary has passed.
// Windows are aligned to wall-clock minute/hour/day boundaries so the
// earliest retry time is computable from the boundary alone.
func (r *RateLimitRecord) RollWindows(now time.Time) {
	minute := now.Truncate(time.Minute)
	if r.MinuteWindow.Before(minute) {
		r.MinuteWindow = minute
		r.MinuteCount = 0
	}
	hour := now.Truncate(time.Hour)
	if r.HourWindow.Before(hour) {
		r.HourWindow = hour
		r.HourCount = 0
	}
	day := now.Truncate(24 * time.Hour)
	if r.DayWindow.Before(day) {
		r.DayWindow = day
		r.DayCount = 0
	}
}

// RateLimitDecision is the answer to an admission check
type RateLimitDecision struct {
	Allowed    bool            `json:"allowed"`
	Reason     RateLimitReason `json:"reason,omitempty"`
	RetryAfter time.Duration   `json:"retry_after,omitempty"`
}
