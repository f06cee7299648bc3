// Package ratelimit bounds how many trade events a user may submit per UTC
// calendar day.
//
// The check counts stored events and then allows the batch, so two batches
// racing past the check can overshoot the limit by at most one batch. This is
// soft enforcement; the count is not locked.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultDailyLimit is the number of events a user may submit per UTC day.
const DefaultDailyLimit = 5000

// ErrDailyLimitExceeded is returned when a user has already reached the
// daily event limit.
var ErrDailyLimitExceeded = errors.New("ratelimit: daily event limit exceeded")

// Counter counts the events a user has created at or after since.
type Counter interface {
	CountEventsSince(ctx context.Context, userID int64, since time.Time) (int64, error)
}

// DailyLimiter enforces a per-user daily event ceiling.
type DailyLimiter struct {
	counter Counter
	limit   int64
	now     func() time.Time
}

// NewDailyLimiter creates a limiter. A non-positive limit uses
// DefaultDailyLimit.
func NewDailyLimiter(counter Counter, limit int64) *DailyLimiter {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &DailyLimiter{
		counter: counter,
		limit:   limit,
		now:     time.Now,
	}
}

// Limit returns the configured daily ceiling.
func (l *DailyLimiter) Limit() int64 { return l.limit }

// Check returns today's count for userID. If the count is at or above the
// limit it also returns an error wrapping ErrDailyLimitExceeded; storage
// errors are returned as-is.
func (l *DailyLimiter) Check(ctx context.Context, userID int64) (int64, error) {
	count, err := l.counter.CountEventsSince(ctx, userID, StartOfDay(l.now()))
	if err != nil {
		return 0, fmt.Errorf("count events for user %d: %w", userID, err)
	}
	if count >= l.limit {
		return count, fmt.Errorf("%w: %d of %d events today", ErrDailyLimitExceeded, count, l.limit)
	}
	return count, nil
}

// StartOfDay returns midnight UTC of t's UTC calendar day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
