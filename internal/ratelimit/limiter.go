// Package ratelimit counts requests in fixed hourly windows.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// KeyPrefix prefixes every counter key
const KeyPrefix = "rate_limit:"

// Counter increments a windowed counter and returns its new value.
// The counter disappears once ttl has elapsed since its first increment.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Result is the outcome of one rate check
type Result struct {
	Allowed    bool
	Limit      int
	Count      int
	RetryAfter time.Duration
}

// HourKey returns the counter key of owner for the UTC hour containing now
func HourKey(owner string, now time.Time) string {
	return KeyPrefix + owner + ":" + now.UTC().Format("2006-01-02-15")
}

// Limiter applies an hourly limit on top of a Counter
type Limiter struct {
	counter Counter
	now     func() time.Time
}

// NewLimiter creates a limiter backed by counter
func NewLimiter(counter Counter) *Limiter {
	return &Limiter{counter: counter, now: time.Now}
}

// AllowHourly counts one request for owner in the current hour.
// A limit <= 0 disables the check.
func (l *Limiter) AllowHourly(ctx context.Context, owner string, limit int) (*Result, error) {
	if limit <= 0 {
		return &Result{Allowed: true}, nil
	}

	now := l.now().UTC()
	n, err := l.counter.Incr(ctx, HourKey(owner, now), time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to count request: %w", err)
	}

	result := &Result{
		Allowed: n <= int64(limit),
		Limit:   limit,
		Count:   int(n),
	}
	if !result.Allowed {
		result.RetryAfter = now.Truncate(time.Hour).Add(time.Hour).Sub(now)
	}
	return result, nil
}
