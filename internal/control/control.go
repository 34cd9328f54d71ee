// Package control carries pause and stop signals from the API to running workers.
package control

import (
	"context"
	"time"
)

// Signal is the control state of a job
type Signal string

const (
	SignalNone    Signal = ""
	SignalPaused  Signal = "paused"
	SignalStopped Signal = "stopped"
)

const (
	// KeyPrefix prefixes the per-job control key
	KeyPrefix = "email_job_control:"

	// SignalTTL bounds how long a signal outlives its job
	SignalTTL = 7 * 24 * time.Hour
)

// Key returns the control key of a job
func Key(jobID string) string {
	return KeyPrefix + jobID
}

// Store holds job control signals
type Store interface {
	Set(ctx context.Context, jobID string, s Signal) error
	Get(ctx context.Context, jobID string) (Signal, error)
	Clear(ctx context.Context, jobID string) error
}

// Locker is a best-effort distributed mutex
type Locker interface {
	// TryLock acquires key for ttl. The returned token releases it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}
