// Package jobs creates email jobs and drives their control plane:
// pause, resume, stop, progress and the stale job sweep.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/repository"
)

var (
	// ErrNotFound is returned for jobs that do not exist or belong to another owner
	ErrNotFound = errors.New("job not found")
	// ErrInvalidState is returned when a control action does not apply to the job's status
	ErrInvalidState = errors.New("job is not in a valid state for this action")
)

// ValidationError reports a rejected job request
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// JobStore is the durable job record store
type JobStore interface {
	CreateWithDeliveries(ctx context.Context, job *models.Job, recipients []models.Recipient) ([]models.Delivery, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	GetForOwner(ctx context.Context, id, owner string) (*models.Job, error)
	ListActive(ctx context.Context, owner string) ([]models.Job, error)
	ListStale(ctx context.Context, before time.Time) ([]models.Job, error)
	ListIdle(ctx context.Context, before time.Time) ([]models.Job, error)
	Apply(ctx context.Context, id string, t repository.Transition) (bool, error)
	Stop(ctx context.Context, id, reason, cancelMessage string, claimedBefore time.Time) (bool, error)
}

// StatsStore counts deliveries by status
type StatsStore interface {
	Stats(ctx context.Context, jobID string) (models.JobStats, error)
}

// Dispatcher schedules batch worker runs for a job
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	// DispatchAfter schedules a run no earlier than delay from now
	DispatchAfter(ctx context.Context, jobID string, delay time.Duration) error
}

// Notifier receives job events
type Notifier interface {
	NotifyJob(job *models.Job, event string)
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
