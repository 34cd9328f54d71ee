package queue

import (
	"context"
	"errors"
	"time"
)

// Queue defines the interface for task queue operations
type Queue interface {
	// Enqueue adds a task to the queue
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue gets the next task for processing
	// Returns nil, nil if the queue is empty
	Dequeue(ctx context.Context) (*Task, error)

	// Complete marks a task as done
	Complete(ctx context.Context, task *Task) error

	// Retry schedules a task to run again at the given time
	Retry(ctx context.Context, task *Task, at time.Time) error

	// MoveToDLQ moves a task that will not be retried to the dead letter queue
	MoveToDLQ(ctx context.Context, task *Task) error

	// Get retrieves a task by ID
	Get(ctx context.Context, id string) (*Task, error)

	// List returns a list of tasks with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Task, error)

	// Stats returns queue statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the storage connection
	Close() error
}

// ErrTaskNotFound is returned for unknown task IDs
var ErrTaskNotFound = errors.New("task not found")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The task goes to the dead letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
