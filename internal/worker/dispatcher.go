package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/mailsage/internal/queue"
)

// TaskSendBatch is the queue task type that runs one batch of a job
const TaskSendBatch = "email.send_batch"

// Dispatcher schedules batch runs on the task queue
type Dispatcher struct {
	queue queue.Queue
}

func NewDispatcher(q queue.Queue) *Dispatcher {
	return &Dispatcher{queue: q}
}

// Dispatch enqueues one batch run for jobID
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	return d.DispatchAfter(ctx, jobID, 0)
}

// DispatchAfter enqueues a batch run for jobID that is deferred by delay
func (d *Dispatcher) DispatchAfter(ctx context.Context, jobID string, delay time.Duration) error {
	task, err := queue.NewTask(TaskSendBatch, jobID, nil)
	if err != nil {
		return err
	}
	if delay > 0 {
		task.NextRunAt = time.Now().UTC().Add(delay)
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue batch for job %s: %w", jobID, err)
	}
	return nil
}
