package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailsage/internal/metrics"
)

// Handler runs one task. Returning an error schedules a retry unless the
// error is wrapped with Permanent.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task *Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// errHardTimeout is recorded when a handler outlives the hard timeout
var errHardTimeout = errors.New("task exceeded hard timeout")

// Processor processes the task queue
type Processor struct {
	queue           Queue
	handlers        map[string]Handler
	workers         int
	retryInterval   time.Duration
	maxRetries      int
	processInterval time.Duration
	softTimeout     time.Duration
	hardTimeout     time.Duration
	logger          *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int // Attempts before a task is moved to the DLQ
	ProcessInterval time.Duration
	SoftTimeout     time.Duration
	HardTimeout     time.Duration
}

// NewProcessor creates a new queue processor
func NewProcessor(q Queue, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = 5 * time.Minute
	}
	if cfg.HardTimeout < cfg.SoftTimeout {
		cfg.HardTimeout = 2 * cfg.SoftTimeout
	}

	return &Processor{
		queue:           q,
		handlers:        make(map[string]Handler),
		workers:         cfg.Workers,
		retryInterval:   cfg.RetryInterval,
		maxRetries:      cfg.MaxRetries,
		processInterval: cfg.ProcessInterval,
		softTimeout:     cfg.SoftTimeout,
		hardTimeout:     cfg.HardTimeout,
		logger:          logger.With("component", "queue"),
		stopCh:          make(chan struct{}),
	}
}

// Register sets the handler for a task type. It must be called before Start.
func (p *Processor) Register(taskType string, h Handler) {
	p.handlers[taskType] = h
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

// worker is the main processing loop. It drains the queue, then waits for
// the next tick.
func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			for p.processOne(ctx, logger) {
				select {
				case <-ctx.Done():
					return
				case <-p.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processOne processes a single task from the queue and reports whether
// there was one
func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) bool {
	task, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue task", "error", err)
		return false
	}

	if task == nil {
		return false
	}

	logger = logger.With("task_id", task.ID, "type", task.Type, "job_id", task.JobID)
	logger.Debug("processing task", "attempt", task.Attempts)

	handler, ok := p.handlers[task.Type]
	if !ok {
		p.fail(ctx, logger, task, Permanent(fmt.Errorf("no handler for task type %q", task.Type)))
		return true
	}

	err = p.run(ctx, handler, task)
	if err == nil {
		if err := p.queue.Complete(ctx, task); err != nil {
			logger.Error("failed to update task status", "error", err)
		}
		metrics.IncTasks("completed")
		logger.Debug("task completed")
		return true
	}

	p.fail(ctx, logger, task, err)
	return true
}

// run calls the handler with the soft timeout as its deadline. A handler
// still running at the hard timeout is abandoned.
func (p *Processor) run(ctx context.Context, h Handler, task *Task) error {
	runCtx, cancel := context.WithTimeout(ctx, p.softTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task handler panic: %v", r)
			}
		}()
		done <- h.Handle(runCtx, task)
	}()

	hard := time.NewTimer(p.hardTimeout)
	defer hard.Stop()

	select {
	case err := <-done:
		return err
	case <-hard.C:
		return errHardTimeout
	}
}

func (p *Processor) fail(ctx context.Context, logger *slog.Logger, task *Task, err error) {
	task.LastError = err.Error()

	if !IsPermanent(err) && task.Attempts < p.maxRetries {
		backoff := p.calculateBackoff(task.Attempts)
		at := time.Now().Add(backoff)
		if err := p.queue.Retry(ctx, task, at); err != nil {
			logger.Error("failed to defer task", "error", err)
		}
		metrics.IncTasks("retried")
		logger.Warn("task failed, will retry",
			"error", err,
			"attempt", task.Attempts,
			"backoff", backoff,
		)
		return
	}

	if err := p.queue.MoveToDLQ(ctx, task); err != nil {
		logger.Error("failed to move task to DLQ", "error", err)
	}
	metrics.IncTasks("dead")
	logger.Error("task failed permanently",
		"error", err,
		"attempt", task.Attempts,
		"max_retries", p.maxRetries,
	)
}

// calculateBackoff calculates exponential backoff duration:
// retry_interval * 2^(attempt-1), capped at one hour
func (p *Processor) calculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 12 {
		attempt = 12
	}

	backoff := time.Duration(1<<(attempt-1)) * p.retryInterval

	maxBackoff := time.Hour
	if backoff > maxBackoff {
		return maxBackoff
	}

	return backoff
}
