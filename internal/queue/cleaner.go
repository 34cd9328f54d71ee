package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains cleanup settings
type CleanerConfig struct {
	// Completed tasks retention
	CompletedMaxAge time.Duration

	// DLQ retention
	DLQMaxAge   time.Duration
	DLQMaxCount int

	Interval time.Duration
}

// Cleaner handles automatic cleanup of old tasks
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger.With("component", "queue_cleaner"),
		done:    make(chan struct{}),
	}
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.Interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"completed_max_age", c.cfg.CompletedMaxAge,
		"dlq_max_age", c.cfg.DLQMaxAge,
		"dlq_max_count", c.cfg.DLQMaxCount,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs one cleanup pass
func (c *Cleaner) RunOnce(ctx context.Context) {
	if c.cfg.CompletedMaxAge > 0 {
		deleted, err := c.storage.CleanupCompleted(ctx, c.cfg.CompletedMaxAge)
		if err != nil {
			c.logger.Error("failed to cleanup completed tasks", "error", err)
		} else if deleted > 0 {
			c.logger.Info("cleaned up completed tasks", "deleted", deleted)
		}
	}

	if c.cfg.DLQMaxAge > 0 || c.cfg.DLQMaxCount > 0 {
		deleted, err := c.storage.CleanupDLQ(ctx, c.cfg.DLQMaxAge, c.cfg.DLQMaxCount)
		if err != nil {
			c.logger.Error("failed to cleanup DLQ", "error", err)
		} else if deleted > 0 {
			c.logger.Info("cleaned up DLQ tasks", "deleted", deleted)
		}
	}
}
