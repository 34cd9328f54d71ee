package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks      = []byte("tasks")
	bucketPending    = []byte("pending")
	bucketDeferred   = []byte("deferred")
	bucketDeadLetter = []byte("dead_letter")
)

// indexTimeFormat is fixed width so index keys sort chronologically
const indexTimeFormat = "20060102150405.000000000"

// BoltStorage implements Queue interface using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketPending, bucketDeferred, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Enqueue adds a task to the queue. A task whose NextRunAt lies in the
// future is deferred until then.
func (s *BoltStorage) Enqueue(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		if task.NextRunAt.After(now) {
			task.Status = StatusDeferred
			if err := putTask(tx, task); err != nil {
				return err
			}
			return tx.Bucket(bucketDeferred).Put(makeIndexKey(task.NextRunAt, task.ID), []byte(task.ID))
		}

		task.Status = StatusPending
		if err := putTask(tx, task); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Put(makeIndexKey(task.CreatedAt, task.ID), []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		return nil
	})
}

// Dequeue gets the next task for processing, deferred tasks that are due
// first. The task is marked running and its attempt counter incremented.
func (s *BoltStorage) Dequeue(ctx context.Context) (*Task, error) {
	var task *Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now().UTC()

		claim := func(c *bolt.Cursor, due func(k []byte) bool) (bool, error) {
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if !due(k) {
					return false, nil
				}

				t, err := getTask(tx, v)
				if err != nil {
					return false, err
				}
				if t == nil {
					// Task was deleted, clean up index
					if err := c.Delete(); err != nil {
						return false, err
					}
					continue
				}

				t.Status = StatusRunning
				t.Attempts++
				t.UpdatedAt = now
				if err := putTask(tx, t); err != nil {
					return false, err
				}
				if err := c.Delete(); err != nil {
					return false, err
				}

				task = t
				return true, nil
			}
			return false, nil
		}

		found, err := claim(tx.Bucket(bucketDeferred).Cursor(), func(k []byte) bool {
			return !parseTimestampFromKey(k).After(now)
		})
		if err != nil || found {
			return err
		}

		_, err = claim(tx.Bucket(bucketPending).Cursor(), func([]byte) bool { return true })
		return err
	})

	return task, err
}

// Complete marks a task as done
func (s *BoltStorage) Complete(ctx context.Context, task *Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task.Status = StatusCompleted
		task.LastError = ""
		task.UpdatedAt = time.Now().UTC()
		return putTask(tx, task)
	})
}

// Retry defers a task until at
func (s *BoltStorage) Retry(ctx context.Context, task *Task, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task.Status = StatusDeferred
		task.NextRunAt = at.UTC()
		task.UpdatedAt = time.Now().UTC()

		if err := putTask(tx, task); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDeferred).Put(makeIndexKey(task.NextRunAt, task.ID), []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to add to deferred index: %w", err)
		}
		return nil
	})
}

// RecoverRunning puts tasks left running by a crashed process back into the
// pending index. It returns the number of recovered tasks.
func (s *BoltStorage) RecoverRunning(ctx context.Context) (int, error) {
	recovered := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var running []*Task
		err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if t.Status == StatusRunning {
				running = append(running, &t)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, t := range running {
			t.Status = StatusPending
			t.UpdatedAt = time.Now().UTC()
			if err := putTask(tx, t); err != nil {
				return err
			}
			if err := tx.Bucket(bucketPending).Put(makeIndexKey(t.CreatedAt, t.ID), []byte(t.ID)); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// Get retrieves a task by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Task, error) {
	var task *Task

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = getTask(tx, []byte(id))
		return err
	})

	return task, err
}

// List returns a list of tasks with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	var tasks []*Task

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}

			if filter.Status != "" && t.Status != filter.Status {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			tasks = append(tasks, &t)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return tasks, err
}

// Delete removes a task and its index entries
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := getTask(tx, []byte(id))
		if err != nil {
			return err
		}
		if t != nil {
			tx.Bucket(bucketPending).Delete(makeIndexKey(t.CreatedAt, t.ID))
			tx.Bucket(bucketDeferred).Delete(makeIndexKey(t.NextRunAt, t.ID))
			removeIndexValue(tx.Bucket(bucketDeadLetter), id)
		}
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}

			stats.Total++
			switch t.Status {
			case StatusPending:
				stats.Pending++
			case StatusRunning:
				stats.Running++
			case StatusCompleted:
				stats.Completed++
			case StatusDeferred:
				stats.Deferred++
			case StatusDead:
				stats.Dead++
			}
			return nil
		})
	})

	return stats, err
}

// Counts returns task counts keyed by status
func (s *BoltStorage) Counts(ctx context.Context) (map[string]int, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{
		string(StatusPending):   int(stats.Pending),
		string(StatusRunning):   int(stats.Running),
		string(StatusCompleted): int(stats.Completed),
		string(StatusDeferred):  int(stats.Deferred),
		string(StatusDead):      int(stats.Dead),
	}, nil
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func getTask(tx *bolt.Tx, id []byte) (*Task, error) {
	data := tx.Bucket(bucketTasks).Get(id)
	if data == nil {
		return nil, nil
	}
	t := &Task{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return t, nil
}

func putTask(tx *bolt.Tx, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	ts, _, ok := strings.Cut(string(key), ":")
	if !ok {
		return time.Time{}
	}
	t, _ := time.Parse(indexTimeFormat, ts)
	return t
}

func removeIndexValue(b *bolt.Bucket, id string) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == id {
			return c.Delete()
		}
	}
	return nil
}

// Dead Letter Queue methods

// MoveToDLQ moves a failed task to the dead letter queue
func (s *BoltStorage) MoveToDLQ(ctx context.Context, task *Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task.Status = StatusDead
		task.UpdatedAt = time.Now().UTC()

		if err := tx.Bucket(bucketDeadLetter).Put(makeIndexKey(task.UpdatedAt, task.ID), []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to add to DLQ index: %w", err)
		}
		return putTask(tx, task)
	})
}

// ListDLQ returns tasks in the dead letter queue, oldest first
func (s *BoltStorage) ListDLQ(ctx context.Context, limit, offset int) ([]*Task, error) {
	var tasks []*Task

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetter).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}

			t, err := getTask(tx, v)
			if err != nil || t == nil {
				continue
			}

			tasks = append(tasks, t)
			count++

			if limit > 0 && count >= limit {
				break
			}
		}

		return nil
	})

	return tasks, err
}

// GetFromDLQ retrieves a task from the dead letter queue
func (s *BoltStorage) GetFromDLQ(ctx context.Context, id string) (*Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil || t == nil || t.Status != StatusDead {
		return nil, err
	}
	return t, nil
}

// RetryFromDLQ moves a task from DLQ back to pending queue for retry
func (s *BoltStorage) RetryFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := getTask(tx, []byte(id))
		if err != nil {
			return err
		}
		if t == nil || t.Status != StatusDead {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}

		if err := removeIndexValue(tx.Bucket(bucketDeadLetter), id); err != nil {
			return err
		}

		t.Status = StatusPending
		t.Attempts = 0
		t.LastError = ""
		t.NextRunAt = time.Time{}
		t.UpdatedAt = time.Now().UTC()
		if err := putTask(tx, t); err != nil {
			return err
		}

		if err := tx.Bucket(bucketPending).Put(makeIndexKey(t.UpdatedAt, t.ID), []byte(t.ID)); err != nil {
			return fmt.Errorf("failed to add to pending: %w", err)
		}
		return nil
	})
}

// DeleteFromDLQ permanently deletes a task from the dead letter queue
func (s *BoltStorage) DeleteFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := getTask(tx, []byte(id))
		if err != nil {
			return err
		}
		if t == nil || t.Status != StatusDead {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}

		if err := removeIndexValue(tx.Bucket(bucketDeadLetter), id); err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// DLQStats contains dead letter queue statistics
type DLQStats struct {
	Total    int64     `json:"total"`
	OldestAt time.Time `json:"oldest_at,omitempty"`
}

// DLQStats returns dead letter queue statistics
func (s *BoltStorage) DLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		if k, _ := b.Cursor().First(); k != nil {
			stats.OldestAt = parseTimestampFromKey(k)
		}
		stats.Total = int64(b.Stats().KeyN)
		return nil
	})

	return stats, err
}

// Cleanup methods

// CleanupCompleted removes completed tasks older than maxAge
func (s *BoltStorage) CleanupCompleted(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		var toDelete [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if t.Status == StatusCompleted && t.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// CleanupDLQ removes DLQ tasks by age and enforces max count (FIFO)
func (s *BoltStorage) CleanupDLQ(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		dlq := tx.Bucket(bucketDeadLetter)
		tasks := tx.Bucket(bucketTasks)

		type item struct {
			indexKey []byte
			taskID   []byte
		}
		var keep, expired []item

		cutoff := time.Now().Add(-maxAge)
		err := dlq.ForEach(func(k, v []byte) error {
			it := item{indexKey: append([]byte{}, k...), taskID: append([]byte{}, v...)}
			if maxAge > 0 && parseTimestampFromKey(k).Before(cutoff) {
				expired = append(expired, it)
			} else {
				keep = append(keep, it)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Oldest first
		if maxCount > 0 && len(keep) > maxCount {
			expired = append(expired, keep[:len(keep)-maxCount]...)
		}

		for _, it := range expired {
			if err := dlq.Delete(it.indexKey); err != nil {
				return err
			}
			if err := tasks.Delete(it.taskID); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}
