package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the status of a task in the queue
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusDeferred  TaskStatus = "deferred"
	StatusDead      TaskStatus = "dead"
)

// Task is one unit of background work
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	JobID     string          `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    TaskStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	NextRunAt time.Time       `json:"next_run_at"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewTask creates a pending task. payload may be nil.
func NewTask(typ, jobID string, payload any) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.New().String(),
		Type:      typ,
		JobID:     jobID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task payload: %w", err)
		}
		t.Payload = data
	}

	return t, nil
}

// Decode unmarshals the payload into v
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload, v)
}

// Stats represents queue statistics
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Deferred  int64 `json:"deferred"`
	Dead      int64 `json:"dead"`
	Total     int64 `json:"total"`
}

// ListFilter represents filter options for listing tasks
type ListFilter struct {
	Status TaskStatus
	Limit  int
	Offset int
}
