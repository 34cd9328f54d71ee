package models

import "time"

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobStopped    JobStatus = "stopped"
)

// IsTerminal reports whether the status can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobStopped
}

// IsActive reports whether the job still has work ahead of it
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobProcessing || s == JobPaused
}

// Job is one send request fanned out to deliveries
type Job struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"owner_id"`
	TemplateID      string         `json:"template_id,omitempty"`
	SMTPAccountID   string         `json:"smtp_account_id,omitempty"`
	CampaignID      string         `json:"campaign_id,omitempty"`
	Subject         string         `json:"subject"`
	Body            string         `json:"body,omitempty"`
	Status          JobStatus      `json:"status"`
	Priority        int            `json:"priority"`
	RecipientCount  int            `json:"recipient_count"`
	SuccessCount    int            `json:"success_count"`
	FailureCount    int            `json:"failure_count"`
	BounceCount     int            `json:"bounce_count"`
	OpenCount       int            `json:"open_count"`
	ClickCount      int            `json:"click_count"`
	TrackingID      string         `json:"tracking_id"`
	TrackingEnabled bool           `json:"tracking_enabled"`
	MetaData        map[string]any `json:"meta_data"`
	ErrorDetails    string         `json:"error_details,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	LastProcessedAt *time.Time     `json:"last_processed_at,omitempty"`
}

// JobStats holds delivery counts for one job
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Bounced   int `json:"bounced"`
	Cancelled int `json:"cancelled"`
}

// Remaining is the number of deliveries not yet resolved
func (s JobStats) Remaining() int {
	return s.Pending + s.Claimed
}

// Metadata keys written by the control plane
const (
	MetaPausedAt    = "paused_at"
	MetaPauseReason = "pause_reason"
	MetaResumedAt   = "resumed_at"
	MetaStoppedAt   = "stopped_at"
	MetaStopReason  = "stop_reason"
	MetaLastAction  = "last_action"
	MetaLastError   = "last_error"
)
