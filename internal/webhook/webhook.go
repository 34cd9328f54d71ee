// Package webhook delivers signed event callbacks to owner endpoints.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/foxzi/mailsage/internal/models"
)

// Event names
const (
	EventJobStarted     = "job.started"
	EventJobPaused      = "job.paused"
	EventJobResumed     = "job.resumed"
	EventJobStopped     = "job.stopped"
	EventJobCompleted   = "job.completed"
	EventJobFailed      = "job.failed"
	EventDeliverySent   = "delivery.sent"
	EventDeliveryFailed = "delivery.failed"
)

// Events lists every event a webhook may subscribe to
var Events = []string{
	EventJobStarted, EventJobPaused, EventJobResumed, EventJobStopped, EventJobCompleted, EventJobFailed,
	EventDeliverySent, EventDeliveryFailed,
}

// ValidEvent reports whether name is a known event
func ValidEvent(name string) bool {
	for _, e := range Events {
		if e == name {
			return true
		}
	}
	return false
}

// Request headers
const (
	HeaderSignature = "X-MailSage-Signature"
	HeaderEvent     = "X-MailSage-Event"
	HeaderWebhookID = "X-Webhook-ID"
	UserAgent       = "MailSage-Webhook/1.0"
)

// Payload is the body posted to an endpoint
type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// JobData describes a job event
type JobData struct {
	JobID          string           `json:"job_id"`
	Status         models.JobStatus `json:"status"`
	TrackingID     string           `json:"tracking_id"`
	RecipientCount int              `json:"total_recipients"`
	SuccessCount   int              `json:"success_count"`
	FailureCount   int              `json:"failure_count"`
	TemplateID     string           `json:"template_id,omitempty"`
	CampaignID     string           `json:"campaign_id,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	MetaData       map[string]any   `json:"metadata,omitempty"`
}

// DeliveryData describes a delivery event
type DeliveryData struct {
	DeliveryID  string                `json:"delivery_id"`
	JobID       string                `json:"job_id"`
	Recipient   string                `json:"recipient"`
	Status      models.DeliveryStatus `json:"status"`
	TrackingID  string                `json:"tracking_id"`
	Attempts    int                   `json:"attempts"`
	Error       string                `json:"error,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// NewJobData snapshots job for an event payload
func NewJobData(job *models.Job) JobData {
	return JobData{
		JobID:          job.ID,
		Status:         job.Status,
		TrackingID:     job.TrackingID,
		RecipientCount: job.RecipientCount,
		SuccessCount:   job.SuccessCount,
		FailureCount:   job.FailureCount,
		TemplateID:     job.TemplateID,
		CampaignID:     job.CampaignID,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		MetaData:       job.MetaData,
	}
}

// NewDeliveryData snapshots d for an event payload
func NewDeliveryData(d *models.Delivery) DeliveryData {
	return DeliveryData{
		DeliveryID:  d.ID,
		JobID:       d.JobID,
		Recipient:   d.Recipient,
		Status:      d.Status,
		TrackingID:  d.TrackingID,
		Attempts:    d.Attempts,
		Error:       d.ErrorMessage,
		CompletedAt: d.LastAttempt,
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}
