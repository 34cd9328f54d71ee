package models

import "time"

// DeliveryStatus is the state of one recipient within a job
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryClaimed    DeliveryStatus = "claimed"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryBounced    DeliveryStatus = "bounced"
	DeliveryComplained DeliveryStatus = "complained"
	DeliveryCancelled  DeliveryStatus = "cancelled"
)

// Valid reports whether s is a known delivery status
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryClaimed, DeliverySent, DeliveryFailed,
		DeliveryBounced, DeliveryComplained, DeliveryCancelled:
		return true
	}
	return false
}

// Delivery is one recipient's attempt record
type Delivery struct {
	ID             string            `json:"id"`
	JobID          string            `json:"job_id"`
	Recipient      string            `json:"recipient"`
	Variables      map[string]string `json:"variables,omitempty"`
	Status         DeliveryStatus    `json:"status"`
	Attempts       int               `json:"attempts"`
	LastAttempt    *time.Time        `json:"last_attempt,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	TrackingID     string            `json:"tracking_id"`
	ClaimToken     string            `json:"-"`
	ClaimedAt      *time.Time        `json:"-"`
	OpenedAt       *time.Time        `json:"opened_at,omitempty"`
	ClickedAt      *time.Time        `json:"clicked_at,omitempty"`
	UnsubscribedAt *time.Time        `json:"unsubscribed_at,omitempty"`
	ComplainedAt   *time.Time        `json:"complained_at,omitempty"`
	MetaData       map[string]any    `json:"meta_data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Recipient is one address submitted with a job
type Recipient struct {
	Email     string            `json:"email"`
	Variables map[string]string `json:"variables,omitempty"`
}

// DeliveryFilter selects deliveries of one job
type DeliveryFilter struct {
	JobID  string
	Status DeliveryStatus
	Limit  int
	Offset int
}
