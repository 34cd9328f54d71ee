package models

import "time"

// Webhook is a subscription to pipeline events
type Webhook struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id"`
	URL               string     `json:"url"`
	Events            []string   `json:"events"`
	Secret            string     `json:"-"`
	Description       string     `json:"description,omitempty"`
	IsActive          bool       `json:"is_active"`
	FailureCount      int        `json:"failure_count"`
	LastTriggeredAt   *time.Time `json:"last_triggered_at,omitempty"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Subscribes reports whether the webhook wants event
func (w *Webhook) Subscribes(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}
