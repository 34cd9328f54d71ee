package models

import (
	"net/mail"
	"time"
)

// SMTPAccount is an owner's outbound SMTP server
type SMTPAccount struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Name            string     `json:"name"`
	Host            string     `json:"host"`
	Port            int        `json:"port"`
	Username        string     `json:"username"`
	Password        string     `json:"-"` // plaintext, only populated after decryption
	UseTLS          bool       `json:"use_tls"` // STARTTLS
	UseSSL          bool       `json:"use_ssl"` // implicit TLS
	FromEmail       string     `json:"from_email"`
	FromName        string     `json:"from_name"`
	IsDefault       bool       `json:"is_default"`
	IsActive        bool       `json:"is_active"`
	DailyLimit      int        `json:"daily_limit"` // 0 = unlimited
	EmailsSentToday int        `json:"emails_sent_today"`
	LastResetDate   string     `json:"last_reset_date"` // YYYY-MM-DD, UTC
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	FailureCount    int        `json:"failure_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// From returns the formatted From header value
func (a *SMTPAccount) From() string {
	if a.FromName == "" {
		return a.FromEmail
	}
	return (&mail.Address{Name: a.FromName, Address: a.FromEmail}).String()
}

// User is an account holder; the role selects plan limits
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
