package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/mailsage/internal/metrics"
	"github.com/foxzi/mailsage/internal/ratelimit"
)

// Rejection reasons
const (
	ReasonMaxRecipients    = "max_recipients"
	ReasonDailyEmails      = "daily_emails"
	ReasonWebhookEndpoints = "webhook_endpoints"
	ReasonRequestRate      = "requests_per_hour"
)

// ExceededError reports a request that would go over a plan limit
type ExceededError struct {
	Reason    string
	Limit     int
	Used      int
	Requested int
	Remaining int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit %d, used %d, requested %d, remaining %d",
		e.Reason, e.Limit, e.Used, e.Requested, e.Remaining)
}

// RateLimitedError reports an owner over the hourly request rate
type RateLimitedError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per hour, retry in %s", e.Limit, e.RetryAfter.Round(time.Second))
}

// RoleStore looks up an owner's role
type RoleStore interface {
	Role(ctx context.Context, owner string) (string, error)
}

// UsageStore reports recipients already attributed to an owner
type UsageStore interface {
	RecipientsSince(ctx context.Context, owner string, since time.Time) (int, error)
}

// WebhookStore counts an owner's active webhooks
type WebhookStore interface {
	CountActive(ctx context.Context, owner string) (int, error)
}

// Checker validates requests against plan limits
type Checker struct {
	plans           *Plans
	roles           RoleStore
	usage           UsageStore
	limiter         *ratelimit.Limiter
	requestsPerHour int
	now             func() time.Time
}

// NewChecker creates a checker. limiter may be nil when no hourly rate applies.
func NewChecker(plans *Plans, roles RoleStore, usage UsageStore, limiter *ratelimit.Limiter, requestsPerHour int) *Checker {
	return &Checker{
		plans:           plans,
		roles:           roles,
		usage:           usage,
		limiter:         limiter,
		requestsPerHour: requestsPerHour,
		now:             time.Now,
	}
}

// Capabilities returns the plan of owner
func (c *Checker) Capabilities(ctx context.Context, owner string) (Capabilities, error) {
	role, err := c.roles.Role(ctx, owner)
	if err != nil {
		return Capabilities{}, fmt.Errorf("failed to load role: %w", err)
	}
	return c.plans.For(role), nil
}

// CheckSend validates a request for recipients emails: the per-request
// recipient cap first, then the UTC daily total.
func (c *Checker) CheckSend(ctx context.Context, owner string, recipients int) error {
	caps, err := c.Capabilities(ctx, owner)
	if err != nil {
		return err
	}

	if !Within(caps.MaxRecipients, 0, recipients) {
		return reject(&ExceededError{
			Reason:    ReasonMaxRecipients,
			Limit:     caps.MaxRecipients,
			Requested: recipients,
			Remaining: caps.MaxRecipients,
		})
	}

	if caps.DailyEmails == Unlimited {
		return nil
	}

	now := c.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	used, err := c.usage.RecipientsSince(ctx, owner, midnight)
	if err != nil {
		return fmt.Errorf("failed to count daily usage: %w", err)
	}

	if !Within(caps.DailyEmails, used, recipients) {
		return reject(&ExceededError{
			Reason:    ReasonDailyEmails,
			Limit:     caps.DailyEmails,
			Used:      used,
			Requested: recipients,
			Remaining: max(caps.DailyEmails-used, 0),
		})
	}
	return nil
}

// CheckWebhooks validates that owner may register one more webhook
func (c *Checker) CheckWebhooks(ctx context.Context, owner string, webhooks WebhookStore) error {
	caps, err := c.Capabilities(ctx, owner)
	if err != nil {
		return err
	}
	if caps.WebhookEndpoints == Unlimited {
		return nil
	}

	n, err := webhooks.CountActive(ctx, owner)
	if err != nil {
		return err
	}
	if !Within(caps.WebhookEndpoints, n, 1) {
		return reject(&ExceededError{
			Reason:    ReasonWebhookEndpoints,
			Limit:     caps.WebhookEndpoints,
			Used:      n,
			Requested: 1,
		})
	}
	return nil
}

// AllowRequest counts one API request against the hourly rate
func (c *Checker) AllowRequest(ctx context.Context, owner string) error {
	if c.limiter == nil || c.requestsPerHour <= 0 {
		return nil
	}

	res, err := c.limiter.AllowHourly(ctx, owner, c.requestsPerHour)
	if err != nil {
		return err
	}
	if !res.Allowed {
		metrics.IncQuotaRejections(ReasonRequestRate)
		return &RateLimitedError{Limit: res.Limit, RetryAfter: res.RetryAfter}
	}
	return nil
}

func reject(e *ExceededError) error {
	metrics.IncQuotaRejections(e.Reason)
	return e
}
