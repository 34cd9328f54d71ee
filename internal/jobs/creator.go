package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/foxzi/mailsage/internal/metrics"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/repository"
	"github.com/foxzi/mailsage/internal/template"
)

// CreateRequest is one send request
type CreateRequest struct {
	OwnerID         string
	Recipients      []models.Recipient
	Subject         string
	Body            string
	TemplateID      string
	SMTPAccountID   string
	CampaignID      string
	TrackingEnabled bool
	Priority        int
}

// QuotaChecker validates a request size against the owner's plan
type QuotaChecker interface {
	CheckSend(ctx context.Context, owner string, recipients int) error
}

// TemplateStore loads owner templates
type TemplateStore interface {
	GetForOwner(ctx context.Context, id, owner string) (*models.Template, error)
}

// Creator validates send requests and creates jobs with their deliveries
type Creator struct {
	jobs       JobStore
	templates  TemplateStore
	quota      QuotaChecker
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewCreator(jobs JobStore, templates TemplateStore, quota QuotaChecker, dispatcher Dispatcher, logger *slog.Logger) *Creator {
	return &Creator{
		jobs:       jobs,
		templates:  templates,
		quota:      quota,
		dispatcher: dispatcher,
		logger:     logger.With("component", "jobs"),
	}
}

// CreateJob validates req, checks the quota, stores the job with one
// delivery per recipient and dispatches the first batch. Nothing is written
// when validation or the quota check fails.
func (c *Creator) CreateJob(ctx context.Context, req CreateRequest) (*models.Job, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	if err := c.quota.CheckSend(ctx, req.OwnerID, len(req.Recipients)); err != nil {
		return nil, err
	}

	if req.TemplateID != "" {
		tpl, err := c.templates.GetForOwner(ctx, req.TemplateID, req.OwnerID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &ValidationError{Field: "template_id", Message: "template not found"}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load template: %w", err)
		}

		for _, r := range req.Recipients {
			if err := template.ValidateVariables(tpl, r.Variables); err != nil {
				return nil, fmt.Errorf("recipient %s: %w", r.Email, err)
			}
		}
	}

	job := &models.Job{
		OwnerID:         req.OwnerID,
		TemplateID:      req.TemplateID,
		SMTPAccountID:   req.SMTPAccountID,
		CampaignID:      req.CampaignID,
		Subject:         req.Subject,
		Body:            req.Body,
		Priority:        req.Priority,
		TrackingEnabled: req.TrackingEnabled,
	}

	if _, err := c.jobs.CreateWithDeliveries(ctx, job, req.Recipients); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	metrics.IncJobsCreated()

	logger := c.logger.With("job_id", job.ID, "owner", job.OwnerID)
	logger.Info("job created", "recipients", job.RecipientCount, "template_id", job.TemplateID)

	if err := c.dispatcher.Dispatch(ctx, job.ID); err != nil {
		logger.Error("failed to dispatch job", "error", err)
		_, ferr := c.jobs.Apply(ctx, job.ID, repository.Transition{
			From:         []models.JobStatus{models.JobPending},
			To:           models.JobFailed,
			Finish:       true,
			ErrorDetails: "failed to enqueue job: " + err.Error(),
		})
		if ferr != nil {
			logger.Error("failed to mark job failed", "error", ferr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job, nil
}

func validateRequest(req *CreateRequest) error {
	if req.OwnerID == "" {
		return &ValidationError{Field: "owner", Message: "is required"}
	}
	if len(req.Recipients) == 0 {
		return &ValidationError{Field: "recipients", Message: "at least one recipient is required"}
	}

	for i := range req.Recipients {
		r := &req.Recipients[i]
		r.Email = strings.TrimSpace(r.Email)

		addr, err := mail.ParseAddress(r.Email)
		if err != nil || addr.Address != r.Email {
			return &ValidationError{Field: "recipients", Message: fmt.Sprintf("invalid email address %q", r.Email)}
		}
	}

	if req.TemplateID == "" {
		if strings.TrimSpace(req.Subject) == "" {
			return &ValidationError{Field: "subject", Message: "is required"}
		}
		if strings.TrimSpace(req.Body) == "" {
			return &ValidationError{Field: "body", Message: "body or template_id is required"}
		}
	}

	return nil
}
