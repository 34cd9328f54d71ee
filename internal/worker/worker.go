// Package worker runs email jobs one batch at a time. Each batch claims a
// bounded set of pending deliveries, sends them, records every outcome as it
// happens and then either schedules the next batch or completes the job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailsage/internal/control"
	"github.com/foxzi/mailsage/internal/jobs"
	"github.com/foxzi/mailsage/internal/metrics"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/queue"
	"github.com/foxzi/mailsage/internal/repository"
	"github.com/foxzi/mailsage/internal/smtp"
	"github.com/foxzi/mailsage/internal/template"
	"github.com/foxzi/mailsage/internal/webhook"
)

// Outcome describes how a batch run ended
type Outcome string

const (
	OutcomeContinued Outcome = "continued" // more work remains, next batch dispatched
	OutcomeCompleted Outcome = "completed"
	OutcomePaused    Outcome = "paused"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFailed    Outcome = "failed"
	OutcomeIdle      Outcome = "idle" // nothing claimable, another run holds the rest
	OutcomeFinished  Outcome = "finished"
)

// JobStore is the part of the job store the worker drives
type JobStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	MarkStarted(ctx context.Context, id string) (bool, error)
	Touch(ctx context.Context, id string) error
	Complete(ctx context.Context, id string) (bool, error)
	Apply(ctx context.Context, id string, t repository.Transition) (bool, error)
}

// DeliveryStore claims deliveries and records their outcomes
type DeliveryStore interface {
	Claim(ctx context.Context, jobID, token string, limit int) ([]models.Delivery, error)
	ReleaseClaims(ctx context.Context, token string) (int64, error)
	CancelClaimed(ctx context.Context, token, message string) (int64, error)
	CancelPending(ctx context.Context, jobID, message string) (int64, error)
	CancelAbandoned(ctx context.Context, jobID, message string, claimedBefore time.Time) (int64, error)
	ReclaimExpired(ctx context.Context, jobID string, before time.Time) (int64, error)
	RecordResult(ctx context.Context, id, token string, sendErr error) (bool, error)
	Stats(ctx context.Context, jobID string) (models.JobStats, error)
}

// TemplateStore loads the template of a job
type TemplateStore interface {
	GetForOwner(ctx context.Context, id, owner string) (*models.Template, error)
}

// Sender resolves accounts and delivers single messages
type Sender interface {
	Resolve(ctx context.Context, owner, accountID string) (*models.SMTPAccount, error)
	Deliver(ctx context.Context, account *models.SMTPAccount, msg *smtp.Message) error
}

// Notifier receives job and delivery events
type Notifier interface {
	NotifyJob(job *models.Job, event string)
	NotifyDelivery(job *models.Job, d *models.Delivery, event string)
}

// Config holds batch settings
type Config struct {
	BatchSize int
	// ClaimTimeout is how long a claim may stay unresolved before another
	// run returns it to pending
	ClaimTimeout time.Duration
	// PublicURL is the base of tracking links
	PublicURL string
}

// Worker processes email jobs in batches
type Worker struct {
	jobs       JobStore
	deliveries DeliveryStore
	templates  TemplateStore
	sender     Sender
	signals    control.Store
	dispatcher jobs.Dispatcher
	notifier   Notifier
	engine     *template.Engine
	cfg        Config
	logger     *slog.Logger
}

// Deps bundles the collaborators of a Worker
type Deps struct {
	Jobs       JobStore
	Deliveries DeliveryStore
	Templates  TemplateStore
	Sender     Sender
	Signals    control.Store
	Dispatcher jobs.Dispatcher
	Notifier   Notifier
}

// New creates a Worker
func New(deps Deps, cfg Config, logger *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = jobs.DefaultClaimTimeout
	}
	return &Worker{
		jobs:       deps.Jobs,
		deliveries: deps.Deliveries,
		templates:  deps.Templates,
		sender:     deps.Sender,
		signals:    deps.Signals,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		engine:     template.NewEngine(),
		cfg:        cfg,
		logger:     logger.With("component", "batch_worker"),
	}
}

// Register installs the worker as the handler of batch tasks
func (w *Worker) Register(p *queue.Processor) {
	p.Register(TaskSendBatch, w)
}

// Handle implements queue.Handler
func (w *Worker) Handle(ctx context.Context, task *queue.Task) error {
	if task.JobID == "" {
		return queue.Permanent(errors.New("batch task without job id"))
	}
	_, err := w.Process(ctx, task.JobID)
	return err
}

// Process runs one batch of jobID. Infrastructure errors are returned for
// the task retry policy; a missing job is a permanent error.
func (w *Worker) Process(ctx context.Context, jobID string) (outcome Outcome, err error) {
	logger := w.logger.With("job_id", jobID)

	job, err := w.jobs.Get(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", queue.Permanent(fmt.Errorf("job %s: %w", jobID, err))
	}
	if err != nil {
		return "", err
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("batch panicked", "panic", r)
			w.failJob(context.WithoutCancel(ctx), job, fmt.Sprintf("unexpected error: %v", r))
			outcome, err = OutcomeFailed, queue.Permanent(fmt.Errorf("batch panicked: %v", r))
		}
	}()

	switch sig, err := w.signals.Get(ctx, jobID); {
	case err != nil:
		return "", fmt.Errorf("failed to read control signal: %w", err)
	case job.Status == models.JobStopped:
		return OutcomeStopped, w.cleanupStopped(ctx, job, logger)
	case sig == control.SignalStopped:
		logger.Debug("job stopping, nothing to do")
		return OutcomeStopped, nil
	case sig == control.SignalPaused || job.Status == models.JobPaused:
		logger.Debug("job paused, waiting for resume")
		return OutcomePaused, nil
	case job.Status.IsTerminal():
		return OutcomeFinished, nil
	}

	if n, err := w.deliveries.ReclaimExpired(ctx, jobID, time.Now().UTC().Add(-w.cfg.ClaimTimeout)); err != nil {
		return "", err
	} else if n > 0 {
		logger.Warn("reclaimed abandoned deliveries", "count", n)
	}

	started, err := w.jobs.MarkStarted(ctx, jobID)
	if err != nil {
		return "", err
	}
	if started {
		logger.Info("job started", "recipients", job.RecipientCount)
		w.notifyJob(ctx, jobID, webhook.EventJobStarted)
	}

	var tpl *models.Template
	if job.TemplateID != "" {
		tpl, err = w.templates.GetForOwner(ctx, job.TemplateID, job.OwnerID)
		if errors.Is(err, repository.ErrNotFound) {
			w.failJob(ctx, job, "template "+job.TemplateID+" is no longer available")
			return OutcomeFailed, nil
		}
		if err != nil {
			return "", err
		}
	}

	token := uuid.New().String()
	claimed, err := w.deliveries.Claim(ctx, jobID, token, w.cfg.BatchSize)
	if err != nil {
		return "", err
	}
	if len(claimed) == 0 {
		return w.finish(ctx, job, logger)
	}

	outcome, err = w.sendBatch(ctx, job, tpl, token, claimed, logger)
	if err != nil || outcome != "" {
		if _, rerr := w.deliveries.ReleaseClaims(context.WithoutCancel(ctx), token); rerr != nil {
			logger.Error("failed to release claims", "error", rerr)
		}
		return outcome, err
	}

	if err := w.jobs.Touch(ctx, jobID); err != nil {
		return "", err
	}

	stats, err := w.deliveries.Stats(ctx, jobID)
	if err != nil {
		return "", err
	}
	if stats.Pending > 0 {
		if err := w.dispatcher.Dispatch(ctx, jobID); err != nil {
			return "", err
		}
		logger.Debug("batch done, next batch dispatched", "sent", len(claimed), "pending", stats.Pending)
		return OutcomeContinued, nil
	}
	return w.finish(ctx, job, logger)
}

// sendBatch sends each claimed delivery. A non-empty outcome or an error
// ends the batch early; claims still held are released by the caller.
func (w *Worker) sendBatch(ctx context.Context, job *models.Job, tpl *models.Template, token string,
	claimed []models.Delivery, logger *slog.Logger) (Outcome, error) {

	account, err := w.sender.Resolve(ctx, job.OwnerID, job.SMTPAccountID)
	if err != nil && !errors.Is(err, smtp.ErrNoAccount) {
		return "", err
	}
	noAccount := err

	for i := range claimed {
		d := &claimed[i]

		if err := ctx.Err(); err != nil {
			return "", err
		}

		sig, err := w.signals.Get(ctx, job.ID)
		if err != nil {
			return "", fmt.Errorf("failed to read control signal: %w", err)
		}
		switch sig {
		case control.SignalPaused:
			logger.Info("pause observed mid-batch", "processed", i)
			return OutcomePaused, nil
		case control.SignalStopped:
			if _, err := w.deliveries.CancelClaimed(ctx, token, stopMessage(ctx, w.jobs, job.ID)); err != nil {
				return "", err
			}
			logger.Info("stop observed mid-batch", "processed", i)
			return OutcomeStopped, nil
		}

		sendErr := noAccount
		if sendErr == nil {
			msg, err := w.compose(job, tpl, d)
			if err != nil {
				sendErr = err
			} else {
				sendErr = w.sender.Deliver(ctx, account, msg)
			}
		}

		var derr *smtp.DeliveryError
		if sendErr != nil && !errors.As(sendErr, &derr) && !errors.Is(sendErr, errRender) {
			return "", sendErr
		}

		recorded, err := w.deliveries.RecordResult(ctx, d.ID, token, sendErr)
		if err != nil {
			return "", err
		}
		if !recorded {
			logger.Warn("delivery claim lost before its result was recorded", "delivery_id", d.ID)
			continue
		}

		now := time.Now().UTC()
		d.Attempts++
		d.LastAttempt = &now
		event := webhook.EventDeliverySent
		d.Status = models.DeliverySent
		if sendErr != nil {
			event = webhook.EventDeliveryFailed
			d.Status = models.DeliveryFailed
			d.ErrorMessage = sendErr.Error()
			logger.Warn("delivery failed", "delivery_id", d.ID, "recipient", d.Recipient, "error", sendErr)
		}
		metrics.IncDeliveries(string(d.Status))
		w.notifier.NotifyDelivery(job, d, event)
	}

	return "", nil
}

var errRender = errors.New("render failed")

func stopMessage(ctx context.Context, store JobStore, id string) string {
	job, err := store.Get(ctx, id)
	if err != nil {
		return jobs.CancelMessage
	}
	reason, _ := job.MetaData[models.MetaStopReason].(string)
	return jobs.CancelMessageFor(reason)
}

func (w *Worker) compose(job *models.Job, tpl *models.Template, d *models.Delivery) (*smtp.Message, error) {
	subject, body := job.Subject, job.Body
	if tpl != nil {
		res, err := w.engine.Render(tpl, d.Variables)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errRender, err)
		}
		subject, body = res.Subject, res.HTML
	}

	if job.TrackingEnabled && w.cfg.PublicURL != "" {
		body = template.InjectTracking(body, w.cfg.PublicURL, d.TrackingID)
	}

	headers := map[string]string{
		"X-MailSage-Job-ID":      job.ID,
		"X-MailSage-Delivery-ID": d.TrackingID,
	}
	if job.CampaignID != "" {
		headers["X-Campaign-ID"] = job.CampaignID
	}

	return &smtp.Message{
		To:      d.Recipient,
		Subject: subject,
		HTML:    body,
		Headers: headers,
	}, nil
}

// finish completes the job once nothing is pending or claimed
func (w *Worker) finish(ctx context.Context, job *models.Job, logger *slog.Logger) (Outcome, error) {
	ok, err := w.jobs.Complete(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		current, err := w.jobs.Get(ctx, job.ID)
		if err != nil {
			return "", err
		}
		if current.Status == models.JobCompleted {
			return OutcomeCompleted, nil
		}
		if current.Status != models.JobProcessing {
			return OutcomeIdle, nil
		}

		// Another run holds the remaining claims. Come back once they can
		// be reclaimed in case that run never finishes.
		stats, err := w.deliveries.Stats(ctx, job.ID)
		if err != nil {
			return "", err
		}
		if stats.Claimed > 0 {
			if err := w.dispatcher.DispatchAfter(ctx, job.ID, w.cfg.ClaimTimeout); err != nil {
				return "", err
			}
			logger.Debug("deliveries claimed elsewhere, follow-up scheduled",
				"claimed", stats.Claimed, "after", w.cfg.ClaimTimeout)
		}
		return OutcomeIdle, nil
	}

	metrics.IncJobsFinished(string(models.JobCompleted))
	logger.Info("job completed")
	w.notifyJob(ctx, job.ID, webhook.EventJobCompleted)
	return OutcomeCompleted, nil
}

// cleanupStopped cancels what a stopped job left behind: pending rows and
// claims whose worker is gone. Claims still within the timeout get a
// follow-up run.
func (w *Worker) cleanupStopped(ctx context.Context, job *models.Job, logger *slog.Logger) error {
	reason, _ := job.MetaData[models.MetaStopReason].(string)
	n, err := w.deliveries.CancelAbandoned(ctx, job.ID, jobs.CancelMessageFor(reason),
		time.Now().UTC().Add(-w.cfg.ClaimTimeout))
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("cancelled deliveries abandoned by a stopped job", "count", n)
	}

	stats, err := w.deliveries.Stats(ctx, job.ID)
	if err != nil {
		return err
	}
	if stats.Claimed > 0 {
		return w.dispatcher.DispatchAfter(ctx, job.ID, w.cfg.ClaimTimeout)
	}
	return nil
}

// failJob marks the job failed, cancels what it can no longer send and
// fires job.failed
func (w *Worker) failJob(ctx context.Context, job *models.Job, reason string) {
	logger := w.logger.With("job_id", job.ID)

	ok, err := w.jobs.Apply(ctx, job.ID, repository.Transition{
		From:         []models.JobStatus{models.JobPending, models.JobProcessing},
		To:           models.JobFailed,
		Meta:         map[string]any{models.MetaLastError: reason, models.MetaLastAction: "fail"},
		Finish:       true,
		ErrorDetails: reason,
	})
	if err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	if !ok {
		return
	}

	if _, err := w.deliveries.CancelPending(ctx, job.ID, "Job failed: "+reason); err != nil {
		logger.Error("failed to cancel deliveries of failed job", "error", err)
	}

	metrics.IncJobsFinished(string(models.JobFailed))
	logger.Error("job failed", "reason", reason)
	w.notifyJob(ctx, job.ID, webhook.EventJobFailed)
}

func (w *Worker) notifyJob(ctx context.Context, id, event string) {
	job, err := w.jobs.Get(ctx, id)
	if err != nil {
		w.logger.Warn("failed to load job for notification", "job_id", id, "error", err)
		return
	}
	w.notifier.NotifyJob(job, event)
}
