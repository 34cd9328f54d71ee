package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/foxzi/mailsage/internal/control"
	"github.com/foxzi/mailsage/internal/metrics"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/repository"
	"github.com/foxzi/mailsage/internal/webhook"
)

// Stop reasons
const (
	ReasonUserRequested = "user_requested"
	ReasonStale         = "stale_job"
)

// SweepLockKey guards the stale sweep across processes
const SweepLockKey = "email_job_sweep"

// CancelMessage is stored on deliveries cancelled by a stop
const CancelMessage = "Job stopped by user"

// DefaultClaimTimeout is how long a delivery claim is honoured before its
// worker is presumed dead
const DefaultClaimTimeout = 15 * time.Minute

// CancelMessageFor returns the message stored on deliveries cancelled by a
// stop with reason
func CancelMessageFor(reason string) string {
	if reason == ReasonStale {
		return "Job stopped: " + ReasonStale
	}
	return CancelMessage
}

// Progress is the delivery breakdown of a job
type Progress struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Sent       int     `json:"sent"`
	Failed     int     `json:"failed"`
	Bounced    int     `json:"bounced"`
	Cancelled  int     `json:"cancelled"`
	Percentage float64 `json:"percentage"`
}

// StatusDocument is the externally visible state of a job
type StatusDocument struct {
	ID          string           `json:"id"`
	Status      models.JobStatus `json:"status"`
	TrackingID  string           `json:"tracking_id"`
	Progress    Progress         `json:"progress"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	IsPaused    bool             `json:"is_paused"`
	TemplateID  string           `json:"template_id,omitempty"`
	CampaignID  string           `json:"campaign_id,omitempty"`
	MetaData    map[string]any   `json:"meta_data"`
	Error       string           `json:"error_details,omitempty"`
}

// Controller is the job control plane
type Controller struct {
	jobs       JobStore
	stats      StatsStore
	signals    control.Store
	locker     control.Locker
	dispatcher Dispatcher
	notifier   Notifier
	claimTTL   time.Duration
	logger     *slog.Logger
}

func NewController(jobs JobStore, stats StatsStore, signals control.Store, locker control.Locker,
	dispatcher Dispatcher, notifier Notifier, logger *slog.Logger) *Controller {
	return &Controller{
		jobs:       jobs,
		stats:      stats,
		signals:    signals,
		locker:     locker,
		dispatcher: dispatcher,
		notifier:   notifier,
		claimTTL:   DefaultClaimTimeout,
		logger:     logger.With("component", "job_control"),
	}
}

// SetClaimTimeout sets the age after which a delivery claim counts as
// abandoned. It must match the batch worker's setting.
func (c *Controller) SetClaimTimeout(d time.Duration) {
	if d > 0 {
		c.claimTTL = d
	}
}

// Pause halts a pending or processing job. Workers observe the signal
// between deliveries.
func (c *Controller) Pause(ctx context.Context, id, owner, reason string) error {
	job, err := c.owned(ctx, id, owner)
	if err != nil {
		return err
	}
	if job.Status != models.JobPending && job.Status != models.JobProcessing {
		return ErrInvalidState
	}

	if err := c.signals.Set(ctx, id, control.SignalPaused); err != nil {
		return fmt.Errorf("failed to set pause signal: %w", err)
	}

	now := time.Now().UTC()
	ok, err := c.jobs.Apply(ctx, id, repository.Transition{
		From: []models.JobStatus{models.JobPending, models.JobProcessing},
		To:   models.JobPaused,
		Meta: map[string]any{
			models.MetaPausedAt:    now.Format(time.RFC3339),
			models.MetaPauseReason: reason,
			models.MetaLastAction:  "pause",
		},
	})
	if err != nil || !ok {
		c.restoreSignal(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to pause job: %w", mapNotFound(err))
		}
		return ErrInvalidState
	}

	c.logger.Info("job paused", "job_id", id, "reason", reason)
	c.notify(ctx, id, webhook.EventJobPaused)
	return nil
}

// Resume restarts a paused job and dispatches a batch worker run. It is
// the only path that restarts processing after a pause.
func (c *Controller) Resume(ctx context.Context, id, owner string) error {
	job, err := c.owned(ctx, id, owner)
	if err != nil {
		return err
	}
	if job.Status != models.JobPaused {
		return ErrInvalidState
	}

	now := time.Now().UTC()
	ok, err := c.jobs.Apply(ctx, id, repository.Transition{
		From: []models.JobStatus{models.JobPaused},
		To:   models.JobProcessing,
		Meta: map[string]any{
			models.MetaResumedAt:  now.Format(time.RFC3339),
			models.MetaLastAction: "resume",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to resume job: %w", mapNotFound(err))
	}
	if !ok {
		return ErrInvalidState
	}

	if err := c.signals.Clear(ctx, id); err != nil {
		c.logger.Error("failed to clear pause signal", "job_id", id, "error", err)
	}

	if err := c.dispatcher.Dispatch(ctx, id); err != nil {
		return fmt.Errorf("job resumed but could not be dispatched: %w", err)
	}

	c.logger.Info("job resumed", "job_id", id)
	c.notify(ctx, id, webhook.EventJobResumed)
	return nil
}

// Stop terminates a job owned by owner and cancels its pending deliveries
func (c *Controller) Stop(ctx context.Context, id, owner, reason string) error {
	job, err := c.owned(ctx, id, owner)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrInvalidState
	}
	return c.stop(ctx, id, reason)
}

func (c *Controller) stop(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = ReasonUserRequested
	}

	if err := c.signals.Set(ctx, id, control.SignalStopped); err != nil {
		return fmt.Errorf("failed to set stop signal: %w", err)
	}

	ok, err := c.jobs.Stop(ctx, id, reason, CancelMessageFor(reason), time.Now().UTC().Add(-c.claimTTL))
	if err != nil {
		return fmt.Errorf("failed to stop job: %w", mapNotFound(err))
	}
	if !ok {
		return ErrInvalidState
	}

	// Claims younger than the timeout are left to their worker. Should that
	// worker be gone, a later batch run cancels them once they expire.
	if stats, err := c.stats.Stats(ctx, id); err != nil {
		c.logger.Warn("failed to count deliveries of stopped job", "job_id", id, "error", err)
	} else if stats.Claimed > 0 {
		if err := c.dispatcher.DispatchAfter(ctx, id, c.claimTTL); err != nil {
			c.logger.Warn("failed to schedule cleanup of stopped job", "job_id", id, "error", err)
		}
	}

	metrics.IncJobsFinished(string(models.JobStopped))
	c.logger.Info("job stopped", "job_id", id, "reason", reason)
	c.notify(ctx, id, webhook.EventJobStopped)
	return nil
}

// Progress returns the status document of a job owned by owner
func (c *Controller) Progress(ctx context.Context, id, owner string) (*StatusDocument, error) {
	job, err := c.owned(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	return c.document(ctx, job)
}

// ActiveJobs returns the status documents of the owner's pending,
// processing and paused jobs
func (c *Controller) ActiveJobs(ctx context.Context, owner string) ([]*StatusDocument, error) {
	jobs, err := c.jobs.ListActive(ctx, owner)
	if err != nil {
		return nil, err
	}

	docs := make([]*StatusDocument, 0, len(jobs))
	for i := range jobs {
		doc, err := c.document(ctx, &jobs[i])
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// SweepStale stops processing jobs with no progress for threshold. Only one
// process sweeps at a time; swept is 0 when another holds the lock.
func (c *Controller) SweepStale(ctx context.Context, threshold time.Duration) (int, error) {
	token, ok, err := c.locker.TryLock(ctx, SweepLockKey, 10*time.Minute)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		c.logger.Debug("stale sweep already running elsewhere")
		return 0, nil
	}
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), SweepLockKey, token); err != nil {
			c.logger.Warn("failed to release sweep lock", "error", err)
		}
	}()

	stale, err := c.jobs.ListStale(ctx, time.Now().UTC().Add(-threshold))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range stale {
		if err := c.stop(ctx, job.ID, ReasonStale); err != nil {
			c.logger.Warn("failed to stop stale job", "job_id", job.ID, "error", err)
			continue
		}
		swept++
	}

	if swept > 0 {
		c.logger.Info("stale jobs stopped", "count", swept)
	}
	return swept, nil
}

// Reconcile dispatches pending and processing jobs not updated for idle.
// Tasks lost with a queue file are recovered this way; a duplicate task
// for a job that is still running finds nothing to claim.
func (c *Controller) Reconcile(ctx context.Context, idle time.Duration) (int, error) {
	jobs, err := c.jobs.ListIdle(ctx, time.Now().UTC().Add(-idle))
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, job := range jobs {
		if err := c.dispatcher.Dispatch(ctx, job.ID); err != nil {
			c.logger.Warn("failed to redispatch job", "job_id", job.ID, "error", err)
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		c.logger.Info("idle jobs redispatched", "count", dispatched)
	}
	return dispatched, nil
}

func (c *Controller) document(ctx context.Context, job *models.Job) (*StatusDocument, error) {
	stats, err := c.stats.Stats(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	sig, err := c.signals.Get(ctx, job.ID)
	if err != nil {
		c.logger.Warn("failed to read control signal", "job_id", job.ID, "error", err)
		sig = control.SignalNone
		if job.Status == models.JobPaused {
			sig = control.SignalPaused
		}
	}

	total := job.RecipientCount
	percentage := 0.0
	if total > 0 {
		percentage = math.Round(float64(stats.Sent)/float64(total)*10000) / 100
	}

	meta := job.MetaData
	if meta == nil {
		meta = map[string]any{}
	}

	return &StatusDocument{
		ID:         job.ID,
		Status:     job.Status,
		TrackingID: job.TrackingID,
		Progress: Progress{
			Total:      total,
			Pending:    stats.Remaining(),
			Sent:       stats.Sent,
			Failed:     stats.Failed,
			Bounced:    stats.Bounced,
			Cancelled:  stats.Cancelled,
			Percentage: percentage,
		},
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		IsPaused:    sig == control.SignalPaused,
		TemplateID:  job.TemplateID,
		CampaignID:  job.CampaignID,
		MetaData:    meta,
		Error:       job.ErrorDetails,
	}, nil
}

func (c *Controller) owned(ctx context.Context, id, owner string) (*models.Job, error) {
	job, err := c.jobs.GetForOwner(ctx, id, owner)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return job, nil
}

// restoreSignal puts the signal back in line with the stored status after
// a lost race
func (c *Controller) restoreSignal(ctx context.Context, id string) {
	job, err := c.jobs.Get(ctx, id)
	if err != nil {
		return
	}
	if job.Status == models.JobStopped {
		c.signals.Set(ctx, id, control.SignalStopped)
		return
	}
	if job.Status != models.JobPaused {
		c.signals.Clear(ctx, id)
	}
}

func (c *Controller) notify(ctx context.Context, id, event string) {
	job, err := c.jobs.Get(ctx, id)
	if err != nil {
		c.logger.Warn("failed to load job for notification", "job_id", id, "error", err)
		return
	}
	c.notifier.NotifyJob(job, event)
}
