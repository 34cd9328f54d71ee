package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailsage/internal/db"
	"github.com/foxzi/mailsage/internal/models"
)

const jobColumns = `id, owner_id, COALESCE(template_id, ''), COALESCE(smtp_account_id, ''), COALESCE(campaign_id, ''),
	subject, body, status, priority, recipient_count, success_count, failure_count, bounce_count,
	open_count, click_count, tracking_id, tracking_enabled, meta_data, error_details,
	created_at, updated_at, started_at, completed_at, last_processed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// JobRepository persists jobs and creates their deliveries
type JobRepository struct {
	db *db.DB
}

func NewJobRepository(database *db.DB) *JobRepository {
	return &JobRepository{db: database}
}

// CreateWithDeliveries inserts the job and one pending delivery per recipient
// in a single transaction. ID, tracking IDs, status, counts and timestamps
// are assigned here.
func (r *JobRepository) CreateWithDeliveries(ctx context.Context, job *models.Job, recipients []models.Recipient) ([]models.Delivery, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("failed to create job: no recipients")
	}

	now := time.Now().UTC()
	job.ID = uuid.New().String()
	job.TrackingID = uuid.New().String()
	job.Status = models.JobPending
	job.RecipientCount = len(recipients)
	job.SuccessCount, job.FailureCount, job.BounceCount, job.OpenCount, job.ClickCount = 0, 0, 0, 0, 0
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.MetaData == nil {
		job.MetaData = make(map[string]any)
	}

	deliveries := make([]models.Delivery, len(recipients))

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO jobs (id, owner_id, template_id, smtp_account_id, campaign_id, subject, body, status,
				priority, recipient_count, tracking_id, tracking_enabled, meta_data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			job.ID, job.OwnerID, nullString(job.TemplateID), nullString(job.SMTPAccountID), nullString(job.CampaignID),
			job.Subject, job.Body, job.Status, job.Priority, job.RecipientCount, job.TrackingID, job.TrackingEnabled,
			encodeMeta(job.MetaData), job.CreatedAt, job.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
			INSERT INTO deliveries (id, job_id, recipient, variables, status, tracking_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, rcpt := range recipients {
			d := models.Delivery{
				ID:         uuid.New().String(),
				JobID:      job.ID,
				Recipient:  rcpt.Email,
				Variables:  rcpt.Variables,
				Status:     models.DeliveryPending,
				TrackingID: uuid.New().String(),
				CreatedAt:  now,
			}

			var vars sql.NullString
			if d.Variables != nil {
				data, err := json.Marshal(d.Variables)
				if err != nil {
					return fmt.Errorf("failed to encode variables for %s: %w", d.Recipient, err)
				}
				vars = sql.NullString{String: string(data), Valid: true}
			}

			if _, err := stmt.ExecContext(ctx, d.ID, d.JobID, d.Recipient, vars, d.Status, d.TrackingID, d.CreatedAt); err != nil {
				return fmt.Errorf("failed to create delivery: %w", err)
			}
			deliveries[i] = d
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return deliveries, nil
}

// Get returns a job by ID
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind("SELECT "+jobColumns+" FROM jobs WHERE id = ?"), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetForOwner returns a job only if it belongs to owner
func (r *JobRepository) GetForOwner(ctx context.Context, id, owner string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind("SELECT "+jobColumns+" FROM jobs WHERE id = ? AND owner_id = ?"), id, owner)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListActive returns the owner's pending, processing and paused jobs
func (r *JobRepository) ListActive(ctx context.Context, owner string) ([]models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC`,
		owner, models.JobPending, models.JobProcessing, models.JobPaused)
}

// ListStale returns processing jobs not updated since before
func (r *JobRepository) ListStale(ctx context.Context, before time.Time) ([]models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at`,
		models.JobProcessing, before.UTC())
}

// ListIdle returns pending and processing jobs not updated since before
func (r *JobRepository) ListIdle(ctx context.Context, before time.Time) ([]models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY created_at`,
		models.JobPending, models.JobProcessing, before.UTC())
}

func (r *JobRepository) list(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// RecipientsSince sums recipient_count of the owner's jobs created at or after since
func (r *JobRepository) RecipientsSince(ctx context.Context, owner string, since time.Time) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT COALESCE(SUM(recipient_count), 0) FROM jobs WHERE owner_id = ? AND created_at >= ?`),
		owner, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum recipients: %w", err)
	}
	return total, nil
}

// MarkStarted moves a job that has never started into processing and
// stamps started_at. It reports whether this call did the transition.
func (r *JobRepository) MarkStarted(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE jobs SET status = ?, started_at = ?, last_processed_at = ?, updated_at = ?
		WHERE id = ? AND started_at IS NULL AND status IN (?, ?)`),
		models.JobProcessing, now, now, now, id, models.JobPending, models.JobProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to start job: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Touch records batch progress on a processing job
func (r *JobRepository) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE jobs SET last_processed_at = ?, updated_at = ? WHERE id = ? AND status = ?`),
		now, now, id, models.JobProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}
	return nil
}

// Complete marks a processing job completed once no delivery is pending or
// claimed. It reports whether the job changed.
func (r *JobRepository) Complete(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
		AND NOT EXISTS (SELECT 1 FROM deliveries WHERE job_id = ? AND status IN (?, ?))`),
		models.JobCompleted, now, now, id, models.JobProcessing, id, models.DeliveryPending, models.DeliveryClaimed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Transition describes a guarded status change
type Transition struct {
	From         []models.JobStatus
	To           models.JobStatus
	Meta         map[string]any // merged into meta_data
	Finish       bool           // stamp completed_at
	ErrorDetails string
}

// Apply performs t on job id if its current status is one of t.From.
// It reports whether the status changed.
func (r *JobRepository) Apply(ctx context.Context, id string, t Transition) (bool, error) {
	return r.apply(ctx, id, t, nil)
}

// Stop moves a non-terminal job to stopped and, in the same transaction,
// cancels its pending deliveries and those claimed before claimedBefore.
// Younger claims belong to a live worker that cancels them itself.
func (r *JobRepository) Stop(ctx context.Context, id, reason, cancelMessage string, claimedBefore time.Time) (bool, error) {
	now := time.Now().UTC()
	t := Transition{
		From: []models.JobStatus{models.JobPending, models.JobProcessing, models.JobPaused},
		To:   models.JobStopped,
		Meta: map[string]any{
			models.MetaStoppedAt:  now.Format(time.RFC3339),
			models.MetaStopReason: reason,
			models.MetaLastAction: "stop",
		},
		Finish: true,
	}

	return r.apply(ctx, id, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE deliveries SET status = ?, error_message = ?, claim_token = '', claimed_at = NULL
			WHERE job_id = ? AND (status = ? OR (status = ? AND claimed_at < ?))`),
			models.DeliveryCancelled, cancelMessage, id,
			models.DeliveryPending, models.DeliveryClaimed, claimedBefore.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to cancel deliveries: %w", err)
		}
		return nil
	})
}

func (r *JobRepository) apply(ctx context.Context, id string, t Transition, extra func(tx *sql.Tx) error) (bool, error) {
	changed := false

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var status models.JobStatus
		var metaJSON string
		err := tx.QueryRowContext(ctx, r.db.Rebind("SELECT status, meta_data FROM jobs WHERE id = ?"+r.db.ForUpdate()), id).
			Scan(&status, &metaJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}

		allowed := false
		for _, from := range t.From {
			if status == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil
		}

		meta := decodeMeta(metaJSON)
		for k, v := range t.Meta {
			meta[k] = v
		}

		now := time.Now().UTC()
		query := "UPDATE jobs SET status = ?, meta_data = ?, updated_at = ?"
		args := []any{t.To, encodeMeta(meta), now}
		if t.Finish {
			query += ", completed_at = ?"
			args = append(args, now)
		}
		if t.ErrorDetails != "" {
			query += ", error_details = ?"
			args = append(args, t.ErrorDetails)
		}
		query += " WHERE id = ?"
		args = append(args, id)

		if _, err := tx.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}

		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}

		changed = true
		return nil
	})

	return changed, err
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var metaJSON string
	var startedAt, completedAt, lastProcessedAt sql.NullTime

	err := row.Scan(&job.ID, &job.OwnerID, &job.TemplateID, &job.SMTPAccountID, &job.CampaignID,
		&job.Subject, &job.Body, &job.Status, &job.Priority, &job.RecipientCount, &job.SuccessCount,
		&job.FailureCount, &job.BounceCount, &job.OpenCount, &job.ClickCount, &job.TrackingID,
		&job.TrackingEnabled, &metaJSON, &job.ErrorDetails, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &completedAt, &lastProcessedAt)
	if err != nil {
		return nil, err
	}

	job.MetaData = decodeMeta(metaJSON)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = nullTimePtr(startedAt)
	job.CompletedAt = nullTimePtr(completedAt)
	job.LastProcessedAt = nullTimePtr(lastProcessedAt)
	return job, nil
}
