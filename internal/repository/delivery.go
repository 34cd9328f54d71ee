package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/mailsage/internal/db"
	"github.com/foxzi/mailsage/internal/models"
)

const deliveryColumns = `id, job_id, recipient, variables, status, attempts, last_attempt, error_message,
	tracking_id, claim_token, claimed_at, opened_at, clicked_at, unsubscribed_at, complained_at,
	meta_data, created_at`

// DeliveryRepository manages per-recipient delivery rows
type DeliveryRepository struct {
	db *db.DB
}

func NewDeliveryRepository(database *db.DB) *DeliveryRepository {
	return &DeliveryRepository{db: database}
}

// Claim marks up to limit pending deliveries of a job as claimed under token
// and returns them. A delivery is claimed by at most one token at a time.
func (r *DeliveryRepository) Claim(ctx context.Context, jobID, token string, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE deliveries SET status = ?, claim_token = ?, claimed_at = ?
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE job_id = ? AND status = ?
			ORDER BY created_at, id
			LIMIT ?`+r.db.SkipLocked()+`
		) AND status = ?`),
		models.DeliveryClaimed, token, now, jobID, models.DeliveryPending, limit, models.DeliveryPending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}

	return r.query(ctx, `SELECT `+deliveryColumns+` FROM deliveries
		WHERE claim_token = ? AND status = ? ORDER BY created_at, id`,
		token, models.DeliveryClaimed)
}

// ReleaseClaims returns the token's claimed deliveries to pending
func (r *DeliveryRepository) ReleaseClaims(ctx context.Context, token string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE deliveries SET status = ?, claim_token = '', claimed_at = NULL
		WHERE claim_token = ? AND status = ?`),
		models.DeliveryPending, token, models.DeliveryClaimed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release claims: %w", err)
	}
	return res.RowsAffected()
}

// CancelClaimed cancels the token's claimed deliveries
func (r *DeliveryRepository) CancelClaimed(ctx context.Context, token, message string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE deliveries SET status = ?, error_message = ?, claim_token = '', claimed_at = NULL
		WHERE claim_token = ? AND status = ?`),
		models.DeliveryCancelled, message, token, models.DeliveryClaimed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel claims: %w", err)
	}
	return res.RowsAffected()
}

// CancelPending cancels every pending or claimed delivery of a job
func (r *DeliveryRepository) CancelPending(ctx context.Context, jobID, message string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE deliveries SET status = ?, error_message = ?, claim_token = '', claimed_at = NULL
		WHERE job_id = ? AND status IN (?, ?)`),
		models.DeliveryCancelled, message, jobID, models.DeliveryPending, models.DeliveryClaimed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel deliveries: %w", err)
	}
	return res.RowsAffected()
}

// CancelAbandoned cancels the pending deliveries of a job and those claimed
// before the cutoff
func (r *DeliveryRepository) CancelAbandoned(ctx context.Context, jobID, message string, claimedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE deliveries SET status = ?, error_message = ?, claim_token = '', claimed_at = NULL
		WHERE job_id = ? AND (status = ? OR (status = ? AND claimed_at < ?))`),
		models.DeliveryCancelled, message, jobID,
		models.DeliveryPending, models.DeliveryClaimed, claimedBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel abandoned deliveries: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimExpired returns deliveries of a job claimed before the cutoff to
// pending. Their claimer is assumed dead.
func (r *DeliveryRepository) ReclaimExpired(ctx context.Context, jobID string, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE deliveries SET status = ?, claim_token = '', claimed_at = NULL
		WHERE job_id = ? AND status = ? AND claimed_at < ?`),
		models.DeliveryPending, jobID, models.DeliveryClaimed, before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim deliveries: %w", err)
	}
	return res.RowsAffected()
}

// RecordResult stores the outcome of one send attempt and bumps the job's
// success or failure counter in the same transaction. It reports false when
// the delivery is no longer claimed by token.
func (r *DeliveryRepository) RecordResult(ctx context.Context, id, token string, sendErr error) (bool, error) {
	now := time.Now().UTC()
	status := models.DeliverySent
	message := ""
	counter := "success_count"
	if sendErr != nil {
		status = models.DeliveryFailed
		message = sendErr.Error()
		counter = "failure_count"
	}

	recorded := false
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var jobID string
		err := tx.QueryRowContext(ctx, r.db.Rebind(`
			SELECT job_id FROM deliveries WHERE id = ? AND claim_token = ? AND status = ?`+r.db.ForUpdate()),
			id, token, models.DeliveryClaimed,
		).Scan(&jobID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load delivery: %w", err)
		}

		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE deliveries SET status = ?, attempts = attempts + 1, last_attempt = ?, error_message = ?,
				claim_token = '', claimed_at = NULL
			WHERE id = ?`),
			status, now, message, id,
		)
		if err != nil {
			return fmt.Errorf("failed to update delivery: %w", err)
		}

		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE jobs SET `+counter+` = `+counter+` + 1, last_processed_at = ?, updated_at = ?
			WHERE id = ?`),
			now, now, jobID,
		)
		if err != nil {
			return fmt.Errorf("failed to update job counters: %w", err)
		}

		recorded = true
		return nil
	})

	return recorded, err
}

// Stats counts a job's deliveries by status
func (r *DeliveryRepository) Stats(ctx context.Context, jobID string) (models.JobStats, error) {
	var stats models.JobStats

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT status, COUNT(*) FROM deliveries WHERE job_id = ? GROUP BY status`), jobID)
	if err != nil {
		return stats, fmt.Errorf("failed to count deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.DeliveryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}

		stats.Total += n
		switch status {
		case models.DeliveryPending:
			stats.Pending = n
		case models.DeliveryClaimed:
			stats.Claimed = n
		case models.DeliverySent:
			stats.Sent = n
		case models.DeliveryFailed:
			stats.Failed = n
		case models.DeliveryBounced, models.DeliveryComplained:
			stats.Bounced += n
		case models.DeliveryCancelled:
			stats.Cancelled = n
		}
	}

	return stats, rows.Err()
}

// List returns a page of a job's deliveries
func (r *DeliveryRepository) List(ctx context.Context, filter models.DeliveryFilter) ([]models.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE job_id = ?`
	args := []any{filter.JobID}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY created_at, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	return r.query(ctx, query, args...)
}

// GetByTrackingID returns a delivery by its tracking ID
func (r *DeliveryRepository) GetByTrackingID(ctx context.Context, trackingID string) (*models.Delivery, error) {
	list, err := r.query(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE tracking_id = ?`, trackingID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// RecordOpen stamps opened_at the first time a tracked delivery is opened
// and increments the job's open_count. It reports whether this was the first open.
func (r *DeliveryRepository) RecordOpen(ctx context.Context, trackingID string) (bool, error) {
	return r.recordEngagement(ctx, trackingID, "opened_at", "open_count")
}

// RecordClick stamps clicked_at on the first click and increments click_count
func (r *DeliveryRepository) RecordClick(ctx context.Context, trackingID string) (bool, error) {
	return r.recordEngagement(ctx, trackingID, "clicked_at", "click_count")
}

func (r *DeliveryRepository) recordEngagement(ctx context.Context, trackingID, column, counter string) (bool, error) {
	first := false
	now := time.Now().UTC()

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var deliveryID, jobID string
		err := tx.QueryRowContext(ctx, r.db.Rebind(`
			SELECT d.id, d.job_id FROM deliveries d
			JOIN jobs j ON j.id = d.job_id
			WHERE d.tracking_id = ? AND j.tracking_enabled = ?`),
			trackingID, true,
		).Scan(&deliveryID, &jobID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load delivery: %w", err)
		}

		res, err := tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE deliveries SET `+column+` = ? WHERE id = ? AND `+column+` IS NULL`),
			now, deliveryID,
		)
		if err != nil {
			return fmt.Errorf("failed to record %s: %w", column, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE jobs SET `+counter+` = `+counter+` + 1 WHERE id = ?`), jobID); err != nil {
			return fmt.Errorf("failed to update %s: %w", counter, err)
		}

		first = true
		return nil
	})

	return first, err
}

func (r *DeliveryRepository) query(ctx context.Context, query string, args ...any) ([]models.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []models.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func scanDelivery(row rowScanner) (*models.Delivery, error) {
	d := &models.Delivery{}
	var vars sql.NullString
	var metaJSON string
	var lastAttempt, claimedAt, openedAt, clickedAt, unsubscribedAt, complainedAt sql.NullTime

	err := row.Scan(&d.ID, &d.JobID, &d.Recipient, &vars, &d.Status, &d.Attempts, &lastAttempt,
		&d.ErrorMessage, &d.TrackingID, &d.ClaimToken, &claimedAt, &openedAt, &clickedAt,
		&unsubscribedAt, &complainedAt, &metaJSON, &d.CreatedAt)
	if err != nil {
		return nil, err
	}

	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &d.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode variables of delivery %s: %w", d.ID, err)
		}
	}

	d.CreatedAt = d.CreatedAt.UTC()
	d.LastAttempt = nullTimePtr(lastAttempt)
	d.ClaimedAt = nullTimePtr(claimedAt)
	d.OpenedAt = nullTimePtr(openedAt)
	d.ClickedAt = nullTimePtr(clickedAt)
	d.UnsubscribedAt = nullTimePtr(unsubscribedAt)
	d.ComplainedAt = nullTimePtr(complainedAt)
	if metaJSON != "{}" && metaJSON != "" {
		d.MetaData = decodeMeta(metaJSON)
	}
	return d, nil
}
