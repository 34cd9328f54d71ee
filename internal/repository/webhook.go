package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailsage/internal/db"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/secret"
)

const webhookColumns = `id, owner_id, url, events, secret_encrypted, description, is_active,
	failure_count, last_triggered_at, last_failure_reason, created_at`

// WebhookRepository stores webhook subscriptions with encrypted secrets
type WebhookRepository struct {
	db  *db.DB
	box *secret.Box
}

func NewWebhookRepository(database *db.DB, box *secret.Box) *WebhookRepository {
	return &WebhookRepository{db: database, box: box}
}

// Create stores a new active webhook
func (r *WebhookRepository) Create(ctx context.Context, w *models.Webhook) error {
	encrypted, err := r.box.Encrypt(w.Secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt webhook secret: %w", err)
	}

	w.ID = uuid.New().String()
	w.CreatedAt = time.Now().UTC()
	w.IsActive = true
	w.FailureCount = 0

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO webhooks (id, owner_id, url, events, secret_encrypted, description, is_active, failure_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		w.ID, w.OwnerID, w.URL, encodeStrings(w.Events), encrypted, w.Description, true, 0, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

// CountActive returns the number of the owner's active webhooks
func (r *WebhookRepository) CountActive(ctx context.Context, owner string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT COUNT(*) FROM webhooks WHERE owner_id = ? AND is_active = ?`), owner, true).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count webhooks: %w", err)
	}
	return n, nil
}

// ListByOwner returns all of the owner's webhooks
func (r *WebhookRepository) ListByOwner(ctx context.Context, owner string) ([]models.Webhook, error) {
	return r.list(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE owner_id = ? ORDER BY created_at`, owner)
}

// ListActive returns the owner's active webhooks subscribed to event
func (r *WebhookRepository) ListActive(ctx context.Context, owner, event string) ([]models.Webhook, error) {
	all, err := r.list(ctx, `SELECT `+webhookColumns+` FROM webhooks
		WHERE owner_id = ? AND is_active = ? ORDER BY created_at`, owner, true)
	if err != nil {
		return nil, err
	}

	matched := all[:0]
	for _, w := range all {
		if w.Subscribes(event) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

// RecordSuccess resets the failure streak and stamps last_triggered_at
func (r *WebhookRepository) RecordSuccess(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhooks SET failure_count = 0, last_triggered_at = ? WHERE id = ?`),
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record webhook success: %w", err)
	}
	return nil
}

// RecordFailure increments failure_count and deactivates the webhook once it
// reaches threshold. It reports whether the webhook was deactivated.
func (r *WebhookRepository) RecordFailure(ctx context.Context, id, reason string, threshold int) (bool, error) {
	deactivated := false

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var failures int
		err := tx.QueryRowContext(ctx, r.db.Rebind(`
			SELECT failure_count FROM webhooks WHERE id = ?`+r.db.ForUpdate()), id).Scan(&failures)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load webhook: %w", err)
		}

		failures++
		active := threshold <= 0 || failures < threshold

		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE webhooks SET failure_count = ?, last_failure_reason = ?, is_active = ? WHERE id = ?`),
			failures, reason, active, id,
		)
		if err != nil {
			return fmt.Errorf("failed to record webhook failure: %w", err)
		}

		deactivated = !active
		return nil
	})

	return deactivated, err
}

func (r *WebhookRepository) list(ctx context.Context, query string, args ...any) ([]models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	webhooks := []models.Webhook{}
	for rows.Next() {
		w := models.Webhook{}
		var events, encrypted string
		var lastTriggered sql.NullTime

		if err := rows.Scan(&w.ID, &w.OwnerID, &w.URL, &events, &encrypted, &w.Description, &w.IsActive,
			&w.FailureCount, &lastTriggered, &w.LastFailureReason, &w.CreatedAt); err != nil {
			return nil, err
		}

		w.Secret, err = r.box.Decrypt(encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt secret of webhook %s: %w", w.ID, err)
		}
		w.Events = decodeStrings(events)
		w.LastTriggeredAt = nullTimePtr(lastTriggered)
		w.CreatedAt = w.CreatedAt.UTC()
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}
