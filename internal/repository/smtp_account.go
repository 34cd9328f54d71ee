package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailsage/internal/db"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/secret"
)

const accountColumns = `id, owner_id, name, host, port, username, password_encrypted, use_tls, use_ssl,
	from_email, from_name, is_default, is_active, daily_limit, emails_sent_today, last_reset_date,
	last_used_at, failure_count, created_at, updated_at`

// SMTPAccountRepository stores owner SMTP accounts with encrypted passwords
type SMTPAccountRepository struct {
	db  *db.DB
	box *secret.Box
}

func NewSMTPAccountRepository(database *db.DB, box *secret.Box) *SMTPAccountRepository {
	return &SMTPAccountRepository{db: database, box: box}
}

// Create stores a new account. A default account replaces the owner's previous default.
func (r *SMTPAccountRepository) Create(ctx context.Context, a *models.SMTPAccount) error {
	encrypted, err := r.box.Encrypt(a.Password)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	now := time.Now().UTC()
	a.ID = uuid.New().String()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.LastResetDate = now.Format(time.DateOnly)
	a.EmailsSentToday = 0
	a.FailureCount = 0

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if a.IsDefault {
			if _, err := tx.ExecContext(ctx, r.db.Rebind(`
				UPDATE smtp_accounts SET is_default = ? WHERE owner_id = ?`), false, a.OwnerID); err != nil {
				return fmt.Errorf("failed to clear default account: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO smtp_accounts (id, owner_id, name, host, port, username, password_encrypted, use_tls, use_ssl,
				from_email, from_name, is_default, is_active, daily_limit, emails_sent_today, last_reset_date,
				failure_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, a.OwnerID, a.Name, a.Host, a.Port, a.Username, encrypted, a.UseTLS, a.UseSSL,
			a.FromEmail, a.FromName, a.IsDefault, a.IsActive, a.DailyLimit, 0, a.LastResetDate,
			0, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create smtp account: %w", err)
		}
		return nil
	})
}

// Get returns an account with its password decrypted
func (r *SMTPAccountRepository) Get(ctx context.Context, id string) (*models.SMTPAccount, error) {
	return r.getOne(ctx, "SELECT "+accountColumns+" FROM smtp_accounts WHERE id = ?", id)
}

// ListByOwner returns the owner's accounts
func (r *SMTPAccountRepository) ListByOwner(ctx context.Context, owner string) ([]models.SMTPAccount, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+accountColumns+` FROM smtp_accounts WHERE owner_id = ? ORDER BY created_at`), owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list smtp accounts: %w", err)
	}
	defer rows.Close()

	accounts := []models.SMTPAccount{}
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Resolve picks the account for a job: the named account when it belongs to
// owner and is active, otherwise the owner's active default. It returns nil
// when neither exists.
func (r *SMTPAccountRepository) Resolve(ctx context.Context, owner, id string) (*models.SMTPAccount, error) {
	if id != "" {
		a, err := r.getOne(ctx, `SELECT `+accountColumns+` FROM smtp_accounts
			WHERE id = ? AND owner_id = ? AND is_active = ?`, id, owner, true)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	a, err := r.getOne(ctx, `SELECT `+accountColumns+` FROM smtp_accounts
		WHERE owner_id = ? AND is_default = ? AND is_active = ?`, owner, true, true)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// ReserveSend takes one unit of the account's daily allowance under a row
// lock, resetting the counter when the UTC date has changed. It returns the
// day the unit was taken from.
func (r *SMTPAccountRepository) ReserveSend(ctx context.Context, id string) (string, error) {
	now := time.Now().UTC()
	today := now.Format(time.DateOnly)

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var active bool
		var limit, sent int
		var resetDate string
		err := tx.QueryRowContext(ctx, r.db.Rebind(`
			SELECT is_active, daily_limit, emails_sent_today, last_reset_date
			FROM smtp_accounts WHERE id = ?`+r.db.ForUpdate()), id,
		).Scan(&active, &limit, &sent, &resetDate)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load smtp account: %w", err)
		}

		if !active {
			return ErrAccountInactive
		}
		if resetDate != today {
			sent = 0
		}
		if limit > 0 && sent >= limit {
			return ErrDailyLimitExceeded
		}

		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE smtp_accounts SET emails_sent_today = ?, last_reset_date = ?, updated_at = ? WHERE id = ?`),
			sent+1, today, now, id,
		)
		if err != nil {
			return fmt.Errorf("failed to reserve send: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return today, nil
}

// RecordSuccess clears the failure streak and stamps last_used_at
func (r *SMTPAccountRepository) RecordSuccess(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE smtp_accounts SET failure_count = 0, last_used_at = ?, updated_at = ? WHERE id = ?`),
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record smtp success: %w", err)
	}
	return nil
}

// RecordFailure increments failure_count and gives back a reservation
// taken on reservedOn. A reservation from a day the counter has since
// rolled past is not given back.
func (r *SMTPAccountRepository) RecordFailure(ctx context.Context, id, reservedOn string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE smtp_accounts SET failure_count = failure_count + 1,
			emails_sent_today = CASE
				WHEN last_reset_date = ? AND emails_sent_today > 0 THEN emails_sent_today - 1
				ELSE emails_sent_today END,
			updated_at = ?
		WHERE id = ?`),
		reservedOn, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record smtp failure: %w", err)
	}
	return nil
}

// SetActive enables or disables an account
func (r *SMTPAccountRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE smtp_accounts SET is_active = ?, updated_at = ? WHERE id = ?`),
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update smtp account: %w", err)
	}
	return nil
}

func (r *SMTPAccountRepository) getOne(ctx context.Context, query string, args ...any) (*models.SMTPAccount, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(query), args...)
	a, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get smtp account: %w", err)
	}
	return a, nil
}

func (r *SMTPAccountRepository) scan(row rowScanner) (*models.SMTPAccount, error) {
	a := &models.SMTPAccount{}
	var encrypted string
	var lastUsed sql.NullTime

	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Host, &a.Port, &a.Username, &encrypted, &a.UseTLS,
		&a.UseSSL, &a.FromEmail, &a.FromName, &a.IsDefault, &a.IsActive, &a.DailyLimit,
		&a.EmailsSentToday, &a.LastResetDate, &lastUsed, &a.FailureCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if encrypted != "" {
		a.Password, err = r.box.Decrypt(encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt password of account %s: %w", a.ID, err)
		}
	}

	a.LastUsedAt = nullTimePtr(lastUsed)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}
