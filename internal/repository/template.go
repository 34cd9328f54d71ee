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
)

const templateColumns = `id, owner_id, name, subject, html, variables, is_active, created_at, updated_at`

// TemplateRepository stores owner message templates
type TemplateRepository struct {
	db *db.DB
}

func NewTemplateRepository(database *db.DB) *TemplateRepository {
	return &TemplateRepository{db: database}
}

// Create stores a new template
func (r *TemplateRepository) Create(ctx context.Context, t *models.Template) error {
	now := time.Now().UTC()
	t.ID = uuid.New().String()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO templates (id, owner_id, name, subject, html, variables, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.OwnerID, t.Name, t.Subject, t.HTML, encodeStrings(t.Variables), t.IsActive, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetForOwner returns an active template owned by owner
func (r *TemplateRepository) GetForOwner(ctx context.Context, id, owner string) (*models.Template, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+templateColumns+` FROM templates WHERE id = ? AND owner_id = ? AND is_active = ?`),
		id, owner, true,
	)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// ListByOwner returns the owner's templates, newest first
func (r *TemplateRepository) ListByOwner(ctx context.Context, owner string) ([]models.Template, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+templateColumns+` FROM templates WHERE owner_id = ? ORDER BY created_at DESC`), owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	templates := []models.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	t := &models.Template{}
	var vars string
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Subject, &t.HTML, &vars, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Variables = decodeStrings(vars)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
