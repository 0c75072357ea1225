package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mailer-service/internal/models"
)

type TemplateRepository struct {
	db *DB
}

func NewTemplateRepository(db *DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func (r *TemplateRepository) ListByUser(ctx context.Context, uid int64) ([]models.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT template_id, uid, t_body, t_key FROM templates
		WHERE uid = $1 ORDER BY template_id`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[models.Template])
}

func (r *TemplateRepository) Create(ctx context.Context, t *models.Template) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := r.db.q(ctx).QueryRow(ctx, `
		INSERT INTO templates (uid, t_body, t_key) VALUES ($1, $2, $3)
		RETURNING template_id`, t.UID, t.TBody, t.TKey).Scan(&t.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", mapError(err))
	}
	return nil
}
