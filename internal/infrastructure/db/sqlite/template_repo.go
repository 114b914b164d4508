package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bitsnark/bitsnark/internal/core/domain"
)

const upsertTemplate = `
INSERT INTO templates (setup_id, name, ordinal, status, data, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(setup_id, name) DO UPDATE SET
    ordinal = excluded.ordinal,
    status = excluded.status,
    data = excluded.data,
    updated_at = excluded.updated_at`

func (r *Repository) AddOrUpdateTemplates(
	ctx context.Context, templates []domain.TransactionTemplate,
) error {
	if len(templates) == 0 {
		return nil
	}
	if txFromContext(ctx) == nil {
		return r.RunTx(ctx, func(ctx context.Context) error {
			return r.AddOrUpdateTemplates(ctx, templates)
		})
	}

	conn := r.conn(ctx)
	for _, template := range templates {
		data, err := json.Marshal(template)
		if err != nil {
			return fmt.Errorf("failed to encode template %s: %s", template.Name, err)
		}
		if _, err := conn.ExecContext(
			ctx, upsertTemplate, template.SetupId, template.Name, template.Ordinal,
			template.Status.String(), string(data), template.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to save template %s: %w", template.Name, err)
		}
	}
	return nil
}

func (r *Repository) GetTemplate(
	ctx context.Context, setupId, name string,
) (*domain.TransactionTemplate, error) {
	var data string
	if err := r.conn(ctx).QueryRowContext(
		ctx, "SELECT data FROM templates WHERE setup_id = ? AND name = ?", setupId, name,
	).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s of setup %s", domain.ErrTemplateNotFound, name, setupId)
		}
		return nil, err
	}

	template := &domain.TransactionTemplate{}
	if err := json.Unmarshal([]byte(data), template); err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %s", name, err)
	}
	return template, nil
}

func (r *Repository) GetTemplates(
	ctx context.Context, setupId string,
) ([]domain.TransactionTemplate, error) {
	return r.findTemplates(
		ctx, "SELECT data FROM templates WHERE setup_id = ? ORDER BY ordinal", setupId,
	)
}

func (r *Repository) GetTemplatesWithStatus(
	ctx context.Context, status domain.TemplateStatus,
) ([]domain.TransactionTemplate, error) {
	return r.findTemplates(
		ctx, "SELECT data FROM templates WHERE status = ? ORDER BY setup_id, ordinal",
		status.String(),
	)
}

func (r *Repository) findTemplates(
	ctx context.Context, query string, args ...interface{},
) ([]domain.TransactionTemplate, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := make([]domain.TransactionTemplate, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var template domain.TransactionTemplate
		if err := json.Unmarshal([]byte(data), &template); err != nil {
			return nil, fmt.Errorf("failed to decode template: %s", err)
		}
		templates = append(templates, template)
	}
	return templates, rows.Err()
}
