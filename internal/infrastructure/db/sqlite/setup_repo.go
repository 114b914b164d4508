package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bitsnark/bitsnark/internal/core/domain"
)

const (
	upsertSetup = `
INSERT INTO setups (id, protocol_version, status, failure_reason, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    protocol_version = excluded.protocol_version,
    status = excluded.status,
    failure_reason = excluded.failure_reason,
    updated_at = excluded.updated_at`

	selectSetup = `
SELECT id, protocol_version, status, failure_reason, updated_at FROM setups`
)

func (r *Repository) AddOrUpdateSetup(ctx context.Context, setup domain.Setup) error {
	_, err := r.conn(ctx).ExecContext(
		ctx, upsertSetup, setup.Id, setup.ProtocolVersion, setup.Status.String(),
		setup.FailureReason, setup.UpdatedAt,
	)
	return err
}

func (r *Repository) GetSetup(ctx context.Context, id string) (*domain.Setup, error) {
	row := r.conn(ctx).QueryRowContext(ctx, selectSetup+" WHERE id = ?", id)
	setup, err := scanSetup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSetupNotFound, id)
		}
		return nil, err
	}
	return setup, nil
}

func (r *Repository) GetSetupsWithStatus(
	ctx context.Context, statuses ...domain.SetupStatus,
) ([]domain.Setup, error) {
	if len(statuses) == 0 {
		return []domain.Setup{}, nil
	}

	placeholders := make([]string, 0, len(statuses))
	args := make([]interface{}, 0, len(statuses))
	for _, status := range statuses {
		placeholders = append(placeholders, "?")
		args = append(args, status.String())
	}
	query := fmt.Sprintf(
		"%s WHERE status IN (%s) ORDER BY id", selectSetup, strings.Join(placeholders, ", "),
	)

	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	setups := make([]domain.Setup, 0)
	for rows.Next() {
		setup, err := scanSetup(rows)
		if err != nil {
			return nil, err
		}
		setups = append(setups, *setup)
	}
	return setups, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSetup(row scanner) (*domain.Setup, error) {
	var setup domain.Setup
	var status string
	if err := row.Scan(
		&setup.Id, &setup.ProtocolVersion, &status, &setup.FailureReason, &setup.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := domain.ParseSetupStatus(status)
	if err != nil {
		return nil, err
	}
	setup.Status = parsed
	return &setup, nil
}
