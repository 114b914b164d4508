package badgerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

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

	tx := txFromContext(ctx)
	for _, template := range templates {
		dto, err := toTemplateDTO(template)
		if err != nil {
			return fmt.Errorf("failed to encode template %s: %s", template.Name, err)
		}
		if err := r.store.TxUpsert(tx, templateKey(template.SetupId, template.Name), *dto); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetTemplate(
	ctx context.Context, setupId, name string,
) (*domain.TransactionTemplate, error) {
	var dto templateDTO
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = r.store.TxGet(tx, templateKey(setupId, name), &dto)
	} else {
		err = r.store.Get(templateKey(setupId, name), &dto)
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s of setup %s", domain.ErrTemplateNotFound, name, setupId)
		}
		return nil, err
	}
	return dto.toTemplate()
}

func (r *Repository) GetTemplates(
	ctx context.Context, setupId string,
) ([]domain.TransactionTemplate, error) {
	query := badgerhold.Where("SetupId").Eq(setupId).SortBy("Ordinal")
	return r.findTemplates(ctx, query)
}

func (r *Repository) GetTemplatesWithStatus(
	ctx context.Context, status domain.TemplateStatus,
) ([]domain.TransactionTemplate, error) {
	query := badgerhold.Where("Status").Eq(status).SortBy("SetupId", "Ordinal")
	return r.findTemplates(ctx, query)
}

func (r *Repository) findTemplates(
	ctx context.Context, query *badgerhold.Query,
) ([]domain.TransactionTemplate, error) {
	var dtos []templateDTO
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = r.store.TxFind(tx, &dtos, query)
	} else {
		err = r.store.Find(&dtos, query)
	}
	if err != nil {
		return nil, err
	}

	templates := make([]domain.TransactionTemplate, 0, len(dtos))
	for _, dto := range dtos {
		template, err := dto.toTemplate()
		if err != nil {
			return nil, fmt.Errorf("failed to decode template %s: %s", dto.Name, err)
		}
		templates = append(templates, *template)
	}
	return templates, nil
}
