package badgerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

func (r *Repository) AddOrUpdateSetup(ctx context.Context, setup domain.Setup) error {
	if tx := txFromContext(ctx); tx != nil {
		return r.store.TxUpsert(tx, setup.Id, setup)
	}
	return r.store.Upsert(setup.Id, setup)
}

func (r *Repository) GetSetup(ctx context.Context, id string) (*domain.Setup, error) {
	var setup domain.Setup
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = r.store.TxGet(tx, id, &setup)
	} else {
		err = r.store.Get(id, &setup)
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSetupNotFound, id)
		}
		return nil, err
	}
	return &setup, nil
}

func (r *Repository) GetSetupsWithStatus(
	ctx context.Context, statuses ...domain.SetupStatus,
) ([]domain.Setup, error) {
	values := make([]interface{}, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, status)
	}
	query := badgerhold.Where("Status").In(values...).SortBy("Id")

	var setups []domain.Setup
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = r.store.TxFind(tx, &setups, query)
	} else {
		err = r.store.Find(&setups, query)
	}
	if err != nil {
		return nil, err
	}
	return setups, nil
}
