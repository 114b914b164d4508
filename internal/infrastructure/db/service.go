package db

import (
	"context"
	"fmt"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/internal/core/ports"
	badgerdb "github.com/bitsnark/bitsnark/internal/infrastructure/db/badger"
	sqlitedb "github.com/bitsnark/bitsnark/internal/infrastructure/db/sqlite"
)

type store interface {
	domain.SetupRepository
	domain.TemplateRepository
	RunTx(ctx context.Context, fn func(ctx context.Context) error) error
}

var (
	storeTypes = map[string]func(...interface{}) (store, error){
		"badger": func(config ...interface{}) (store, error) {
			repo, err := badgerdb.NewRepository(config...)
			if err != nil {
				return nil, err
			}
			return repo, nil
		},
		"sqlite": func(config ...interface{}) (store, error) {
			repo, err := sqlitedb.NewRepository(config...)
			if err != nil {
				return nil, err
			}
			return repo, nil
		},
	}
)

type ServiceConfig struct {
	DataStoreType   string
	DataStoreConfig []interface{}
}

type service struct {
	store store
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	storeFactory, ok := storeTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}

	store, err := storeFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create data store: %w", err)
	}

	return &service{store}, nil
}

func (s *service) Setups() domain.SetupRepository {
	return s.store
}

func (s *service) Templates() domain.TemplateRepository {
	return s.store
}

func (s *service) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.store.RunTx(ctx, fn)
}

func (s *service) Close() {
	s.store.Close()
}
