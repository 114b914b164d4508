package badgerdb

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const storeDir = "setups"

// Repository stores setups and templates in a single badgerhold store, so
// that a transaction can span both.
type Repository struct {
	store *badgerhold.Store
}

func NewRepository(config ...interface{}) (*Repository, error) {
	if len(config) != 2 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid base directory")
	}
	var logger badger.Logger
	if config[1] != nil {
		logger, ok = config[1].(badger.Logger)
		if !ok {
			return nil, fmt.Errorf("invalid logger")
		}
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, storeDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open setup store: %s", err)
	}

	return &Repository{store}, nil
}

// RunTx runs fn in a read-write badger transaction carried by the context.
// Nested calls join the outer transaction.
func (r *Repository) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx := r.store.Badger().NewTransaction(true)
	defer tx.Discard()

	if err := fn(context.WithValue(ctx, "tx", tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) Close() {
	r.store.Close()
}
