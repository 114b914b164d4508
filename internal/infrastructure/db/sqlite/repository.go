package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
)

const sqliteDbFile = "sqlite.db"

type Repository struct {
	db *sql.DB
}

func NewRepository(config ...interface{}) (*Repository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok {
		return nil, fmt.Errorf("cannot open repository: invalid config, expected base directory at 0")
	}

	db, err := OpenDb(filepath.Join(baseDir, sqliteDbFile))
	if err != nil {
		return nil, err
	}
	if err := MigrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db}, nil
}

// RunTx runs fn in a sql transaction carried by the context. Nested calls
// join the outer transaction.
func (r *Repository) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	return execTx(ctx, r.db, fn)
}

func (r *Repository) Close() {
	_ = r.db.Close()
}

func (r *Repository) conn(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.db
}
