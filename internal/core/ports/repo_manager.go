package ports

import (
	"context"

	"github.com/bitsnark/bitsnark/internal/core/domain"
)

type RepoManager interface {
	Setups() domain.SetupRepository
	Templates() domain.TemplateRepository
	// RunTx runs fn in a single storage transaction. The context passed to fn
	// carries the transaction and must be used for every repository call
	// that should be part of it.
	RunTx(ctx context.Context, fn func(ctx context.Context) error) error
	Close()
}
