package domain

import "context"

type SetupRepository interface {
	AddOrUpdateSetup(ctx context.Context, setup Setup) error
	GetSetup(ctx context.Context, id string) (*Setup, error)
	GetSetupsWithStatus(ctx context.Context, statuses ...SetupStatus) ([]Setup, error)
	Close()
}

type TemplateRepository interface {
	AddOrUpdateTemplates(ctx context.Context, templates []TransactionTemplate) error
	GetTemplate(ctx context.Context, setupId, name string) (*TransactionTemplate, error)
	// GetTemplates returns the templates of a setup sorted by ordinal.
	GetTemplates(ctx context.Context, setupId string) ([]TransactionTemplate, error)
	GetTemplatesWithStatus(ctx context.Context, status TemplateStatus) ([]TransactionTemplate, error)
	Close()
}
