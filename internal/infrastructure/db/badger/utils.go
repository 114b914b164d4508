package badgerdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/timshannon/badgerhold/v4"
)

func createDB(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, err
	}

	if !isInMemory {
		ticker := time.NewTicker(30 * time.Minute)

		go func() {
			for {
				<-ticker.C
				if err := db.Badger().RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
					if logger != nil {
						logger.Errorf("%s", err)
					}
				}
			}
		}()
	}

	return db, nil
}

func txFromContext(ctx context.Context) *badger.Txn {
	if tx, ok := ctx.Value("tx").(*badger.Txn); ok {
		return tx
	}
	return nil
}

// templateDTO keeps the indexed fields of a template next to its json
// encoding, which preserves the tagged byte and number encodings.
type templateDTO struct {
	SetupId string
	Name    string
	Ordinal int
	Status  domain.TemplateStatus
	Data    []byte
}

func templateKey(setupId, name string) string {
	return setupId + "/" + name
}

func toTemplateDTO(template domain.TransactionTemplate) (*templateDTO, error) {
	data, err := json.Marshal(template)
	if err != nil {
		return nil, err
	}
	return &templateDTO{
		SetupId: template.SetupId,
		Name:    template.Name,
		Ordinal: template.Ordinal,
		Status:  template.Status,
		Data:    data,
	}, nil
}

func (d templateDTO) toTemplate() (*domain.TransactionTemplate, error) {
	template := &domain.TransactionTemplate{}
	if err := json.Unmarshal(d.Data, template); err != nil {
		return nil, err
	}
	return template, nil
}
