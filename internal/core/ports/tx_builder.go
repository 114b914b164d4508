package ports

import (
	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignableTx is the unsigned transaction of a template together with what
// is needed to sign and verify each of its inputs. All slices are indexed
// like Tx.TxIn. Entries of funded wallet inputs are nil.
type SignableTx struct {
	SetupId            string
	TemplateName       string
	Tx                 *wire.MsgTx
	SpentOutputs       []*wire.TxOut
	Tapscripts         [][]byte
	ControlBlocks      [][]byte
	SpendingConditions []*domain.SpendingCondition
}

// PrevOutFetcher returns a fetcher over the known spent outputs.
func (s *SignableTx) PrevOutFetcher() *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, out := range s.SpentOutputs {
		if out == nil {
			continue
		}
		fetcher.AddPrevOut(s.Tx.TxIn[i].PreviousOutPoint, out)
	}
	return fetcher
}

type TxBuilder interface {
	// BuildSignable builds the unsigned transaction of template, resolving
	// its inputs among the given templates of the same setup. With
	// skipFunded the wallet inputs and outputs added by funding are left out.
	BuildSignable(
		template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
		skipFunded bool,
	) (*SignableTx, error)
	// BuildSigned returns the transaction of template without funded inputs
	// and outputs, with the script path witness of every input.
	BuildSigned(
		template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
	) (*wire.MsgTx, error)
	// BuildFunded rebuilds a funded fundable template, including the wallet
	// inputs and their stored witnesses.
	BuildFunded(
		template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
	) (*wire.MsgTx, error)
}
