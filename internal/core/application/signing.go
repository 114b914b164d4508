package application

import (
	"errors"
	"fmt"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
)

// SignInput signs the script path spend of input index through tapscript.
// The key is used untweaked. The sighash flag is appended to the signature
// unless it is SigHashDefault.
func SignInput(
	tx *wire.MsgTx, index int, tapscript []byte, spentOutputs []*wire.TxOut,
	key *btcec.PrivateKey, hashType txscript.SigHashType,
) ([]byte, error) {
	sigHash, err := tapscriptSigHash(tx, index, tapscript, spentOutputs, hashType)
	if err != nil {
		return nil, err
	}

	sig, err := schnorr.Sign(key, sigHash)
	if err != nil {
		return nil, err
	}

	raw := sig.Serialize()
	if hashType != txscript.SigHashDefault {
		raw = append(raw, byte(hashType))
	}
	return raw, nil
}

// VerifyInputSignature checks a signature produced by SignInput. A 64 bytes
// signature is only valid for SigHashDefault, a 65 bytes one must carry the
// expected flag.
func VerifyInputSignature(
	tx *wire.MsgTx, index int, tapscript []byte, spentOutputs []*wire.TxOut,
	pubkey *btcec.PublicKey, sig []byte, hashType txscript.SigHashType,
) error {
	switch len(sig) {
	case schnorr.SignatureSize:
		if hashType != txscript.SigHashDefault {
			return fmt.Errorf(
				"%w: missing sighash flag %v", domain.ErrInvalidSignature, hashType,
			)
		}
	case schnorr.SignatureSize + 1:
		flag := txscript.SigHashType(sig[schnorr.SignatureSize])
		if hashType == txscript.SigHashDefault || flag != hashType {
			return fmt.Errorf(
				"%w: sighash flag %v, expected %v", domain.ErrInvalidSignature, flag, hashType,
			)
		}
		sig = sig[:schnorr.SignatureSize]
	default:
		return fmt.Errorf("%w: invalid length %d", domain.ErrInvalidSignature, len(sig))
	}

	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSignature, err)
	}
	sigHash, err := tapscriptSigHash(tx, index, tapscript, spentOutputs, hashType)
	if err != nil {
		return err
	}
	if !parsed.Verify(sigHash, pubkey) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func tapscriptSigHash(
	tx *wire.MsgTx, index int, tapscript []byte, spentOutputs []*wire.TxOut,
	hashType txscript.SigHashType,
) ([]byte, error) {
	if index < 0 || index >= len(tx.TxIn) {
		return nil, fmt.Errorf("input %d out of range", index)
	}
	if len(spentOutputs) != len(tx.TxIn) {
		return nil, fmt.Errorf(
			"got %d spent outputs for %d inputs", len(spentOutputs), len(tx.TxIn),
		)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, out := range spentOutputs {
		if out == nil {
			return nil, fmt.Errorf("missing spent output of input %d", i)
		}
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, out)
	}

	return txscript.CalcTapscriptSignaturehash(
		txscript.NewTxSigHashes(tx, fetcher), hashType, tx, index, fetcher,
		txscript.NewBaseTapLeaf(tapscript),
	)
}

// Signer signs and verifies the inputs of the templates of a setup.
type Signer struct {
	builder   ports.TxBuilder
	keys      Keys
	sighash   SighashPolicy
	allowList map[string]struct{}
}

func NewSigner(
	builder ports.TxBuilder, keys Keys, sighash SighashPolicy, missingScriptAllowList []string,
) *Signer {
	allowList := make(map[string]struct{}, len(missingScriptAllowList))
	for _, name := range missingScriptAllowList {
		allowList[name] = struct{}{}
	}
	return &Signer{builder, keys, sighash, allowList}
}

// AllowsMissingScript returns whether the template may be left unsigned
// until its script is known.
func (s *Signer) AllowsMissingScript(name string) bool {
	_, ok := s.allowList[name]
	return ok
}

// SignTemplate signs every protocol input of template as role and refreshes
// the template txid. External templates are not signed.
func (s *Signer) SignTemplate(
	template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
	role domain.Role,
) Result {
	if template.IsExternal {
		return ok()
	}

	hashType := s.sighash.For(template)
	if template.Fundable {
		if err := checkFundableShape(template); err != nil {
			return fatal(err)
		}
	}

	signable, err := s.builder.BuildSignable(template, templates, true)
	if err != nil {
		if errors.Is(err, domain.ErrMissingScript) && s.AllowsMissingScript(template.Name) {
			return skip(err.Error())
		}
		return fatal(err)
	}

	key, err := s.keys.Private(role)
	if err != nil {
		return fatal(err)
	}

	txIndex := 0
	for i := range template.Inputs {
		if template.Inputs[i].Funded {
			continue
		}
		sig, err := SignInput(
			signable.Tx, txIndex, signable.Tapscripts[txIndex], signable.SpentOutputs,
			key, hashType,
		)
		if err != nil {
			return fatal(fmt.Errorf(
				"failed to sign input %d of %s: %w", template.Inputs[i].Index, template.Name, err,
			))
		}
		template.Inputs[i].SetSignature(role, sig)
		txIndex++
	}

	if !template.IsFunded() {
		template.Txid = signable.Tx.TxHash().String()
	}

	log.Debugf("signed %d inputs of %s as %s", txIndex, template.Name, role)
	return ok()
}

// VerifyTemplate checks the role signature of every protocol input of
// template. Missing scripts fail the template unless tolerated.
func (s *Signer) VerifyTemplate(
	template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
	role domain.Role, tolerateMissingScript bool,
) Result {
	if template.IsExternal {
		return ok()
	}

	signable, err := s.builder.BuildSignable(template, templates, true)
	if err != nil {
		if tolerateMissingScript && errors.Is(err, domain.ErrMissingScript) {
			return skip(err.Error())
		}
		return fatal(err)
	}

	pubkey, err := s.keys.Public(role)
	if err != nil {
		return fatal(err)
	}
	hashType := s.sighash.For(template)

	txIndex := 0
	for _, in := range template.Inputs {
		if in.Funded {
			continue
		}
		sig := in.Signature(role)
		if len(sig) == 0 {
			return fatal(fmt.Errorf(
				"%w: %s signature of input %d of %s",
				domain.ErrMissingSignature, role, in.Index, template.Name,
			))
		}
		if err := VerifyInputSignature(
			signable.Tx, txIndex, signable.Tapscripts[txIndex], signable.SpentOutputs,
			pubkey, sig, hashType,
		); err != nil {
			return fatal(fmt.Errorf(
				"%s signature of input %d of %s: %w", role, in.Index, template.Name, err,
			))
		}
		txIndex++
	}

	return ok()
}

// checkFundableShape makes sure a fundable template has exactly one input
// and one output of its own, the only ones covered by its signatures.
func checkFundableShape(template *domain.TransactionTemplate) error {
	var inputs, outputs int
	for _, in := range template.Inputs {
		if !in.Funded {
			inputs++
		}
	}
	for _, out := range template.Outputs {
		if !out.Funded {
			outputs++
		}
	}
	if inputs != 1 || outputs != 1 {
		return fmt.Errorf(
			"fundable template %s must have exactly one input and one output, got %d and %d",
			template.Name, inputs, outputs,
		)
	}
	return nil
}
