package txbuilder

import (
	"fmt"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/internal/core/ports"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const txVersion = 2

type txBuilder struct{}

func NewTxBuilder() ports.TxBuilder {
	return &txBuilder{}
}

func (b *txBuilder) BuildSignable(
	template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
	skipFunded bool,
) (*ports.SignableTx, error) {
	if template.IsExternal {
		return nil, fmt.Errorf("%w: %s", domain.ErrExternalTemplate, template.Name)
	}

	tx := wire.NewMsgTx(txVersion)
	signable := &ports.SignableTx{
		SetupId:      template.SetupId,
		TemplateName: template.Name,
		Tx:           tx,
	}

	for _, in := range template.Inputs {
		if in.Funded {
			if skipFunded {
				continue
			}
			outpoint, err := fundedOutpoint(template, in)
			if err != nil {
				return nil, err
			}
			txIn := wire.NewTxIn(outpoint, nil, nil)
			txIn.Sequence = 0
			tx.AddTxIn(txIn)
			signable.SpentOutputs = append(signable.SpentOutputs, nil)
			signable.Tapscripts = append(signable.Tapscripts, nil)
			signable.ControlBlocks = append(signable.ControlBlocks, nil)
			signable.SpendingConditions = append(signable.SpendingConditions, nil)
			continue
		}

		resolved, err := resolveInput(template, in, templates)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(resolved.txIn)
		signable.SpentOutputs = append(signable.SpentOutputs, resolved.spentOutput)
		signable.Tapscripts = append(signable.Tapscripts, resolved.script)
		signable.ControlBlocks = append(signable.ControlBlocks, resolved.controlBlock)
		signable.SpendingConditions = append(signable.SpendingConditions, resolved.condition)
	}

	for _, out := range template.Outputs {
		if out.Funded && skipFunded {
			continue
		}
		txOut, err := toTxOut(template, out)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(txOut)
	}

	// Without the funded entries the txid can't match the recorded one.
	checkTxid := template.Txid != "" && !template.UnknownTxid &&
		(!skipFunded || !template.IsFunded())
	if checkTxid {
		if txid := tx.TxHash().String(); txid != template.Txid {
			return nil, fmt.Errorf(
				"%w: template %s has txid %s, built %s",
				domain.ErrTxidMismatch, template.Name, template.Txid, txid,
			)
		}
	}

	return signable, nil
}

func (b *txBuilder) BuildSigned(
	template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
) (*wire.MsgTx, error) {
	return b.buildSigned(template, templates, true)
}

func (b *txBuilder) BuildFunded(
	template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
) (*wire.MsgTx, error) {
	if !template.Fundable {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFundable, template.Name)
	}
	if len(template.Inputs) == 0 || len(template.Outputs) == 0 ||
		template.Inputs[0].Funded || template.Outputs[0].Funded {
		return nil, fmt.Errorf(
			"template %s must have its own input and output at index 0", template.Name,
		)
	}
	for _, in := range template.Inputs[1:] {
		if !in.Funded {
			return nil, fmt.Errorf(
				"input %d of funded template %s is not a wallet input", in.Index, template.Name,
			)
		}
	}
	for _, out := range template.Outputs[1:] {
		if !out.Funded {
			return nil, fmt.Errorf(
				"output %d of funded template %s is not a wallet output", out.Index, template.Name,
			)
		}
	}

	return b.buildSigned(template, templates, false)
}

func (b *txBuilder) buildSigned(
	template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
	skipFunded bool,
) (*wire.MsgTx, error) {
	signable, err := b.BuildSignable(template, templates, skipFunded)
	if err != nil {
		return nil, err
	}

	txIndex := 0
	for _, in := range template.Inputs {
		if in.Funded && skipFunded {
			continue
		}

		var witness wire.TxWitness
		if in.Funded {
			witness = wire.TxWitness(in.Witness)
		} else {
			witness, err = buildWitness(
				template, in, signable.SpendingConditions[txIndex],
				signable.Tapscripts[txIndex], signable.ControlBlocks[txIndex],
			)
			if err != nil {
				return nil, err
			}
		}

		signable.Tx.TxIn[txIndex].Witness = witness
		txIndex++
	}

	return signable.Tx, nil
}

type resolvedInput struct {
	txIn         *wire.TxIn
	spentOutput  *wire.TxOut
	script       []byte
	controlBlock []byte
	condition    *domain.SpendingCondition
}

func resolveInput(
	template *domain.TransactionTemplate, in domain.Input,
	templates []domain.TransactionTemplate,
) (*resolvedInput, error) {
	prev, err := domain.FindTemplate(templates, in.TemplateName)
	if err != nil {
		return nil, fmt.Errorf("input %d of %s: %w", in.Index, template.Name, err)
	}
	if prev.Txid == "" {
		return nil, fmt.Errorf(
			"%w: %s spent by input %d of %s",
			domain.ErrMissingTransactionId, prev.Name, in.Index, template.Name,
		)
	}
	hash, err := chainhash.NewHashFromStr(prev.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid of %s: %s", prev.Name, err)
	}

	out, err := prev.Output(in.OutputIndex)
	if err != nil {
		return nil, fmt.Errorf("input %d of %s: %s", in.Index, template.Name, err)
	}
	cond, err := out.SpendingCondition(in.SpendingConditionIndex)
	if err != nil {
		return nil, fmt.Errorf("input %d of %s: %s", in.Index, template.Name, err)
	}

	script := in.Script
	if len(script) == 0 {
		script = cond.Script
	}
	if len(script) == 0 {
		return nil, fmt.Errorf(
			"%w: input %d of %s spending %s:%d condition %d",
			domain.ErrMissingScript, in.Index, template.Name,
			prev.Name, in.OutputIndex, in.SpendingConditionIndex,
		)
	}
	controlBlock := in.ControlBlock
	if len(controlBlock) == 0 {
		controlBlock = cond.ControlBlock
	}

	spentOutput, err := toTxOut(prev, *out)
	if err != nil {
		return nil, err
	}

	txIn := wire.NewTxIn(wire.NewOutPoint(hash, uint32(in.OutputIndex)), nil, nil)
	if cond.TimeoutBlocks != nil {
		txIn.Sequence = *cond.TimeoutBlocks
	}

	return &resolvedInput{
		txIn:         txIn,
		spentOutput:  spentOutput,
		script:       script,
		controlBlock: controlBlock,
		condition:    cond,
	}, nil
}

func fundedOutpoint(template *domain.TransactionTemplate, in domain.Input) (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(in.Txid)
	if err != nil {
		return nil, fmt.Errorf(
			"invalid txid of funded input %d of %s: %s", in.Index, template.Name, err,
		)
	}
	return wire.NewOutPoint(hash, in.Vout), nil
}

func toTxOut(template *domain.TransactionTemplate, out domain.Output) (*wire.TxOut, error) {
	if out.Amount == nil || len(out.TaprootKey) == 0 {
		return nil, fmt.Errorf(
			"output %d of %s is incomplete (amount: %v, taprootKey: %x)",
			out.Index, template.Name, out.Amount, out.TaprootKey,
		)
	}
	if out.Amount.Sign() < 0 || !out.Amount.IsInt64() {
		return nil, fmt.Errorf(
			"output %d of %s has invalid amount %s", out.Index, template.Name, out.Amount,
		)
	}
	return wire.NewTxOut(out.Amount.Int64(), out.TaprootKey), nil
}

// buildWitness returns the script path witness of a protocol input:
// [protocol data..., verifier sig, prover sig, tapscript, control block],
// where each signature is present only if the condition requires it.
func buildWitness(
	template *domain.TransactionTemplate, in domain.Input,
	cond *domain.SpendingCondition, script, controlBlock []byte,
) (wire.TxWitness, error) {
	if len(controlBlock) == 0 {
		return nil, fmt.Errorf("missing control block for input %d of %s", in.Index, template.Name)
	}

	witness := make(wire.TxWitness, 0)
	witness = append(witness, template.ProtocolData[in.OutputIndex]...)

	for _, role := range []domain.Role{domain.RoleVerifier, domain.RoleProver} {
		if !cond.SignatureType.Requires(role) {
			continue
		}
		sig := in.Signature(role)
		if len(sig) == 0 {
			return nil, fmt.Errorf(
				"%w: %s signature of input %d of %s",
				domain.ErrMissingSignature, role, in.Index, template.Name,
			)
		}
		witness = append(witness, sig)
	}

	return append(witness, script, controlBlock), nil
}
