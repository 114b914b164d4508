package application

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/internal/core/ports"
	"github.com/bitsnark/bitsnark/pkg/tapscript"
	"github.com/bitsnark/bitsnark/pkg/taptree"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
)

const (
	// numsKey is the BIP341 internal key with no known discrete log.
	numsKey = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

	scriptTestLeaf   = "script"
	scriptTestAmount = 100_000
)

// CollectScriptTestCases returns the spending conditions of templates that
// can be exercised by filter.Role with their example witness.
func CollectScriptTestCases(
	templates []domain.TransactionTemplate, filter ScriptTestFilter,
) []ScriptTestCase {
	cases := make([]ScriptTestCase, 0)
	for _, template := range templates {
		if filter.Template != "" && template.Name != filter.Template {
			continue
		}
		for _, out := range template.Outputs {
			amount := int64(scriptTestAmount)
			if out.Amount != nil && out.Amount.IsInt64() && out.Amount.Int64() > 0 {
				amount = out.Amount.Int64()
			}
			for _, cond := range out.SpendingConditions {
				if len(cond.Script) == 0 || len(cond.ExampleWitness) == 0 {
					continue
				}
				if cond.TimeoutBlocks != nil && !filter.IncludeTimelocks {
					continue
				}
				if cond.NextRole != filter.Role {
					continue
				}
				cases = append(cases, ScriptTestCase{
					TemplateName:   template.Name,
					OutputIndex:    out.Index,
					ConditionIndex: cond.Index,
					Amount:         amount,
					Condition:      cond,
				})
			}
		}
	}
	return cases
}

// RunScriptTestCase commits the condition script to a fresh taproot output
// and evaluates a spend of it with the example witness.
func RunScriptTestCase(c ScriptTestCase, keys Keys, opts tapscript.Options) error {
	commitment, err := commitScript(c.Condition.Script)
	if err != nil {
		return err
	}

	prevOut := &wire.TxOut{Value: c.Amount, PkScript: commitment.pkScript}
	outpoint := wire.OutPoint{Hash: chainhash.HashH([]byte(c.String()))}
	tx, err := spendCommitment(c, commitment, outpoint, prevOut, keys, opts.IgnoreSignatureErrors)
	if err != nil {
		return err
	}

	return tapscript.VerifyInput(
		tx, 0, txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value), opts,
	)
}

func (s *service) RunScriptTests(
	ctx context.Context, setupId string, filter ScriptTestFilter,
) ([]ScriptTestResult, error) {
	templates, err := s.repoManager.Templates().GetTemplates(ctx, setupId)
	if err != nil {
		return nil, err
	}

	opts := tapscript.Options{
		MaxScriptSize:         s.cfg.ScriptLimits.MaxScriptSize,
		MaxOpCount:            s.cfg.ScriptLimits.MaxOpCount,
		IgnoreSignatureErrors: s.cfg.ScriptLimits.IgnoreSignatureErrors,
	}

	cases := CollectScriptTestCases(templates, filter)
	results := make([]ScriptTestResult, 0, len(cases))
	for _, c := range cases {
		var err error
		if filter.Onchain {
			err = s.runOnchainScriptTest(ctx, c)
		} else {
			err = RunScriptTestCase(c, s.cfg.Keys, opts)
		}

		if err != nil {
			log.WithError(err).WithField("setup", setupId).Warnf("script test %s failed", c)
		} else {
			log.WithField("setup", setupId).Debugf("script test %s passed", c)
		}
		results = append(results, ScriptTestResult{Case: c, Err: err})
	}
	return results, nil
}

// runOnchainScriptTest funds the commitment from the node wallet, mines it
// past its timelock and checks the spend against the node mempool.
func (s *service) runOnchainScriptTest(ctx context.Context, c ScriptTestCase) error {
	params, err := s.chainParams(ctx)
	if err != nil {
		return err
	}
	commitment, err := commitScript(c.Condition.Script)
	if err != nil {
		return err
	}
	address, err := commitment.tree.Address(params)
	if err != nil {
		return err
	}

	b64, err := s.node.WalletCreateFundedPsbt(
		ctx, []ports.WalletOutput{{Address: address, Amount: c.Amount}}, s.cfg.Funding.FeeRate, "",
	)
	if err != nil {
		return fmt.Errorf("failed to fund commitment: %s", err)
	}
	packet, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
	if err != nil {
		return fmt.Errorf("failed to parse funded psbt: %s", err)
	}
	fundingTx, err := s.signWalletInputs(ctx, packet)
	if err != nil {
		return err
	}

	vout := -1
	for i, out := range fundingTx.TxOut {
		if bytes.Equal(out.PkScript, commitment.pkScript) {
			vout = i
			break
		}
	}
	if vout < 0 {
		return fmt.Errorf("funding tx does not pay to the commitment")
	}

	if _, err := s.node.SendRawTransaction(ctx, fundingTx); err != nil {
		return fmt.Errorf("failed to broadcast funding tx: %s", err)
	}

	blocks := int64(1)
	if timeout := c.Condition.TimeoutBlocks; timeout != nil {
		blocks += int64(*timeout)
	}
	minerAddress, err := s.node.GetNewAddress(ctx)
	if err != nil {
		return err
	}
	if _, err := s.node.GenerateToAddress(ctx, blocks, minerAddress); err != nil {
		return fmt.Errorf("failed to mine funding tx: %s", err)
	}

	outpoint := wire.OutPoint{Hash: fundingTx.TxHash(), Index: uint32(vout)}
	tx, err := spendCommitment(
		c, commitment, outpoint, fundingTx.TxOut[vout], s.cfg.Keys,
		s.cfg.ScriptLimits.IgnoreSignatureErrors,
	)
	if err != nil {
		return err
	}
	return s.testMempoolAccept(ctx, tx)
}

type scriptCommitment struct {
	tree         *taptree.Tree
	pkScript     []byte
	controlBlock []byte
}

func commitScript(script []byte) (*scriptCommitment, error) {
	rawKey, err := hex.DecodeString(numsKey)
	if err != nil {
		return nil, err
	}
	internalKey, err := schnorr.ParsePubKey(rawKey)
	if err != nil {
		return nil, err
	}

	tree, err := taptree.New(internalKey, []taptree.Leaf{taptree.ScriptLeaf(scriptTestLeaf, script)})
	if err != nil {
		return nil, err
	}
	pkScript, err := tree.PkScript()
	if err != nil {
		return nil, err
	}
	controlBlock, err := tree.ControlBlockBytes(scriptTestLeaf)
	if err != nil {
		return nil, err
	}
	return &scriptCommitment{tree, pkScript, controlBlock}, nil
}

// spendCommitment builds the script path spend of the committed condition.
// Signatures of missing keys are replaced by a placeholder when signature
// errors are ignored.
func spendCommitment(
	c ScriptTestCase, commitment *scriptCommitment, outpoint wire.OutPoint,
	prevOut *wire.TxOut, keys Keys, ignoreSigErrors bool,
) (*wire.MsgTx, error) {
	sequence := uint32(wire.MaxTxInSequenceNum)
	if timeout := c.Condition.TimeoutBlocks; timeout != nil {
		sequence = *timeout
	}

	filler, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).Script()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: outpoint, Sequence: sequence})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: filler})

	witness := make(wire.TxWitness, 0, len(c.Condition.ExampleWitness)+4)
	for _, elem := range c.Condition.ExampleWitness {
		if len(elem) == 1 {
			elem = tapscript.MinimalNumber(int64(elem[0]))
		}
		witness = append(witness, elem)
	}

	for _, role := range []domain.Role{domain.RoleVerifier, domain.RoleProver} {
		if !c.Condition.SignatureType.Requires(role) {
			continue
		}
		key, err := keys.Private(role)
		if err != nil {
			if !ignoreSigErrors {
				return nil, err
			}
			witness = append(witness, make([]byte, schnorr.SignatureSize))
			continue
		}
		sig, err := SignInput(
			tx, 0, c.Condition.Script, []*wire.TxOut{prevOut}, key, txscript.SigHashDefault,
		)
		if err != nil {
			return nil, err
		}
		witness = append(witness, sig)
	}

	tx.TxIn[0].Witness = append(witness, c.Condition.Script, commitment.controlBlock)
	return tx, nil
}
