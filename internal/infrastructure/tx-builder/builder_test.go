package txbuilder_test

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	txbuilder "github.com/bitsnark/bitsnark/internal/infrastructure/tx-builder"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const (
	lockedFundsTxid = "3b8f5c2a9d14e07f6a1c3e5b7d9f0a2c4e6b8d0f1a3c5e7b9d1f3a5c7e9b0d2f"
	walletTxid      = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
)

var (
	bothScript     = []byte{txscript.OP_2DROP, txscript.OP_1}
	timeoutScript  = []byte{txscript.OP_DROP, txscript.OP_1}
	verifierScript = []byte{txscript.OP_DROP, txscript.OP_1}
	controlBlock   = append([]byte{0xc0}, bytes.Repeat([]byte{0x02}, 32)...)
	proverSig      = bytes.Repeat([]byte{0x0a}, 64)
	verifierSig    = bytes.Repeat([]byte{0x0b}, 64)
)

func pkScript(b byte) []byte {
	return append([]byte{txscript.OP_1, txscript.OP_DATA_32}, bytes.Repeat([]byte{b}, 32)...)
}

func testTemplates() []domain.TransactionTemplate {
	timeout := uint32(6)
	return []domain.TransactionTemplate{
		{
			SetupId:    "setup",
			Name:       "locked_funds",
			Ordinal:    0,
			IsExternal: true,
			Txid:       lockedFundsTxid,
			Outputs: []domain.Output{{
				Index:      0,
				Amount:     big.NewInt(100000),
				TaprootKey: pkScript(0x01),
				SpendingConditions: []domain.SpendingCondition{
					{
						Index:         0,
						SignatureType: domain.SignatureTypeBoth,
						Script:        bothScript,
						ControlBlock:  controlBlock,
					},
					{
						Index:         1,
						SignatureType: domain.SignatureTypeProver,
						Script:        timeoutScript,
						ControlBlock:  controlBlock,
						TimeoutBlocks: &timeout,
					},
					{
						Index:         2,
						SignatureType: domain.SignatureTypeBoth,
					},
				},
			}},
		},
		{
			SetupId: "setup",
			Name:    "challenge",
			Ordinal: 1,
			Inputs: []domain.Input{{
				Index:             0,
				TemplateName:      "locked_funds",
				ProverSignature:   proverSig,
				VerifierSignature: verifierSig,
			}},
			Outputs: []domain.Output{{
				Index:      0,
				Amount:     big.NewInt(90000),
				TaprootKey: pkScript(0x02),
				SpendingConditions: []domain.SpendingCondition{{
					SignatureType: domain.SignatureTypeVerifier,
					Script:        verifierScript,
					ControlBlock:  controlBlock,
				}},
			}},
			ProtocolData: map[int][][]byte{0: {{0xaa}, {0xbb}}},
		},
		{
			SetupId: "setup",
			Name:    "proof_refuted",
			Ordinal: 2,
			Inputs: []domain.Input{{
				Index:        0,
				TemplateName: "challenge",
			}},
			Outputs: []domain.Output{{
				Index:      0,
				Amount:     big.NewInt(80000),
				TaprootKey: pkScript(0x03),
			}},
		},
	}
}

func TestBuildSignable(t *testing.T) {
	builder := txbuilder.NewTxBuilder()

	t.Run("valid", func(t *testing.T) {
		templates := testTemplates()
		signable, err := builder.BuildSignable(&templates[1], templates, false)
		require.NoError(t, err)

		tx := signable.Tx
		require.Equal(t, int32(2), tx.Version)
		require.Zero(t, tx.LockTime)
		require.Len(t, tx.TxIn, 1)
		require.Len(t, tx.TxOut, 1)
		require.Equal(t, lockedFundsTxid, tx.TxIn[0].PreviousOutPoint.Hash.String())
		require.Zero(t, tx.TxIn[0].PreviousOutPoint.Index)
		require.Equal(t, uint32(wire.MaxTxInSequenceNum), tx.TxIn[0].Sequence)
		require.Empty(t, tx.TxIn[0].Witness)
		require.Equal(t, int64(90000), tx.TxOut[0].Value)

		require.Equal(t, "challenge", signable.TemplateName)
		require.Equal(t, "setup", signable.SetupId)
		require.Equal(t, int64(100000), signable.SpentOutputs[0].Value)
		require.Equal(t, pkScript(0x01), signable.SpentOutputs[0].PkScript)
		require.Equal(t, bothScript, signable.Tapscripts[0])
		require.Equal(t, controlBlock, signable.ControlBlocks[0])
		require.Equal(t, domain.SignatureTypeBoth, signable.SpendingConditions[0].SignatureType)

		prevOut := signable.PrevOutFetcher().FetchPrevOutput(tx.TxIn[0].PreviousOutPoint)
		require.NotNil(t, prevOut)
		require.Equal(t, int64(100000), prevOut.Value)
	})

	t.Run("timeout sequence", func(t *testing.T) {
		templates := testTemplates()
		templates[1].Inputs[0].SpendingConditionIndex = 1
		signable, err := builder.BuildSignable(&templates[1], templates, false)
		require.NoError(t, err)
		require.Equal(t, uint32(6), signable.Tx.TxIn[0].Sequence)
		require.Equal(t, timeoutScript, signable.Tapscripts[0])
	})

	t.Run("script override", func(t *testing.T) {
		templates := testTemplates()
		templates[1].Inputs[0].SpendingConditionIndex = 2
		templates[1].Inputs[0].Script = []byte{txscript.OP_1}
		templates[1].Inputs[0].ControlBlock = []byte{0xc1}
		signable, err := builder.BuildSignable(&templates[1], templates, false)
		require.NoError(t, err)
		require.Equal(t, []byte{txscript.OP_1}, signable.Tapscripts[0])
		require.Equal(t, []byte{0xc1}, signable.ControlBlocks[0])
	})

	t.Run("txid", func(t *testing.T) {
		templates := testTemplates()
		signable, err := builder.BuildSignable(&templates[1], templates, false)
		require.NoError(t, err)

		templates[1].Txid = signable.Tx.TxHash().String()
		_, err = builder.BuildSignable(&templates[1], templates, false)
		require.NoError(t, err)

		templates[1].Txid = walletTxid
		_, err = builder.BuildSignable(&templates[1], templates, false)
		require.ErrorIs(t, err, domain.ErrTxidMismatch)

		templates[1].UnknownTxid = true
		_, err = builder.BuildSignable(&templates[1], templates, false)
		require.NoError(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		testCases := []struct {
			name        string
			template    string
			mutate      func(templates []domain.TransactionTemplate)
			expectedErr error
			contains    string
		}{
			{
				name:        "external",
				template:    "locked_funds",
				expectedErr: domain.ErrExternalTemplate,
			},
			{
				name:        "missing transaction id",
				template:    "proof_refuted",
				expectedErr: domain.ErrMissingTransactionId,
			},
			{
				name:     "missing template",
				template: "challenge",
				mutate: func(templates []domain.TransactionTemplate) {
					templates[1].Inputs[0].TemplateName = "unknown"
				},
				expectedErr: domain.ErrTemplateNotFound,
			},
			{
				name:     "missing script",
				template: "challenge",
				mutate: func(templates []domain.TransactionTemplate) {
					templates[1].Inputs[0].SpendingConditionIndex = 2
				},
				expectedErr: domain.ErrMissingScript,
			},
			{
				name:     "output index out of range",
				template: "challenge",
				mutate: func(templates []domain.TransactionTemplate) {
					templates[1].Inputs[0].OutputIndex = 3
				},
				contains: "output 3 out of range",
			},
			{
				name:     "spending condition out of range",
				template: "challenge",
				mutate: func(templates []domain.TransactionTemplate) {
					templates[1].Inputs[0].SpendingConditionIndex = 5
				},
				contains: "spending condition 5 out of range",
			},
			{
				name:     "incomplete output",
				template: "challenge",
				mutate: func(templates []domain.TransactionTemplate) {
					templates[1].Outputs[0].TaprootKey = nil
				},
				contains: "output 0 of challenge is incomplete",
			},
			{
				name:     "negative amount",
				template: "challenge",
				mutate: func(templates []domain.TransactionTemplate) {
					templates[1].Outputs[0].Amount = big.NewInt(-1)
				},
				contains: "invalid amount",
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				templates := testTemplates()
				if tc.mutate != nil {
					tc.mutate(templates)
				}
				template, err := domain.FindTemplate(templates, tc.template)
				require.NoError(t, err)

				_, err = builder.BuildSignable(template, templates, false)
				require.Error(t, err)
				if tc.expectedErr != nil {
					require.ErrorIs(t, err, tc.expectedErr)
				}
				if tc.contains != "" {
					require.Contains(t, err.Error(), tc.contains)
				}
			})
		}
	})
}

func TestBuildSigned(t *testing.T) {
	builder := txbuilder.NewTxBuilder()

	t.Run("witness", func(t *testing.T) {
		templates := testTemplates()
		tx, err := builder.BuildSigned(&templates[1], templates)
		require.NoError(t, err)

		expected := wire.TxWitness{
			{0xaa}, {0xbb}, verifierSig, proverSig, bothScript, controlBlock,
		}
		require.Equal(t, expected, tx.TxIn[0].Witness)
	})

	t.Run("single signature", func(t *testing.T) {
		templates := testTemplates()
		templates[1].Inputs[0].SpendingConditionIndex = 1
		templates[1].ProtocolData = nil
		templates[1].Inputs[0].VerifierSignature = nil
		tx, err := builder.BuildSigned(&templates[1], templates)
		require.NoError(t, err)

		expected := wire.TxWitness{proverSig, timeoutScript, controlBlock}
		require.Equal(t, expected, tx.TxIn[0].Witness)
	})

	t.Run("missing signature", func(t *testing.T) {
		templates := testTemplates()
		templates[1].Inputs[0].VerifierSignature = nil
		_, err := builder.BuildSigned(&templates[1], templates)
		require.ErrorIs(t, err, domain.ErrMissingSignature)
	})

	t.Run("deterministic", func(t *testing.T) {
		first, second := testTemplates(), testTemplates()

		signable1, err := builder.BuildSignable(&first[1], first, false)
		require.NoError(t, err)
		signable2, err := builder.BuildSignable(&second[1], second, false)
		require.NoError(t, err)
		require.Equal(t, serialize(t, signable1.Tx), serialize(t, signable2.Tx))
		require.Equal(t, signable1.Tx.TxHash(), signable2.Tx.TxHash())

		signed1, err := builder.BuildSigned(&first[1], first)
		require.NoError(t, err)
		signed2, err := builder.BuildSigned(&second[1], second)
		require.NoError(t, err)
		require.Equal(t, serialize(t, signed1), serialize(t, signed2))
		require.Equal(t, signed1.TxHash(), signed2.TxHash())
		require.Equal(t, signable1.Tx.TxHash(), signed1.TxHash())
	})

	t.Run("serialization round trip", func(t *testing.T) {
		templates := testTemplates()
		tx, err := builder.BuildSigned(&templates[1], templates)
		require.NoError(t, err)

		decoded := wire.NewMsgTx(2)
		require.NoError(t, decoded.Deserialize(bytes.NewReader(serialize(t, tx))))
		require.Equal(t, tx.TxHash(), decoded.TxHash())
		require.Equal(t, tx.TxIn[0].Witness, decoded.TxIn[0].Witness)

		var buf bytes.Buffer
		require.NoError(t, tx.SerializeNoWitness(&buf))
		stripped := wire.NewMsgTx(2)
		require.NoError(t, stripped.DeserializeNoWitness(bytes.NewReader(buf.Bytes())))
		require.Equal(t, tx.TxHash(), stripped.TxHash())
		require.Empty(t, stripped.TxIn[0].Witness)
	})

	t.Run("missing control block", func(t *testing.T) {
		templates := testTemplates()
		templates[0].Outputs[0].SpendingConditions[0].ControlBlock = nil
		_, err := builder.BuildSigned(&templates[1], templates)
		require.Error(t, err)
		require.Contains(t, err.Error(), "missing control block")
	})
}

func TestBuildFunded(t *testing.T) {
	builder := txbuilder.NewTxBuilder()

	fund := func(templates []domain.TransactionTemplate) *domain.TransactionTemplate {
		template := &templates[1]
		template.Fundable = true
		template.Inputs = append(template.Inputs, domain.Input{
			Index:   1,
			Funded:  true,
			Txid:    walletTxid,
			Vout:    3,
			Witness: [][]byte{{0x01, 0x02}, {0x03}},
		})
		template.Outputs = append(template.Outputs, domain.Output{
			Index:      1,
			Amount:     big.NewInt(5000),
			TaprootKey: pkScript(0x09),
			Funded:     true,
		})
		return template
	}

	t.Run("valid", func(t *testing.T) {
		templates := testTemplates()
		template := fund(templates)

		tx, err := builder.BuildFunded(template, templates)
		require.NoError(t, err)
		require.Len(t, tx.TxIn, 2)
		require.Len(t, tx.TxOut, 2)
		require.Equal(t, walletTxid, tx.TxIn[1].PreviousOutPoint.Hash.String())
		require.Equal(t, uint32(3), tx.TxIn[1].PreviousOutPoint.Index)
		require.Zero(t, tx.TxIn[1].Sequence)
		require.Equal(t, wire.TxWitness{{0x01, 0x02}, {0x03}}, tx.TxIn[1].Witness)
		require.Equal(t, int64(5000), tx.TxOut[1].Value)

		template.Txid = tx.TxHash().String()
		rebuilt, err := builder.BuildFunded(template, templates)
		require.NoError(t, err)
		require.Equal(t, template.Txid, rebuilt.TxHash().String())

		// The signed transaction leaves out the wallet entries and keeps
		// the txid check off.
		signed, err := builder.BuildSigned(template, templates)
		require.NoError(t, err)
		require.Len(t, signed.TxIn, 1)
		require.Len(t, signed.TxOut, 1)
	})

	t.Run("txid mismatch", func(t *testing.T) {
		templates := testTemplates()
		template := fund(templates)
		template.Txid = lockedFundsTxid
		_, err := builder.BuildFunded(template, templates)
		require.ErrorIs(t, err, domain.ErrTxidMismatch)
	})

	t.Run("not fundable", func(t *testing.T) {
		templates := testTemplates()
		_, err := builder.BuildFunded(&templates[1], templates)
		require.ErrorIs(t, err, domain.ErrNotFundable)
	})

	t.Run("funded first input", func(t *testing.T) {
		templates := testTemplates()
		template := fund(templates)
		template.Inputs[0], template.Inputs[1] = template.Inputs[1], template.Inputs[0]
		_, err := builder.BuildFunded(template, templates)
		require.Error(t, err)
	})

	t.Run("unfunded later output", func(t *testing.T) {
		templates := testTemplates()
		template := fund(templates)
		template.Outputs[1].Funded = false
		_, err := builder.BuildFunded(template, templates)
		require.Error(t, err)
	})
}

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}
