package application_test

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/bitsnark/bitsnark/internal/core/application"
	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/pkg/taptree"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

const (
	setupId         = "8a7c5e3b-1f2d-4c6a-9e0b-7d5f3a1c2e4b"
	lockedFundsTxid = "3b8f5c2a9d14e07f6a1c3e5b7d9f0a2c4e6b8d0f1a3c5e7b9d1f3a5c7e9b0d2f"
	walletTxid      = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
	numsKeyHex      = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"
)

var (
	proverKey, _   = btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x01}, 32))
	verifierKey, _ = btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x02}, 32))
	walletKey, _   = btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x03}, 32))
)

func allKeys() application.Keys {
	return application.Keys{
		ProverPublic:    proverKey.PubKey(),
		VerifierPublic:  verifierKey.PubKey(),
		ProverPrivate:   proverKey,
		VerifierPrivate: verifierKey,
	}
}

func keysFor(role domain.Role) application.Keys {
	keys := allKeys()
	if role == domain.RoleProver {
		keys.VerifierPrivate = nil
	} else {
		keys.ProverPrivate = nil
	}
	return keys
}

func checksigScript(t *testing.T, keys ...*btcec.PrivateKey) []byte {
	builder := txscript.NewScriptBuilder()
	for i, key := range keys {
		builder.AddData(schnorr.SerializePubKey(key.PubKey()))
		if i < len(keys)-1 {
			builder.AddOp(txscript.OP_CHECKSIGVERIFY)
		} else {
			builder.AddOp(txscript.OP_CHECKSIG)
		}
	}
	script, err := builder.Script()
	require.NoError(t, err)
	return script
}

type commitment struct {
	pkScript      []byte
	controlBlocks map[string][]byte
}

func commit(t *testing.T, leaves map[string][]byte, order ...string) commitment {
	rawKey, err := hex.DecodeString(numsKeyHex)
	require.NoError(t, err)
	internalKey, err := schnorr.ParsePubKey(rawKey)
	require.NoError(t, err)

	tapLeaves := make([]taptree.Leaf, 0, len(order))
	for _, name := range order {
		tapLeaves = append(tapLeaves, taptree.ScriptLeaf(name, leaves[name]))
	}
	tree, err := taptree.New(internalKey, tapLeaves)
	require.NoError(t, err)
	pkScript, err := tree.PkScript()
	require.NoError(t, err)

	controlBlocks := make(map[string][]byte, len(order))
	for _, name := range order {
		cb, err := tree.ControlBlockBytes(name)
		require.NoError(t, err)
		controlBlocks[name] = cb
	}
	return commitment{pkScript, controlBlocks}
}

func walletPkScript(t *testing.T) []byte {
	outputKey := txscript.ComputeTaprootKeyNoScript(walletKey.PubKey())
	pkScript, err := txscript.PayToTaprootScript(outputKey)
	require.NoError(t, err)
	return pkScript
}

func walletAddress(t *testing.T) string {
	outputKey := txscript.ComputeTaprootKeyNoScript(walletKey.PubKey())
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// protocolFixture is a setup where challenge spends the external
// locked_funds with both signatures and proof_refuted spends challenge with
// a script only known at runtime.
type protocolFixture struct {
	setup         domain.Setup
	templates     []domain.TransactionTemplate
	refuteScript  []byte
	refuteControl []byte
}

func newProtocolFixture(t *testing.T) protocolFixture {
	bothScript := checksigScript(t, proverKey, verifierKey)
	verifierScript := checksigScript(t, verifierKey)
	refuteScript := checksigScript(t, proverKey)

	locked := commit(t, map[string][]byte{"both": bothScript}, "both")
	challenge := commit(t, map[string][]byte{
		"verifier": verifierScript, "refute": refuteScript,
	}, "verifier", "refute")

	templates := []domain.TransactionTemplate{
		{
			SetupId:    setupId,
			Name:       "locked_funds",
			Ordinal:    0,
			IsExternal: true,
			Txid:       lockedFundsTxid,
			Outputs: []domain.Output{{
				Index:      0,
				Amount:     big.NewInt(100000),
				TaprootKey: locked.pkScript,
				SpendingConditions: []domain.SpendingCondition{{
					Index:         0,
					SignatureType: domain.SignatureTypeBoth,
					Script:        bothScript,
					ControlBlock:  locked.controlBlocks["both"],
				}},
			}},
		},
		{
			SetupId: setupId,
			Name:    "challenge",
			Role:    domain.RoleVerifier,
			Ordinal: 1,
			Inputs: []domain.Input{{
				Index:        0,
				TemplateName: "locked_funds",
			}},
			Outputs: []domain.Output{{
				Index:      0,
				Amount:     big.NewInt(90000),
				TaprootKey: challenge.pkScript,
				SpendingConditions: []domain.SpendingCondition{
					{
						Index:         0,
						NextRole:      domain.RoleVerifier,
						SignatureType: domain.SignatureTypeVerifier,
						Script:        verifierScript,
						ControlBlock:  challenge.controlBlocks["verifier"],
					},
					{
						Index:         1,
						NextRole:      domain.RoleProver,
						SignatureType: domain.SignatureTypeProver,
					},
				},
			}},
		},
		{
			SetupId: setupId,
			Name:    "proof_refuted",
			Role:    domain.RoleProver,
			Ordinal: 2,
			Inputs: []domain.Input{{
				Index:                  0,
				TemplateName:           "challenge",
				SpendingConditionIndex: 1,
			}},
			Outputs: []domain.Output{{
				Index:      0,
				Amount:     big.NewInt(80000),
				TaprootKey: walletPkScript(t),
			}},
		},
	}

	return protocolFixture{
		setup: domain.Setup{
			Id:              setupId,
			ProtocolVersion: "0.2",
			Status:          domain.SetupStatusPending,
		},
		templates:     templates,
		refuteScript:  refuteScript,
		refuteControl: challenge.controlBlocks["refute"],
	}
}

// fundableFixture is a setup where the fundable payout spends the external
// locked_funds with the prover signature only, leaving 1000 sats for fees.
func fundableFixture(t *testing.T) (domain.Setup, []domain.TransactionTemplate) {
	proverScript := checksigScript(t, proverKey)
	locked := commit(t, map[string][]byte{"prover": proverScript}, "prover")

	setup := domain.Setup{Id: setupId, ProtocolVersion: "0.2"}
	return setup, []domain.TransactionTemplate{
		{
			SetupId:    setupId,
			Name:       "locked_funds",
			IsExternal: true,
			Txid:       lockedFundsTxid,
			Outputs: []domain.Output{{
				Amount:     big.NewInt(100000),
				TaprootKey: locked.pkScript,
				SpendingConditions: []domain.SpendingCondition{{
					SignatureType: domain.SignatureTypeProver,
					Script:        proverScript,
					ControlBlock:  locked.controlBlocks["prover"],
				}},
			}},
		},
		{
			SetupId:  setupId,
			Name:     "payout",
			Ordinal:  1,
			Fundable: true,
			Inputs:   []domain.Input{{TemplateName: "locked_funds"}},
			Outputs: []domain.Output{{
				Amount:     big.NewInt(99000),
				TaprootKey: walletPkScript(t),
			}},
		},
	}
}
