package application_test

import (
	"testing"

	"github.com/bitsnark/bitsnark/internal/core/application"
	"github.com/bitsnark/bitsnark/internal/core/domain"
	txbuilder "github.com/bitsnark/bitsnark/internal/infrastructure/tx-builder"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func TestSignInput(t *testing.T) {
	fixture := newProtocolFixture(t)
	builder := txbuilder.NewTxBuilder()
	templates := fixture.templates

	signable, err := builder.BuildSignable(&templates[1], templates, true)
	require.NoError(t, err)

	sign := func(hashType txscript.SigHashType) []byte {
		sig, err := application.SignInput(
			signable.Tx, 0, signable.Tapscripts[0], signable.SpentOutputs, proverKey, hashType,
		)
		require.NoError(t, err)
		return sig
	}
	verify := func(sig []byte, hashType txscript.SigHashType) error {
		return application.VerifyInputSignature(
			signable.Tx, 0, signable.Tapscripts[0], signable.SpentOutputs,
			proverKey.PubKey(), sig, hashType,
		)
	}

	t.Run("valid", func(t *testing.T) {
		testCases := []struct {
			name     string
			hashType txscript.SigHashType
			size     int
		}{
			{"default", txscript.SigHashDefault, schnorr.SignatureSize},
			{"all", txscript.SigHashAll, schnorr.SignatureSize + 1},
			{
				"single anyone can pay",
				txscript.SigHashSingle | txscript.SigHashAnyOneCanPay,
				schnorr.SignatureSize + 1,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				sig := sign(tc.hashType)
				require.Len(t, sig, tc.size)
				if tc.size > schnorr.SignatureSize {
					require.Equal(t, byte(tc.hashType), sig[schnorr.SignatureSize])
				}
				require.NoError(t, verify(sig, tc.hashType))
			})
		}
	})

	t.Run("invalid", func(t *testing.T) {
		defaultSig := sign(txscript.SigHashDefault)
		allSig := sign(txscript.SigHashAll)
		tampered := append([]byte{}, defaultSig...)
		tampered[10] ^= 0xff

		testCases := []struct {
			name     string
			sig      []byte
			hashType txscript.SigHashType
		}{
			{"missing flag", defaultSig, txscript.SigHashAll},
			{"unexpected flag", allSig, txscript.SigHashDefault},
			{"wrong flag", allSig, txscript.SigHashSingle | txscript.SigHashAnyOneCanPay},
			{"explicit default", append(append([]byte{}, defaultSig...), 0x00), txscript.SigHashDefault},
			{"bad length", defaultSig[:63], txscript.SigHashDefault},
			{"tampered", tampered, txscript.SigHashDefault},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				err := verify(tc.sig, tc.hashType)
				require.ErrorIs(t, err, domain.ErrInvalidSignature)
			})
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		sig := sign(txscript.SigHashDefault)
		err := application.VerifyInputSignature(
			signable.Tx, 0, signable.Tapscripts[0], signable.SpentOutputs,
			verifierKey.PubKey(), sig, txscript.SigHashDefault,
		)
		require.ErrorIs(t, err, domain.ErrInvalidSignature)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := application.SignInput(
			signable.Tx, 1, signable.Tapscripts[0], signable.SpentOutputs,
			proverKey, txscript.SigHashDefault,
		)
		require.Error(t, err)
	})
}

func TestSigner(t *testing.T) {
	builder := txbuilder.NewTxBuilder()
	allowList := []string{"proof_refuted"}

	t.Run("sign and verify", func(t *testing.T) {
		templates := newProtocolFixture(t).templates
		signer := application.NewSigner(
			builder, allKeys(), application.DefaultSighashPolicy(), allowList,
		)

		for _, role := range []domain.Role{domain.RoleProver, domain.RoleVerifier} {
			res := signer.SignTemplate(&templates[1], templates, role)
			require.Equal(t, application.ResultOk, res.Kind, res.Reason)
		}
		require.NotEmpty(t, templates[1].Txid)
		require.Len(t, templates[1].Inputs[0].ProverSignature, schnorr.SignatureSize)
		require.Len(t, templates[1].Inputs[0].VerifierSignature, schnorr.SignatureSize)

		for _, role := range []domain.Role{domain.RoleProver, domain.RoleVerifier} {
			res := signer.VerifyTemplate(&templates[1], templates, role, false)
			require.Equal(t, application.ResultOk, res.Kind, res.Reason)
		}

		templates[1].Inputs[0].ProverSignature, templates[1].Inputs[0].VerifierSignature =
			templates[1].Inputs[0].VerifierSignature, templates[1].Inputs[0].ProverSignature
		res := signer.VerifyTemplate(&templates[1], templates, domain.RoleProver, false)
		require.Equal(t, application.ResultFatal, res.Kind)
		require.ErrorIs(t, res.Err, domain.ErrInvalidSignature)
	})

	t.Run("external", func(t *testing.T) {
		templates := newProtocolFixture(t).templates
		signer := application.NewSigner(
			builder, allKeys(), application.DefaultSighashPolicy(), allowList,
		)

		res := signer.SignTemplate(&templates[0], templates, domain.RoleProver)
		require.Equal(t, application.ResultOk, res.Kind)
		require.Equal(t, lockedFundsTxid, templates[0].Txid)
	})

	t.Run("missing script", func(t *testing.T) {
		templates := newProtocolFixture(t).templates
		signer := application.NewSigner(
			builder, allKeys(), application.DefaultSighashPolicy(), allowList,
		)
		res := signer.SignTemplate(&templates[1], templates, domain.RoleProver)
		require.Equal(t, application.ResultOk, res.Kind, res.Reason)

		res = signer.SignTemplate(&templates[2], templates, domain.RoleProver)
		require.Equal(t, application.ResultSkip, res.Kind)
		require.Empty(t, templates[2].Inputs[0].ProverSignature)

		strict := application.NewSigner(
			builder, allKeys(), application.DefaultSighashPolicy(), nil,
		)
		res = strict.SignTemplate(&templates[2], templates, domain.RoleProver)
		require.Equal(t, application.ResultFatal, res.Kind)
		require.ErrorIs(t, res.Err, domain.ErrMissingScript)

		res = strict.VerifyTemplate(&templates[2], templates, domain.RoleProver, true)
		require.Equal(t, application.ResultSkip, res.Kind)
		res = strict.VerifyTemplate(&templates[2], templates, domain.RoleProver, false)
		require.Equal(t, application.ResultFatal, res.Kind)
	})

	t.Run("missing signature", func(t *testing.T) {
		templates := newProtocolFixture(t).templates
		signer := application.NewSigner(
			builder, allKeys(), application.DefaultSighashPolicy(), allowList,
		)
		res := signer.SignTemplate(&templates[1], templates, domain.RoleProver)
		require.Equal(t, application.ResultOk, res.Kind, res.Reason)

		res = signer.VerifyTemplate(&templates[1], templates, domain.RoleVerifier, false)
		require.Equal(t, application.ResultFatal, res.Kind)
		require.ErrorIs(t, res.Err, domain.ErrMissingSignature)
	})

	t.Run("missing key", func(t *testing.T) {
		templates := newProtocolFixture(t).templates
		signer := application.NewSigner(
			builder, keysFor(domain.RoleProver), application.DefaultSighashPolicy(), allowList,
		)
		res := signer.SignTemplate(&templates[1], templates, domain.RoleVerifier)
		require.Equal(t, application.ResultFatal, res.Kind)
	})

	t.Run("fundable", func(t *testing.T) {
		_, templates := fundableFixture(t)
		signer := application.NewSigner(
			builder, allKeys(), application.DefaultSighashPolicy(), nil,
		)

		res := signer.SignTemplate(&templates[1], templates, domain.RoleProver)
		require.Equal(t, application.ResultOk, res.Kind, res.Reason)
		sig := templates[1].Inputs[0].ProverSignature
		require.Len(t, sig, schnorr.SignatureSize+1)
		require.Equal(
			t, byte(txscript.SigHashSingle|txscript.SigHashAnyOneCanPay), sig[schnorr.SignatureSize],
		)

		res = signer.VerifyTemplate(&templates[1], templates, domain.RoleProver, false)
		require.Equal(t, application.ResultOk, res.Kind, res.Reason)

		templates[1].Outputs = append(templates[1].Outputs, templates[1].Outputs[0])
		res = signer.SignTemplate(&templates[1], templates, domain.RoleProver)
		require.Equal(t, application.ResultFatal, res.Kind)
	})
}
