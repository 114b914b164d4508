package domain_test

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/stretchr/testify/require"
)

var timeout = uint32(6)

func testTemplates() []domain.TransactionTemplate {
	return []domain.TransactionTemplate{
		{
			SetupId: "setup",
			Name:    "locked_funds",
			Role:    domain.RoleProver,
			Ordinal: 0,
			Outputs: []domain.Output{
				{
					Index:      0,
					Amount:     big.NewInt(100000),
					TaprootKey: []byte{0x51, 0x20, 0x01},
					SpendingConditions: []domain.SpendingCondition{
						{
							Index:         0,
							NextRole:      domain.RoleVerifier,
							SignatureType: domain.SignatureTypeBoth,
							Script:        []byte{0x51},
							ControlBlock:  []byte{0xc0},
							TimeoutBlocks: &timeout,
						},
					},
				},
			},
		},
		{
			SetupId: "setup",
			Name:    "challenge",
			Role:    domain.RoleVerifier,
			Ordinal: 1,
			Inputs: []domain.Input{
				{TemplateName: "locked_funds"},
			},
			ProtocolData: map[int][][]byte{0: {{0x01}, {0x02, 0x03}}},
			TxData:       map[string][]byte{domain.TxDataSignedSerializedTx: {0x02, 0x00}},
		},
	}
}

func TestValidateTemplates(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, domain.ValidateTemplates(testTemplates()))
	})

	t.Run("invalid", func(t *testing.T) {
		fixtures := []struct {
			name   string
			modify func([]domain.TransactionTemplate)
		}{
			{
				name: "duplicated name",
				modify: func(tmpls []domain.TransactionTemplate) {
					tmpls[1].Name = "locked_funds"
				},
			},
			{
				name: "unknown predecessor",
				modify: func(tmpls []domain.TransactionTemplate) {
					tmpls[1].Inputs[0].TemplateName = "missing"
				},
			},
			{
				name: "predecessor not earlier",
				modify: func(tmpls []domain.TransactionTemplate) {
					tmpls[1].Ordinal = 0
				},
			},
		}

		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				tmpls := testTemplates()
				f.modify(tmpls)
				require.Error(t, domain.ValidateTemplates(tmpls))
			})
		}
	})
}

func TestTemplateStatus(t *testing.T) {
	tmpl := testTemplates()[1]
	tmpl.Txid = "aa"

	require.Error(t, tmpl.MarkPublished("aa"))
	require.Error(t, tmpl.MarkRejected("nope"))

	require.NoError(t, tmpl.MarkReady())
	err := tmpl.MarkPublished("bb")
	require.True(t, errors.Is(err, domain.ErrTxidMismatch))

	require.NoError(t, tmpl.MarkRejected("mempool full"))
	require.Equal(t, "mempool full", tmpl.RejectReason)

	require.NoError(t, tmpl.MarkReady())
	require.Empty(t, tmpl.RejectReason)
	require.NoError(t, tmpl.MarkPublished("aa"))
	require.Equal(t, domain.TemplateStatusPublished, tmpl.Status)
	require.Error(t, tmpl.MarkReady())
}

func TestInputSignatures(t *testing.T) {
	tmpl := testTemplates()[1]
	require.False(t, tmpl.HasSignatures(domain.RoleProver))

	tmpl.Inputs[0].SetSignature(domain.RoleProver, []byte{0x01})
	require.True(t, tmpl.HasSignatures(domain.RoleProver))
	require.False(t, tmpl.HasSignatures(domain.RoleVerifier))
	require.Equal(t, []byte{0x01}, tmpl.Inputs[0].Signature(domain.RoleProver))

	require.True(t, domain.SignatureTypeBoth.Requires(domain.RoleVerifier))
	require.True(t, domain.SignatureTypeProver.Requires(domain.RoleProver))
	require.False(t, domain.SignatureTypeProver.Requires(domain.RoleVerifier))
	require.False(t, domain.SignatureTypeNone.Requires(domain.RoleProver))
}

func TestTemplateJSON(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		for _, tmpl := range testTemplates() {
			buf, err := json.Marshal(tmpl)
			require.NoError(t, err)

			var decoded domain.TransactionTemplate
			require.NoError(t, json.Unmarshal(buf, &decoded))
			require.Equal(t, tmpl.Name, decoded.Name)
			require.Equal(t, tmpl.Inputs, decoded.Inputs)
			require.Equal(t, tmpl.ProtocolData, decoded.ProtocolData)
			require.Equal(t, tmpl.TxData, decoded.TxData)
			require.Len(t, decoded.Outputs, len(tmpl.Outputs))
			for i, out := range tmpl.Outputs {
				require.Zero(t, out.Amount.Cmp(decoded.Outputs[i].Amount))
				require.Equal(t, out.TaprootKey, decoded.Outputs[i].TaprootKey)
				require.Equal(t, out.SpendingConditions, decoded.Outputs[i].SpendingConditions)
			}
		}
	})

	t.Run("tagged_values", func(t *testing.T) {
		buf, err := json.Marshal(testTemplates()[0])
		require.NoError(t, err)
		require.Contains(t, string(buf), `"amount":"0x186a0n"`)
		require.Contains(t, string(buf), `"taprootKey":"hex:512001"`)
		require.Contains(t, string(buf), `"signatureType":"BOTH"`)
	})

	t.Run("nested_example_witness", func(t *testing.T) {
		raw := `{"index":0,"signatureType":"PROVER","script":"hex:51",` +
			`"exampleWitness":[["hex:01","hex:02"],["hex:03"]]}`
		var cond domain.SpendingCondition
		require.NoError(t, json.Unmarshal([]byte(raw), &cond))
		require.Equal(t, [][]byte{{0x01}, {0x02}, {0x03}}, cond.ExampleWitness)
		require.Equal(t, domain.SignatureTypeProver, cond.SignatureType)
	})

	t.Run("invalid_tag", func(t *testing.T) {
		raw := `{"templateName":"x","outputs":[{"index":0,"amount":"100"}]}`
		var tmpl domain.TransactionTemplate
		require.Error(t, json.Unmarshal([]byte(raw), &tmpl))
	})
}
