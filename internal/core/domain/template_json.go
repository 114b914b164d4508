package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type spendingConditionJSON struct {
	Index          int             `json:"index"`
	NextRole       Role            `json:"nextRole"`
	SignatureType  SignatureType   `json:"signatureType"`
	Script         string          `json:"script,omitempty"`
	ControlBlock   string          `json:"controlBlock,omitempty"`
	TimeoutBlocks  *uint32         `json:"timeoutBlocks,omitempty"`
	ExampleWitness json.RawMessage `json:"exampleWitness,omitempty"`
}

type outputJSON struct {
	Index              int                 `json:"index"`
	Amount             string              `json:"amount,omitempty"`
	TaprootKey         string              `json:"taprootKey,omitempty"`
	SpendingConditions []SpendingCondition `json:"spendingConditions"`
	Funded             bool                `json:"funded,omitempty"`
}

type inputJSON struct {
	Index                  int      `json:"index"`
	TemplateName           string   `json:"templateName,omitempty"`
	OutputIndex            int      `json:"outputIndex"`
	SpendingConditionIndex int      `json:"spendingConditionIndex"`
	Script                 string   `json:"script,omitempty"`
	ControlBlock           string   `json:"controlBlock,omitempty"`
	ProverSignature        string   `json:"proverSignature,omitempty"`
	VerifierSignature      string   `json:"verifierSignature,omitempty"`
	Funded                 bool     `json:"funded,omitempty"`
	Txid                   string   `json:"txid,omitempty"`
	Vout                   uint32   `json:"vout,omitempty"`
	Witness                []string `json:"witness,omitempty"`
}

type templateJSON struct {
	SetupId      string              `json:"setupId"`
	Name         string              `json:"templateName"`
	Role         Role                `json:"role"`
	Ordinal      int                 `json:"ordinal"`
	IsExternal   bool                `json:"isExternal,omitempty"`
	Fundable     bool                `json:"fundable,omitempty"`
	UnknownTxid  bool                `json:"unknownTxid,omitempty"`
	Inputs       []Input             `json:"inputs"`
	Outputs      []Output            `json:"outputs"`
	Txid         string              `json:"txId,omitempty"`
	TxData       map[string]string   `json:"txData,omitempty"`
	ProtocolData map[string][]string `json:"protocolData,omitempty"`
	Status       TemplateStatus      `json:"status"`
	RejectReason string              `json:"rejectReason,omitempty"`
	UpdatedAt    int64               `json:"updatedAt,omitempty"`
}

func (c SpendingCondition) MarshalJSON() ([]byte, error) {
	v := spendingConditionJSON{
		Index:         c.Index,
		NextRole:      c.NextRole,
		SignatureType: c.SignatureType,
		Script:        formatOptionalHex(c.Script),
		ControlBlock:  formatOptionalHex(c.ControlBlock),
		TimeoutBlocks: c.TimeoutBlocks,
	}
	if c.ExampleWitness != nil {
		buf, err := json.Marshal(formatHexList(c.ExampleWitness))
		if err != nil {
			return nil, err
		}
		v.ExampleWitness = buf
	}
	return json.Marshal(v)
}

func (c *SpendingCondition) UnmarshalJSON(data []byte) error {
	var v spendingConditionJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	script, err := parseOptionalHex(v.Script)
	if err != nil {
		return fmt.Errorf("spending condition %d script: %w", v.Index, err)
	}
	controlBlock, err := parseOptionalHex(v.ControlBlock)
	if err != nil {
		return fmt.Errorf("spending condition %d control block: %w", v.Index, err)
	}
	witness, err := parseExampleWitness(v.ExampleWitness)
	if err != nil {
		return fmt.Errorf("spending condition %d example witness: %w", v.Index, err)
	}

	*c = SpendingCondition{
		Index:          v.Index,
		NextRole:       v.NextRole,
		SignatureType:  v.SignatureType,
		Script:         script,
		ControlBlock:   controlBlock,
		TimeoutBlocks:  v.TimeoutBlocks,
		ExampleWitness: witness,
	}
	return nil
}

// parseExampleWitness accepts both a flat list of elements and a list of
// element groups, which get flattened in order.
func parseExampleWitness(raw json.RawMessage) ([][]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var flat []string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return parseHexList(flat)
	}
	var nested [][]string
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, err
	}
	out := make([][]byte, 0)
	for _, group := range nested {
		elems, err := parseHexList(group)
		if err != nil {
			return nil, err
		}
		out = append(out, elems...)
	}
	return out, nil
}

func (o Output) MarshalJSON() ([]byte, error) {
	return json.Marshal(outputJSON{
		Index:              o.Index,
		Amount:             FormatBigNum(o.Amount),
		TaprootKey:         formatOptionalHex(o.TaprootKey),
		SpendingConditions: o.SpendingConditions,
		Funded:             o.Funded,
	})
}

func (o *Output) UnmarshalJSON(data []byte) error {
	var v outputJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	out := Output{
		Index:              v.Index,
		SpendingConditions: v.SpendingConditions,
		Funded:             v.Funded,
	}
	if v.Amount != "" {
		amount, err := ParseBigNum(v.Amount)
		if err != nil {
			return fmt.Errorf("output %d amount: %w", v.Index, err)
		}
		out.Amount = amount
	}
	key, err := parseOptionalHex(v.TaprootKey)
	if err != nil {
		return fmt.Errorf("output %d taproot key: %w", v.Index, err)
	}
	out.TaprootKey = key
	*o = out
	return nil
}

func (i Input) MarshalJSON() ([]byte, error) {
	return json.Marshal(inputJSON{
		Index:                  i.Index,
		TemplateName:           i.TemplateName,
		OutputIndex:            i.OutputIndex,
		SpendingConditionIndex: i.SpendingConditionIndex,
		Script:                 formatOptionalHex(i.Script),
		ControlBlock:           formatOptionalHex(i.ControlBlock),
		ProverSignature:        formatOptionalHex(i.ProverSignature),
		VerifierSignature:      formatOptionalHex(i.VerifierSignature),
		Funded:                 i.Funded,
		Txid:                   i.Txid,
		Vout:                   i.Vout,
		Witness:                formatHexList(i.Witness),
	})
}

func (i *Input) UnmarshalJSON(data []byte) error {
	var v inputJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	in := Input{
		Index:                  v.Index,
		TemplateName:           v.TemplateName,
		OutputIndex:            v.OutputIndex,
		SpendingConditionIndex: v.SpendingConditionIndex,
		Funded:                 v.Funded,
		Txid:                   v.Txid,
		Vout:                   v.Vout,
	}

	fields := []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"script", v.Script, &in.Script},
		{"control block", v.ControlBlock, &in.ControlBlock},
		{"prover signature", v.ProverSignature, &in.ProverSignature},
		{"verifier signature", v.VerifierSignature, &in.VerifierSignature},
	}
	for _, f := range fields {
		b, err := parseOptionalHex(f.src)
		if err != nil {
			return fmt.Errorf("input %d %s: %w", v.Index, f.name, err)
		}
		*f.dst = b
	}

	witness, err := parseHexList(v.Witness)
	if err != nil {
		return fmt.Errorf("input %d witness: %w", v.Index, err)
	}
	in.Witness = witness

	*i = in
	return nil
}

func (t TransactionTemplate) MarshalJSON() ([]byte, error) {
	v := templateJSON{
		SetupId:      t.SetupId,
		Name:         t.Name,
		Role:         t.Role,
		Ordinal:      t.Ordinal,
		IsExternal:   t.IsExternal,
		Fundable:     t.Fundable,
		UnknownTxid:  t.UnknownTxid,
		Inputs:       t.Inputs,
		Outputs:      t.Outputs,
		Txid:         t.Txid,
		Status:       t.Status,
		RejectReason: t.RejectReason,
		UpdatedAt:    t.UpdatedAt,
	}
	if len(t.TxData) > 0 {
		v.TxData = make(map[string]string, len(t.TxData))
		for k, b := range t.TxData {
			v.TxData[k] = FormatHex(b)
		}
	}
	if len(t.ProtocolData) > 0 {
		v.ProtocolData = make(map[string][]string, len(t.ProtocolData))
		for idx, elems := range t.ProtocolData {
			v.ProtocolData[strconv.Itoa(idx)] = formatHexList(elems)
		}
	}
	return json.Marshal(v)
}

func (t *TransactionTemplate) UnmarshalJSON(data []byte) error {
	var v templateJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Name == "" {
		// older exports use "name"
		var legacy struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &legacy); err == nil {
			v.Name = legacy.Name
		}
	}

	tmpl := TransactionTemplate{
		SetupId:      v.SetupId,
		Name:         v.Name,
		Role:         v.Role,
		Ordinal:      v.Ordinal,
		IsExternal:   v.IsExternal,
		Fundable:     v.Fundable,
		UnknownTxid:  v.UnknownTxid,
		Inputs:       v.Inputs,
		Outputs:      v.Outputs,
		Txid:         v.Txid,
		Status:       v.Status,
		RejectReason: v.RejectReason,
		UpdatedAt:    v.UpdatedAt,
	}
	if len(v.TxData) > 0 {
		tmpl.TxData = make(map[string][]byte, len(v.TxData))
		for k, s := range v.TxData {
			b, err := ParseHex(s)
			if err != nil {
				return fmt.Errorf("template %s tx data %s: %w", v.Name, k, err)
			}
			tmpl.TxData[k] = b
		}
	}
	if len(v.ProtocolData) > 0 {
		tmpl.ProtocolData = make(map[int][][]byte, len(v.ProtocolData))
		for k, list := range v.ProtocolData {
			idx, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("template %s protocol data key %q: %w", v.Name, k, err)
			}
			elems, err := parseHexList(list)
			if err != nil {
				return fmt.Errorf("template %s protocol data %d: %w", v.Name, idx, err)
			}
			tmpl.ProtocolData[idx] = elems
		}
	}

	*t = tmpl
	return nil
}
