package domain

import (
	"fmt"
	"math/big"
	"time"
)

const (
	RoleProver Role = iota
	RoleVerifier
)

type Role int

func (r Role) String() string {
	if r == RoleVerifier {
		return "VERIFIER"
	}
	return "PROVER"
}

func (r Role) Counterpart() Role {
	if r == RoleVerifier {
		return RoleProver
	}
	return RoleVerifier
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "PROVER", "prover":
		return RoleProver, nil
	case "VERIFIER", "verifier":
		return RoleVerifier, nil
	default:
		return RoleProver, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

const (
	SignatureTypeNone SignatureType = iota
	SignatureTypeProver
	SignatureTypeVerifier
	SignatureTypeBoth
)

type SignatureType int

func (s SignatureType) String() string {
	switch s {
	case SignatureTypeProver:
		return "PROVER"
	case SignatureTypeVerifier:
		return "VERIFIER"
	case SignatureTypeBoth:
		return "BOTH"
	default:
		return "NONE"
	}
}

func ParseSignatureType(s string) (SignatureType, error) {
	switch s {
	case "", "NONE":
		return SignatureTypeNone, nil
	case "PROVER":
		return SignatureTypeProver, nil
	case "VERIFIER":
		return SignatureTypeVerifier, nil
	case "BOTH":
		return SignatureTypeBoth, nil
	default:
		return SignatureTypeNone, fmt.Errorf("unknown signature type %q", s)
	}
}

func (s SignatureType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SignatureType) UnmarshalText(text []byte) error {
	t, err := ParseSignatureType(string(text))
	if err != nil {
		return err
	}
	*s = t
	return nil
}

// Requires returns whether a witness for this condition carries a signature
// of the given role.
func (s SignatureType) Requires(role Role) bool {
	switch s {
	case SignatureTypeBoth:
		return true
	case SignatureTypeProver:
		return role == RoleProver
	case SignatureTypeVerifier:
		return role == RoleVerifier
	default:
		return false
	}
}

const (
	TemplateStatusPending TemplateStatus = iota
	TemplateStatusReady
	TemplateStatusPublished
	TemplateStatusRejected
)

type TemplateStatus int

func (s TemplateStatus) String() string {
	switch s {
	case TemplateStatusReady:
		return "READY"
	case TemplateStatusPublished:
		return "PUBLISHED"
	case TemplateStatusRejected:
		return "REJECTED"
	default:
		return "PENDING"
	}
}

func ParseTemplateStatus(s string) (TemplateStatus, error) {
	switch s {
	case "", "PENDING":
		return TemplateStatusPending, nil
	case "READY":
		return TemplateStatusReady, nil
	case "PUBLISHED":
		return TemplateStatusPublished, nil
	case "REJECTED":
		return TemplateStatusRejected, nil
	default:
		return TemplateStatusPending, fmt.Errorf("unknown template status %q", s)
	}
}

func (s TemplateStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TemplateStatus) UnmarshalText(text []byte) error {
	status, err := ParseTemplateStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

const TxDataSignedSerializedTx = "signedSerializedTx"

type SpendingCondition struct {
	Index          int
	NextRole       Role
	SignatureType  SignatureType
	Script         []byte
	ControlBlock   []byte
	TimeoutBlocks  *uint32
	ExampleWitness [][]byte
}

type Output struct {
	Index              int
	Amount             *big.Int
	TaprootKey         []byte
	SpendingConditions []SpendingCondition
	Funded             bool
}

func (o Output) SpendingCondition(index int) (*SpendingCondition, error) {
	if index < 0 || index >= len(o.SpendingConditions) {
		return nil, fmt.Errorf(
			"spending condition %d out of range for output %d (%d conditions)",
			index, o.Index, len(o.SpendingConditions),
		)
	}
	return &o.SpendingConditions[index], nil
}

type Input struct {
	Index                  int
	TemplateName           string
	OutputIndex            int
	SpendingConditionIndex int
	Script                 []byte
	ControlBlock           []byte
	ProverSignature        []byte
	VerifierSignature      []byte

	// Set for wallet inputs added while funding.
	Funded  bool
	Txid    string
	Vout    uint32
	Witness [][]byte
}

func (i Input) Signature(role Role) []byte {
	if role == RoleVerifier {
		return i.VerifierSignature
	}
	return i.ProverSignature
}

func (i *Input) SetSignature(role Role, sig []byte) {
	if role == RoleVerifier {
		i.VerifierSignature = sig
		return
	}
	i.ProverSignature = sig
}

type TransactionTemplate struct {
	SetupId      string
	Name         string
	Role         Role
	Ordinal      int
	IsExternal   bool
	Fundable     bool
	UnknownTxid  bool
	Inputs       []Input
	Outputs      []Output
	Txid         string
	TxData       map[string][]byte
	ProtocolData map[int][][]byte
	Status       TemplateStatus
	RejectReason string
	UpdatedAt    int64
}

func (t *TransactionTemplate) Output(index int) (*Output, error) {
	if index < 0 || index >= len(t.Outputs) {
		return nil, fmt.Errorf(
			"output %d out of range for template %s (%d outputs)",
			index, t.Name, len(t.Outputs),
		)
	}
	return &t.Outputs[index], nil
}

func (t *TransactionTemplate) IsFunded() bool {
	for _, in := range t.Inputs {
		if in.Funded {
			return true
		}
	}
	return false
}

// HasSignatures returns whether every non-funded input carries a signature
// of the given role.
func (t *TransactionTemplate) HasSignatures(role Role) bool {
	for _, in := range t.Inputs {
		if in.Funded {
			continue
		}
		if len(in.Signature(role)) == 0 {
			return false
		}
	}
	return true
}

func (t *TransactionTemplate) MarkReady() error {
	if t.Status != TemplateStatusPending && t.Status != TemplateStatusRejected {
		return fmt.Errorf("not in a valid status to mark template %s as ready", t.Name)
	}
	t.RejectReason = ""
	t.touch(TemplateStatusReady)
	return nil
}

func (t *TransactionTemplate) MarkPublished(txid string) error {
	if t.Status != TemplateStatusReady {
		return fmt.Errorf("not in a valid status to publish template %s", t.Name)
	}
	if t.Txid != "" && t.Txid != txid {
		return fmt.Errorf(
			"%w: template %s expected %s, got %s", ErrTxidMismatch, t.Name, t.Txid, txid,
		)
	}
	t.Txid = txid
	t.touch(TemplateStatusPublished)
	return nil
}

func (t *TransactionTemplate) MarkRejected(reason string) error {
	if t.Status != TemplateStatusReady {
		return fmt.Errorf("not in a valid status to reject template %s", t.Name)
	}
	t.RejectReason = reason
	t.touch(TemplateStatusRejected)
	return nil
}

func (t *TransactionTemplate) touch(status TemplateStatus) {
	t.Status = status
	t.UpdatedAt = time.Now().Unix()
}

// FindTemplate returns the template with the given name.
func FindTemplate(templates []TransactionTemplate, name string) (*TransactionTemplate, error) {
	for i := range templates {
		if templates[i].Name == name {
			return &templates[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
}

// ValidateTemplates checks that names are unique within the setup and that
// every input references an existing template with a strictly smaller
// ordinal, which keeps the graph acyclic.
func ValidateTemplates(templates []TransactionTemplate) error {
	byName := make(map[string]TransactionTemplate, len(templates))
	for _, t := range templates {
		if t.Name == "" {
			return fmt.Errorf("template with ordinal %d has no name", t.Ordinal)
		}
		if _, ok := byName[t.Name]; ok {
			return fmt.Errorf("duplicated template name %s", t.Name)
		}
		byName[t.Name] = t
	}

	for _, t := range templates {
		for _, in := range t.Inputs {
			if in.Funded {
				continue
			}
			prev, ok := byName[in.TemplateName]
			if !ok {
				return fmt.Errorf(
					"%w: %s referenced by input %d of %s",
					ErrTemplateNotFound, in.TemplateName, in.Index, t.Name,
				)
			}
			if prev.Ordinal >= t.Ordinal {
				return fmt.Errorf(
					"input %d of %s (ordinal %d) spends %s (ordinal %d) which is not earlier",
					in.Index, t.Name, t.Ordinal, prev.Name, prev.Ordinal,
				)
			}
		}
	}
	return nil
}
