package application

import (
	"context"
	"fmt"
	"time"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/pkg/tapscript"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

type Service interface {
	Start() error
	Stop()
	// RunCycle runs one pass of the agent loop: sign, verify, retry runtime
	// scripts and broadcast.
	RunCycle(ctx context.Context)

	ImportSetup(ctx context.Context, setup domain.Setup, templates []domain.TransactionTemplate) error
	SignSetup(ctx context.Context, setupId string) error
	VerifySetup(ctx context.Context, setupId string) error
	MergeSignatures(ctx context.Context, setupId string, counterpart []domain.TransactionTemplate) error
	MarkReady(ctx context.Context, setupId, name string) error
	Broadcast(ctx context.Context, setupId, name string) (string, error)
	FundTemplate(ctx context.Context, setupId, name string, opts FundOptions) (string, error)
	FundExternal(ctx context.Context, setupId string, names []string, opts FundOptions) error
	RetrySetup(ctx context.Context, setupId string) error
	GetSetup(ctx context.Context, setupId string) (*domain.Setup, error)
	GetTemplates(ctx context.Context, setupId string) ([]domain.TransactionTemplate, error)
	RunScriptTests(ctx context.Context, setupId string, filter ScriptTestFilter) ([]ScriptTestResult, error)
}

type Config struct {
	Role         domain.Role
	AgentId      string
	Keys         Keys
	PollInterval time.Duration

	Sign              bool
	Broadcast         bool
	TestMempoolAccept bool
	EvaluateInputs    bool

	// MissingScriptAllowList names the templates whose scripts may only be
	// known at runtime.
	MissingScriptAllowList []string
	Sighash                SighashPolicy
	Funding                FundOptions
	// ScriptLimits bounds script evaluation. IgnoreSignatureErrors only
	// applies to script tests, broadcast pre-flight always ignores them.
	ScriptLimits tapscript.Options
}

// Keys are the schnorr keys of both parties. The agent needs only its own
// private key, the counterpart one is used by script tests.
type Keys struct {
	ProverPublic    *btcec.PublicKey
	VerifierPublic  *btcec.PublicKey
	ProverPrivate   *btcec.PrivateKey
	VerifierPrivate *btcec.PrivateKey
}

func (k Keys) Public(role domain.Role) (*btcec.PublicKey, error) {
	key := k.ProverPublic
	if role == domain.RoleVerifier {
		key = k.VerifierPublic
	}
	if key == nil {
		return nil, fmt.Errorf("missing %s public key", role)
	}
	return key, nil
}

func (k Keys) Private(role domain.Role) (*btcec.PrivateKey, error) {
	key := k.ProverPrivate
	if role == domain.RoleVerifier {
		key = k.VerifierPrivate
	}
	if key == nil {
		return nil, fmt.Errorf("missing %s private key", role)
	}
	return key, nil
}

// SighashPolicy is the sighash flag committed to by signatures of each
// template kind.
type SighashPolicy struct {
	Protocol txscript.SigHashType
	Fundable txscript.SigHashType
}

// DefaultSighashPolicy lets fundable templates be extended with wallet inputs
// and a change output after they are signed.
func DefaultSighashPolicy() SighashPolicy {
	return SighashPolicy{
		Protocol: txscript.SigHashDefault,
		Fundable: txscript.SigHashSingle | txscript.SigHashAnyOneCanPay,
	}
}

func (p SighashPolicy) For(template *domain.TransactionTemplate) txscript.SigHashType {
	if template.Fundable {
		return p.Fundable
	}
	return p.Protocol
}

// FundOptions configure wallet funding. Zero values fall back to the
// service configuration.
type FundOptions struct {
	FeeRate           chainfee.SatPerKVByte
	ChangeAddress     string
	TestMempoolAccept bool
}

type ResultKind int

const (
	ResultOk ResultKind = iota
	ResultSkip
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultSkip:
		return "skip"
	case ResultFatal:
		return "fatal"
	default:
		return "ok"
	}
}

// Result is the outcome of signing or verifying a template. A skipped
// template is left as is without failing its setup.
type Result struct {
	Kind   ResultKind
	Reason string
	Err    error
}

func ok() Result {
	return Result{Kind: ResultOk}
}

func skip(reason string) Result {
	return Result{Kind: ResultSkip, Reason: reason}
}

func fatal(err error) Result {
	return Result{Kind: ResultFatal, Reason: err.Error(), Err: err}
}

type ScriptTestFilter struct {
	Role             domain.Role
	Template         string
	IncludeTimelocks bool
	// Onchain funds every tested commitment on the node wallet and checks
	// the spend with testmempoolaccept instead of evaluating it offline.
	Onchain bool
}

type ScriptTestCase struct {
	TemplateName   string
	OutputIndex    int
	ConditionIndex int
	Amount         int64
	Condition      domain.SpendingCondition
}

func (c ScriptTestCase) String() string {
	return fmt.Sprintf("%s:%d:%d", c.TemplateName, c.OutputIndex, c.ConditionIndex)
}

type ScriptTestResult struct {
	Case ScriptTestCase
	Err  error
}
