package application_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/mock"
)

type mockedNode struct {
	mock.Mock

	// walletKey signs the key path inputs passed to WalletProcessPsbt.
	walletKey *btcec.PrivateKey
}

func (m *mockedNode) GetChain(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockedNode) GetRawTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	args := m.Called(ctx, txid)

	var res *wire.MsgTx
	if a := args.Get(0); a != nil {
		res = a.(*wire.MsgTx)
	}
	return res, args.Error(1)
}

func (m *mockedNode) TestMempoolAccept(
	ctx context.Context, tx *wire.MsgTx,
) (*ports.MempoolAcceptResult, error) {
	args := m.Called(ctx, tx)

	var res *ports.MempoolAcceptResult
	if a := args.Get(0); a != nil {
		res = a.(*ports.MempoolAcceptResult)
	}
	return res, args.Error(1)
}

func (m *mockedNode) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (string, error) {
	args := m.Called(ctx, tx)
	return args.String(0), args.Error(1)
}

func (m *mockedNode) ListUnspent(ctx context.Context) ([]ports.Utxo, error) {
	args := m.Called(ctx)

	var res []ports.Utxo
	if a := args.Get(0); a != nil {
		res = a.([]ports.Utxo)
	}
	return res, args.Error(1)
}

func (m *mockedNode) LockUnspent(ctx context.Context, outpoints []wire.OutPoint) error {
	args := m.Called(ctx, outpoints)
	return args.Error(0)
}

func (m *mockedNode) UnlockUnspent(ctx context.Context, outpoints []wire.OutPoint) error {
	args := m.Called(ctx, outpoints)
	return args.Error(0)
}

func (m *mockedNode) GetNewAddress(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockedNode) WalletCreateFundedPsbt(
	ctx context.Context, outputs []ports.WalletOutput,
	feeRate chainfee.SatPerKVByte, changeAddress string,
) (string, error) {
	args := m.Called(ctx, outputs, feeRate, changeAddress)
	return args.String(0), args.Error(1)
}

// WalletProcessPsbt signs with walletKey every input of the psbt that is not
// final yet.
func (m *mockedNode) WalletProcessPsbt(ctx context.Context, b64 string) (string, bool, error) {
	args := m.Called(ctx, b64)
	if err := args.Error(2); err != nil {
		return "", false, err
	}
	if !args.Bool(1) {
		return b64, false, nil
	}

	packet, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
	if err != nil {
		return "", false, err
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil {
			return "", false, fmt.Errorf("missing witness utxo of input %d", i)
		}
		fetcher.AddPrevOut(packet.UnsignedTx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	for i, in := range packet.Inputs {
		if len(in.FinalScriptWitness) > 0 {
			continue
		}
		sig, err := txscript.RawTxInTaprootSignature(
			packet.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value, in.WitnessUtxo.PkScript,
			nil, txscript.SigHashDefault, m.walletKey,
		)
		if err != nil {
			return "", false, err
		}
		packet.Inputs[i].TaprootKeySpendSig = sig
	}

	processed, err := packet.B64Encode()
	if err != nil {
		return "", false, err
	}
	return processed, true, nil
}

func (m *mockedNode) GenerateToAddress(
	ctx context.Context, blocks int64, address string,
) ([]string, error) {
	args := m.Called(ctx, blocks, address)

	var res []string
	if a := args.Get(0); a != nil {
		res = a.([]string)
	}
	return res, args.Error(1)
}

func (m *mockedNode) Close() {}

type mockedScheduler struct {
	mock.Mock
}

func (m *mockedScheduler) Start() {
	m.Called()
}

func (m *mockedScheduler) Stop() {
	m.Called()
}

func (m *mockedScheduler) ScheduleEvery(interval time.Duration, task func()) error {
	args := m.Called(interval, task)
	return args.Error(0)
}

// memRepoManager keeps setups and templates in memory and stores copies, so
// that changes are only visible once saved. RunTx rolls back on error.
type memRepoManager struct {
	lock      sync.Mutex
	setups    map[string][]byte
	templates map[string]map[string][]byte

	// failedSaves is the number of upcoming template saves that fail.
	failedSaves int
}

func newMemRepoManager() *memRepoManager {
	return &memRepoManager{
		setups:    make(map[string][]byte),
		templates: make(map[string]map[string][]byte),
	}
}

func (r *memRepoManager) Setups() domain.SetupRepository {
	return &memSetupRepo{r}
}

func (r *memRepoManager) Templates() domain.TemplateRepository {
	return &memTemplateRepo{r}
}

func (r *memRepoManager) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.lock.Lock()
	setups := make(map[string][]byte, len(r.setups))
	for k, v := range r.setups {
		setups[k] = v
	}
	templates := make(map[string]map[string][]byte, len(r.templates))
	for k, v := range r.templates {
		byName := make(map[string][]byte, len(v))
		for name, t := range v {
			byName[name] = t
		}
		templates[k] = byName
	}
	r.lock.Unlock()

	if err := fn(ctx); err != nil {
		r.lock.Lock()
		r.setups, r.templates = setups, templates
		r.lock.Unlock()
		return err
	}
	return nil
}

func (r *memRepoManager) Close() {}

func (r *memRepoManager) failTemplateSaves(n int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.failedSaves = n
}

type memSetupRepo struct {
	*memRepoManager
}

func (r *memSetupRepo) AddOrUpdateSetup(_ context.Context, setup domain.Setup) error {
	buf, err := json.Marshal(setup)
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.setups[setup.Id] = buf
	return nil
}

func (r *memSetupRepo) GetSetup(_ context.Context, id string) (*domain.Setup, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	buf, ok := r.setups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSetupNotFound, id)
	}
	setup := &domain.Setup{}
	if err := json.Unmarshal(buf, setup); err != nil {
		return nil, err
	}
	return setup, nil
}

func (r *memSetupRepo) GetSetupsWithStatus(
	_ context.Context, statuses ...domain.SetupStatus,
) ([]domain.Setup, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	setups := make([]domain.Setup, 0)
	for _, buf := range r.setups {
		var setup domain.Setup
		if err := json.Unmarshal(buf, &setup); err != nil {
			return nil, err
		}
		for _, status := range statuses {
			if setup.Status == status {
				setups = append(setups, setup)
				break
			}
		}
	}
	sort.Slice(setups, func(i, j int) bool { return setups[i].Id < setups[j].Id })
	return setups, nil
}

type memTemplateRepo struct {
	*memRepoManager
}

func (r *memTemplateRepo) AddOrUpdateTemplates(
	_ context.Context, templates []domain.TransactionTemplate,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.failedSaves > 0 {
		r.failedSaves--
		return fmt.Errorf("template store unavailable")
	}

	for _, template := range templates {
		buf, err := json.Marshal(template)
		if err != nil {
			return err
		}
		if _, ok := r.templates[template.SetupId]; !ok {
			r.templates[template.SetupId] = make(map[string][]byte)
		}
		r.templates[template.SetupId][template.Name] = buf
	}
	return nil
}

func (r *memTemplateRepo) GetTemplate(
	_ context.Context, setupId, name string,
) (*domain.TransactionTemplate, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	buf, ok := r.templates[setupId][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, name)
	}
	template := &domain.TransactionTemplate{}
	if err := json.Unmarshal(buf, template); err != nil {
		return nil, err
	}
	return template, nil
}

func (r *memTemplateRepo) GetTemplates(
	_ context.Context, setupId string,
) ([]domain.TransactionTemplate, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.decode(func(t domain.TransactionTemplate) bool { return t.SetupId == setupId })
}

func (r *memTemplateRepo) GetTemplatesWithStatus(
	_ context.Context, status domain.TemplateStatus,
) ([]domain.TransactionTemplate, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.decode(func(t domain.TransactionTemplate) bool { return t.Status == status })
}

func (r *memTemplateRepo) decode(
	filter func(domain.TransactionTemplate) bool,
) ([]domain.TransactionTemplate, error) {
	templates := make([]domain.TransactionTemplate, 0)
	for _, byName := range r.templates {
		for _, buf := range byName {
			var template domain.TransactionTemplate
			if err := json.Unmarshal(buf, &template); err != nil {
				return nil, err
			}
			if filter(template) {
				templates = append(templates, template)
			}
		}
	}
	sort.Slice(templates, func(i, j int) bool {
		if templates[i].SetupId != templates[j].SetupId {
			return templates[i].SetupId < templates[j].SetupId
		}
		return templates[i].Ordinal < templates[j].Ordinal
	})
	return templates, nil
}
