package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/internal/core/ports"
	"github.com/bitsnark/bitsnark/pkg/tapscript"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
)

type service struct {
	cfg Config

	repoManager ports.RepoManager
	node        ports.BitcoinNode
	builder     ports.TxBuilder
	scheduler   ports.SchedulerService
	signer      *Signer

	lock   sync.Mutex
	params *chaincfg.Params
}

func NewService(
	cfg Config, network string,
	repoManager ports.RepoManager, node ports.BitcoinNode,
	builder ports.TxBuilder, scheduler ports.SchedulerService,
) (Service, error) {
	if _, err := cfg.Keys.Public(cfg.Role); err != nil {
		return nil, err
	}
	if cfg.Sign {
		if _, err := cfg.Keys.Private(cfg.Role); err != nil {
			return nil, err
		}
	}

	svc := &service{
		cfg:         cfg,
		repoManager: repoManager,
		node:        node,
		builder:     builder,
		scheduler:   scheduler,
		signer: NewSigner(
			builder, cfg.Keys, cfg.Sighash, cfg.MissingScriptAllowList,
		),
	}

	if network != "" {
		params, err := ChainParams(network)
		if err != nil {
			return nil, err
		}
		svc.params = params
	}
	return svc, nil
}

func (s *service) Start() error {
	if _, err := s.chainParams(context.Background()); err != nil {
		return err
	}

	if err := s.scheduler.ScheduleEvery(s.cfg.PollInterval, func() {
		s.RunCycle(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule agent loop: %s", err)
	}

	log.Debugf("starting agent %s as %s", s.cfg.AgentId, s.cfg.Role)
	s.scheduler.Start()
	return nil
}

func (s *service) Stop() {
	s.scheduler.Stop()
	log.Debug("stopped agent loop")
	s.node.Close()
	log.Debug("closed connection to bitcoin node")
	s.repoManager.Close()
	log.Debug("closed connection to db")
}

func (s *service) RunCycle(ctx context.Context) {
	if s.cfg.Sign {
		s.signSetups(ctx)
		s.verifySetups(ctx)
		s.signRuntimeScripts(ctx)
	}
	if s.cfg.Broadcast {
		s.broadcastTemplates(ctx)
	}
}

func (s *service) signSetups(ctx context.Context) {
	setups, err := s.repoManager.Setups().GetSetupsWithStatus(
		ctx, domain.SetupStatusPending, domain.SetupStatusReady,
	)
	if err != nil {
		log.WithError(err).Warn("failed to get setups to sign")
		return
	}
	for _, setup := range setups {
		if err := s.SignSetup(ctx, setup.Id); err != nil {
			log.WithError(err).WithField("setup", setup.Id).Warn("failed to sign setup")
		}
	}
}

func (s *service) verifySetups(ctx context.Context) {
	setups, err := s.repoManager.Setups().GetSetupsWithStatus(ctx, domain.SetupStatusMerged)
	if err != nil {
		log.WithError(err).Warn("failed to get setups to verify")
		return
	}
	for _, setup := range setups {
		if err := s.VerifySetup(ctx, setup.Id); err != nil {
			log.WithError(err).WithField("setup", setup.Id).Warn("failed to verify setup")
		}
	}
}

// signRuntimeScripts signs the allow listed templates of verified setups
// that were skipped because their script was not known yet.
func (s *service) signRuntimeScripts(ctx context.Context) {
	setups, err := s.repoManager.Setups().GetSetupsWithStatus(ctx, domain.SetupStatusVerified)
	if err != nil {
		log.WithError(err).Warn("failed to get verified setups")
		return
	}

	for _, setup := range setups {
		templates, err := s.repoManager.Templates().GetTemplates(ctx, setup.Id)
		if err != nil {
			log.WithError(err).WithField("setup", setup.Id).Warn("failed to get templates")
			continue
		}

		for i := range templates {
			template := &templates[i]
			if template.IsExternal || !s.signer.AllowsMissingScript(template.Name) ||
				template.HasSignatures(s.cfg.Role) {
				continue
			}

			res := s.signer.SignTemplate(template, templates, s.cfg.Role)
			if res.Kind != ResultOk {
				log.WithField("setup", setup.Id).Debugf(
					"runtime script of %s not signed: %s", template.Name, res.Reason,
				)
				continue
			}
			if err := s.repoManager.Templates().AddOrUpdateTemplates(
				ctx, []domain.TransactionTemplate{*template},
			); err != nil {
				log.WithError(err).WithField("setup", setup.Id).Warnf(
					"failed to save signed template %s", template.Name,
				)
				continue
			}
			log.WithField("setup", setup.Id).Infof("signed runtime script of %s", template.Name)
		}
	}
}

func (s *service) broadcastTemplates(ctx context.Context) {
	templates, err := s.repoManager.Templates().GetTemplatesWithStatus(
		ctx, domain.TemplateStatusReady,
	)
	if err != nil {
		log.WithError(err).Warn("failed to get templates to broadcast")
		return
	}
	for i := range templates {
		if _, err := s.broadcast(ctx, &templates[i]); err != nil {
			log.WithError(err).WithField("setup", templates[i].SetupId).Warnf(
				"failed to broadcast %s", templates[i].Name,
			)
		}
	}
}

func (s *service) ImportSetup(
	ctx context.Context, setup domain.Setup, templates []domain.TransactionTemplate,
) error {
	for i := range templates {
		if templates[i].SetupId == "" {
			templates[i].SetupId = setup.Id
		}
		if templates[i].SetupId != setup.Id {
			return fmt.Errorf(
				"template %s belongs to setup %s, not %s",
				templates[i].Name, templates[i].SetupId, setup.Id,
			)
		}
	}
	if err := domain.ValidateTemplates(templates); err != nil {
		return err
	}

	return s.repoManager.RunTx(ctx, func(ctx context.Context) error {
		if _, err := s.repoManager.Setups().GetSetup(ctx, setup.Id); err == nil {
			return fmt.Errorf("setup %s already exists", setup.Id)
		} else if !errors.Is(err, domain.ErrSetupNotFound) {
			return err
		}

		if err := s.repoManager.Setups().AddOrUpdateSetup(ctx, setup); err != nil {
			return err
		}
		return s.repoManager.Templates().AddOrUpdateTemplates(ctx, templates)
	})
}

// SignSetup signs every template of an unsigned setup with the agent key.
// A fatal result fails the setup, which is persisted, and is returned.
func (s *service) SignSetup(ctx context.Context, setupId string) error {
	var failure error
	if err := s.repoManager.RunTx(ctx, func(ctx context.Context) error {
		setup, err := s.repoManager.Setups().GetSetup(ctx, setupId)
		if err != nil {
			return err
		}
		if !setup.IsUnsigned() {
			return fmt.Errorf("not in a valid status to sign setup %s", setupId)
		}

		templates, err := s.repoManager.Templates().GetTemplates(ctx, setupId)
		if err != nil {
			return err
		}

		for i := range templates {
			res := s.signer.SignTemplate(&templates[i], templates, s.cfg.Role)
			switch res.Kind {
			case ResultSkip:
				log.WithField("setup", setupId).Warnf(
					"skipped signing %s: %s", templates[i].Name, res.Reason,
				)
			case ResultFatal:
				failure = res.Err
				setup.Fail(res.Err)
				return s.repoManager.Setups().AddOrUpdateSetup(ctx, *setup)
			}
		}

		if err := s.repoManager.Templates().AddOrUpdateTemplates(ctx, templates); err != nil {
			return err
		}
		if err := setup.MarkSigned(); err != nil {
			return err
		}
		return s.repoManager.Setups().AddOrUpdateSetup(ctx, *setup)
	}); err != nil {
		return err
	}

	if failure != nil {
		return fmt.Errorf("setup %s failed: %w", setupId, failure)
	}
	log.WithField("setup", setupId).Infof("signed setup as %s", s.cfg.Role)
	return nil
}

// VerifySetup checks the signatures of both roles on every template of a
// merged setup. Templates with a script not known yet are skipped.
func (s *service) VerifySetup(ctx context.Context, setupId string) error {
	var failure error
	if err := s.repoManager.RunTx(ctx, func(ctx context.Context) error {
		setup, err := s.repoManager.Setups().GetSetup(ctx, setupId)
		if err != nil {
			return err
		}
		if setup.Status != domain.SetupStatusMerged {
			return fmt.Errorf("not in a valid status to verify setup %s", setupId)
		}

		templates, err := s.repoManager.Templates().GetTemplates(ctx, setupId)
		if err != nil {
			return err
		}

		for i := range templates {
			for _, role := range []domain.Role{domain.RoleProver, domain.RoleVerifier} {
				res := s.signer.VerifyTemplate(&templates[i], templates, role, true)
				switch res.Kind {
				case ResultSkip:
					log.WithField("setup", setupId).Debugf(
						"skipped verifying %s: %s", templates[i].Name, res.Reason,
					)
				case ResultFatal:
					failure = res.Err
					setup.Fail(res.Err)
					return s.repoManager.Setups().AddOrUpdateSetup(ctx, *setup)
				}
			}
		}

		if err := setup.MarkVerified(); err != nil {
			return err
		}
		return s.repoManager.Setups().AddOrUpdateSetup(ctx, *setup)
	}); err != nil {
		return err
	}

	if failure != nil {
		return fmt.Errorf("setup %s failed: %w", setupId, failure)
	}
	log.WithField("setup", setupId).Info("verified setup")
	return nil
}

// MergeSignatures copies the counterpart signatures found in the given
// templates into the signed setup.
func (s *service) MergeSignatures(
	ctx context.Context, setupId string, counterpart []domain.TransactionTemplate,
) error {
	role := s.cfg.Role.Counterpart()

	return s.repoManager.RunTx(ctx, func(ctx context.Context) error {
		setup, err := s.repoManager.Setups().GetSetup(ctx, setupId)
		if err != nil {
			return err
		}
		if err := setup.MarkMerged(); err != nil {
			return err
		}

		templates, err := s.repoManager.Templates().GetTemplates(ctx, setupId)
		if err != nil {
			return err
		}

		for _, other := range counterpart {
			template, err := domain.FindTemplate(templates, other.Name)
			if err != nil {
				return err
			}
			if len(other.Inputs) != len(template.Inputs) {
				return fmt.Errorf(
					"template %s has %d inputs, counterpart has %d",
					template.Name, len(template.Inputs), len(other.Inputs),
				)
			}
			for i, in := range other.Inputs {
				if template.Inputs[i].Funded {
					continue
				}
				if sig := in.Signature(role); len(sig) > 0 {
					template.Inputs[i].SetSignature(role, sig)
				}
			}
		}

		if err := s.repoManager.Templates().AddOrUpdateTemplates(ctx, templates); err != nil {
			return err
		}
		return s.repoManager.Setups().AddOrUpdateSetup(ctx, *setup)
	})
}

func (s *service) MarkReady(ctx context.Context, setupId, name string) error {
	return s.repoManager.RunTx(ctx, func(ctx context.Context) error {
		setup, err := s.repoManager.Setups().GetSetup(ctx, setupId)
		if err != nil {
			return err
		}
		if setup.Status != domain.SetupStatusVerified {
			return fmt.Errorf("setup %s is not verified", setupId)
		}

		template, err := s.repoManager.Templates().GetTemplate(ctx, setupId, name)
		if err != nil {
			return err
		}
		if err := template.MarkReady(); err != nil {
			return err
		}
		return s.repoManager.Templates().AddOrUpdateTemplates(
			ctx, []domain.TransactionTemplate{*template},
		)
	})
}

const publishSaveAttempts = 3

func (s *service) Broadcast(ctx context.Context, setupId, name string) (string, error) {
	template, err := s.repoManager.Templates().GetTemplate(ctx, setupId, name)
	if err != nil {
		return "", err
	}
	return s.broadcast(ctx, template)
}

// broadcast publishes a ready template. Any failure rejects the template,
// unless the node already knows the transaction.
func (s *service) broadcast(ctx context.Context, template *domain.TransactionTemplate) (string, error) {
	if template.Status != domain.TemplateStatusReady {
		return "", fmt.Errorf("not in a valid status to broadcast template %s", template.Name)
	}

	templates, err := s.repoManager.Templates().GetTemplates(ctx, template.SetupId)
	if err != nil {
		return "", err
	}

	tx, err := s.buildFinalTx(template, templates)
	if err != nil {
		return "", s.reject(ctx, template, err)
	}

	if s.cfg.EvaluateInputs && !template.IsExternal {
		if err := s.evaluateInputs(template, templates); err != nil {
			return "", s.reject(ctx, template, err)
		}
	}

	if s.cfg.TestMempoolAccept {
		if err := s.testMempoolAccept(ctx, tx); err != nil {
			if s.isKnownTx(ctx, tx) {
				return s.publish(ctx, template, tx.TxHash().String())
			}
			return "", s.reject(ctx, template, err)
		}
	}

	txid, err := s.node.SendRawTransaction(ctx, tx)
	if err != nil {
		if !s.isKnownTx(ctx, tx) {
			return "", s.reject(ctx, template, err)
		}
		txid = tx.TxHash().String()
	}
	return s.publish(ctx, template, txid)
}

// isKnownTx reports whether the node already has tx in its mempool or chain.
// A template whose transaction was sent but never saved as published is
// found this way on the next attempt.
func (s *service) isKnownTx(ctx context.Context, tx *wire.MsgTx) bool {
	known, err := s.node.GetRawTransaction(ctx, tx.TxHash().String())
	return err == nil && known != nil && known.TxHash() == tx.TxHash()
}

func (s *service) publish(
	ctx context.Context, template *domain.TransactionTemplate, txid string,
) (string, error) {
	if err := template.MarkPublished(txid); err != nil {
		return "", s.reject(ctx, template, err)
	}

	var err error
	for i := 0; i < publishSaveAttempts; i++ {
		if err = s.repoManager.Templates().AddOrUpdateTemplates(
			ctx, []domain.TransactionTemplate{*template},
		); err == nil {
			break
		}
		log.WithError(err).WithField("setup", template.SetupId).Warnf(
			"failed to save published template %s (attempt %d)", template.Name, i+1,
		)
	}
	if err != nil {
		return "", fmt.Errorf("template %s published with txid %s but not saved: %w",
			template.Name, txid, err)
	}

	log.WithField("setup", template.SetupId).Infof("published %s with txid %s", template.Name, txid)
	return txid, nil
}

func (s *service) buildFinalTx(
	template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
) (*wire.MsgTx, error) {
	switch {
	case template.IsExternal:
		raw := template.TxData[domain.TxDataSignedSerializedTx]
		if len(raw) == 0 {
			return nil, fmt.Errorf("external template %s has no signed transaction", template.Name)
		}
		tx := wire.NewMsgTx(2)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("invalid signed transaction of %s: %s", template.Name, err)
		}
		return tx, nil
	case template.IsFunded():
		return s.builder.BuildFunded(template, templates)
	default:
		return s.builder.BuildSigned(template, templates)
	}
}

// evaluateInputs runs the scripts of every protocol input of template.
// Signature failures are only logged.
func (s *service) evaluateInputs(
	template *domain.TransactionTemplate, templates []domain.TransactionTemplate,
) error {
	signable, err := s.builder.BuildSignable(template, templates, true)
	if err != nil {
		return err
	}
	signed, err := s.builder.BuildSigned(template, templates)
	if err != nil {
		return err
	}

	opts := tapscript.Options{
		MaxScriptSize:         s.cfg.ScriptLimits.MaxScriptSize,
		MaxOpCount:            s.cfg.ScriptLimits.MaxOpCount,
		IgnoreSignatureErrors: true,
	}
	fetcher := signable.PrevOutFetcher()
	for i := range signed.TxIn {
		if err := tapscript.VerifyInput(signed, i, fetcher, opts); err != nil {
			return fmt.Errorf("input %d of %s fails evaluation: %w", i, template.Name, err)
		}
	}
	return nil
}

func (s *service) testMempoolAccept(ctx context.Context, tx *wire.MsgTx) error {
	res, err := s.node.TestMempoolAccept(ctx, tx)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return fmt.Errorf("rejected by mempool: %s", res.RejectReason)
	}
	return nil
}

func (s *service) reject(ctx context.Context, template *domain.TransactionTemplate, cause error) error {
	if err := template.MarkRejected(cause.Error()); err != nil {
		return err
	}
	if err := s.repoManager.Templates().AddOrUpdateTemplates(
		ctx, []domain.TransactionTemplate{*template},
	); err != nil {
		log.WithError(err).Warnf("failed to save rejected template %s", template.Name)
	}
	return fmt.Errorf("template %s rejected: %w", template.Name, cause)
}

func (s *service) RetrySetup(ctx context.Context, setupId string) error {
	return s.repoManager.RunTx(ctx, func(ctx context.Context) error {
		setup, err := s.repoManager.Setups().GetSetup(ctx, setupId)
		if err != nil {
			return err
		}
		if err := setup.Retry(); err != nil {
			return err
		}
		return s.repoManager.Setups().AddOrUpdateSetup(ctx, *setup)
	})
}

func (s *service) GetSetup(ctx context.Context, setupId string) (*domain.Setup, error) {
	return s.repoManager.Setups().GetSetup(ctx, setupId)
}

func (s *service) GetTemplates(ctx context.Context, setupId string) ([]domain.TransactionTemplate, error) {
	return s.repoManager.Templates().GetTemplates(ctx, setupId)
}

// chainParams returns the params of the configured network, or of the chain
// the node runs on.
func (s *service) chainParams(ctx context.Context) (*chaincfg.Params, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.params != nil {
		return s.params, nil
	}

	chain, err := s.node.GetChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain from node: %s", err)
	}
	params, err := ChainParams(chain)
	if err != nil {
		return nil, err
	}
	s.params = params
	return params, nil
}

// ChainParams maps a chain name, as reported by getblockchaininfo, to its
// params. testnet4 shares address encoding with testnet3.
func ChainParams(chain string) (*chaincfg.Params, error) {
	switch chain {
	case "main", "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "test", "testnet", "testnet3", "testnet4":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown chain %s", chain)
	}
}
