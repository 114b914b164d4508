package application

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/internal/core/ports"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	log "github.com/sirupsen/logrus"
)

const (
	// dustAmount is the smallest change output worth adding, in sats.
	dustAmount = 546

	mockSignatureSize = 71
	mockPubkeySize    = 33
)

func (s *service) FundTemplate(
	ctx context.Context, setupId, name string, opts FundOptions,
) (string, error) {
	templates, err := s.repoManager.Templates().GetTemplates(ctx, setupId)
	if err != nil {
		return "", err
	}
	template, err := domain.FindTemplate(templates, name)
	if err != nil {
		return "", err
	}

	if err := s.fundTemplate(ctx, template, templates, s.fundOptions(opts)); err != nil {
		return "", err
	}

	if err := s.repoManager.Templates().AddOrUpdateTemplates(
		ctx, []domain.TransactionTemplate{*template},
	); err != nil {
		return "", fmt.Errorf("failed to save funded template %s: %s", name, err)
	}

	log.WithField("setup", setupId).Infof("funded template %s with txid %s", name, template.Txid)
	return template.Txid, nil
}

// fundTemplate adds wallet inputs, and a change output when worth it, to a
// signed fundable template until the fee rate is met. The input and output
// of the template are left untouched.
func (s *service) fundTemplate(
	ctx context.Context, template *domain.TransactionTemplate,
	templates []domain.TransactionTemplate, opts FundOptions,
) error {
	if !template.Fundable {
		return fmt.Errorf("%w: %s", domain.ErrNotFundable, template.Name)
	}
	if len(template.Inputs) != 1 || len(template.Outputs) != 1 {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyFunded, template.Name)
	}

	params, err := s.chainParams(ctx)
	if err != nil {
		return err
	}

	signable, err := s.builder.BuildSignable(template, templates, true)
	if err != nil {
		return err
	}
	signed, err := s.builder.BuildSigned(template, templates)
	if err != nil {
		return err
	}

	packet, err := psbt.NewFromUnsignedTx(signable.Tx.Copy())
	if err != nil {
		return fmt.Errorf("failed to create psbt of %s: %s", template.Name, err)
	}
	var witnessBuf bytes.Buffer
	if err := psbt.WriteTxWitness(&witnessBuf, signed.TxIn[0].Witness); err != nil {
		return err
	}
	packet.Inputs[0].WitnessUtxo = signable.SpentOutputs[0]
	packet.Inputs[0].FinalScriptWitness = witnessBuf.Bytes()

	utxos, err := s.node.ListUnspent(ctx)
	if err != nil {
		return fmt.Errorf("failed to list wallet utxos: %s", err)
	}
	sort.SliceStable(utxos, func(i, j int) bool {
		return utxos[i].Confirmations > utxos[j].Confirmations
	})

	reserved := make([]wire.OutPoint, 0)
	defer func() {
		if len(reserved) == 0 {
			return
		}
		if err := s.node.UnlockUnspent(context.Background(), reserved); err != nil {
			log.WithError(err).Warnf("failed to unlock %d utxos", len(reserved))
		}
	}()

	inAmount := signable.SpentOutputs[0].Value
	outAmount := signable.Tx.TxOut[0].Value
	fee := estimateFee(packet, signed.TxIn[0].Witness, opts.FeeRate)

	for _, utxo := range utxos {
		if inAmount-outAmount >= fee {
			break
		}

		hash, err := chainhash.NewHashFromStr(utxo.Txid)
		if err != nil {
			return fmt.Errorf("invalid utxo txid %s: %s", utxo.Txid, err)
		}
		outpoint := wire.NewOutPoint(hash, utxo.Vout)
		if err := s.node.LockUnspent(ctx, []wire.OutPoint{*outpoint}); err != nil {
			return fmt.Errorf("failed to lock utxo %s: %s", outpoint, err)
		}
		reserved = append(reserved, *outpoint)

		txIn := wire.NewTxIn(outpoint, nil, nil)
		txIn.Sequence = 0
		packet.UnsignedTx.AddTxIn(txIn)
		packet.Inputs = append(packet.Inputs, psbt.PInput{
			WitnessUtxo: wire.NewTxOut(utxo.Amount, utxo.ScriptPubKey),
		})
		inAmount += utxo.Amount

		fee = estimateFee(packet, signed.TxIn[0].Witness, opts.FeeRate)
	}

	if inAmount-outAmount < fee {
		return fmt.Errorf(
			"%w: %s needs a fee of %d sats, wallet provides %d",
			domain.ErrOutOfFunds, template.Name, fee, inAmount-outAmount,
		)
	}

	if change := inAmount - outAmount - fee; change > dustAmount {
		changeScript, err := s.changeScript(ctx, opts.ChangeAddress, params)
		if err != nil {
			return err
		}
		packet.UnsignedTx.AddTxOut(wire.NewTxOut(change, changeScript))
		packet.Outputs = append(packet.Outputs, psbt.POutput{})
	}

	finalTx, err := s.signWalletInputs(ctx, packet)
	if err != nil {
		return fmt.Errorf("failed to fund %s: %w", template.Name, err)
	}

	if err := checkFundedTx(signed, finalTx); err != nil {
		return fmt.Errorf("%s: %w", template.Name, err)
	}

	if opts.TestMempoolAccept {
		if err := s.testMempoolAccept(ctx, finalTx); err != nil {
			return fmt.Errorf("funded %s: %s", template.Name, err)
		}
	}

	for i, txIn := range finalTx.TxIn[1:] {
		template.Inputs = append(template.Inputs, domain.Input{
			Index:   i + 1,
			Funded:  true,
			Txid:    txIn.PreviousOutPoint.Hash.String(),
			Vout:    txIn.PreviousOutPoint.Index,
			Witness: txIn.Witness,
		})
	}
	for i, txOut := range finalTx.TxOut[1:] {
		template.Outputs = append(template.Outputs, domain.Output{
			Index:      i + 1,
			Amount:     big.NewInt(txOut.Value),
			TaprootKey: txOut.PkScript,
			Funded:     true,
		})
	}

	serialized, err := serializeTx(finalTx)
	if err != nil {
		return err
	}
	if template.TxData == nil {
		template.TxData = make(map[string][]byte)
	}
	template.TxData[domain.TxDataSignedSerializedTx] = serialized
	template.Txid = finalTx.TxHash().String()
	return nil
}

// estimateFee returns the fee of the packet tx at the given rate, assuming
// the not yet signed inputs get a p2wpkh sized witness and a change output
// is added.
func estimateFee(packet *psbt.Packet, witness wire.TxWitness, feeRate chainfee.SatPerKVByte) int64 {
	tx := packet.UnsignedTx.Copy()
	for i, txIn := range tx.TxIn {
		if i == 0 {
			txIn.Witness = witness
			continue
		}
		txIn.Witness = wire.TxWitness{
			bytes.Repeat([]byte{'1'}, mockSignatureSize),
			bytes.Repeat([]byte{'2'}, mockPubkeySize),
		}
	}

	mockChange := append([]byte{txscript.OP_1, txscript.OP_DATA_32}, make([]byte, 32)...)
	tx.AddTxOut(wire.NewTxOut(dustAmount, mockChange))

	vsize := mempool.GetTxVirtualSize(btcutil.NewTx(tx))
	return int64(feeRate) * vsize / 1000
}

func (s *service) changeScript(
	ctx context.Context, address string, params *chaincfg.Params,
) ([]byte, error) {
	if address == "" {
		var err error
		if address, err = s.node.GetNewAddress(ctx); err != nil {
			return nil, fmt.Errorf("failed to get change address: %s", err)
		}
	}
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid change address %s: %s", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

// signWalletInputs has the node wallet sign its inputs of packet and returns
// the final transaction.
func (s *service) signWalletInputs(ctx context.Context, packet *psbt.Packet) (*wire.MsgTx, error) {
	b64, err := packet.B64Encode()
	if err != nil {
		return nil, err
	}

	processed, complete, err := s.node.WalletProcessPsbt(ctx, b64)
	if err != nil {
		return nil, fmt.Errorf("failed to process psbt: %s", err)
	}
	if !complete {
		return nil, fmt.Errorf("wallet could not sign every input")
	}

	signedPacket, err := psbt.NewFromRawBytes(strings.NewReader(processed), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse processed psbt: %s", err)
	}
	for i := range signedPacket.Inputs {
		if len(signedPacket.Inputs[i].FinalScriptWitness) > 0 ||
			len(signedPacket.Inputs[i].FinalScriptSig) > 0 {
			continue
		}
		if err := psbt.Finalize(signedPacket, i); err != nil {
			return nil, fmt.Errorf("failed to finalize input %d: %s", i, err)
		}
	}
	return psbt.Extract(signedPacket)
}

// checkFundedTx makes sure the wallet did not alter the signed input and
// output of the template.
func checkFundedTx(signed, funded *wire.MsgTx) error {
	if len(funded.TxIn) == 0 || len(funded.TxOut) == 0 {
		return domain.ErrFundingSanity
	}
	in, fundedIn := signed.TxIn[0], funded.TxIn[0]
	if in.PreviousOutPoint != fundedIn.PreviousOutPoint || in.Sequence != fundedIn.Sequence {
		return domain.ErrFundingSanity
	}
	if len(in.Witness) != len(fundedIn.Witness) {
		return domain.ErrFundingSanity
	}
	for i := range in.Witness {
		if !bytes.Equal(in.Witness[i], fundedIn.Witness[i]) {
			return domain.ErrFundingSanity
		}
	}
	out, fundedOut := signed.TxOut[0], funded.TxOut[0]
	if out.Value != fundedOut.Value || !bytes.Equal(out.PkScript, fundedOut.PkScript) {
		return domain.ErrFundingSanity
	}
	return nil
}

func (s *service) FundExternal(
	ctx context.Context, setupId string, names []string, opts FundOptions,
) error {
	opts = s.fundOptions(opts)
	params, err := s.chainParams(ctx)
	if err != nil {
		return err
	}

	templates, err := s.repoManager.Templates().GetTemplates(ctx, setupId)
	if err != nil {
		return err
	}

	// walletcreatefundedpsbt locks the inputs it selects.
	locked := make([]wire.OutPoint, 0)
	defer func() {
		if len(locked) == 0 {
			return
		}
		if err := s.node.UnlockUnspent(context.Background(), locked); err != nil {
			log.WithError(err).Warnf("failed to unlock %d utxos", len(locked))
		}
	}()

	funded := make([]domain.TransactionTemplate, 0, len(names))
	for _, name := range names {
		template, err := domain.FindTemplate(templates, name)
		if err != nil {
			return err
		}

		outputs := make([]ports.WalletOutput, 0, len(template.Outputs))
		for _, out := range template.Outputs {
			address, err := outputAddress(out.TaprootKey, params)
			if err != nil {
				return fmt.Errorf("output %d of %s: %s", out.Index, name, err)
			}
			if out.Amount == nil || !out.Amount.IsInt64() {
				return fmt.Errorf("output %d of %s has invalid amount", out.Index, name)
			}
			outputs = append(outputs, ports.WalletOutput{
				Address: address,
				Amount:  out.Amount.Int64(),
			})
		}

		b64, err := s.node.WalletCreateFundedPsbt(ctx, outputs, opts.FeeRate, opts.ChangeAddress)
		if err != nil {
			return fmt.Errorf("failed to create funded psbt for %s: %s", name, err)
		}
		packet, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
		if err != nil {
			return fmt.Errorf("failed to parse funded psbt for %s: %s", name, err)
		}
		for _, txIn := range packet.UnsignedTx.TxIn {
			locked = append(locked, txIn.PreviousOutPoint)
		}

		tx, err := s.signWalletInputs(ctx, packet)
		if err != nil {
			return fmt.Errorf("failed to sign %s: %w", name, err)
		}
		serialized, err := serializeTx(tx)
		if err != nil {
			return err
		}

		template.IsExternal = true
		template.Txid = tx.TxHash().String()
		if template.TxData == nil {
			template.TxData = make(map[string][]byte)
		}
		template.TxData[domain.TxDataSignedSerializedTx] = serialized
		funded = append(funded, *template)

		log.WithField("setup", setupId).Infof("funded external template %s with txid %s", name, template.Txid)
	}

	return s.repoManager.Templates().AddOrUpdateTemplates(ctx, funded)
}

func outputAddress(pkScript []byte, params *chaincfg.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil {
		return "", err
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("script %x has no address", pkScript)
	}
	return addrs[0].EncodeAddress(), nil
}

func (s *service) fundOptions(opts FundOptions) FundOptions {
	if opts.FeeRate == 0 {
		opts.FeeRate = s.cfg.Funding.FeeRate
	}
	if opts.ChangeAddress == "" {
		opts.ChangeAddress = s.cfg.Funding.ChangeAddress
	}
	opts.TestMempoolAccept = opts.TestMempoolAccept || s.cfg.Funding.TestMempoolAccept
	return opts
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
