package bitcoind

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bitsnark/bitsnark/internal/core/ports"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	log "github.com/sirupsen/logrus"
)

type service struct {
	client *rpcclient.Client
}

// NewService connects to a bitcoind node over JSON-RPC in HTTP POST mode.
func NewService(host, user, pass string) (ports.BitcoinNode, error) {
	host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bitcoind at %s: %s", host, err)
	}
	return &service{client}, nil
}

func (s *service) GetChain(_ context.Context) (string, error) {
	info, err := s.client.GetBlockChainInfo()
	if err != nil {
		return "", err
	}
	return info.Chain, nil
}

func (s *service) GetRawTransaction(_ context.Context, txid string) (*wire.MsgTx, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %s", txid, err)
	}
	tx, err := s.client.GetRawTransaction(hash)
	if err != nil {
		return nil, err
	}
	return tx.MsgTx(), nil
}

type testMempoolAcceptResult struct {
	Txid         string `json:"txid"`
	Allowed      bool   `json:"allowed"`
	RejectReason string `json:"reject-reason"`
}

func (s *service) TestMempoolAccept(
	_ context.Context, tx *wire.MsgTx,
) (*ports.MempoolAcceptResult, error) {
	txHex, err := serializeTx(tx)
	if err != nil {
		return nil, err
	}

	var res []testMempoolAcceptResult
	if err := s.rawRequest("testmempoolaccept", &res, []string{txHex}); err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("testmempoolaccept returned %d results", len(res))
	}
	return &ports.MempoolAcceptResult{
		Txid:         res[0].Txid,
		Allowed:      res[0].Allowed,
		RejectReason: res[0].RejectReason,
	}, nil
}

func (s *service) SendRawTransaction(_ context.Context, tx *wire.MsgTx) (string, error) {
	hash, err := s.client.SendRawTransaction(tx, false)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (s *service) ListUnspent(_ context.Context) ([]ports.Utxo, error) {
	unspents, err := s.client.ListUnspent()
	if err != nil {
		return nil, err
	}

	utxos := make([]ports.Utxo, 0, len(unspents))
	for _, u := range unspents {
		if !u.Spendable {
			continue
		}
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount of %s:%d: %s", u.TxID, u.Vout, err)
		}
		script, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("invalid script of %s:%d: %s", u.TxID, u.Vout, err)
		}
		utxos = append(utxos, ports.Utxo{
			Txid:          u.TxID,
			Vout:          u.Vout,
			Amount:        int64(amount),
			ScriptPubKey:  script,
			Confirmations: u.Confirmations,
		})
	}
	return utxos, nil
}

func (s *service) LockUnspent(_ context.Context, outpoints []wire.OutPoint) error {
	return s.client.LockUnspent(false, toOutpointRefs(outpoints))
}

func (s *service) UnlockUnspent(_ context.Context, outpoints []wire.OutPoint) error {
	return s.client.LockUnspent(true, toOutpointRefs(outpoints))
}

func (s *service) GetNewAddress(_ context.Context) (string, error) {
	var address string
	if err := s.rawRequest("getnewaddress", &address, "", "bech32m"); err != nil {
		return "", err
	}
	return address, nil
}

type walletCreateFundedPsbtOpts struct {
	ChangeAddress  string  `json:"changeAddress,omitempty"`
	ChangePosition int     `json:"changePosition"`
	FeeRate        float64 `json:"feeRate,omitempty"`
	LockUnspents   bool    `json:"lockUnspents"`
}

// WalletCreateFundedPsbt funds the outputs from the node wallet. The
// selected inputs are locked and the change, if any, goes last.
func (s *service) WalletCreateFundedPsbt(
	_ context.Context, outputs []ports.WalletOutput,
	feeRate chainfee.SatPerKVByte, changeAddress string,
) (string, error) {
	psbtOutputs := make([]btcjson.PsbtOutput, 0, len(outputs))
	for _, out := range outputs {
		psbtOutputs = append(psbtOutputs, btcjson.NewPsbtOutput(
			out.Address, btcutil.Amount(out.Amount),
		))
	}

	opts := walletCreateFundedPsbtOpts{
		ChangeAddress:  changeAddress,
		ChangePosition: len(outputs),
		LockUnspents:   true,
	}
	if feeRate > 0 {
		// bitcoind expects BTC/kvB
		opts.FeeRate = btcutil.Amount(feeRate).ToBTC()
	}

	var res struct {
		Psbt string  `json:"psbt"`
		Fee  float64 `json:"fee"`
	}
	if err := s.rawRequest(
		"walletcreatefundedpsbt", &res, []interface{}{}, psbtOutputs, 0, opts,
	); err != nil {
		return "", err
	}
	log.Debugf("wallet funded psbt with a fee of %v BTC", res.Fee)
	return res.Psbt, nil
}

func (s *service) WalletProcessPsbt(_ context.Context, b64 string) (string, bool, error) {
	var res struct {
		Psbt     string `json:"psbt"`
		Complete bool   `json:"complete"`
	}
	if err := s.rawRequest("walletprocesspsbt", &res, b64, true, "DEFAULT"); err != nil {
		return "", false, err
	}
	return res.Psbt, res.Complete, nil
}

func (s *service) GenerateToAddress(
	_ context.Context, blocks int64, address string,
) ([]string, error) {
	var hashes []string
	if err := s.rawRequest("generatetoaddress", &hashes, blocks, address); err != nil {
		return nil, err
	}
	return hashes, nil
}

func (s *service) Close() {
	s.client.Shutdown()
}

func (s *service) rawRequest(method string, result interface{}, params ...interface{}) error {
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		buf, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %s", method, err)
		}
		rawParams = append(rawParams, buf)
	}

	res, err := s.client.RawRequest(method, rawParams)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	if err := json.Unmarshal(res, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %s", method, err)
	}
	return nil
}

func toOutpointRefs(outpoints []wire.OutPoint) []*wire.OutPoint {
	refs := make([]*wire.OutPoint, 0, len(outpoints))
	for i := range outpoints {
		refs = append(refs, &outpoints[i])
	}
	return refs
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
