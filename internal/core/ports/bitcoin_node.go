package ports

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// Utxo is a wallet output as reported by the node. Amount is in satoshis.
type Utxo struct {
	Txid          string
	Vout          uint32
	Amount        int64
	ScriptPubKey  []byte
	Confirmations int64
}

type MempoolAcceptResult struct {
	Txid         string
	Allowed      bool
	RejectReason string
}

// WalletOutput is a destination of a wallet funded psbt. Amount is in
// satoshis.
type WalletOutput struct {
	Address string
	Amount  int64
}

type BitcoinNode interface {
	// GetChain returns the chain name as reported by getblockchaininfo.
	GetChain(ctx context.Context) (string, error)
	GetRawTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)
	TestMempoolAccept(ctx context.Context, tx *wire.MsgTx) (*MempoolAcceptResult, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (string, error)
	ListUnspent(ctx context.Context) ([]Utxo, error)
	LockUnspent(ctx context.Context, outpoints []wire.OutPoint) error
	UnlockUnspent(ctx context.Context, outpoints []wire.OutPoint) error
	GetNewAddress(ctx context.Context) (string, error)
	WalletCreateFundedPsbt(
		ctx context.Context, outputs []WalletOutput,
		feeRate chainfee.SatPerKVByte, changeAddress string,
	) (string, error)
	// WalletProcessPsbt signs the wallet inputs of the given base64 psbt and
	// returns the updated psbt and whether it is complete.
	WalletProcessPsbt(ctx context.Context, b64 string) (string, bool, error)
	GenerateToAddress(ctx context.Context, blocks int64, address string) ([]string, error)
	Close()
}
