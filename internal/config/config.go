package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bitsnark/bitsnark/internal/core/application"
	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/bitsnark/bitsnark/internal/core/ports"
	"github.com/bitsnark/bitsnark/internal/infrastructure/bitcoind"
	"github.com/bitsnark/bitsnark/internal/infrastructure/db"
	timescheduler "github.com/bitsnark/bitsnark/internal/infrastructure/scheduler/gocron"
	txbuilder "github.com/bitsnark/bitsnark/internal/infrastructure/tx-builder"
	"github.com/bitsnark/bitsnark/pkg/tapscript"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var (
	supportedDbs = supportedType{
		"badger": {},
		"sqlite": {},
	}
	supportedSchedulers = supportedType{
		"gocron": {},
	}
	supportedSighashes = map[string]txscript.SigHashType{
		"DEFAULT":             txscript.SigHashDefault,
		"ALL":                 txscript.SigHashAll,
		"NONE":                txscript.SigHashNone,
		"SINGLE":              txscript.SigHashSingle,
		"ALL_ANYONECANPAY":    txscript.SigHashAll | txscript.SigHashAnyOneCanPay,
		"NONE_ANYONECANPAY":   txscript.SigHashNone | txscript.SigHashAnyOneCanPay,
		"SINGLE_ANYONECANPAY": txscript.SigHashSingle | txscript.SigHashAnyOneCanPay,
	}
)

type Config struct {
	Datadir       string
	DbType        string
	DbDir         string
	LogLevel      int
	SchedulerType string

	Role         string
	AgentId      string
	PollInterval time.Duration

	ProverPublicKey    string
	ProverPrivateKey   string `json:"-"`
	VerifierPublicKey  string
	VerifierPrivateKey string `json:"-"`

	BitcoindRpcHost string
	BitcoindRpcUser string
	BitcoindRpcPass string `json:"-"`
	Network         string

	// FeeRate is in sat/vB.
	FeeRate                float64
	ChangeAddress          string
	MissingScriptAllowList []string
	ProtocolSighash        string
	FundableSighash        string

	Sign              bool
	Broadcast         bool
	TestMempoolAccept bool
	EvaluateInputs    bool
	MaxScriptSize     int
	MaxOpCount        int
	// IgnoreSignatureErrors only affects script tests.
	IgnoreSignatureErrors bool

	role      domain.Role
	keys      application.Keys
	repo      ports.RepoManager
	node      ports.BitcoinNode
	txBuilder ports.TxBuilder
	scheduler ports.SchedulerService
	svc       application.Service
}

func (c *Config) String() string {
	json, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	Datadir                = "DATADIR"
	DbType                 = "DB_TYPE"
	LogLevel               = "LOG_LEVEL"
	SchedulerType          = "SCHEDULER_TYPE"
	Role                   = "ROLE"
	AgentId                = "AGENT_ID"
	PollInterval           = "POLL_INTERVAL"
	ProverSchnorrPublic    = "PROVER_SCHNORR_PUBLIC"
	ProverSchnorrPrivate   = "PROVER_SCHNORR_PRIVATE"
	VerifierSchnorrPublic  = "VERIFIER_SCHNORR_PUBLIC"
	VerifierSchnorrPrivate = "VERIFIER_SCHNORR_PRIVATE"
	BitcoindRpcHost        = "BITCOIND_RPC_HOST"
	BitcoindRpcUser        = "BITCOIND_RPC_USER"
	BitcoindRpcPass        = "BITCOIND_RPC_PASS"
	Network                = "NETWORK"
	FeeRate                = "FEE_RATE"
	ChangeAddress          = "CHANGE_ADDRESS"
	MissingScriptAllowList = "MISSING_SCRIPT_ALLOWLIST"
	ProtocolSighash        = "PROTOCOL_SIGHASH"
	FundableSighash        = "FUNDABLE_SIGHASH"
	Sign                   = "SIGN"
	Broadcast              = "BROADCAST"
	TestMempoolAccept      = "TEST_MEMPOOL_ACCEPT"
	EvaluateInputs         = "EVALUATE_INPUTS"
	MaxScriptSize          = "MAX_SCRIPT_SIZE"
	MaxOpCount             = "MAX_OP_COUNT"
	IgnoreSignatureErrors  = "IGNORE_SIGNATURE_ERRORS"

	defaultDatadir                = btcutil.AppDataDir("bitsnarkd", false)
	defaultDbType                 = "badger"
	defaultLogLevel               = 4
	defaultSchedulerType          = "gocron"
	defaultRole                   = "prover"
	defaultAgentId                = "bitsnark_prover_1"
	defaultPollInterval           = 10 * time.Second
	defaultBitcoindRpcHost        = "localhost:18443"
	defaultBitcoindRpcUser        = "rpcuser"
	defaultBitcoindRpcPass        = "rpcpassword"
	defaultFeeRate                = 10.0
	defaultMissingScriptAllowList = "proof_refuted"
	defaultProtocolSighash        = "DEFAULT"
	defaultFundableSighash        = "SINGLE_ANYONECANPAY"
	defaultSign                   = true
	defaultBroadcast              = true
	defaultTestMempoolAccept      = true
	defaultEvaluateInputs         = true
)

func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix("BITSNARK")
	viper.AutomaticEnv()

	viper.SetDefault(Datadir, defaultDatadir)
	viper.SetDefault(DbType, defaultDbType)
	viper.SetDefault(LogLevel, defaultLogLevel)
	viper.SetDefault(SchedulerType, defaultSchedulerType)
	viper.SetDefault(Role, defaultRole)
	viper.SetDefault(AgentId, defaultAgentId)
	viper.SetDefault(PollInterval, defaultPollInterval)
	viper.SetDefault(BitcoindRpcHost, defaultBitcoindRpcHost)
	viper.SetDefault(BitcoindRpcUser, defaultBitcoindRpcUser)
	viper.SetDefault(BitcoindRpcPass, defaultBitcoindRpcPass)
	viper.SetDefault(FeeRate, defaultFeeRate)
	viper.SetDefault(MissingScriptAllowList, defaultMissingScriptAllowList)
	viper.SetDefault(ProtocolSighash, defaultProtocolSighash)
	viper.SetDefault(FundableSighash, defaultFundableSighash)
	viper.SetDefault(Sign, defaultSign)
	viper.SetDefault(Broadcast, defaultBroadcast)
	viper.SetDefault(TestMempoolAccept, defaultTestMempoolAccept)
	viper.SetDefault(EvaluateInputs, defaultEvaluateInputs)

	if err := initDatadir(); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}

	agentId := viper.GetString(AgentId)
	dbPath := filepath.Join(viper.GetString(Datadir), "db", agentId)

	return &Config{
		Datadir:                viper.GetString(Datadir),
		DbType:                 viper.GetString(DbType),
		DbDir:                  dbPath,
		LogLevel:               viper.GetInt(LogLevel),
		SchedulerType:          viper.GetString(SchedulerType),
		Role:                   viper.GetString(Role),
		AgentId:                agentId,
		PollInterval:           viper.GetDuration(PollInterval),
		ProverPublicKey:        viper.GetString(ProverSchnorrPublic),
		ProverPrivateKey:       viper.GetString(ProverSchnorrPrivate),
		VerifierPublicKey:      viper.GetString(VerifierSchnorrPublic),
		VerifierPrivateKey:     viper.GetString(VerifierSchnorrPrivate),
		BitcoindRpcHost:        viper.GetString(BitcoindRpcHost),
		BitcoindRpcUser:        viper.GetString(BitcoindRpcUser),
		BitcoindRpcPass:        viper.GetString(BitcoindRpcPass),
		Network:                viper.GetString(Network),
		FeeRate:                viper.GetFloat64(FeeRate),
		ChangeAddress:          viper.GetString(ChangeAddress),
		MissingScriptAllowList: splitList(viper.GetString(MissingScriptAllowList)),
		ProtocolSighash:        strings.ToUpper(viper.GetString(ProtocolSighash)),
		FundableSighash:        strings.ToUpper(viper.GetString(FundableSighash)),
		Sign:                   viper.GetBool(Sign),
		Broadcast:              viper.GetBool(Broadcast),
		TestMempoolAccept:      viper.GetBool(TestMempoolAccept),
		EvaluateInputs:         viper.GetBool(EvaluateInputs),
		MaxScriptSize:          viper.GetInt(MaxScriptSize),
		MaxOpCount:             viper.GetInt(MaxOpCount),
		IgnoreSignatureErrors:  viper.GetBool(IgnoreSignatureErrors),
	}, nil
}

func initDatadir() error {
	datadir := viper.GetString(Datadir)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedSchedulers.supports(c.SchedulerType) {
		return fmt.Errorf("scheduler type not supported, please select one of: %s", supportedSchedulers)
	}
	if _, ok := supportedSighashes[c.ProtocolSighash]; !ok {
		return fmt.Errorf("protocol sighash not supported, please select one of: %s", sighashNames())
	}
	if _, ok := supportedSighashes[c.FundableSighash]; !ok {
		return fmt.Errorf("fundable sighash not supported, please select one of: %s", sighashNames())
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("invalid poll interval, must be at least 1 second")
	}
	if c.FeeRate < 0 {
		return fmt.Errorf("invalid fee rate, must not be negative")
	}
	if len(c.AgentId) <= 0 {
		return fmt.Errorf("missing agent id")
	}
	if len(c.Network) > 0 {
		if _, err := application.ChainParams(c.Network); err != nil {
			return err
		}
	}

	role, err := domain.ParseRole(c.Role)
	if err != nil {
		return err
	}
	c.role = role

	if err := c.parseKeys(); err != nil {
		return err
	}
	if _, err := c.keys.Public(c.role); err != nil {
		return err
	}
	if c.Sign {
		if _, err := c.keys.Private(c.role); err != nil {
			return fmt.Errorf("signing is enabled but %s", err)
		}
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.nodeService(); err != nil {
		return err
	}
	if err := c.txBuilderService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AppService() (application.Service, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

func (c *Config) NodeService() ports.BitcoinNode {
	return c.node
}

func (c *Config) parseKeys() error {
	proverPriv, err := parsePrivateKey(c.ProverPrivateKey)
	if err != nil {
		return fmt.Errorf("invalid prover private key: %s", err)
	}
	verifierPriv, err := parsePrivateKey(c.VerifierPrivateKey)
	if err != nil {
		return fmt.Errorf("invalid verifier private key: %s", err)
	}
	proverPub, err := parsePublicKey(c.ProverPublicKey, proverPriv)
	if err != nil {
		return fmt.Errorf("invalid prover public key: %s", err)
	}
	verifierPub, err := parsePublicKey(c.VerifierPublicKey, verifierPriv)
	if err != nil {
		return fmt.Errorf("invalid verifier public key: %s", err)
	}

	c.keys = application.Keys{
		ProverPublic:    proverPub,
		ProverPrivate:   proverPriv,
		VerifierPublic:  verifierPub,
		VerifierPrivate: verifierPriv,
	}
	return nil
}

func (c *Config) repoManager() error {
	var dataStoreConfig []interface{}
	logger := log.New()

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	case "sqlite":
		dataStoreConfig = []interface{}{c.DbDir}
	default:
		return fmt.Errorf("unknown db type")
	}

	if err := makeDirectoryIfNotExists(c.DbDir); err != nil {
		return fmt.Errorf("error while creating db dir: %s", err)
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   c.DbType,
		DataStoreConfig: dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) nodeService() error {
	if len(c.BitcoindRpcHost) <= 0 {
		return fmt.Errorf("bitcoind rpc host not set")
	}

	svc, err := bitcoind.NewService(c.BitcoindRpcHost, c.BitcoindRpcUser, c.BitcoindRpcPass)
	if err != nil {
		return err
	}

	c.node = svc
	return nil
}

func (c *Config) txBuilderService() error {
	c.txBuilder = txbuilder.NewTxBuilder()
	return nil
}

func (c *Config) schedulerService() error {
	var svc ports.SchedulerService
	var err error
	switch c.SchedulerType {
	case "gocron":
		svc = timescheduler.NewScheduler()
	default:
		err = fmt.Errorf("unknown scheduler type")
	}
	if err != nil {
		return err
	}

	c.scheduler = svc
	return nil
}

func (c *Config) appService() error {
	if c.repo == nil || c.node == nil {
		return fmt.Errorf("config not validated")
	}

	svc, err := application.NewService(
		application.Config{
			Role:                   c.role,
			AgentId:                c.AgentId,
			Keys:                   c.keys,
			PollInterval:           c.PollInterval,
			Sign:                   c.Sign,
			Broadcast:              c.Broadcast,
			TestMempoolAccept:      c.TestMempoolAccept,
			EvaluateInputs:         c.EvaluateInputs,
			MissingScriptAllowList: c.MissingScriptAllowList,
			Sighash: application.SighashPolicy{
				Protocol: supportedSighashes[c.ProtocolSighash],
				Fundable: supportedSighashes[c.FundableSighash],
			},
			Funding: application.FundOptions{
				// sat/vB to sat/kvB
				FeeRate:           chainfee.SatPerKVByte(c.FeeRate * 1000),
				ChangeAddress:     c.ChangeAddress,
				TestMempoolAccept: c.TestMempoolAccept,
			},
			ScriptLimits: tapscript.Options{
				MaxScriptSize:         c.MaxScriptSize,
				MaxOpCount:            c.MaxOpCount,
				IgnoreSignatureErrors: c.IgnoreSignatureErrors,
			},
		},
		c.Network, c.repo, c.node, c.txBuilder, c.scheduler,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}

func parsePrivateKey(str string) (*btcec.PrivateKey, error) {
	if len(str) <= 0 {
		return nil, nil
	}
	buf, err := hex.DecodeString(strings.TrimPrefix(str, "0x"))
	if err != nil {
		return nil, err
	}
	if len(buf) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(buf))
	}
	key, _ := btcec.PrivKeyFromBytes(buf)
	return key, nil
}

// parsePublicKey accepts both x-only and compressed keys. Without a key the
// one of the given private key, if any, is returned.
func parsePublicKey(str string, privKey *btcec.PrivateKey) (*btcec.PublicKey, error) {
	if len(str) <= 0 {
		if privKey == nil {
			return nil, nil
		}
		return privKey.PubKey(), nil
	}

	buf, err := hex.DecodeString(strings.TrimPrefix(str, "0x"))
	if err != nil {
		return nil, err
	}

	var key *btcec.PublicKey
	switch len(buf) {
	case schnorr.PubKeyBytesLen:
		key, err = schnorr.ParsePubKey(buf)
	case btcec.PubKeyBytesLenCompressed:
		key, err = btcec.ParsePubKey(buf)
	default:
		err = fmt.Errorf("must be %d or %d bytes, got %d",
			schnorr.PubKeyBytesLen, btcec.PubKeyBytesLenCompressed, len(buf))
	}
	if err != nil {
		return nil, err
	}

	if privKey != nil {
		derived := schnorr.SerializePubKey(privKey.PubKey())
		if !bytes.Equal(derived, schnorr.SerializePubKey(key)) {
			return nil, fmt.Errorf("does not match the private key")
		}
	}
	return key, nil
}

func splitList(str string) []string {
	list := make([]string, 0)
	for _, s := range strings.Split(str, ",") {
		if s = strings.TrimSpace(s); len(s) > 0 {
			list = append(list, s)
		}
	}
	return list
}

func sighashNames() string {
	names := make([]string, 0, len(supportedSighashes))
	for name := range supportedSighashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " | ")
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	sort.Strings(types)
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
