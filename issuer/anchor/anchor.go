// Package anchor submits ultimate Merkle roots to the anchoring contract
// and verifies previously submitted transactions. The chain is reached
// through a narrow backend interface so tests run against a mock instead
// of an RPC endpoint.
package anchor

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
)

var log = logrus.WithField("prefix", "anchor")

// Contract entry point selection.
const (
	ContractLegacy   = "legacy"
	ContractEmitOnly = "emitOnly"
)

const contractABI = `[
	{"type":"function","name":"putRootLegacy","stateMutability":"nonpayable","inputs":[{"name":"timeWindow","type":"uint256"},{"name":"root","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"putRootEmitOnly","stateMutability":"nonpayable","inputs":[{"name":"timeWindow","type":"uint256"},{"name":"root","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"MerkleRootSubmitted","inputs":[{"name":"timeWindow","type":"uint256","indexed":true},{"name":"root","type":"bytes32","indexed":true},{"name":"issuer","type":"address","indexed":true},{"name":"blockNumber","type":"uint256","indexed":false}],"anonymous":false}
]`

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		panic(err)
	}
}

// RootSubmittedID is the topic hash of the MerkleRootSubmitted event.
var RootSubmittedID = parsedABI.Events["MerkleRootSubmitted"].ID

// Backend is the part of an Ethereum client the anchorer needs.
type Backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// FeeConfig holds the fee floors. Values are gwei.
type FeeConfig struct {
	MinPriorityFeeGwei int64
	MinMaxFeeGwei      int64
}

// Polygon Amoy rejects priority fees below 25 gwei.
const (
	ChainIDAmoy         = 80002
	ChainIDPolygon      = 137
	amoyMinPriorityGwei = 25
	fallbackGasLimit    = 120_000
)

// Receipt polling defaults, overridable through Config.
const (
	defaultReceiptPoll    = 2 * time.Second
	defaultReceiptTimeout = 2 * time.Minute
)

var gwei = big.NewInt(1_000_000_000)

// Config assembles a Client.
type Config struct {
	Backend      Backend
	PrivateKey   *ecdsa.PrivateKey
	Contract     common.Address
	ChainID      *big.Int
	ContractType string
	Fees         FeeConfig

	// ReceiptPoll and ReceiptTimeout bound the confirmation wait after a
	// root submission. Zero values take the package defaults.
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// Result describes a mined anchoring transaction.
type Result struct {
	TxHash      string
	BlockNumber uint64
}

// Client anchors roots and verifies anchor transactions.
type Client struct {
	cfg    Config
	sender common.Address
}

// NewClient validates cfg and derives the sender address.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Backend == nil {
		return nil, errors.New("chain backend is required")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("private key is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	if cfg.ContractType == "" {
		cfg.ContractType = ContractLegacy
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPoll
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	return &Client{
		cfg:    cfg,
		sender: ethcrypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
	}, nil
}

// AnchorRoot submits root for the given time window, waits for the
// transaction to be mined and returns its hash and block number. A
// transaction that reverts or never gets a receipt within the configured
// timeout is an error; the caller retries with a fresh submission.
func (c *Client) AnchorRoot(ctx context.Context, timeWindow *big.Int, root [32]byte) (*Result, error) {
	method := "putRootEmitOnly"
	if c.cfg.ContractType == ContractLegacy {
		method = "putRootLegacy"
	}
	input, err := parsedABI.Pack(method, timeWindow, root)
	if err != nil {
		return nil, errors.Wrap(err, "could not pack contract call")
	}

	tip, feeCap, err := c.fees(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.cfg.Backend.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch nonce")
	}
	gasLimit, err := c.cfg.Backend.EstimateGas(ctx, ethereum.CallMsg{
		From: c.sender,
		To:   &c.cfg.Contract,
		Data: input,
	})
	if err != nil || gasLimit == 0 {
		gasLimit = fallbackGasLimit
	}

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &c.cfg.Contract,
		Data:      input,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.cfg.ChainID), c.cfg.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign transaction")
	}
	if err := c.cfg.Backend.SendTransaction(ctx, signed); err != nil {
		return nil, errors.Wrap(err, "could not send transaction")
	}
	log.WithFields(logrus.Fields{
		"tx":         signed.Hash().Hex(),
		"timeWindow": timeWindow.String(),
		"method":     method,
	}).Info("Submitted merkle root")

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, errors.Errorf("anchoring transaction %s reverted", signed.Hash().Hex())
	}
	res := &Result{TxHash: signed.Hash().Hex()}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	log.WithFields(logrus.Fields{
		"tx":    res.TxHash,
		"block": res.BlockNumber,
	}).Info("Anchored merkle root")
	return res, nil
}

// waitMined polls for the receipt of txHash until it appears or the
// configured timeout elapses. Receipt lookup errors are treated as
// not-yet-mined, matching how nodes answer for pending transactions.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.cfg.Backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil {
			log.WithError(err).WithField("tx", txHash.Hex()).Debug("Receipt not available yet")
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "transaction %s was not mined in time", txHash.Hex())
		case <-ticker.C:
		}
	}
}

// fees derives the EIP-1559 fee pair: the tip honors the chain's floor and
// the fee cap covers a doubling of the base fee on top of it.
func (c *Client) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	header, err := c.cfg.Backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not fetch chain head")
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}

	tip, err = c.cfg.Backend.SuggestGasTipCap(ctx)
	if err != nil || tip == nil {
		tip = new(big.Int)
	}
	minTip := new(big.Int).Mul(big.NewInt(c.minPriorityGwei()), gwei)
	if tip.Cmp(minTip) < 0 {
		tip = minTip
	}

	feeCap = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	if doubleTip := new(big.Int).Mul(tip, big.NewInt(2)); feeCap.Cmp(doubleTip) < 0 {
		feeCap = doubleTip
	}
	if c.cfg.Fees.MinMaxFeeGwei > 0 {
		minCap := new(big.Int).Mul(big.NewInt(c.cfg.Fees.MinMaxFeeGwei), gwei)
		if feeCap.Cmp(minCap) < 0 {
			feeCap = minCap
		}
	}
	return tip, feeCap, nil
}

// minPriorityGwei returns the priority fee floor. An explicitly configured
// value overrides the network floor in either direction; the Amoy default
// applies only when no override is set.
func (c *Client) minPriorityGwei() int64 {
	if c.cfg.Fees.MinPriorityFeeGwei > 0 {
		return c.cfg.Fees.MinPriorityFeeGwei
	}
	if c.cfg.ChainID.Int64() == ChainIDAmoy {
		return amoyMinPriorityGwei
	}
	return 0
}

// VerifyResult reports what an anchor transaction actually recorded.
// Verified is true only when the transaction executed successfully and its
// MerkleRootSubmitted event carries the expected root.
type VerifyResult struct {
	Verified      bool
	BlockNumber   uint64
	RootFromEvent string
	RootMatches   bool
	ExplorerURL   string
}

// VerifyTransaction checks that txHash executed successfully and emitted a
// MerkleRootSubmitted event carrying expectedRoot. The error is reserved
// for receipt lookup failures; a reverted transaction or a root mismatch
// comes back as an unverified result carrying the recorded values.
func (c *Client) VerifyTransaction(ctx context.Context, txHash string, expectedRoot [32]byte) (*VerifyResult, error) {
	res := &VerifyResult{ExplorerURL: ExplorerURL(c.cfg.ChainID.Int64(), txHash)}
	receipt, err := c.cfg.Backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch receipt")
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return res, nil
	}
	root, ok := RootFromLogs(receipt.Logs)
	if !ok {
		return res, nil
	}
	res.RootFromEvent = hash.EncodeHex(root[:])
	res.RootMatches = root == expectedRoot
	res.Verified = res.RootMatches
	return res, nil
}

// ExplorerURL renders the block-explorer link for a transaction on the
// known networks, or an empty string elsewhere.
func ExplorerURL(chainID int64, txHash string) string {
	switch chainID {
	case ChainIDAmoy:
		return "https://amoy.polygonscan.com/tx/" + txHash
	case ChainIDPolygon:
		return "https://polygonscan.com/tx/" + txHash
	}
	return ""
}

// RootFromLogs extracts the submitted root from a receipt's logs.
func RootFromLogs(logs []*gethtypes.Log) ([32]byte, bool) {
	for _, entry := range logs {
		if len(entry.Topics) >= 3 && entry.Topics[0] == RootSubmittedID {
			return [32]byte(entry.Topics[2]), true
		}
	}
	return [32]byte{}, false
}
