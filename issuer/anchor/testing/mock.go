// Package testing provides an in-memory chain backend for anchoring tests.
package testing

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/anchor"
)

// MockBackend implements anchor.Backend in memory. Sent transactions get a
// successful receipt carrying a MerkleRootSubmitted event for the root
// found in the calldata, so AnchorRoot followed by VerifyTransaction works
// end to end.
type MockBackend struct {
	mu sync.Mutex

	BaseFee     *big.Int
	TipCap      *big.Int
	SendErr     error
	ReceiptErr  error
	FlipRootBit bool // corrupt the emitted root, for mismatch tests
	Revert      bool // mark receipts as failed
	// ReceiptAfter delays receipt availability by that many lookups, so
	// confirmation-wait tests see a pending transaction first.
	ReceiptAfter int

	nonce    uint64
	Sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
}

// NewMockBackend returns a backend with sane default fees.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		BaseFee:  big.NewInt(30_000_000_000),
		TipCap:   big.NewInt(1_000_000_000),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (m *MockBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{BaseFee: new(big.Int).Set(m.BaseFee), Number: big.NewInt(1)}, nil
}

func (m *MockBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.TipCap), nil
}

func (m *MockBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

func (m *MockBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (m *MockBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce++
	m.Sent = append(m.Sent, tx)

	// The calldata layout is selector ‖ timeWindow ‖ root.
	data := tx.Data()
	if len(data) < 4+64 {
		return errors.New("unexpected calldata")
	}
	var timeWindow, root common.Hash
	copy(timeWindow[:], data[4:36])
	copy(root[:], data[36:68])
	if m.FlipRootBit {
		root[31] ^= 0x01
	}
	status := gethtypes.ReceiptStatusSuccessful
	if m.Revert {
		status = gethtypes.ReceiptStatusFailed
	}
	sender := common.Address{}
	m.receipts[tx.Hash()] = &gethtypes.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(len(m.Sent))),
		Logs: []*gethtypes.Log{{
			Topics: []common.Hash{
				anchor.RootSubmittedID,
				timeWindow,
				root,
				common.BytesToHash(sender.Bytes()),
			},
		}},
	}
	return nil
}

func (m *MockBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if m.ReceiptErr != nil {
		return nil, m.ReceiptErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReceiptAfter > 0 {
		m.ReceiptAfter--
		return nil, errors.New("not found")
	}
	r, ok := m.receipts[txHash]
	if !ok {
		return nil, errors.New("receipt not found")
	}
	return r, nil
}
