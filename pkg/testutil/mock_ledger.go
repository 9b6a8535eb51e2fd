package testutil

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/ledger"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

// MockLedger is an in-memory chain for one account. Accepted transactions
// consume the account nonce in order; by default they are reported as
// included on the first status query.
type MockLedger struct {
	mu sync.Mutex

	nonce    uint64
	balance  *big.Int
	accepted map[common.Hash]*ethTypes.Transaction
	fates    map[common.Hash]types.TxFate
	blockNum uint64

	// Scripted failures, consumed front to back
	stateErrs []error
	sendErrs  []error

	// DefaultFate is reported for accepted transactions without an override
	DefaultFate types.TxFate

	// Sent holds every transaction passed to SendTransaction, including rejected ones
	Sent []*ethTypes.Transaction
	// Replaced holds hashes of pending transactions swapped out by a replacement
	Replaced []common.Hash
	// StateReads counts GetAccountState calls
	StateReads int
	// StatusQueries counts GetTransactionStatus calls
	StatusQueries int
}

var _ ledger.ILedger = (*MockLedger)(nil)

func NewMockLedger() *MockLedger {
	return &MockLedger{
		balance:     big.NewInt(1e18),
		accepted:    make(map[common.Hash]*ethTypes.Transaction),
		fates:       make(map[common.Hash]types.TxFate),
		blockNum:    100,
		DefaultFate: types.TxFate_Included,
	}
}

// SetNonce sets the account's next nonce
func (m *MockLedger) SetNonce(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce = nonce
}

// Nonce returns the account's next nonce
func (m *MockLedger) Nonce() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce
}

// FailStateReads makes the next GetAccountState calls return errs in order
func (m *MockLedger) FailStateReads(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateErrs = append(m.stateErrs, errs...)
}

// FailSends makes the next SendTransaction calls return errs in order.
// A nil entry lets that send through.
func (m *MockLedger) FailSends(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, errs...)
}

// SetFate overrides what GetTransactionStatus reports for hash
func (m *MockLedger) SetFate(hash common.Hash, fate types.TxFate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fates[hash] = fate
}

// Accepted returns the accepted transaction with hash, if any
func (m *MockLedger) Accepted(hash common.Hash) (*ethTypes.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.accepted[hash]
	return tx, ok
}

func (m *MockLedger) GetAccountState(_ context.Context, address common.Address) (*types.AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StateReads++
	if len(m.stateErrs) > 0 {
		err := m.stateErrs[0]
		m.stateErrs = m.stateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &types.AccountState{
		Address:        address,
		SequenceNumber: int64(m.nonce) - 1,
		Balance:        new(big.Int).Set(m.balance),
		ChainID:        TestChainID,
		GasTipCap:      big.NewInt(1_000_000_000),
		GasFeeCap:      big.NewInt(21_000_000_000),
		FetchedAt:      time.Now(),
	}, nil
}

func (m *MockLedger) SendTransaction(_ context.Context, tx *ethTypes.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sent = append(m.Sent, tx)
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return err
		}
	}

	if _, ok := m.accepted[tx.Hash()]; ok {
		return nil
	}
	switch {
	case tx.Nonce() < m.nonce:
		return m.replaceLocked(tx)
	case tx.Nonce() > m.nonce:
		return ledger.ClassifySendError(errors.New("nonce too high"))
	}
	m.accepted[tx.Hash()] = tx
	m.nonce++
	return nil
}

// replaceLocked swaps a still pending transaction for tx at the same nonce when
// tx pays at least 10% more, as a node mempool does
func (m *MockLedger) replaceLocked(tx *ethTypes.Transaction) error {
	for hash, pending := range m.accepted {
		if pending.Nonce() != tx.Nonce() || m.fateLocked(hash) != types.TxFate_Pending {
			continue
		}
		if !bumpedEnough(pending.GasTipCap(), tx.GasTipCap()) || !bumpedEnough(pending.GasFeeCap(), tx.GasFeeCap()) {
			return ledger.ClassifySendError(errors.New("replacement transaction underpriced"))
		}
		delete(m.accepted, hash)
		m.fates[hash] = types.TxFate_Unknown
		m.accepted[tx.Hash()] = tx
		m.Replaced = append(m.Replaced, hash)
		return nil
	}
	return ledger.ClassifySendError(errors.New("nonce too low"))
}

func (m *MockLedger) fateLocked(hash common.Hash) types.TxFate {
	if fate, ok := m.fates[hash]; ok {
		return fate
	}
	return m.DefaultFate
}

func bumpedEnough(old, replacement *big.Int) bool {
	floor := new(big.Int).Mul(old, big.NewInt(110))
	floor.Div(floor, big.NewInt(100))
	return replacement.Cmp(floor) >= 0
}

func (m *MockLedger) GetTransactionStatus(_ context.Context, hash common.Hash) (*types.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StatusQueries++
	fate, overridden := m.fates[hash]
	if _, ok := m.accepted[hash]; !ok && !overridden {
		return &types.TxStatus{Fate: types.TxFate_Unknown}, nil
	}
	if !overridden {
		fate = m.DefaultFate
	}
	status := &types.TxStatus{Fate: fate}
	if fate == types.TxFate_Included || fate == types.TxFate_Failed {
		m.blockNum++
		status.BlockNumber = m.blockNum
		status.GasUsed = 48_000
	}
	return status, nil
}
