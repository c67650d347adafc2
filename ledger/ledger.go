package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zclaim/zclaim/chainstore"
	"github.com/zclaim/zclaim/header"
	"github.com/zclaim/zclaim/log"
	"github.com/zclaim/zclaim/merkleproof"
)

var (
	// ErrHeightMismatch is returned when a submitted header does not land at
	// the height the submitter claimed. Height-contiguity is the relay's
	// invariant; a mismatch means the relay and the ledger disagree.
	ErrHeightMismatch = errors.New("submitted header height mismatch")
	// ErrInsufficientBalance is returned when debiting more than an account holds.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Ledger is the destination-side state: the relayed header chain plus the
// wrapped-token balance map the protocol credits and debits. Token
// bookkeeping beyond a balance map is out of scope.
type Ledger struct {
	logger *log.Logger
	store  *chainstore.ChainStore

	mu       sync.RWMutex
	balances map[common.Address]uint64
}

// New wraps a chain store into the destination ledger facade.
func New(store *chainstore.ChainStore) *Ledger {
	return &Ledger{
		logger:   log.WithFields("component", "ledger"),
		store:    store,
		balances: make(map[common.Address]uint64),
	}
}

// SubmitBlockHeader ingests an encoded source-chain header at the claimed
// height and returns its hash. Malformed headers are rejected at this
// boundary, never silently accepted. Resubmitting an already-accepted header
// is a no-op returning its hash, so interrupted relay batches can be retried.
func (l *Ledger) SubmitBlockHeader(ctx context.Context, encoded []byte, height uint64) (common.Hash, error) {
	h, err := header.Decode(encoded)
	if err != nil {
		l.logger.Warnf("rejecting malformed header at height %d: %v", height, err)
		return common.Hash{}, err
	}
	hash := h.Hash()

	err = l.store.AppendHeader(ctx, h)
	if err != nil && !errors.Is(err, chainstore.ErrKnownHeader) {
		return common.Hash{}, err
	}

	_, storedHeight, err := l.store.HeaderByHash(hash)
	if err != nil {
		return common.Hash{}, err
	}
	if storedHeight != height {
		return common.Hash{}, fmt.Errorf("%w: claimed %d, chained at %d", ErrHeightMismatch, height, storedHeight)
	}
	return hash, nil
}

// GetChainTip returns the hash and height of the relayed chain tip.
func (l *Ledger) GetChainTip(ctx context.Context) (common.Hash, uint64, error) {
	return l.store.Tip()
}

// IsConfirmed reports whether the header is buried deep enough to be trusted.
func (l *Ledger) IsConfirmed(hash common.Hash) bool {
	return l.store.Confirmed(hash)
}

// GetHeader returns a relayed header by hash.
func (l *Ledger) GetHeader(hash common.Hash) (header.BlockHeader, error) {
	h, _, err := l.store.HeaderByHash(hash)
	return h, err
}

// VerifyNoteCommitment checks that a note commitment is included under the
// commitment root of a confirmed header. Unconfirmed headers fail with
// chainstore.ErrNotConfirmed; an invalid proof returns false without error.
func (l *Ledger) VerifyNoteCommitment(blockHash, noteCommitment common.Hash, proof merkleproof.Proof) (bool, error) {
	root, err := l.store.GetCommitmentRoot(blockHash)
	if err != nil {
		return false, err
	}
	return merkleproof.Verify(noteCommitment, proof, root), nil
}

// Credit adds the amount to the account balance.
func (l *Ledger) Credit(account common.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Debit removes the amount from the account balance.
func (l *Ledger) Debit(account common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account] < amount {
		return ErrInsufficientBalance
	}
	l.balances[account] -= amount
	return nil
}

// BalanceOf returns the account balance.
func (l *Ledger) BalanceOf(account common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}
