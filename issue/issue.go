package issue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/russross/meddler"
	"golang.org/x/crypto/blake2b"

	"github.com/zclaim/zclaim/commitment"
	"github.com/zclaim/zclaim/db"
	"github.com/zclaim/zclaim/issue/migrations"
	"github.com/zclaim/zclaim/log"
	"github.com/zclaim/zclaim/merkleproof"
	"github.com/zclaim/zclaim/policy"
	"github.com/zclaim/zclaim/zkverifier"
)

// RequestStatus is the lifecycle state of an issue (mint) request.
type RequestStatus string

const (
	StatusRequested      RequestStatus = "requested"
	StatusProofSubmitted RequestStatus = "proof submitted"
	StatusConfirmed      RequestStatus = "confirmed"
	StatusRejected       RequestStatus = "rejected"

	vaultAddrPersonalization = "ZclaimVaultAddr_"
)

var (
	// ErrUnknownPermit is returned when no permit exists for the nonce.
	ErrUnknownPermit = errors.New("unknown lock permit")
	// ErrNonceReused is returned when a permit nonce was already consumed.
	// Fatal to that call.
	ErrNonceReused = errors.New("permit nonce already consumed")
	// ErrPermitExpired is returned when submitting past the permit window.
	ErrPermitExpired = errors.New("lock permit expired")
	// ErrInvalidProof is returned when the commitment binding, the inclusion
	// proof or the zk proof fails. The request is permanently rejected;
	// retrying with identical artifacts cannot change the outcome.
	ErrInvalidProof = errors.New("invalid mint proof")
	// ErrFeeMismatch is returned when value != netValue + fee.
	ErrFeeMismatch = errors.New("value does not cover net value plus fee")
)

// LockPermit authorizes a single shielded transfer to a vault. Consumed
// exactly once by a matching mint submission, otherwise it expires.
type LockPermit struct {
	Nonce                  uint64         `meddler:"nonce"`
	Requester              common.Address `meddler:"requester,address"`
	VaultAddress           common.Address `meddler:"vault_address,address"`
	VaultAddressHash       common.Hash    `meddler:"vault_address_hash,hash"`
	UserEncryptedMasterKey string         `meddler:"user_encrypted_master_key"`
	Amount                 uint64         `meddler:"amount"`
	IssuedAt               uint64         `meddler:"issued_at"`
	ExpiresAt              uint64         `meddler:"expires_at"`
	Consumed               bool           `meddler:"consumed"`
}

// Request is a recorded mint submission.
type Request struct {
	ID                 int64         `meddler:"id,pk"`
	PermitNonce        uint64        `meddler:"permit_nonce"`
	Value              uint64        `meddler:"value"`
	NetValue           uint64        `meddler:"net_value"`
	ValueCommitment    common.Hash   `meddler:"value_commitment,hash"`
	NetValueCommitment common.Hash   `meddler:"net_value_commitment,hash"`
	NoteCommitment     common.Hash   `meddler:"note_commitment,hash"`
	BlockHash          common.Hash   `meddler:"block_hash,hash"`
	Status             RequestStatus `meddler:"status"`
}

// Ledger is the destination-side surface the issue flow needs.
type Ledger interface {
	VerifyNoteCommitment(blockHash, noteCommitment common.Hash, proof merkleproof.Proof) (bool, error)
	Credit(account common.Address, amount uint64)
}

// VaultRegistry is the collateral-accounting surface the issue flow needs.
type VaultRegistry interface {
	AddLiability(ctx context.Context, address common.Address, amount uint64) error
	ReleaseLiability(ctx context.Context, address common.Address, amount uint64) error
}

// MintProofSubmission carries everything a user submits to finish a mint.
type MintProofSubmission struct {
	PermitNonce        uint64
	Value              uint64
	NetValue           uint64
	ValueCommitment    common.Hash
	NetValueCommitment common.Hash
	NoteCommitment     common.Hash
	BlockHash          common.Hash
	MerkleProof        merkleproof.Proof
	SnarkProof         []byte
}

// StateMachine drives the mint protocol: permit issuance, proof verification
// gating and value creation. Operations on different nonces run concurrently;
// operations on the same nonce are serialized so a permit is consumed at most
// once.
type StateMachine struct {
	logger   *log.Logger
	db       *sql.DB
	ledger   Ledger
	scheme   commitment.Scheme
	verifier zkverifier.MintVerifier
	vaults   VaultRegistry

	permitWindow uint64
	feeRateBP    uint64

	locks nonceLocks
}

// New opens (and migrates) the issue DB and wires the state machine.
func New(
	cfg Config,
	ldg Ledger,
	scheme commitment.Scheme,
	verifier zkverifier.MintVerifier,
	vaults VaultRegistry,
) (*StateMachine, error) {
	if err := migrations.RunMigrations(cfg.DBPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &StateMachine{
		logger:       log.WithFields("component", "issue"),
		db:           database,
		ledger:       ldg,
		scheme:       scheme,
		verifier:     verifier,
		vaults:       vaults,
		permitWindow: cfg.GetPermitWindow(),
		feeRateBP:    cfg.FeeRateBP,
	}, nil
}

// RequestLock issues a fresh LockPermit with a unique nonce and an expiry.
// The user's shielded transfer to the vault referencing this nonce happens
// on the source chain, outside this state machine. The vault's liability grows
// immediately so its collateral headroom is reserved.
func (s *StateMachine) RequestLock(
	ctx context.Context,
	requester common.Address,
	vaultAddress common.Address,
	amount uint64,
	userEncryptedMasterKey []byte,
	now uint64,
) (*LockPermit, error) {
	if err := s.vaults.AddLiability(ctx, vaultAddress, amount); err != nil {
		return nil, err
	}

	permit := &LockPermit{
		Requester:              requester,
		VaultAddress:           vaultAddress,
		VaultAddressHash:       hashVaultAddress(vaultAddress),
		UserEncryptedMasterKey: hexutil.Encode(userEncryptedMasterKey),
		Amount:                 amount,
		IssuedAt:               now,
		ExpiresAt:              now + s.permitWindow,
	}

	// random nonces keep the permit-derived note randomness unpredictable;
	// retry on the (unlikely) collision
	for {
		permit.Nonce = newNonce()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.rollbackLiability(ctx, vaultAddress, amount)
			return nil, err
		}
		err = meddler.Insert(tx, "permit", permit)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			if sqliteErr, ok := db.SQLiteErr(err); ok && sqliteErr.ExtendedCode == db.UniqueConstrain {
				continue
			}
			s.rollbackLiability(ctx, vaultAddress, amount)
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			s.rollbackLiability(ctx, vaultAddress, amount)
			return nil, err
		}
		break
	}

	s.logger.Infof("issued lock permit %d for vault %s, amount %d, expires at %d",
		permit.Nonce, vaultAddress, amount, permit.ExpiresAt)
	return permit, nil
}

func (s *StateMachine) rollbackLiability(ctx context.Context, vaultAddress common.Address, amount uint64) {
	if err := s.vaults.ReleaseLiability(ctx, vaultAddress, amount); err != nil {
		s.logger.Errorf("error releasing liability of vault %s after failed permit: %v", vaultAddress, err)
	}
}

// SubmitMintProof verifies a mint submission against a confirmed header and
// the proof-verifier oracle, and credits the net value on success. All four
// checks must hold: the permit-derived note randomness, the commitment
// binding, the Merkle inclusion under a confirmed commitment root, and the zk
// proof. On failure the request is Rejected but the permit stays available
// until its own expiry, so the user may retry with a fresh submission.
func (s *StateMachine) SubmitMintProof(ctx context.Context, sub MintProofSubmission, now uint64) (*Request, error) {
	unlock := s.locks.lock(sub.PermitNonce)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	permit, err := getPermit(tx, sub.PermitNonce)
	if err != nil {
		return nil, err
	}
	if permit.Consumed {
		return nil, fmt.Errorf("%w: %d", ErrNonceReused, sub.PermitNonce)
	}
	if now > permit.ExpiresAt {
		return nil, fmt.Errorf("%w: %d", ErrPermitExpired, sub.PermitNonce)
	}

	req := &Request{
		PermitNonce:        sub.PermitNonce,
		Value:              sub.Value,
		NetValue:           sub.NetValue,
		ValueCommitment:    sub.ValueCommitment,
		NetValueCommitment: sub.NetValueCommitment,
		NoteCommitment:     sub.NoteCommitment,
		BlockHash:          sub.BlockHash,
		Status:             StatusProofSubmitted,
	}
	if err := meddler.Insert(tx, "issue_request", req); err != nil {
		return nil, err
	}

	// fee binding: value = netValue + fee
	if sub.Value != sub.NetValue+policy.Fee(sub.Value, s.feeRateBP) {
		return s.reject(tx, req, fmt.Errorf("%w: value %d, net %d, fee rate %d bp",
			ErrFeeMismatch, sub.Value, sub.NetValue, s.feeRateBP))
	}

	// (a) + (b): the note commitment must open to the vault's address, the net
	// value and the permit-derived randomness
	rcm := commitment.DeriveNoteRandomness(sub.PermitNonce)
	expected, err := s.scheme.NoteCommitment(permit.VaultAddressHash, sub.NetValue, rcm)
	if err != nil {
		return nil, err
	}
	if expected != sub.NoteCommitment {
		return s.reject(tx, req, fmt.Errorf("%w: note commitment does not bind the permit", ErrInvalidProof))
	}

	// (c): inclusion under a confirmed commitment root. An unconfirmed header
	// is not a rejection: the caller must wait and resubmit.
	included, err := s.ledger.VerifyNoteCommitment(sub.BlockHash, sub.NoteCommitment, sub.MerkleProof)
	if err != nil {
		// includes chainstore.ErrNotConfirmed and chainstore.ErrNotFound
		return nil, err
	}
	if !included {
		return s.reject(tx, req, fmt.Errorf("%w: commitment not included under the block's root", ErrInvalidProof))
	}

	// (d): the zk proof oracle
	valid, err := s.verifier.VerifyMintProof(sub.SnarkProof, zkverifier.MintPublicInputs{
		ValueCommitment:    sub.ValueCommitment,
		NetValueCommitment: sub.NetValueCommitment,
		NoteCommitment:     sub.NoteCommitment,
		PermitNonce:        sub.PermitNonce,
	})
	if err != nil {
		return nil, err
	}
	if !valid {
		return s.reject(tx, req, fmt.Errorf("%w: zk proof verification failed", ErrInvalidProof))
	}

	// all checks hold: consume the permit and credit the net value
	req.Status = StatusConfirmed
	if err := meddler.Update(tx, "issue_request", req); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE permit SET consumed = TRUE WHERE nonce = $1;`, permit.Nonce); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.ledger.Credit(permit.Requester, sub.NetValue)
	s.logger.Infof("mint confirmed for permit %d: credited %d to %s (fee %d)",
		permit.Nonce, sub.NetValue, permit.Requester, sub.Value-sub.NetValue)
	return req, nil
}

// reject records the terminal Rejected status and surfaces the cause. The
// permit is left untouched: it remains usable for a fresh submission until it
// expires on its own.
func (s *StateMachine) reject(tx *sql.Tx, req *Request, cause error) (*Request, error) {
	req.Status = StatusRejected
	if err := meddler.Update(tx, "issue_request", req); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Infof("mint submission for permit %d rejected: %v", req.PermitNonce, cause)
	return req, cause
}

// ExpirePermit releases the vault liability reserved by a permit that was
// never consumed within its window.
func (s *StateMachine) ExpirePermit(ctx context.Context, nonce uint64, now uint64) error {
	unlock := s.locks.lock(nonce)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	permit, err := getPermit(tx, nonce)
	if err != nil {
		return err
	}
	if permit.Consumed {
		return ErrNonceReused
	}
	if now <= permit.ExpiresAt {
		return fmt.Errorf("permit %d not expired yet", nonce)
	}
	if _, err := tx.Exec(`UPDATE permit SET consumed = TRUE WHERE nonce = $1;`, nonce); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.vaults.ReleaseLiability(ctx, permit.VaultAddress, permit.Amount)
}

// GetPermit returns the permit stored under nonce.
func (s *StateMachine) GetPermit(ctx context.Context, nonce uint64) (*LockPermit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck
	return getPermit(tx, nonce)
}

func getPermit(tx *sql.Tx, nonce uint64) (*LockPermit, error) {
	permit := &LockPermit{}
	err := meddler.QueryRow(tx, permit, `SELECT * FROM permit WHERE nonce = $1;`, nonce)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPermit, nonce)
		}
		return nil, err
	}
	return permit, nil
}

// Close releases the underlying DB.
func (s *StateMachine) Close() error {
	return s.db.Close()
}

func hashVaultAddress(address common.Address) common.Hash {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	hasher.Write([]byte(vaultAddrPersonalization))
	hasher.Write(address.Bytes())
	return common.BytesToHash(hasher.Sum(nil))
}

func newNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	// keep it positive in sqlite's signed 64-bit integer column
	return binary.BigEndian.Uint64(b[:]) >> 1
}

// nonceLocks serializes operations on the same permit nonce.
type nonceLocks struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func (n *nonceLocks) lock(nonce uint64) (unlock func()) {
	n.mu.Lock()
	if n.locks == nil {
		n.locks = make(map[uint64]*sync.Mutex)
	}
	l, ok := n.locks[nonce]
	if !ok {
		l = &sync.Mutex{}
		n.locks[nonce] = l
	}
	n.mu.Unlock()
	l.Lock()
	return l.Unlock
}
