package redeem

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"

	"github.com/zclaim/zclaim/commitment"
	"github.com/zclaim/zclaim/db"
	"github.com/zclaim/zclaim/log"
	"github.com/zclaim/zclaim/policy"
	"github.com/zclaim/zclaim/redeem/migrations"
	"github.com/zclaim/zclaim/zkverifier"
)

// RequestStatus is the lifecycle state of a redeem (burn) request.
type RequestStatus string

const (
	StatusRequested      RequestStatus = "requested"
	StatusProofSubmitted RequestStatus = "proof submitted"
	StatusReleased       RequestStatus = "released"
	StatusTimedOut       RequestStatus = "timed out"
	StatusSlashed        RequestStatus = "slashed"
	StatusRejected       RequestStatus = "rejected"
)

var (
	// ErrNotFound is returned for operations on an unknown request.
	ErrNotFound = errors.New("redeem request not found")
	// ErrInvalidStatus is returned when an operation does not apply to the
	// request's current state. Each request reaches at most one terminal state.
	ErrInvalidStatus = errors.New("operation not allowed in current request status")
	// ErrInvalidProof is returned when the burn proof fails verification.
	ErrInvalidProof = errors.New("invalid burn proof")
	// ErrNotExpired is returned when claiming a slash before the timeout.
	ErrNotExpired = errors.New("redeem request not past its deadline")
	// ErrChallengeFailed is returned when an encryption challenge recomputes
	// the commitment the user declared: the request is fulfillable and the
	// vault stays on the hook.
	ErrChallengeFailed = errors.New("encryption challenge failed: commitment matches")
	// ErrWrongVault is returned when a vault operates on another vault's request.
	ErrWrongVault = errors.New("request belongs to a different vault")
)

// Request is a redeem request: the user burns wrapped value and the vault is
// obligated to release the corresponding shielded note.
type Request struct {
	ID                      int64          `meddler:"id,pk"`
	Requester               common.Address `meddler:"requester,address"`
	VaultAddress            common.Address `meddler:"vault_address,address"`
	Destination             common.Address `meddler:"destination,address"`
	Amount                  uint64         `meddler:"amount"`
	NetAmount               uint64         `meddler:"net_amount"`
	ValueCommitment         common.Hash    `meddler:"value_commitment,hash"`
	NetValueCommitment      common.Hash    `meddler:"net_value_commitment,hash"`
	RequestedNoteCommitment common.Hash    `meddler:"requested_note_commitment,hash"`
	RequestedAt             uint64         `meddler:"requested_at"`
	SubmittedAt             uint64         `meddler:"submitted_at"`
	Status                  RequestStatus  `meddler:"status"`
}

// Ledger is the destination-side surface the redeem flow needs.
type Ledger interface {
	Debit(account common.Address, amount uint64) error
	Credit(account common.Address, amount uint64)
}

// VaultRegistry is the collateral-accounting surface the redeem flow needs.
// AddLiability and DepositCollateral restore vault state when a seizure or
// release cannot be recorded durably.
type VaultRegistry interface {
	AddLiability(ctx context.Context, address common.Address, amount uint64) error
	ReleaseLiability(ctx context.Context, address common.Address, amount uint64) error
	DepositCollateral(ctx context.Context, address common.Address, amount uint64) error
	Slash(ctx context.Context, address common.Address, amount, liability uint64) (uint64, error)
}

// EncryptionChallenge is a vault's claim that a redeem request is
// unfulfillable: with its own key and the note's ephemeral public key the
// vault cannot reproduce the commitment the user declared.
type EncryptionChallenge struct {
	RequestID          int64
	VaultSecretKey     fr.Element
	EphemeralPublicKey bls12377.G1Affine
	DeclaredRcm        []byte
}

// StateMachine drives the burn protocol: request admission, proof gating,
// vault release confirmation, dispute and slashing. Operations on different
// requests run concurrently; operations on the same request are serialized so
// each reaches at most one terminal state.
type StateMachine struct {
	logger   *log.Logger
	db       *sql.DB
	ledger   Ledger
	verifier zkverifier.BurnVerifier
	vaults   VaultRegistry

	timeout       uint64
	feeRateBP     uint64
	penaltyRateBP uint64

	locks requestLocks
}

// New opens (and migrates) the redeem DB and wires the state machine.
func New(cfg Config, ldg Ledger, verifier zkverifier.BurnVerifier, vaults VaultRegistry) (*StateMachine, error) {
	if err := migrations.RunMigrations(cfg.DBPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &StateMachine{
		logger:        log.WithFields("component", "redeem"),
		db:            database,
		ledger:        ldg,
		verifier:      verifier,
		vaults:        vaults,
		timeout:       cfg.GetTimeout(),
		feeRateBP:     cfg.FeeRateBP,
		penaltyRateBP: cfg.PenaltyRateBP,
	}, nil
}

// RequestRedeem admits a new redeem request. The amount bounds are checked
// before any state change; the requester's wrapped balance is debited up
// front and refunded only if the request is later rejected as unfulfillable.
func (s *StateMachine) RequestRedeem(
	ctx context.Context,
	requester common.Address,
	vaultAddress common.Address,
	destination common.Address,
	amount uint64,
	valueCommitment, netValueCommitment, requestedNoteCommitment common.Hash,
	now uint64,
) (*Request, error) {
	if !policy.IsValidRedeemAmount(amount) {
		return nil, fmt.Errorf("%w: %d", policy.ErrAmountOutOfRange, amount)
	}

	if err := s.ledger.Debit(requester, amount); err != nil {
		return nil, err
	}

	req := &Request{
		Requester:               requester,
		VaultAddress:            vaultAddress,
		Destination:             destination,
		Amount:                  amount,
		NetAmount:               policy.Net(amount, s.feeRateBP),
		ValueCommitment:         valueCommitment,
		NetValueCommitment:      netValueCommitment,
		RequestedNoteCommitment: requestedNoteCommitment,
		RequestedAt:             now,
		Status:                  StatusRequested,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.ledger.Credit(requester, amount)
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck
	if err := meddler.Insert(tx, "redeem_request", req); err != nil {
		s.ledger.Credit(requester, amount)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		s.ledger.Credit(requester, amount)
		return nil, err
	}

	s.logger.Infof("redeem request %d admitted: %d (net %d) against vault %s",
		req.ID, amount, req.NetAmount, vaultAddress)
	return req, nil
}

// SubmitBurnProof verifies that the zk proof binds the value commitment to
// the note requested for the user's destination address. On success the vault
// becomes obligated to release the note before the timeout.
func (s *StateMachine) SubmitBurnProof(ctx context.Context, requestID int64, snarkProof []byte, now uint64) (*Request, error) {
	unlock := s.locks.lock(requestID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	req, err := getRequest(tx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusRequested {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, req.Status)
	}

	valid, err := s.verifier.VerifyBurnProof(snarkProof, zkverifier.BurnPublicInputs{
		ValueCommitment:         req.ValueCommitment,
		RequestedNoteCommitment: req.RequestedNoteCommitment,
		DestinationAddress:      req.Destination,
	})
	if err != nil {
		return nil, err
	}
	if !valid {
		return s.terminate(tx, req, StatusRejected, true,
			fmt.Errorf("%w: zk proof verification failed", ErrInvalidProof))
	}

	req.Status = StatusProofSubmitted
	req.SubmittedAt = now
	if err := meddler.Update(tx, "redeem_request", req); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Infof("burn proof accepted for request %d, vault %s must release by %d",
		req.ID, req.VaultAddress, now+s.timeout)
	return req, nil
}

// ConfirmRelease records that the vault fulfilled its off-chain release
// obligation, settling the request and its liability.
func (s *StateMachine) ConfirmRelease(ctx context.Context, requestID int64, vaultAddress common.Address, now uint64) (*Request, error) {
	unlock := s.locks.lock(requestID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	req, err := getRequest(tx, requestID)
	if err != nil {
		return nil, err
	}
	if req.VaultAddress != vaultAddress {
		return nil, ErrWrongVault
	}
	if req.Status != StatusProofSubmitted {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, req.Status)
	}

	req.Status = StatusReleased
	if err := meddler.Update(tx, "redeem_request", req); err != nil {
		return nil, err
	}
	// release before the commit: if the liability cannot be settled the
	// request stays ProofSubmitted and the vault retries the confirmation
	if err := s.vaults.ReleaseLiability(ctx, req.VaultAddress, req.Amount); err != nil {
		return nil, fmt.Errorf("error releasing liability of vault %s for request %d: %w", req.VaultAddress, req.ID, err)
	}
	if err := tx.Commit(); err != nil {
		if lerr := s.vaults.AddLiability(ctx, req.VaultAddress, req.Amount); lerr != nil {
			s.logger.Errorf("error restoring liability %d of vault %s: %v", req.Amount, req.VaultAddress, lerr)
		}
		return nil, err
	}
	s.logger.Infof("redeem request %d released by vault %s", req.ID, req.VaultAddress)
	return req, nil
}

// ClaimSlash may be called by any party once a proof-submitted request is
// past its deadline without release. The observed timeout is recorded first,
// then the vault's collateral is seized at a penalty and handed to the
// requester. A failed seizure leaves the request in TimedOut, so the claim
// can be retried without stranding the requester's burned balance.
func (s *StateMachine) ClaimSlash(ctx context.Context, requestID int64, exchangeRate uint64, now uint64) (*Request, uint64, error) {
	unlock := s.locks.lock(requestID)
	defer unlock()

	req, err := s.recordTimeout(ctx, requestID, now)
	if err != nil {
		return nil, 0, err
	}

	slashAmount := policy.SlashAmount(req.Amount, exchangeRate, s.penaltyRateBP)
	seized, err := s.vaults.Slash(ctx, req.VaultAddress, slashAmount, req.Amount)
	if err != nil {
		return nil, 0, fmt.Errorf("error seizing collateral of vault %s for request %d: %w", req.VaultAddress, req.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.compensateSeizure(ctx, req, seized)
		return nil, 0, err
	}
	defer tx.Rollback() //nolint:errcheck
	req.Status = StatusSlashed
	if err := meddler.Update(tx, "redeem_request", req); err != nil {
		s.compensateSeizure(ctx, req, seized)
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		s.compensateSeizure(ctx, req, seized)
		return nil, 0, err
	}
	s.ledger.Credit(req.Requester, seized)
	s.logger.Warnf("request %d timed out: vault %s slashed for %d (requested %d)",
		req.ID, req.VaultAddress, seized, slashAmount)
	return req, seized, nil
}

// recordTimeout moves an expired proof-submitted request to TimedOut. A
// request already in TimedOut (an earlier claim failed before seizing
// anything) is picked up as is.
func (s *StateMachine) recordTimeout(ctx context.Context, requestID int64, now uint64) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	req, err := getRequest(tx, requestID)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case StatusTimedOut:
		return req, nil
	case StatusProofSubmitted:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, req.Status)
	}
	if !policy.IsTimeoutExpired(req.SubmittedAt, now, s.timeout) {
		return nil, fmt.Errorf("%w: submitted at %d, deadline %d, now %d",
			ErrNotExpired, req.SubmittedAt, req.SubmittedAt+s.timeout, now)
	}
	req.Status = StatusTimedOut
	if err := meddler.Update(tx, "redeem_request", req); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return req, nil
}

// compensateSeizure undoes a seizure whose terminal state could not be
// recorded, restoring the vault's collateral and liability so a retried
// claim does not slash twice.
func (s *StateMachine) compensateSeizure(ctx context.Context, req *Request, seized uint64) {
	if err := s.vaults.DepositCollateral(ctx, req.VaultAddress, seized); err != nil {
		s.logger.Errorf("error returning %d seized collateral to vault %s: %v", seized, req.VaultAddress, err)
	}
	if err := s.vaults.AddLiability(ctx, req.VaultAddress, req.Amount); err != nil {
		s.logger.Errorf("error restoring liability %d of vault %s: %v", req.Amount, req.VaultAddress, err)
	}
}

// SubmitEncryptionChallenge lets a vault prove a pending request
// unfulfillable: it derives the shared secret from its own key and the note's
// ephemeral public key and recomputes the claimed commitment. On mismatch the
// request is Rejected instead of Released or Slashed, protecting an honest
// vault from a malformed request.
func (s *StateMachine) SubmitEncryptionChallenge(ctx context.Context, challenge EncryptionChallenge) (*Request, error) {
	unlock := s.locks.lock(challenge.RequestID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	req, err := getRequest(tx, challenge.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusRequested && req.Status != StatusProofSubmitted {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, req.Status)
	}

	shared := commitment.SharedSecret(&challenge.VaultSecretKey, &challenge.EphemeralPublicKey)
	recomputed, err := commitment.ChallengeCommitment(shared, req.NetAmount, challenge.DeclaredRcm)
	if err != nil {
		return nil, err
	}
	if recomputed == req.RequestedNoteCommitment {
		return nil, ErrChallengeFailed
	}

	return s.terminate(tx, req, StatusRejected, true,
		fmt.Errorf("request %d rejected: encryption challenge proved it unfulfillable", req.ID))
}

// GetRequest returns the request stored under id.
func (s *StateMachine) GetRequest(ctx context.Context, requestID int64) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck
	return getRequest(tx, requestID)
}

// terminate commits a terminal status, optionally refunding the requester's
// burned balance (rejection means nothing was redeemed) and releasing the
// vault liability.
func (s *StateMachine) terminate(tx *sql.Tx, req *Request, status RequestStatus, refund bool, cause error) (*Request, error) {
	req.Status = status
	if err := meddler.Update(tx, "redeem_request", req); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if refund {
		s.ledger.Credit(req.Requester, req.Amount)
	}
	s.logger.Infof("redeem request %d terminated as %s: %v", req.ID, status, cause)
	if errors.Is(cause, ErrInvalidProof) {
		return req, cause
	}
	return req, nil
}

func getRequest(tx *sql.Tx, requestID int64) (*Request, error) {
	req := &Request{}
	err := meddler.QueryRow(tx, req, `SELECT * FROM redeem_request WHERE id = $1;`, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, requestID)
		}
		return nil, err
	}
	return req, nil
}

// Close releases the underlying DB.
func (s *StateMachine) Close() error {
	return s.db.Close()
}

// requestLocks serializes operations on the same request id.
type requestLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (r *requestLocks) lock(id int64) (unlock func()) {
	r.mu.Lock()
	if r.locks == nil {
		r.locks = make(map[int64]*sync.Mutex)
	}
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}
