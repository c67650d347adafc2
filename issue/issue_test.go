package issue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/zclaim/zclaim/chainstore"
	"github.com/zclaim/zclaim/commitment"
	"github.com/zclaim/zclaim/merkleproof"
	"github.com/zclaim/zclaim/zkverifier"
)

var (
	requester = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	vaultAddr = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	blockHash = common.HexToHash("0xcccc")
)

type fakeLedger struct {
	included  bool
	verifyErr error
	credits   map[common.Address]uint64
}

func (f *fakeLedger) VerifyNoteCommitment(blockHash, noteCommitment common.Hash, proof merkleproof.Proof) (bool, error) {
	return f.included, f.verifyErr
}

func (f *fakeLedger) Credit(account common.Address, amount uint64) {
	if f.credits == nil {
		f.credits = make(map[common.Address]uint64)
	}
	f.credits[account] += amount
}

type fakeVaults struct {
	liabilities map[common.Address]uint64
	addErr      error
}

func (f *fakeVaults) AddLiability(ctx context.Context, address common.Address, amount uint64) error {
	if f.addErr != nil {
		return f.addErr
	}
	if f.liabilities == nil {
		f.liabilities = make(map[common.Address]uint64)
	}
	f.liabilities[address] += amount
	return nil
}

func (f *fakeVaults) ReleaseLiability(ctx context.Context, address common.Address, amount uint64) error {
	f.liabilities[address] -= amount
	return nil
}

type fakeVerifier struct {
	valid bool
	err   error
	seen  []zkverifier.MintPublicInputs
}

func (f *fakeVerifier) VerifyMintProof(proof []byte, inputs zkverifier.MintPublicInputs) (bool, error) {
	f.seen = append(f.seen, inputs)
	return f.valid, f.err
}

type testEnv struct {
	sm       *StateMachine
	ledger   *fakeLedger
	vaults   *fakeVaults
	verifier *fakeVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger:   &fakeLedger{included: true},
		vaults:   &fakeVaults{},
		verifier: &fakeVerifier{valid: true},
	}
	sm, err := New(Config{
		DBPath:       filepath.Join(t.TempDir(), "issue.sqlite"),
		PermitWindow: 1_000,
		FeeRateBP:    100, // 1%
	}, env.ledger, commitment.NewMiMCScheme(), env.verifier, env.vaults)
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })
	env.sm = sm
	return env
}

// boundSubmission builds a submission whose note commitment actually opens to
// the permit's vault address hash, net value and derived randomness.
func boundSubmission(t *testing.T, permit *LockPermit, value, netValue uint64) MintProofSubmission {
	t.Helper()
	rcm := commitment.DeriveNoteRandomness(permit.Nonce)
	note, err := commitment.NewMiMCScheme().NoteCommitment(permit.VaultAddressHash, netValue, rcm)
	require.NoError(t, err)
	return MintProofSubmission{
		PermitNonce:        permit.Nonce,
		Value:              value,
		NetValue:           netValue,
		ValueCommitment:    common.HexToHash("0x01"),
		NetValueCommitment: common.HexToHash("0x02"),
		NoteCommitment:     note,
		BlockHash:          blockHash,
		SnarkProof:         []byte{0x01},
	}
}

func TestRequestLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	permit, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1_000_000, []byte{0x01}, 500)
	require.NoError(t, err)
	require.Equal(t, uint64(500), permit.IssuedAt)
	require.Equal(t, uint64(1_500), permit.ExpiresAt)
	require.Equal(t, hashVaultAddress(vaultAddr), permit.VaultAddressHash)
	require.False(t, permit.Consumed)
	require.Equal(t, uint64(1_000_000), env.vaults.liabilities[vaultAddr])

	stored, err := env.sm.GetPermit(ctx, permit.Nonce)
	require.NoError(t, err)
	require.Equal(t, permit.Nonce, stored.Nonce)
	require.Equal(t, requester, stored.Requester)

	t.Run("distinct nonces", func(t *testing.T) {
		second, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1, nil, 500)
		require.NoError(t, err)
		require.NotEqual(t, permit.Nonce, second.Nonce)
	})

	t.Run("undercollateralized vault refused", func(t *testing.T) {
		env.vaults.addErr = context.DeadlineExceeded // any error stands in
		_, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1, nil, 500)
		require.Error(t, err)
		env.vaults.addErr = nil
	})
}

func TestSubmitMintProofHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	permit, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1_000_000, nil, 0)
	require.NoError(t, err)

	sub := boundSubmission(t, permit, 1_000_000, 990_000)
	req, err := env.sm.SubmitMintProof(ctx, sub, 100)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, req.Status)

	// net value credited, fee withheld
	require.Equal(t, uint64(990_000), env.ledger.credits[requester])

	// the oracle saw the public inputs of this submission
	require.Len(t, env.verifier.seen, 1)
	require.Equal(t, permit.Nonce, env.verifier.seen[0].PermitNonce)
	require.Equal(t, sub.NoteCommitment, env.verifier.seen[0].NoteCommitment)

	t.Run("nonce is single use", func(t *testing.T) {
		_, err := env.sm.SubmitMintProof(ctx, sub, 101)
		require.ErrorIs(t, err, ErrNonceReused)
		require.Equal(t, uint64(990_000), env.ledger.credits[requester], "no double credit")
	})
}

func TestSubmitMintProofGates(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown permit", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.sm.SubmitMintProof(ctx, MintProofSubmission{PermitNonce: 12345}, 0)
		require.ErrorIs(t, err, ErrUnknownPermit)
	})

	t.Run("expired permit", func(t *testing.T) {
		env := newTestEnv(t)
		permit, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1_000_000, nil, 0)
		require.NoError(t, err)
		sub := boundSubmission(t, permit, 1_000_000, 990_000)
		_, err = env.sm.SubmitMintProof(ctx, sub, permit.ExpiresAt+1)
		require.ErrorIs(t, err, ErrPermitExpired)
	})

	t.Run("fee mismatch rejects", func(t *testing.T) {
		env := newTestEnv(t)
		permit, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1_000_000, nil, 0)
		require.NoError(t, err)
		sub := boundSubmission(t, permit, 1_000_000, 999_999)
		req, err := env.sm.SubmitMintProof(ctx, sub, 100)
		require.ErrorIs(t, err, ErrFeeMismatch)
		require.Equal(t, StatusRejected, req.Status)
		require.Zero(t, env.ledger.credits[requester])
	})

	t.Run("unbound note commitment rejects", func(t *testing.T) {
		env := newTestEnv(t)
		permit, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1_000_000, nil, 0)
		require.NoError(t, err)
		sub := boundSubmission(t, permit, 1_000_000, 990_000)
		sub.NoteCommitment = common.HexToHash("0xbad")
		req, err := env.sm.SubmitMintProof(ctx, sub, 100)
		require.ErrorIs(t, err, ErrInvalidProof)
		require.Equal(t, StatusRejected, req.Status)
	})

	t.Run("not included rejects", func(t *testing.T) {
		env := newTestEnv(t)
		env.ledger.included = false
		permit, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1_000_000, nil, 0)
		require.NoError(t, err)
		req, err := env.sm.SubmitMintProof(ctx, boundSubmission(t, permit, 1_000_000, 990_000), 100)
		require.ErrorIs(t, err, ErrInvalidProof)
		require.Equal(t, StatusRejected, req.Status)
	})

	t.Run("unconfirmed header is not a rejection", func(t *testing.T) {
		env := newTestEnv(t)
		env.ledger.verifyErr = chainstore.ErrNotConfirmed
		permit, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1_000_000, nil, 0)
		require.NoError(t, err)
		sub := boundSubmission(t, permit, 1_000_000, 990_000)
		_, err = env.sm.SubmitMintProof(ctx, sub, 100)
		require.ErrorIs(t, err, chainstore.ErrNotConfirmed)

		// once confirmed, the same permit still works
		env.ledger.verifyErr = nil
		req, err := env.sm.SubmitMintProof(ctx, sub, 200)
		require.NoError(t, err)
		require.Equal(t, StatusConfirmed, req.Status)
	})

	t.Run("invalid zk proof rejects but permit survives", func(t *testing.T) {
		env := newTestEnv(t)
		env.verifier.valid = false
		permit, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1_000_000, nil, 0)
		require.NoError(t, err)
		sub := boundSubmission(t, permit, 1_000_000, 990_000)
		req, err := env.sm.SubmitMintProof(ctx, sub, 100)
		require.ErrorIs(t, err, ErrInvalidProof)
		require.Equal(t, StatusRejected, req.Status)

		// a corrected submission under the same permit succeeds
		env.verifier.valid = true
		req, err = env.sm.SubmitMintProof(ctx, sub, 150)
		require.NoError(t, err)
		require.Equal(t, StatusConfirmed, req.Status)
	})
}

func TestExpirePermit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	permit, err := env.sm.RequestLock(ctx, requester, vaultAddr, 1_000_000, nil, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), env.vaults.liabilities[vaultAddr])

	require.Error(t, env.sm.ExpirePermit(ctx, permit.Nonce, permit.ExpiresAt), "not expired yet")

	require.NoError(t, env.sm.ExpirePermit(ctx, permit.Nonce, permit.ExpiresAt+1))
	require.Zero(t, env.vaults.liabilities[vaultAddr], "reserved liability released")

	// the consumed permit cannot be minted against anymore
	sub := boundSubmission(t, permit, 1_000_000, 990_000)
	_, err = env.sm.SubmitMintProof(ctx, sub, 100)
	require.ErrorIs(t, err, ErrNonceReused)

	require.ErrorIs(t, env.sm.ExpirePermit(ctx, permit.Nonce, permit.ExpiresAt+2), ErrNonceReused)
	require.ErrorIs(t, env.sm.ExpirePermit(ctx, 98765, 1), ErrUnknownPermit)
}
