package redeem

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/zclaim/zclaim/commitment"
	"github.com/zclaim/zclaim/policy"
	"github.com/zclaim/zclaim/zkverifier"
)

var (
	requester   = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	vaultAddr   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	destination = common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd")
)

type fakeLedger struct {
	balances map[common.Address]uint64
	debitErr error
}

func (f *fakeLedger) Debit(account common.Address, amount uint64) error {
	if f.debitErr != nil {
		return f.debitErr
	}
	if f.balances == nil {
		f.balances = make(map[common.Address]uint64)
	}
	f.balances[account] -= amount
	return nil
}

func (f *fakeLedger) Credit(account common.Address, amount uint64) {
	if f.balances == nil {
		f.balances = make(map[common.Address]uint64)
	}
	f.balances[account] += amount
}

type fakeVaults struct {
	released   map[common.Address]uint64
	slashed    map[common.Address]uint64
	deposited  map[common.Address]uint64
	liability  map[common.Address]uint64
	seizeCap   uint64
	releaseErr error
	slashErr   error
}

func (f *fakeVaults) AddLiability(ctx context.Context, address common.Address, amount uint64) error {
	if f.liability == nil {
		f.liability = make(map[common.Address]uint64)
	}
	f.liability[address] += amount
	return nil
}

func (f *fakeVaults) ReleaseLiability(ctx context.Context, address common.Address, amount uint64) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	if f.released == nil {
		f.released = make(map[common.Address]uint64)
	}
	f.released[address] += amount
	return nil
}

func (f *fakeVaults) DepositCollateral(ctx context.Context, address common.Address, amount uint64) error {
	if f.deposited == nil {
		f.deposited = make(map[common.Address]uint64)
	}
	f.deposited[address] += amount
	return nil
}

func (f *fakeVaults) Slash(ctx context.Context, address common.Address, amount, liability uint64) (uint64, error) {
	if f.slashErr != nil {
		return 0, f.slashErr
	}
	seized := amount
	if f.seizeCap != 0 && seized > f.seizeCap {
		seized = f.seizeCap
	}
	if f.slashed == nil {
		f.slashed = make(map[common.Address]uint64)
	}
	f.slashed[address] += seized
	return seized, nil
}

type fakeVerifier struct {
	valid bool
	err   error
	seen  []zkverifier.BurnPublicInputs
}

func (f *fakeVerifier) VerifyBurnProof(proof []byte, inputs zkverifier.BurnPublicInputs) (bool, error) {
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
		ledger:   &fakeLedger{balances: map[common.Address]uint64{requester: 10_000_000}},
		vaults:   &fakeVaults{},
		verifier: &fakeVerifier{valid: true},
	}
	sm, err := New(Config{
		DBPath:        filepath.Join(t.TempDir(), "redeem.sqlite"),
		Timeout:       1_000,
		FeeRateBP:     100,   // 1%
		PenaltyRateBP: 1_000, // 10%
	}, env.ledger, env.verifier, env.vaults)
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })
	env.sm = sm
	return env
}

func (e *testEnv) request(t *testing.T, amount uint64) *Request {
	t.Helper()
	req, err := e.sm.RequestRedeem(
		context.Background(), requester, vaultAddr, destination, amount,
		common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToHash("0x03"), 100,
	)
	require.NoError(t, err)
	return req
}

func TestRequestRedeem(t *testing.T) {
	env := newTestEnv(t)

	req := env.request(t, 1_000_000)
	require.Equal(t, StatusRequested, req.Status)
	require.Equal(t, uint64(990_000), req.NetAmount)
	require.Equal(t, uint64(9_000_000), env.ledger.balances[requester], "burned amount debited up front")

	stored, err := env.sm.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, req.ID, stored.ID)
	require.Equal(t, vaultAddr, stored.VaultAddress)
}

func TestRequestRedeemBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, amount := range []uint64{0, policy.MinRedeemAmount - 1, policy.MaxRedeemAmount + 1} {
		_, err := env.sm.RequestRedeem(ctx, requester, vaultAddr, destination, amount,
			common.Hash{}, common.Hash{}, common.Hash{}, 100)
		require.ErrorIs(t, err, policy.ErrAmountOutOfRange, "amount %d", amount)
	}
	// bounds are checked before any state change
	require.Equal(t, uint64(10_000_000), env.ledger.balances[requester])
}

func TestSubmitBurnProof(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.request(t, 1_000_000)

	req, err := env.sm.SubmitBurnProof(ctx, req.ID, []byte{0x01}, 200)
	require.NoError(t, err)
	require.Equal(t, StatusProofSubmitted, req.Status)
	require.Equal(t, uint64(200), req.SubmittedAt)

	require.Len(t, env.verifier.seen, 1)
	require.Equal(t, destination, env.verifier.seen[0].DestinationAddress)
	require.Equal(t, common.HexToHash("0x03"), env.verifier.seen[0].RequestedNoteCommitment)

	t.Run("second submission refused", func(t *testing.T) {
		_, err := env.sm.SubmitBurnProof(ctx, req.ID, []byte{0x01}, 201)
		require.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := env.sm.SubmitBurnProof(ctx, 9_999, []byte{0x01}, 201)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSubmitBurnProofInvalidRejectsAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.verifier.valid = false
	req := env.request(t, 1_000_000)

	req, err := env.sm.SubmitBurnProof(context.Background(), req.ID, []byte{0x01}, 200)
	require.ErrorIs(t, err, ErrInvalidProof)
	require.Equal(t, StatusRejected, req.Status)
	require.Equal(t, uint64(10_000_000), env.ledger.balances[requester], "burn refunded")
}

func TestConfirmRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.request(t, 1_000_000)

	t.Run("requires a submitted proof", func(t *testing.T) {
		_, err := env.sm.ConfirmRelease(ctx, req.ID, vaultAddr, 200)
		require.ErrorIs(t, err, ErrInvalidStatus)
	})

	_, err := env.sm.SubmitBurnProof(ctx, req.ID, []byte{0x01}, 200)
	require.NoError(t, err)

	t.Run("only the obligated vault", func(t *testing.T) {
		_, err := env.sm.ConfirmRelease(ctx, req.ID, destination, 300)
		require.ErrorIs(t, err, ErrWrongVault)
	})

	req, err = env.sm.ConfirmRelease(ctx, req.ID, vaultAddr, 300)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, req.Status)
	require.Equal(t, uint64(1_000_000), env.vaults.released[vaultAddr], "liability settled")

	t.Run("terminal", func(t *testing.T) {
		_, _, err := env.sm.ClaimSlash(ctx, req.ID, policy.ExchangeRateDenominator, 99_999)
		require.ErrorIs(t, err, ErrInvalidStatus)
	})
}

func TestClaimSlash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.request(t, 1_000_000)
	_, err := env.sm.SubmitBurnProof(ctx, req.ID, []byte{0x01}, 200)
	require.NoError(t, err)

	t.Run("before the deadline", func(t *testing.T) {
		_, _, err := env.sm.ClaimSlash(ctx, req.ID, policy.ExchangeRateDenominator, 200+1_000)
		require.ErrorIs(t, err, ErrNotExpired)
	})

	// 10% penalty at rate 1.0: 1_000_000 * 1.1
	req, seized, err := env.sm.ClaimSlash(ctx, req.ID, policy.ExchangeRateDenominator, 200+1_001)
	require.NoError(t, err)
	require.Equal(t, StatusSlashed, req.Status)
	require.Equal(t, uint64(1_100_000), seized)
	require.Equal(t, uint64(1_100_000), env.vaults.slashed[vaultAddr])
	// requester burned 1_000_000 and recovers the seized collateral
	require.Equal(t, uint64(10_100_000), env.ledger.balances[requester])

	t.Run("terminal", func(t *testing.T) {
		_, _, err := env.sm.ClaimSlash(ctx, req.ID, policy.ExchangeRateDenominator, 99_999)
		require.ErrorIs(t, err, ErrInvalidStatus)
	})
}

func TestClaimSlashSeizureFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.vaults.slashErr = errors.New("vault not registered")
	ctx := context.Background()
	req := env.request(t, 1_000_000)
	_, err := env.sm.SubmitBurnProof(ctx, req.ID, []byte{0x01}, 200)
	require.NoError(t, err)

	_, _, err = env.sm.ClaimSlash(ctx, req.ID, policy.ExchangeRateDenominator, 200+1_001)
	require.Error(t, err)

	// the timeout is recorded but the request is not terminal: nothing was
	// seized and the claim can be retried once the vault registry heals
	stored, err := env.sm.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, stored.Status)
	require.Zero(t, env.vaults.slashed[vaultAddr])
	require.Equal(t, uint64(9_000_000), env.ledger.balances[requester])

	env.vaults.slashErr = nil
	req, seized, err := env.sm.ClaimSlash(ctx, req.ID, policy.ExchangeRateDenominator, 200+1_001)
	require.NoError(t, err)
	require.Equal(t, StatusSlashed, req.Status)
	require.Equal(t, uint64(1_100_000), seized)
	require.Equal(t, uint64(10_100_000), env.ledger.balances[requester])
}

func TestConfirmReleaseFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.vaults.releaseErr = errors.New("registry unavailable")
	ctx := context.Background()
	req := env.request(t, 1_000_000)
	_, err := env.sm.SubmitBurnProof(ctx, req.ID, []byte{0x01}, 200)
	require.NoError(t, err)

	_, err = env.sm.ConfirmRelease(ctx, req.ID, vaultAddr, 300)
	require.Error(t, err)
	stored, err := env.sm.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProofSubmitted, stored.Status, "release not recorded while the liability stands")

	env.vaults.releaseErr = nil
	req, err = env.sm.ConfirmRelease(ctx, req.ID, vaultAddr, 300)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, req.Status)
	require.Equal(t, uint64(1_000_000), env.vaults.released[vaultAddr])
}

func TestClaimSlashSeizureCapped(t *testing.T) {
	env := newTestEnv(t)
	env.vaults.seizeCap = 300_000
	ctx := context.Background()
	req := env.request(t, 1_000_000)
	_, err := env.sm.SubmitBurnProof(ctx, req.ID, []byte{0x01}, 200)
	require.NoError(t, err)

	_, seized, err := env.sm.ClaimSlash(ctx, req.ID, policy.ExchangeRateDenominator, 200+1_001)
	require.NoError(t, err)
	require.Equal(t, uint64(300_000), seized)
	require.Equal(t, uint64(9_300_000), env.ledger.balances[requester], "only the seized amount is credited")
}

func TestSubmitEncryptionChallenge(t *testing.T) {
	ctx := context.Background()

	vaultKeys, err := commitment.GenerateKeyPair()
	require.NoError(t, err)
	userKeys, err := commitment.GenerateKeyPair()
	require.NoError(t, err)
	rcm := commitment.DeriveNoteRandomness(1)

	t.Run("matching commitment fails the challenge", func(t *testing.T) {
		env := newTestEnv(t)
		req := env.request(t, 1_000_000)

		// the user committed honestly against the DH secret
		declared, err := commitment.ChallengeCommitment(
			commitment.SharedSecret(&userKeys.Sk, &vaultKeys.Pk), req.NetAmount, rcm)
		require.NoError(t, err)
		req.RequestedNoteCommitment = declared
		_, err = env.sm.db.Exec(`UPDATE redeem_request SET requested_note_commitment = $1 WHERE id = $2;`,
			declared.Hex(), req.ID)
		require.NoError(t, err)

		_, err = env.sm.SubmitEncryptionChallenge(ctx, EncryptionChallenge{
			RequestID:          req.ID,
			VaultSecretKey:     vaultKeys.Sk,
			EphemeralPublicKey: userKeys.Pk,
			DeclaredRcm:        rcm,
		})
		require.ErrorIs(t, err, ErrChallengeFailed)

		stored, err := env.sm.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		require.Equal(t, StatusRequested, stored.Status, "the vault stays obligated")
	})

	t.Run("mismatch rejects and refunds", func(t *testing.T) {
		env := newTestEnv(t)
		req := env.request(t, 1_000_000)
		// the stored commitment (0x03) cannot be reproduced from the DH secret

		req, err := env.sm.SubmitEncryptionChallenge(ctx, EncryptionChallenge{
			RequestID:          req.ID,
			VaultSecretKey:     vaultKeys.Sk,
			EphemeralPublicKey: userKeys.Pk,
			DeclaredRcm:        rcm,
		})
		require.NoError(t, err)
		require.Equal(t, StatusRejected, req.Status)
		require.Equal(t, uint64(10_000_000), env.ledger.balances[requester], "burn refunded")

		t.Run("terminal", func(t *testing.T) {
			_, err := env.sm.SubmitBurnProof(ctx, req.ID, []byte{0x01}, 300)
			require.ErrorIs(t, err, ErrInvalidStatus)
		})
	})
}
