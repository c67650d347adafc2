package commitment

import (
	"errors"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"

	zclaimcommon "github.com/zclaim/zclaim/common"
)

// rcmPersonalization is the domain tag of the permit-nonce randomness PRF.
const rcmPersonalization = "ZclaimRcm"

// ErrValueOutOfField is returned when a numeric input does not fit the scalar
// field. Out-of-range values are rejected, never silently truncated.
var ErrValueOutOfField = errors.New("value does not fit in the scalar field")

// Scheme binds a recipient address, a value and note randomness into a note
// commitment. The protocol consumes it as an abstract capability; this package
// provides the MiMC-over-BLS12-377 backing used by the circuits.
type Scheme interface {
	NoteCommitment(address common.Hash, value uint64, rcm []byte) (common.Hash, error)
}

// MiMCScheme commits via the MiMC hash over the BLS12-377 scalar field:
// cm = MiMC(address, value, rcm), every input mapped to a field element.
type MiMCScheme struct{}

// NewMiMCScheme returns the production commitment scheme.
func NewMiMCScheme() MiMCScheme {
	return MiMCScheme{}
}

// NoteCommitment computes cm = MiMC(address, value, rcm).
func (MiMCScheme) NoteCommitment(address common.Hash, value uint64, rcm []byte) (common.Hash, error) {
	valueElem, err := valueToElement(value)
	if err != nil {
		return common.Hash{}, err
	}
	return mimcSum(toElement(address.Bytes()), valueElem, toElement(rcm)), nil
}

// DeriveNoteRandomness recomputes the expected note randomness bound to a lock
// permit: Hash("ZclaimRcm", permitNonce).
func DeriveNoteRandomness(permitNonce uint64) []byte {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	hasher.Write([]byte(rcmPersonalization))
	hasher.Write(zclaimcommon.Uint64ToBytes(permitNonce))
	return hasher.Sum(nil)
}

// KeyPair is a BLS12-377 keypair used for the note-encryption key agreement.
type KeyPair struct {
	Sk fr.Element
	Pk bls12377.G1Affine
}

// GenerateKeyPair generates a random BLS12-377 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, err
	}
	g1Jac, _, _, _ := bls12377.Generators()
	var pk bls12377.G1Affine
	pk.FromJacobian(&g1Jac)
	pk.ScalarMultiplication(&pk, sk.BigInt(new(big.Int)))
	return &KeyPair{Sk: sk, Pk: pk}, nil
}

// SharedSecret computes the Diffie-Hellman shared point from our secret scalar
// and their public key.
func SharedSecret(sk *fr.Element, pk *bls12377.G1Affine) *bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(pk, sk.BigInt(new(big.Int)))
	return &shared
}

// ChallengeCommitment recomputes the note commitment a vault expects from the
// shared secret it derives with the note's ephemeral public key:
// cm = MiMC(sharedX, sharedY, value, rcm). A mismatch with the user's declared
// commitment proves the redeem request unfulfillable.
func ChallengeCommitment(shared *bls12377.G1Affine, value uint64, rcm []byte) (common.Hash, error) {
	valueElem, err := valueToElement(value)
	if err != nil {
		return common.Hash{}, err
	}
	x := shared.X.Bytes()
	y := shared.Y.Bytes()
	return mimcSum(toElement(x[:]), toElement(y[:]), valueElem, toElement(rcm)), nil
}

// toElement maps arbitrary identity/randomness bytes into the scalar field
// (canonical modular reduction).
func toElement(b []byte) fr.Element {
	var e fr.Element
	e.SetBytes(b)
	return e
}

// valueToElement maps a numeric amount into the scalar field, rejecting
// amounts that would wrap around the modulus.
func valueToElement(value uint64) (fr.Element, error) {
	v := new(big.Int).SetUint64(value)
	if v.Cmp(fr.Modulus()) >= 0 {
		return fr.Element{}, ErrValueOutOfField
	}
	var e fr.Element
	e.SetBigInt(v)
	return e, nil
}

func mimcSum(elems ...fr.Element) common.Hash {
	h := mimc.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		h.Write(b[:]) //nolint:errcheck
	}
	return common.BytesToHash(h.Sum(nil))
}
