package zkverifier

import (
	"github.com/ethereum/go-ethereum/common"
)

// MintPublicInputs are the public inputs the mint proof binds together.
type MintPublicInputs struct {
	ValueCommitment    common.Hash
	NetValueCommitment common.Hash
	NoteCommitment     common.Hash
	PermitNonce        uint64
}

// BurnPublicInputs are the public inputs the burn proof binds together.
type BurnPublicInputs struct {
	ValueCommitment         common.Hash
	RequestedNoteCommitment common.Hash
	DestinationAddress      common.Address
}

// MintVerifier is the opaque proof-verifier oracle boundary of the mint flow.
type MintVerifier interface {
	VerifyMintProof(proof []byte, inputs MintPublicInputs) (bool, error)
}

// BurnVerifier is the opaque proof-verifier oracle boundary of the burn flow.
type BurnVerifier interface {
	VerifyBurnProof(proof []byte, inputs BurnPublicInputs) (bool, error)
}

// Verifier bundles both oracle boundaries.
type Verifier interface {
	MintVerifier
	BurnVerifier
}
