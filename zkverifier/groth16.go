package zkverifier

import (
	"bytes"
	"fmt"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"github.com/zclaim/zclaim/log"
)

// Groth16Verifier checks mint and burn proofs against verifying keys produced
// by the circuit trusted setup. Proofs are consumed as opaque bytes.
type Groth16Verifier struct {
	logger *log.Logger
	mintVK groth16.VerifyingKey
	burnVK groth16.VerifyingKey
}

// NewGroth16Verifier loads the mint and burn verifying keys from disk.
func NewGroth16Verifier(mintVKPath, burnVKPath string) (*Groth16Verifier, error) {
	mintVK, err := loadVerifyingKey(mintVKPath)
	if err != nil {
		return nil, fmt.Errorf("loading mint verifying key: %w", err)
	}
	burnVK, err := loadVerifyingKey(burnVKPath)
	if err != nil {
		return nil, fmt.Errorf("loading burn verifying key: %w", err)
	}
	return &Groth16Verifier{
		logger: log.WithFields("component", "zkverifier"),
		mintVK: mintVK,
		burnVK: burnVK,
	}, nil
}

func loadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vk := groth16.NewVerifyingKey(ecc.BLS12_377)
	if _, err := vk.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return vk, nil
}

// VerifyMintProof checks the mint proof against the public inputs. A failed
// verification is reported as ok=false, not as an error: business-rule
// rejections are permanent and must not be retried with the same artifacts.
func (v *Groth16Verifier) VerifyMintProof(proof []byte, inputs MintPublicInputs) (bool, error) {
	assignment := &MintCircuit{
		ValueCommitment:    inputs.ValueCommitment.Big(),
		NetValueCommitment: inputs.NetValueCommitment.Big(),
		NoteCommitment:     inputs.NoteCommitment.Big(),
		PermitNonce:        inputs.PermitNonce,
	}
	return v.verify(proof, assignment)
}

// VerifyBurnProof checks the burn proof against the public inputs.
func (v *Groth16Verifier) VerifyBurnProof(proof []byte, inputs BurnPublicInputs) (bool, error) {
	assignment := &BurnCircuit{
		ValueCommitment:         inputs.ValueCommitment.Big(),
		RequestedNoteCommitment: inputs.RequestedNoteCommitment.Big(),
		DestinationAddress:      inputs.DestinationAddress.Big(),
	}
	return v.verify(proof, assignment)
}

func (v *Groth16Verifier) verify(rawProof []byte, assignment frontend.Circuit) (bool, error) {
	proof := groth16.NewProof(ecc.BLS12_377)
	if _, err := proof.ReadFrom(bytes.NewReader(rawProof)); err != nil {
		return false, fmt.Errorf("malformed proof: %w", err)
	}

	witness, err := frontend.NewWitness(assignment, ecc.BLS12_377.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("building public witness: %w", err)
	}

	var vk groth16.VerifyingKey
	switch assignment.(type) {
	case *MintCircuit:
		vk = v.mintVK
	case *BurnCircuit:
		vk = v.burnVK
	default:
		return false, fmt.Errorf("unknown circuit type %T", assignment)
	}

	if err := groth16.Verify(proof, vk, witness); err != nil {
		v.logger.Debugf("proof verification failed: %v", err)
		return false, nil
	}
	return true, nil
}
