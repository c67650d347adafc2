package zkverifier

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// MintCircuit binds the mint statement: the prover knows an opening of the
// note commitment to the vault's address, the net value and the permit-derived
// randomness, consistent with the value commitments. The proving side lives
// with the wallet; the node only verifies.
type MintCircuit struct {
	ValueCommitment    frontend.Variable `gnark:",public"`
	NetValueCommitment frontend.Variable `gnark:",public"`
	NoteCommitment     frontend.Variable `gnark:",public"`
	PermitNonce        frontend.Variable `gnark:",public"`

	VaultAddress frontend.Variable
	NetValue     frontend.Variable
	Rcm          frontend.Variable
}

func (c *MintCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.VaultAddress, c.NetValue, c.Rcm)
	api.AssertIsEqual(c.NoteCommitment, h.Sum())
	return nil
}

// BurnCircuit binds the burn statement: the value commitment opens to the
// note requested for the user's destination address.
type BurnCircuit struct {
	ValueCommitment         frontend.Variable `gnark:",public"`
	RequestedNoteCommitment frontend.Variable `gnark:",public"`
	DestinationAddress      frontend.Variable `gnark:",public"`

	Value frontend.Variable
	Rcm   frontend.Variable
}

func (c *BurnCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.DestinationAddress, c.Value, c.Rcm)
	api.AssertIsEqual(c.RequestedNoteCommitment, h.Sum())
	return nil
}
