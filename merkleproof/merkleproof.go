package merkleproof

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"
)

const (
	// Depth is the fixed depth of the note-commitment tree.
	Depth uint8 = 32

	// nodePersonalization is the domain tag of the tree's node hash.
	nodePersonalization = "ZclaimMerkleCRH_"
)

// Proof is an inclusion proof of a leaf under a commitment root: the ordered
// sibling hashes from the leaf level up, plus the leaf index whose bits select
// left/right order at each level (bit h set means the sibling goes left).
type Proof struct {
	Siblings [Depth]common.Hash
	Index    uint32
}

// HashNode computes the parent of two child nodes.
func HashNode(left, right common.Hash) common.Hash {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	hasher.Write([]byte(nodePersonalization))
	hasher.Write(left[:])
	hasher.Write(right[:])
	return common.BytesToHash(hasher.Sum(nil))
}

// ComputeRoot folds the proof over the leaf and returns the resulting root.
func ComputeRoot(leaf common.Hash, proof Proof) common.Hash {
	node := leaf
	for h := uint8(0); h < Depth; h++ {
		if proof.Index&(1<<h) > 0 {
			node = HashNode(proof.Siblings[h], node)
		} else {
			node = HashNode(node, proof.Siblings[h])
		}
	}
	return node
}

// Verify reports whether leaf is included under root according to proof.
// It returns a boolean rather than an error so callers choose rejection policy.
func Verify(leaf common.Hash, proof Proof, root common.Hash) bool {
	return ComputeRoot(leaf, proof) == root
}
