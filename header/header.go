package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"

	zclaimcommon "github.com/zclaim/zclaim/common"
)

const (
	// EncodedLen is the exact wire size of a serialized block header:
	// version(4) || prevHash(32) || merkleRoot(32) || commitmentRoot(32) ||
	// timestamp(4) || bits(4) || nonce(32)
	EncodedLen = 140

	// hashPersonalization is the domain tag mixed into the header hash.
	hashPersonalization = "ZclaimBlockHash_"
)

var (
	// ErrInvalidLength is returned when decoding input that is not exactly
	// EncodedLen bytes. Malformed headers are fatal to that header and must
	// never be silently accepted.
	ErrInvalidLength = errors.New("invalid header length")

	// one and pow256 are used to derive work from a compact target
	one    = big.NewInt(1)
	pow256 = new(big.Int).Lsh(big.NewInt(1), 256)
)

// BlockHeader is the fixed-layout header of the shielded source chain.
// Immutable once ingested.
type BlockHeader struct {
	Version        uint32
	PrevHash       common.Hash
	MerkleRoot     common.Hash
	CommitmentRoot common.Hash
	Timestamp      uint32
	Bits           uint32
	Nonce          [32]byte
}

// Decode parses a serialized header. Any input whose length differs from
// EncodedLen is rejected with ErrInvalidLength.
func Decode(raw []byte) (BlockHeader, error) {
	if len(raw) != EncodedLen {
		return BlockHeader{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidLength, EncodedLen, len(raw))
	}
	var h BlockHeader
	h.Version = binary.LittleEndian.Uint32(raw[0:4])
	copy(h.PrevHash[:], raw[4:36])
	copy(h.MerkleRoot[:], raw[36:68])
	copy(h.CommitmentRoot[:], raw[68:100])
	h.Timestamp = binary.LittleEndian.Uint32(raw[100:104])
	h.Bits = binary.LittleEndian.Uint32(raw[104:108])
	copy(h.Nonce[:], raw[108:140])
	return h, nil
}

// Encode serializes the header into its EncodedLen-byte wire layout.
func (h BlockHeader) Encode() []byte {
	raw := make([]byte, EncodedLen)
	binary.LittleEndian.PutUint32(raw[0:4], h.Version)
	copy(raw[4:36], h.PrevHash[:])
	copy(raw[36:68], h.MerkleRoot[:])
	copy(raw[68:100], h.CommitmentRoot[:])
	binary.LittleEndian.PutUint32(raw[100:104], h.Timestamp)
	binary.LittleEndian.PutUint32(raw[104:108], h.Bits)
	copy(raw[108:140], h.Nonce[:])
	return raw
}

// Hash computes the personalized hash of the serialized header, returned in
// display order (byte-reversed digest, like bitcoin-style chains).
func (h BlockHeader) Hash() common.Hash {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 with a nil key cannot fail
		panic(err)
	}
	hasher.Write([]byte(hashPersonalization))
	hasher.Write(h.Encode())
	digest := hasher.Sum(nil)
	return common.BytesToHash(zclaimcommon.ReverseBytes(digest))
}

// TargetFromBits expands the compact difficulty representation into the full
// 256-bit target: exponent = bits>>24, mantissa = bits & 0x7FFFFF,
// target = mantissa << 8*(exponent-3) for exponent > 3, shifted right otherwise.
func TargetFromBits(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := new(big.Int).SetUint64(uint64(bits & 0x7FFFFF))
	if exponent > 3 {
		return mantissa.Lsh(mantissa, 8*uint(exponent-3))
	}
	return mantissa.Rsh(mantissa, 8*uint(3-exponent))
}

// WorkFromBits computes the cumulative-work contribution of a header with the
// given compact difficulty: floor(2^256 / (target+1)). A larger target (lower
// difficulty) yields lower work.
func WorkFromBits(bits uint32) *big.Int {
	target := TargetFromBits(bits)
	denom := new(big.Int).Add(target, one)
	return new(big.Int).Div(pow256, denom)
}

// Work returns the work contributed by this header.
func (h BlockHeader) Work() *big.Int {
	return WorkFromBits(h.Bits)
}

// CheckProofOfWork interprets the header hash as a big-endian integer and
// requires it to not exceed the target encoded in Bits. Only validation is
// performed here; solving is out of scope.
func (h BlockHeader) CheckProofOfWork() bool {
	hashInt := new(big.Int).SetBytes(h.Hash().Bytes())
	return hashInt.Cmp(TargetFromBits(h.Bits)) <= 0
}
