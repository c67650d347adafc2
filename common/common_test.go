package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []uint64{0, 1, 255, 256, 1 << 32, 1<<64 - 1}
	for _, n := range tests {
		require.Equal(t, n, BytesToUint64(Uint64ToBytes(n)))
	}
}

func TestUint32RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []uint32{0, 1, 255, 1 << 16, 1<<32 - 1}
	for _, n := range tests {
		require.Equal(t, n, BytesToUint32(Uint32ToBytes(n)))
	}
}

func TestReverseBytes(t *testing.T) {
	t.Parallel()

	require.Equal(t, []byte{3, 2, 1}, ReverseBytes([]byte{1, 2, 3}))
	require.Equal(t, []byte{}, ReverseBytes(nil))

	// reversing twice returns the original
	orig := []byte{0xde, 0xad, 0xbe, 0xef}
	require.Equal(t, orig, ReverseBytes(ReverseBytes(orig)))
}
