package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeeAndNet(t *testing.T) {
	testCases := []struct {
		name        string
		amount      uint64
		rate        uint64
		expectedFee uint64
	}{
		{"one percent", 10_000, 100, 100},
		{"zero rate", 10_000, 0, 0},
		{"rounds down", 999, 100, 9},
		{"full denominator", 12_345, 10_000, 12_345},
		{"large amount no overflow", MaxRedeemAmount, 9_999, 99_990_000_000},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expectedFee, Fee(tc.amount, tc.rate))
			require.Equal(t, tc.amount-tc.expectedFee, Net(tc.amount, tc.rate))
		})
	}
}

func TestIsValidRedeemAmount(t *testing.T) {
	require.False(t, IsValidRedeemAmount(MinRedeemAmount-1))
	require.True(t, IsValidRedeemAmount(MinRedeemAmount))
	require.True(t, IsValidRedeemAmount(MaxRedeemAmount))
	require.False(t, IsValidRedeemAmount(MaxRedeemAmount+1))
	require.False(t, IsValidRedeemAmount(0))
}

func TestIsTimeoutExpired(t *testing.T) {
	// deadline itself is still on time, strictly past it is expired
	require.False(t, IsTimeoutExpired(100, 100+50, 50))
	require.True(t, IsTimeoutExpired(100, 100+51, 50))
	require.False(t, IsTimeoutExpired(100, 99, 50))
}

func TestCollateralValue(t *testing.T) {
	// rate of 1.0 is the identity
	require.Equal(t, uint64(5_000_000), CollateralValue(5_000_000, ExchangeRateDenominator))
	// 30x rate
	require.Equal(t, uint64(3_000_000_000), CollateralValue(100_000_000, 30*ExchangeRateDenominator))
	require.Equal(t, uint64(0), CollateralValue(0, ExchangeRateDenominator))
}

func TestSlashAmount(t *testing.T) {
	// burn 1 unit at 30x with a 10% penalty: 30e8 * 1.1
	require.Equal(t, uint64(3_300_000_000), SlashAmount(100_000_000, 30*ExchangeRateDenominator, 1_000))
	// zero penalty leaves the plain collateral value
	require.Equal(t, uint64(3_000_000_000), SlashAmount(100_000_000, 30*ExchangeRateDenominator, 0))
	// deterministic: same inputs, same output
	a := SlashAmount(123_456_789, 7*ExchangeRateDenominator, 250)
	b := SlashAmount(123_456_789, 7*ExchangeRateDenominator, 250)
	require.Equal(t, a, b)
}
