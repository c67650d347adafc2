package policy

import (
	"errors"
	"math/big"
)

const (
	// MinRedeemAmount is the smallest redeemable amount, in zatoshi.
	MinRedeemAmount uint64 = 100_000
	// MaxRedeemAmount is the largest redeemable amount, in zatoshi.
	MaxRedeemAmount uint64 = 100_000_000_000

	// BasisPointsDenominator scales fee, penalty and collateral-ratio rates.
	BasisPointsDenominator uint64 = 10_000

	// ExchangeRateDenominator scales exchange rates when converting a burn
	// value into collateral currency.
	ExchangeRateDenominator uint64 = 100_000_000
)

// ErrAmountOutOfRange is returned when a redeem amount violates the
// [MinRedeemAmount, MaxRedeemAmount] bounds. Rejected before any state mutation.
var ErrAmountOutOfRange = errors.New("amount out of redeemable range")

// Fee computes the protocol fee for an amount at the given rate (basis points).
func Fee(amount, rate uint64) uint64 {
	f := new(big.Int).Mul(new(big.Int).SetUint64(amount), new(big.Int).SetUint64(rate))
	return f.Div(f, new(big.Int).SetUint64(BasisPointsDenominator)).Uint64()
}

// Net returns the amount left after deducting the fee.
func Net(amount, rate uint64) uint64 {
	return amount - Fee(amount, rate)
}

// IsValidRedeemAmount reports whether amount lies within the redeem bounds.
func IsValidRedeemAmount(amount uint64) bool {
	return amount >= MinRedeemAmount && amount <= MaxRedeemAmount
}

// IsTimeoutExpired reports whether a request submitted at submittedAt is past
// its deadline at the caller-supplied current time. The clock is an external
// input, never owned by the protocol.
func IsTimeoutExpired(submittedAt, now, timeout uint64) bool {
	return now > submittedAt+timeout
}

// CollateralValue converts a burn value into collateral currency at the given
// exchange rate (scaled by ExchangeRateDenominator).
func CollateralValue(burnValue, exchangeRate uint64) uint64 {
	v := new(big.Int).Mul(new(big.Int).SetUint64(burnValue), new(big.Int).SetUint64(exchangeRate))
	return v.Div(v, new(big.Int).SetUint64(ExchangeRateDenominator)).Uint64()
}

// SlashAmount is the collateral seized from a vault that missed its release
// obligation: collateralValue(burnValue, exchangeRate) * (1 + penaltyRate),
// penaltyRate in basis points.
func SlashAmount(burnValue, exchangeRate, penaltyRate uint64) uint64 {
	collateral := CollateralValue(burnValue, exchangeRate)
	s := new(big.Int).Mul(
		new(big.Int).SetUint64(collateral),
		new(big.Int).SetUint64(BasisPointsDenominator+penaltyRate),
	)
	return s.Div(s, new(big.Int).SetUint64(BasisPointsDenominator)).Uint64()
}
