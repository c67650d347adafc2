package redeem

const defaultTimeout = 48 * 60 * 60 // seconds

// Config is the configuration for the redeem (burn) state machine
type Config struct {
	// DBPath is the path to the redeem requests database
	DBPath string `mapstructure:"DBPath"`

	// Timeout is how long a vault has to release after a burn proof is
	// accepted, in seconds. Timestamps are caller-supplied, the clock is an
	// external input.
	Timeout uint64 `mapstructure:"Timeout"`

	// FeeRateBP is the protocol fee rate in basis points
	FeeRateBP uint64 `mapstructure:"FeeRateBP"`

	// PenaltyRateBP is the slashing penalty rate in basis points, applied on
	// top of the collateral value of a timed-out request
	PenaltyRateBP uint64 `mapstructure:"PenaltyRateBP"`
}

// GetTimeout returns the configured release timeout, defaulting to 48h.
func (c *Config) GetTimeout() uint64 {
	if c.Timeout == 0 {
		return defaultTimeout
	}

	return c.Timeout
}
