package issue

const defaultPermitWindow = 24 * 60 * 60 // seconds

// Config is the configuration for the issue (mint) state machine
type Config struct {
	// DBPath is the path to the permits/requests database
	DBPath string `mapstructure:"DBPath"`

	// PermitWindow is how long a lock permit stays valid, in seconds.
	// Timestamps are caller-supplied, the clock is an external input.
	PermitWindow uint64 `mapstructure:"PermitWindow"`

	// FeeRateBP is the protocol fee rate in basis points
	FeeRateBP uint64 `mapstructure:"FeeRateBP"`
}

// GetPermitWindow returns the configured permit window, defaulting to 24h.
func (c *Config) GetPermitWindow() uint64 {
	if c.PermitWindow == 0 {
		return defaultPermitWindow
	}

	return c.PermitWindow
}
