package chainstore

const defaultConfirmations = 6

// Config is the configuration for the chain store
type Config struct {
	// DBPath is the path to the header database
	DBPath string `mapstructure:"DBPath"`

	// Confirmations is the number of descendant headers required before a
	// header is trusted
	Confirmations uint64 `mapstructure:"Confirmations"`

	// AnchorHeight is the source-chain height the first ingested header is
	// anchored at. Later headers derive their height by parent linkage.
	AnchorHeight uint64 `mapstructure:"AnchorHeight"`
}

// GetConfirmations returns the configured confirmation depth, falling back to
// the protocol default of 6.
func (c *Config) GetConfirmations() uint64 {
	if c.Confirmations == 0 {
		return defaultConfirmations
	}

	return c.Confirmations
}
