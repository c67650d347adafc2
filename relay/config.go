package relay

import "time"

const (
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 16
)

// Config is the configuration for the header relay driver
type Config struct {
	// SourceURL is the JSON-RPC endpoint of the shielded source-chain node
	SourceURL string `mapstructure:"SourceURL"`

	// PollInterval is the interval between source-chain height polls
	PollInterval time.Duration `mapstructure:"PollInterval"`

	// BatchSize is the maximum number of headers relayed per tick
	BatchSize uint64 `mapstructure:"BatchSize"`

	// Confirmations is how far behind the source tip the relay stays, so only
	// confirmed headers are submitted
	Confirmations uint64 `mapstructure:"Confirmations"`

	// StartHeight is the source-chain height relaying begins at when the
	// destination ledger holds no headers yet
	StartHeight uint64 `mapstructure:"StartHeight"`

	// RetryAfterErrorPeriod is the time to wait after a transient error
	RetryAfterErrorPeriod time.Duration `mapstructure:"RetryAfterErrorPeriod"`

	// MaxRetryAttemptsAfterError is the number of consecutive retries before
	// giving up. Any negative number means retry forever
	MaxRetryAttemptsAfterError int `mapstructure:"MaxRetryAttemptsAfterError"`
}

func (c *Config) GetPollInterval() time.Duration {
	if c.PollInterval == 0 {
		return defaultPollInterval
	}
	return c.PollInterval
}

func (c *Config) GetBatchSize() uint64 {
	if c.BatchSize == 0 {
		return defaultBatchSize
	}
	return c.BatchSize
}
