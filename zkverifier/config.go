package zkverifier

// Config is the configuration for the groth16 proof verifier
type Config struct {
	// MintVKPath is the path to the mint circuit verifying key
	MintVKPath string `mapstructure:"MintVKPath"`

	// BurnVKPath is the path to the burn circuit verifying key
	BurnVKPath string `mapstructure:"BurnVKPath"`
}
