package vault

// Config is the configuration for the vault collateral registry
type Config struct {
	// DBPath is the path to the vaults database
	DBPath string `mapstructure:"DBPath"`
}
