package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/zclaim/zclaim/chainstore"
	"github.com/zclaim/zclaim/issue"
	"github.com/zclaim/zclaim/log"
	"github.com/zclaim/zclaim/redeem"
	"github.com/zclaim/zclaim/relay"
	"github.com/zclaim/zclaim/vault"
	"github.com/zclaim/zclaim/zkverifier"
)

const (
	// FlagCfg is the flag for cfg.
	FlagCfg = "cfg"
	// FlagComponents is the flag for components.
	FlagComponents = "components"
	// FlagSaveConfigPath is the flag to save the final configuration file
	FlagSaveConfigPath = "save-config-path"

	// EnvVarPrefix is the prefix for environment variable overrides
	EnvVarPrefix = "ZCLAIM"
	// ConfigType is the config file format
	ConfigType = "toml"
	// SaveConfigFileName is the filename used by FlagSaveConfigPath
	SaveConfigFileName = "zclaim_config.toml"

	// DefaultCreationFilePermissions is the mode used for files the node creates
	DefaultCreationFilePermissions = os.FileMode(0600)
)

// Config represents the configuration of the entire zclaim node.
// The file is TOML format; every field can be overridden through environment
// variables prefixed with ZCLAIM_ (dots replaced by underscores).
type Config struct {
	// Configure log level for all the services, allow also to store the logs in a file
	Log log.Config

	// ChainStore is the config of the source-chain header store
	ChainStore chainstore.Config

	// Relay is the config of the header relay driver
	Relay relay.Config

	// Issue is the config of the issue (mint) state machine
	Issue issue.Config

	// Redeem is the config of the redeem (burn) state machine
	Redeem redeem.Config

	// Vault is the config of the vault collateral registry
	Vault vault.Config

	// ZkVerifier is the config of the groth16 proof verifier
	ZkVerifier zkverifier.Config
}

// Load loads the configuration from the file(s) given by the cfg flag,
// layered on top of the embedded defaults.
func Load(ctx *cli.Context) (*Config, error) {
	configFilePaths := ctx.StringSlice(FlagCfg)
	contents := make([]string, 0, len(configFilePaths))
	for _, path := range configFilePaths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		contents = append(contents, string(content))
	}

	cfg, err := LoadFromStrings(contents)
	if err != nil {
		return nil, err
	}

	if saveConfigPath := ctx.String(FlagSaveConfigPath); saveConfigPath != "" {
		fullPath := saveConfigPath + "/" + SaveConfigFileName
		merged := strings.Join(append([]string{DefaultValues}, contents...), "\n")
		if err := os.WriteFile(fullPath, []byte(merged), DefaultCreationFilePermissions); err != nil {
			return nil, fmt.Errorf("error writing config file %s: %w", fullPath, err)
		}
	}

	return cfg, nil
}

// LoadFromStrings builds the config from the embedded defaults plus the given
// TOML documents, applied in order, then environment variable overrides.
func LoadFromStrings(contents []string) (*Config, error) {
	viper.Reset()
	viper.SetConfigType(ConfigType)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix(EnvVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadConfig(bytes.NewBufferString(DefaultValues)); err != nil {
		return nil, fmt.Errorf("error reading default config: %w", err)
	}
	for i, content := range contents {
		if err := viper.MergeConfig(bytes.NewBufferString(content)); err != nil {
			return nil, fmt.Errorf("error merging config file #%d: %w", i+1, err)
		}
	}

	cfg := &Config{}
	decodeHooks := []viper.DecoderConfigOption{
		// this allows arrays to be decoded from env var separated by ",", example: MY_VAR="value1,value2,value3"
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","))),
	}
	if err := viper.Unmarshal(cfg, decodeHooks...); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return cfg, nil
}
