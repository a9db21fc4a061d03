package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. With an empty configFile it searches smcp.yaml/.yml in the
// standard locations; when nothing is found, ReadInConfig later returns
// ConfigFileNotFoundError and callers fall back to defaults.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("smcp")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: SMCP_SERVER_ADDR overrides server.addr.
	viper.SetEnvPrefix("SMCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches the standard locations for smcp.yaml or smcp.yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".smcp"), "/etc/smcp"}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "smcp"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys so environment overrides work
// without a config file present.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.addr",
		"server.api_key_header",
		"server.api_key",
		"server.api_key_hash",
		"server.forward_timeout_seconds",
		"computer.name",
		"computer.office_id",
		"computer.server_url",
		"computer.api_key",
		"computer.auto_connect",
		"computer.auto_reconnect",
		"computer.state_path",
		"log_level",
		"dev_mode",
	} {
		_ = viper.BindEnv(key)
	}
}

// Load reads the configuration: file (when present), environment, then
// defaults, and validates the result.
func Load() (*Config, error) {
	cfg := Default()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
