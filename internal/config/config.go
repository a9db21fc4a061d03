// Package config provides configuration types and loading for the SMCP
// server and computer binaries. Configuration is file-based (smcp.yaml)
// with environment overrides under the SMCP_ prefix.
package config

import (
	"github.com/a2c-smcp/smcp/internal/domain/inputs"
	"github.com/a2c-smcp/smcp/internal/domain/upstream"
)

// Config is the top-level configuration shared by both binaries; each one
// reads its own section.
type Config struct {
	// Server configures the signaling server binary.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Computer configures the computer daemon.
	Computer ComputerConfig `yaml:"computer" mapstructure:"computer"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// DevMode forces debug logging and permissive authentication when no
	// api key is configured.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the signaling server listener and auth.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":7650".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// APIKeyHeader is the header checked by the authentication provider.
	// Default: x-api-key.
	APIKeyHeader string `yaml:"api_key_header" mapstructure:"api_key_header"`

	// APIKey is the plaintext admin secret. Mutually exclusive with
	// APIKeyHash.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// APIKeyHash is an argon2id hash of the admin secret, produced by the
	// hash-key subcommand.
	APIKeyHash string `yaml:"api_key_hash" mapstructure:"api_key_hash"`

	// ForwardTimeoutSeconds bounds forwards without their own timeout.
	// Default: 30.
	ForwardTimeoutSeconds int `yaml:"forward_timeout_seconds" mapstructure:"forward_timeout_seconds" validate:"gte=0"`
}

// ComputerConfig configures the computer daemon.
type ComputerConfig struct {
	// Name is the computer's protocol name, unique within its office.
	Name string `yaml:"name" mapstructure:"name"`

	// OfficeID is the office joined at startup.
	OfficeID string `yaml:"office_id" mapstructure:"office_id"`

	// ServerURL is the signaling server endpoint, e.g.
	// "http://localhost:7650".
	ServerURL string `yaml:"server_url" mapstructure:"server_url" validate:"omitempty,url"`

	// APIKey authenticates against the signaling server.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// AutoConnect starts every enabled MCP server at initialization.
	// Default: true.
	AutoConnect *bool `yaml:"auto_connect" mapstructure:"auto_connect"`

	// AutoReconnect restarts a running MCP server when its config is
	// updated in place. Default: true.
	AutoReconnect *bool `yaml:"auto_reconnect" mapstructure:"auto_reconnect"`

	// StatePath enables JSON state persistence when non-empty.
	StatePath string `yaml:"state_path" mapstructure:"state_path"`

	// MCPServers are the downstream MCP server configs.
	MCPServers []*upstream.ServerConfig `yaml:"mcp_servers" mapstructure:"mcp_servers"`

	// Inputs are the dynamic input definitions referenced by
	// ${input:<id>} placeholders.
	Inputs []inputs.Definition `yaml:"inputs" mapstructure:"inputs"`
}

// AutoConnectEnabled applies the default.
func (c *ComputerConfig) AutoConnectEnabled() bool {
	return c.AutoConnect == nil || *c.AutoConnect
}

// AutoReconnectEnabled applies the default.
func (c *ComputerConfig) AutoReconnectEnabled() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                  ":7650",
			APIKeyHeader:          "x-api-key",
			ForwardTimeoutSeconds: 30,
		},
		Computer: ComputerConfig{
			Name:      "computer-1",
			OfficeID:  "office-1",
			ServerURL: "http://localhost:7650",
		},
		LogLevel: "info",
	}
}
