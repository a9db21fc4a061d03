package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks struct tags plus cross-field rules and validates every
// embedded MCP server config and input definition.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Server.APIKey != "" && c.Server.APIKeyHash != "" {
		return errors.New("server.api_key and server.api_key_hash are mutually exclusive")
	}

	seen := make(map[string]bool, len(c.Computer.MCPServers))
	for _, cfg := range c.Computer.MCPServers {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if seen[cfg.Name] {
			return fmt.Errorf("computer.mcp_servers: duplicate server name %q", cfg.Name)
		}
		seen[cfg.Name] = true
	}

	seenInputs := make(map[string]bool, len(c.Computer.Inputs))
	for _, def := range c.Computer.Inputs {
		if err := def.Validate(); err != nil {
			return err
		}
		if seenInputs[def.ID] {
			return fmt.Errorf("computer.inputs: duplicate input id %q", def.ID)
		}
		seenInputs[def.ID] = true
	}
	return nil
}

// formatValidationErrors turns validator errors into actionable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
