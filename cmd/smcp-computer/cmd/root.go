// Package cmd provides the CLI commands for the SMCP computer daemon.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/a2c-smcp/smcp/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "smcp-computer",
	Short: "SMCP computer daemon",
	Long: `smcp-computer aggregates one or more MCP servers and exposes their
tool surface to an agent through the SMCP signaling server.

It connects downstream MCP servers (stdio subprocesses, SSE, or streamable
HTTP endpoints), maintains the aggregated tool map with alias and
forbidden-tool handling, renders ${input:<id>} placeholders in server
configs, and answers the agent's tool/desktop/config requests.

Configuration:
  Config is loaded from smcp.yaml in the current directory, $HOME/.smcp/,
  or /etc/smcp/. Environment variables override config values with the
  SMCP_ prefix, e.g. SMCP_COMPUTER_NAME=box-1.

Commands:
  run         Run the computer daemon
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./smcp.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
