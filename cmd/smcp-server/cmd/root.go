// Package cmd provides the CLI commands for the SMCP signaling server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/a2c-smcp/smcp/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "smcp-server",
	Short: "SMCP signaling server",
	Long: `smcp-server is the A2C-SMCP signaling server.

It authenticates agent and computer connections on the /smcp namespace,
tracks sessions and offices, relays ack-bearing agent requests to the
targeted computer, and broadcasts state-change notifications into rooms.

Configuration:
  Config is loaded from smcp.yaml in the current directory, $HOME/.smcp/,
  or /etc/smcp/. Environment variables override config values with the
  SMCP_ prefix, e.g. SMCP_SERVER_ADDR=:8650.

Commands:
  serve       Start the signaling server
  hash-key    Generate an argon2id hash for an API key
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
