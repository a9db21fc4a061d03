package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/a2c-smcp/smcp/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an argon2id hash for an API key",
	Long: `Generate an argon2id hash of an API key for the
server.api_key_hash config field.

Example:
  smcp-server hash-key "my-secret-api-key"

Security note: the key will appear in shell history. Consider passing it
via an environment variable:
  smcp-server hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
