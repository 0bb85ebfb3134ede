package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/abusegate/internal/domain/auth"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an admin API key",
	Long: `Hash an admin API key for use in admin.api_key_hash.

The default output is an argon2id PHC string ("$argon2id$v=19$...").
With --sha256 the output is "sha256:<hex>", which is faster to verify
but weaker against offline guessing.

Example:
  abuse-gate hash-key "my-secret-admin-key"

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  abuse-gate hash-key "$MY_ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := hashAdminKey(args[0], hashKeySHA256)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "Emit a sha256:<hex> hash instead of argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}

func hashAdminKey(key string, sha bool) (string, error) {
	if key == "" {
		return "", fmt.Errorf("api key must not be empty")
	}
	if sha {
		return auth.HashKeySHA256(key), nil
	}
	hash, err := auth.HashKeyArgon2id(key)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return hash, nil
}
