package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate a hash for an API key",
	Long: `Generate a key hash for use in the auth.api_keys.key_hash config field.

The default output is an argon2id PHC string. Pass --sha256 for a
"sha256:<hex>" digest instead; argon2id is preferred, sha256 exists for
keys provisioned by external systems that cannot run argon2id.

Example:
  codegate hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=65536,t=1,p=4$...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  codegate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if hashKeySHA256 {
			hash := sha256.Sum256([]byte(key))
			fmt.Printf("sha256:%s\n", hex.EncodeToString(hash[:]))
			return nil
		}
		hash, err := argon2id.CreateHash(key, argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "Emit a sha256:<hex> digest instead of argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}
