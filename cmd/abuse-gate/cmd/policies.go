package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/abusegate/internal/config"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Print the effective policy table",
	Long: `Print the policy table after applying rate_limit.policies overrides
from the config. The output is YAML and can be pasted back into the
config as a starting point.

Example:
  abuse-gate policies`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		table, err := cfg.PolicyTable()
		if err != nil {
			return err
		}
		return writePolicies(cmd.OutOrStdout(), table)
	},
}

func init() {
	rootCmd.AddCommand(policiesCmd)
}

// writePolicies encodes the table in the rate_limit.policies layout.
func writePolicies(w io.Writer, table *ratelimit.PolicyTable) error {
	doc := struct {
		Policies []ratelimit.Policy `yaml:"policies"`
	}{Policies: table.All()}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode policies: %w", err)
	}
	return enc.Close()
}
