package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	httpadapter "github.com/govnext/web-core-sub000/internal/adapter/inbound/http"
	"github.com/govnext/web-core-sub000/internal/config"
	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

var (
	policiesClass    string
	policiesEndpoint string
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Print the policy table or one effective policy",
	Long: `Print the loaded policy table as YAML in config file form.

With --class (and optionally --endpoint) print the effective policy that
applies to that caller instead, including which tiers are endpoint scoped.

Examples:
  govnext-ratelimit policies
  govnext-ratelimit policies --class anonymous --endpoint /api/v2/auth/login`,
	RunE: runPolicies,
}

func init() {
	policiesCmd.Flags().StringVar(&policiesClass, "class", "", "actor class to resolve")
	policiesCmd.Flags().StringVar(&policiesEndpoint, "endpoint", "", "endpoint to resolve (requires --class)")
	rootCmd.AddCommand(policiesCmd)
}

func runPolicies(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	table, err := cfg.Limiter.PolicyTable()
	if err != nil {
		return err
	}
	if policiesClass == "" {
		if policiesEndpoint != "" {
			return fmt.Errorf("--endpoint requires --class")
		}
		return writePolicyTable(cmd.OutOrStdout(), table)
	}

	class, err := ratelimit.ParseActorClass(policiesClass)
	if err != nil {
		return err
	}
	resolver, err := ratelimit.NewResolver(table)
	if err != nil {
		return err
	}
	return writeYAML(cmd.OutOrStdout(), resolver.Resolve(class, httpadapter.NormalizeEndpoint(policiesEndpoint)))
}

// writePolicyTable writes table in the shape of the limiter config section.
func writePolicyTable(w io.Writer, table ratelimit.PolicyTable) error {
	lc := config.FromPolicyTable(table)
	return writeYAML(w, map[string]any{
		"limiter": map[string]any{
			"classes":   lc.Classes,
			"endpoints": lc.Endpoints,
		},
	})
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}
