package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	httpadapter "github.com/govnext/web-core-sub000/internal/adapter/inbound/http"
	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
	"github.com/govnext/web-core-sub000/internal/service"
)

var (
	checkUser     string
	checkIP       string
	checkClass    string
	checkRoles    []string
	checkEndpoint string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate one request and print the decision",
	Long: `Evaluate one request against the configured store and print the decision
as JSON. An allowed request is recorded like any other.

With the memory backend every invocation starts from an empty store; use
redis or tiered to inspect the shared counters of running servers.

Examples:
  govnext-ratelimit check --user alice --endpoint /api/v2/financial/pix
  govnext-ratelimit check --ip 203.0.113.5 --endpoint /api/v2/auth/login`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkUser, "user", "", "authenticated user id")
	checkCmd.Flags().StringVar(&checkIP, "ip", "", "client IP of an anonymous caller")
	checkCmd.Flags().StringVar(&checkClass, "class", "", "actor class (default: inferred)")
	checkCmd.Flags().StringSliceVar(&checkRoles, "roles", nil, "caller roles")
	checkCmd.Flags().StringVar(&checkEndpoint, "endpoint", "", "request path")
	checkCmd.MarkFlagsMutuallyExclusive("user", "ip")
	checkCmd.MarkFlagsOneRequired("user", "ip")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	req, err := checkRequest()
	if err != nil {
		return err
	}

	comps, err := buildComponents(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	decision := service.NewLimiterService(comps.engine, logger).Check(cmd.Context(), req)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(decision)
}

// checkRequest builds the engine request from the check flags.
func checkRequest() (ratelimit.Request, error) {
	req := ratelimit.Request{
		Roles:    checkRoles,
		Endpoint: httpadapter.NormalizeEndpoint(checkEndpoint),
	}
	switch {
	case strings.TrimSpace(checkUser) != "":
		req.Identifier = ratelimit.UserIdentifier(strings.TrimSpace(checkUser))
	case strings.TrimSpace(checkIP) != "":
		req.Identifier = ratelimit.IPIdentifier(strings.TrimSpace(checkIP))
	default:
		return ratelimit.Request{}, fmt.Errorf("one of --user or --ip is required")
	}
	if checkClass != "" {
		class, err := ratelimit.ParseActorClass(checkClass)
		if err != nil {
			return ratelimit.Request{}, err
		}
		req.Class = class
	}
	return req, nil
}
