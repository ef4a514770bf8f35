// Package cmd provides the CLI commands for govnext-ratelimit.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/govnext/web-core-sub000/internal/config"
)

var cfgFile string
var devMode bool

var rootCmd = &cobra.Command{
	Use:   "govnext-ratelimit",
	Short: "GovNext multi-tier rate limiter",
	Long: `govnext-ratelimit enforces per-minute, per-hour, per-day and burst quotas
for GovNext API callers. Callers are classified as anonymous, authenticated
or admin; endpoint overrides tighten the class defaults.

Quick start:
  1. Create a config file: govnext-ratelimit.yaml
  2. Run: govnext-ratelimit serve

Configuration:
  Config is loaded from govnext-ratelimit.yaml in the current directory,
  $HOME/.govnext/, or /etc/govnext/.

  Environment variables can override config values with the GOVNEXT_RATELIMIT_ prefix.
  Example: GOVNEXT_RATELIMIT_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the decision API (and optional guarded upstream)
  check       Evaluate one request against the configured store
  policies    Print the policy table or an effective policy
  prune       Delete old rows from the SQLite request log
  stop        Stop the running server
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./govnext-ratelimit.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, stdout tracing)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// loadConfig loads the configuration, applies the --dev flag and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
