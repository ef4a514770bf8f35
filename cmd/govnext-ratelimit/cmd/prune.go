package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/govnext/web-core-sub000/internal/adapter/outbound/sqlite"
	"github.com/govnext/web-core-sub000/internal/config"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old rows from the SQLite request log",
	Long: `Delete request log rows older than --older-than (default: store.sqlite.retention).

serve prunes periodically when the tiered backend is in use; this command
is for one-off cleanups and cron jobs.

Examples:
  govnext-ratelimit prune
  govnext-ratelimit prune --older-than 72h`,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "age of the rows to delete")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	age := pruneOlderThan
	if age <= 0 {
		age = config.Duration(cfg.Store.SQLite.Retention, sqlite.DefaultRetention)
	}

	log, err := openRequestLog(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer log.Close()

	n, err := log.Prune(cmd.Context(), time.Now().Add(-age))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d rows older than %s\n", n, age)
	return nil
}
