package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/scribe/am"
	"github.com/teranos/scribe/cmd/scribe/commands"
	"github.com/teranos/scribe/logger"
)

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "scribe - AI content generation for CRM deliverables",
	Long: `scribe - AI content generation core for CRM deliverables and business plans.

scribe queues generation jobs, runs them section by section against an AI
provider, checkpoints partial work, caches responses and meters token spend
per client.

Available commands:
  am         - Show and validate configuration
  server     - Start the HTTP API with Pulse workers
  pulse      - Run Pulse workers without the HTTP API
  jobs       - Enqueue, inspect and cancel generation jobs
  checkpoint - Inspect and discard resumable work
  ledger     - Inspect token budgets and set limits
  cache      - Invalidate cached responses
  catalog    - Show or check the section catalog
  db         - Manage the scribe database
  version    - Show build information

Examples:
  scribe server                    # API on the configured port
  scribe jobs ls --status FAILED   # List failed jobs
  scribe ledger status client:acme # Budget for one client`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		// Long-running commands default to Info so startup is visible
		if verbosity == 0 && (cmd.Name() == "server" || cmd.Name() == "start") {
			verbosity = logger.VerbosityInfo
		}
		jsonLogs := false
		if cfg, err := am.Load(); err == nil {
			jsonLogs = cfg.Log.JSON
		}
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.CheckpointCmd)
	rootCmd.AddCommand(commands.LedgerCmd)
	rootCmd.AddCommand(commands.CacheCmd)
	rootCmd.AddCommand(commands.CatalogCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
