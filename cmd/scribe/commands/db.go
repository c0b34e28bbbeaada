package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/scribe/db"
	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the scribe database",
	Long: sym.DB + ` db - Manage scribe database operations

Examples:
  scribe db migrate   # Apply pending migrations
  scribe db stats     # Row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations and print the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfg.GetDatabasePath()
		database, err := db.OpenWithMigrations(path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()

		v, err := db.Version(database)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s is at schema version %s\n", sym.DB, path, v)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts for the scribe tables",
	RunE:  runDbStats,
}

// statTables lists the tables db stats reports, in display order
var statTables = []struct{ label, table string }{
	{"Jobs", "jobs"},
	{"Checkpoints", "checkpoints"},
	{"Checkpoint sections", "checkpoint_sections"},
	{"Cache entries", "cache_entries"},
	{"Ledger scopes", "ledger_scopes"},
	{"Open reservations", "ledger_reservations"},
	{"Provider calls", "ai_model_usage"},
}

func init() {
	addDBPathFlag(DbCmd)
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := db.Version(a.DB)
	if err != nil {
		return err
	}

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:   %s\n", a.Config.GetDatabasePath())
	fmt.Printf("Schema Version:  %s\n\n", v)

	for _, t := range statTables {
		var n int64
		// table names come from statTables, never from input
		if err := a.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", t.table)
		}
		fmt.Printf("%-20s %d\n", t.label+":", n)
	}
	return nil
}
