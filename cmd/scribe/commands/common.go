package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/scribe/am"
	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/internal/app"
	"github.com/teranos/scribe/logger"
)

// dbPathFlag overrides database.path for every command that opens the app
var dbPathFlag string

func addDBPathFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
}

// loadConfig reads configuration and applies command-line overrides
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if dbPathFlag != "" {
		cfg.Database.Path = dbPathFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(err, "check scribe.toml or SCRIBE_* environment variables")
	}
	return cfg, nil
}

// openApp loads config and opens the stores. Callers Close the app.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger.Logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// printJSON writes v indented to stdout
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format JSON")
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// orDash renders empty values as "-" in tables
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
