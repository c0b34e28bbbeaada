package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/scribe/am"
	"github.com/teranos/scribe/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and validate scribe configuration",
	Long: `am - Show and validate scribe configuration

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (SCRIBE_* prefix)
3. Project config (./scribe.toml, searching up directories)
4. User config (~/.scribe/scribe.toml)
5. System config (/etc/scribe/scribe.toml)
6. Default values

Examples:
  scribe am show                    # Show current configuration
  scribe am show --format json      # Show configuration in JSON format
  scribe am get pulse.workers       # Get a specific value
  scribe am validate                # Validate current configuration
  scribe am where                   # Show which config files were found`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the merged scribe configuration. Secrets are redacted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return runAmShow(format)
	},
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !am.GetViper().IsSet(key) {
			return errors.NewNotFoundError("configuration key %q not found", key)
		}
		if isSecretKey(key) {
			fmt.Println(redacted)
			return nil
		}
		fmt.Println(am.Get(key))
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return errors.Wrap(err, "configuration validation failed")
		}
		fmt.Println("✓ Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Configuration cascade (later overrides earlier):")
		fmt.Println("  [DEFAULT]  Built-in defaults")
		for _, path := range am.ConfigPaths() {
			state := "missing"
			if _, err := os.Stat(path); err == nil {
				state = "loaded"
			}
			fmt.Printf("  [FILE]     %s (%s)\n", path, state)
		}
		fmt.Println("  [ENV]      SCRIBE_* environment variables")
		return nil
	},
}

const redacted = "<redacted>"

func isSecretKey(key string) bool {
	return key == "provider.api_key" || key == "cache.redis.password"
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// renderConfig marshals cfg with secrets redacted
func renderConfig(cfg am.Config, format string) ([]byte, error) {
	if cfg.Provider.APIKey != "" {
		cfg.Provider.APIKey = redacted
	}
	if cfg.Cache.Redis.Password != "" {
		cfg.Cache.Redis.Password = redacted
	}

	switch format {
	case "json":
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return nil, errors.Wrap(err, "failed to encode config")
		}
		return bytes.TrimRight(buf.Bytes(), "\n"), nil
	case "yaml":
		return yaml.Marshal(cfg)
	case "toml":
		return toml.Marshal(cfg)
	default:
		return nil, errors.NewValidationError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

func runAmShow(format string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	data, err := renderConfig(*cfg, format)
	if err != nil {
		return err
	}
	if format != "json" {
		fmt.Print("# scribe configuration\n")
	}
	fmt.Println(string(data))
	return nil
}
