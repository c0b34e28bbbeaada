package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/pulse/budget"
	"github.com/teranos/scribe/sym"
)

// LedgerCmd groups token ledger commands
var LedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: sym.Ledger + " Inspect token budgets and set limits",
	Long: sym.Ledger + ` The token ledger meters provider usage per scope.

Scopes:
  global         all usage
  client:<id>    one CRM client
  job:<id>       one generation job

Examples:
  scribe ledger status                          # Every scope
  scribe ledger status client:acme              # One scope
  scribe ledger limit client:acme --tokens 500000 --thresholds 50,80,100
  scribe ledger reset client:acme               # Zero usage and unpause`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var ledgerStatusCmd = &cobra.Command{
	Use:   "status [scope]",
	Short: "Show usage against limits",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		if len(args) == 0 {
			return runLedgerList(asJSON)
		}
		return runLedgerStatus(args[0], asJSON)
	},
}

var ledgerResetCmd = &cobra.Command{
	Use:   "reset <scope>",
	Short: "Zero a scope's usage and unpause it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLedgerReset(args[0])
	},
}

var ledgerLimitCmd = &cobra.Command{
	Use:   "limit <scope>",
	Short: "Set a scope's token and cost limits",
	Long: `Set a scope's limits. Only the flags given change; the rest keep their
current values. --unlimited clears both the token and the cost limit.`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerLimit,
}

func init() {
	ledgerStatusCmd.Flags().Bool("json", false, "Output status as JSON")
	ledgerLimitCmd.Flags().Int64("tokens", 0, "Token limit")
	ledgerLimitCmd.Flags().Float64("cost", 0, "Cost limit in USD")
	ledgerLimitCmd.Flags().IntSlice("thresholds", nil, "Alert thresholds in percent (e.g. 50,80,100)")
	ledgerLimitCmd.Flags().Bool("auto-pause", false, "Pause the scope once its limit is reached")
	ledgerLimitCmd.Flags().Bool("unlimited", false, "Clear token and cost limits")

	addDBPathFlag(LedgerCmd)
	LedgerCmd.AddCommand(ledgerStatusCmd)
	LedgerCmd.AddCommand(ledgerResetCmd)
	LedgerCmd.AddCommand(ledgerLimitCmd)
}

func runLedgerList(asJSON bool) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Ledger.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list ledger scopes")
	}
	if asJSON {
		if list == nil {
			list = []budget.Status{}
		}
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Printf("%s No usage recorded\n", sym.Ledger)
		return nil
	}
	return renderLedgerTable(list)
}

func runLedgerStatus(raw string, asJSON bool) error {
	scope, err := budget.ParseScope(raw)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.Ledger.Status(ctx, scope)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(status)
	}
	return renderLedgerTable([]budget.Status{status})
}

func runLedgerReset(raw string) error {
	scope, err := budget.ParseScope(raw)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Ledger.Reset(ctx, scope); err != nil {
		return err
	}
	fmt.Printf("%s Scope %s reset\n", sym.Ledger, scope)
	return nil
}

func runLedgerLimit(cmd *cobra.Command, args []string) error {
	scope, err := budget.ParseScope(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	current, err := a.Ledger.Status(ctx, scope)
	if err != nil {
		return err
	}
	limits := limitsFromFlags(cmd, current)
	if err := a.Ledger.SetLimits(ctx, scope, limits); err != nil {
		return err
	}

	updated, err := a.Ledger.Status(ctx, scope)
	if err != nil {
		return err
	}
	fmt.Printf("%s Limits for %s updated\n", sym.Ledger, scope)
	return renderLedgerTable([]budget.Status{updated})
}

// limitsFromFlags starts from the scope's current limits and applies the
// flags the user set
func limitsFromFlags(cmd *cobra.Command, current budget.Status) budget.Limits {
	flags := cmd.Flags()
	limits := budget.Limits{
		Tokens:     current.LimitTokens,
		Cost:       current.LimitCost,
		Thresholds: current.Thresholds,
		AutoPause:  current.AutoPause,
	}
	if flags.Changed("tokens") {
		v, _ := flags.GetInt64("tokens")
		limits.Tokens = &v
	}
	if flags.Changed("cost") {
		v, _ := flags.GetFloat64("cost")
		limits.Cost = &v
	}
	if flags.Changed("thresholds") {
		limits.Thresholds, _ = flags.GetIntSlice("thresholds")
	}
	if flags.Changed("auto-pause") {
		limits.AutoPause, _ = flags.GetBool("auto-pause")
	}
	if unlimited, _ := flags.GetBool("unlimited"); unlimited {
		limits.Tokens = nil
		limits.Cost = nil
	}
	return limits
}

func renderLedgerTable(list []budget.Status) error {
	data := pterm.TableData{{"SCOPE", "TOKENS USED", "RESERVED", "LIMIT", "COST", "USED %", "PAUSED"}}
	for _, s := range list {
		limit := "-"
		if s.LimitTokens != nil {
			limit = strconv.FormatInt(*s.LimitTokens, 10)
		}
		cost := fmt.Sprintf("$%.4f", s.CostUsed)
		if s.LimitCost != nil {
			cost = fmt.Sprintf("$%.4f / $%.2f", s.CostUsed, *s.LimitCost)
		}
		paused := ""
		if s.IsPaused {
			paused = "yes"
		}
		data = append(data, []string{
			string(s.Scope),
			strconv.FormatInt(s.TokensUsed, 10),
			strconv.FormatInt(s.TokensReserved, 10),
			limit,
			cost,
			fmt.Sprintf("%.1f", s.PercentUsed),
			orDash(paused),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
