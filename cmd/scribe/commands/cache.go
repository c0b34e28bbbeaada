package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/scribe/cache"
	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/sym"
)

// CacheCmd groups response cache commands
var CacheCmd = &cobra.Command{
	Use:   "cache",
	Short: sym.Cache + " Invalidate cached provider responses",
	Long: sym.Cache + ` The response cache keys generated sections by fingerprint.

Examples:
  scribe cache invalidate --fingerprint v1/3f9a...  # One entry
  scribe cache invalidate --template-version v1     # Every entry of a template version
  scribe cache purge                                # Drop expired entries`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop cached entries by fingerprint, prefix or template version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, _ := cmd.Flags().GetString("fingerprint")
		prefix, _ := cmd.Flags().GetString("prefix")
		version, _ := cmd.Flags().GetString("template-version")
		return runCacheInvalidate(fp, prefix, version)
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCachePurge()
	},
}

func init() {
	cacheInvalidateCmd.Flags().String("fingerprint", "", "Exact fingerprint to drop")
	cacheInvalidateCmd.Flags().String("prefix", "", "Drop every fingerprint with this prefix")
	cacheInvalidateCmd.Flags().String("template-version", "", "Drop every entry produced under this template version")

	addDBPathFlag(CacheCmd)
	CacheCmd.AddCommand(cacheInvalidateCmd)
	CacheCmd.AddCommand(cachePurgeCmd)
}

// selectorFromFlags builds a cache selector; exactly one flag must be set
func selectorFromFlags(fingerprint, prefix, templateVersion string) (cache.Selector, error) {
	sel := cache.Selector{Exact: fingerprint, Prefix: prefix}
	if templateVersion != "" {
		if fingerprint != "" || prefix != "" {
			return cache.Selector{}, errors.NewValidationError("--template-version cannot be combined with --fingerprint or --prefix")
		}
		sel = cache.ForTemplateVersion(templateVersion)
	}
	if err := sel.Validate(); err != nil {
		return cache.Selector{}, err
	}
	return sel, nil
}

func runCacheInvalidate(fingerprint, prefix, templateVersion string) error {
	sel, err := selectorFromFlags(fingerprint, prefix, templateVersion)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Cache.Invalidate(ctx, sel)
	if err != nil {
		return err
	}
	fmt.Printf("%s Removed %d cache entr%s\n", sym.Cache, n, plural(n, "y", "ies"))
	return nil
}

func runCachePurge() error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, ok := a.Cache.(cache.Purger)
	if !ok {
		fmt.Printf("%s %s backend expires entries itself\n", sym.Cache, a.Config.Cache.Backend)
		return nil
	}
	n, err := p.Purge(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s Purged %d expired entr%s\n", sym.Cache, n, plural(n, "y", "ies"))
	return nil
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
