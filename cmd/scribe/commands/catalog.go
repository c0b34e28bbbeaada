package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/scribe/generate"
	"github.com/teranos/scribe/pulse/checkpoint"
	"github.com/teranos/scribe/sym"
)

// CatalogCmd shows the section catalog documents are generated from
var CatalogCmd = &cobra.Command{
	Use:   "catalog [file]",
	Short: sym.Doc + " Show or check the section catalog",
	Long: sym.Doc + ` Show the section catalog: entity kinds, template versions and the
sections generated for each, in order. With a file argument the file is
parsed and checked instead of storage.catalog.

Examples:
  scribe catalog                   # The configured catalog
  scribe catalog ./catalog.yaml    # Check a catalog before deploying it`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.Storage.Catalog
		}
		return runCatalog(path)
	},
}

func loadCatalog(path string) (*generate.Catalog, error) {
	if path == "" {
		return generate.DefaultCatalog()
	}
	return generate.LoadCatalogFile(path)
}

func runCatalog(path string) error {
	c, err := loadCatalog(path)
	if err != nil {
		return err
	}

	source := path
	if source == "" {
		source = "built-in"
	}
	fmt.Printf("%s Section catalog (%s)\n\n", sym.Doc, source)

	kinds := make([]string, 0, len(c.Kinds))
	for kind := range c.Kinds {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	data := pterm.TableData{{"KIND", "VERSION", "#", "SECTION", "MAX TOKENS", "REQUIRED"}}
	for _, kind := range kinds {
		spec := c.Kinds[checkpoint.EntityKind(kind)]
		for i, sec := range spec.Sections {
			row := []string{"", "", strconv.Itoa(i), sec.ID, orDash(maxTokens(sec.MaxTokens)), ""}
			if i == 0 {
				row[0], row[1], row[5] = kind, spec.TemplateVersion, orDash(strings.Join(spec.Required, ", "))
			}
			data = append(data, row)
		}
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func maxTokens(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}
