package generate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/pulse/checkpoint"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	plan, err := c.Entity(checkpoint.KindBusinessPlan)
	require.NoError(t, err)
	assert.Len(t, plan.Sections, 7)
	assert.Equal(t, "executive_summary", plan.Sections[0].ID)

	deliverable, err := c.Entity(checkpoint.KindDeliverable)
	require.NoError(t, err)
	assert.Len(t, deliverable.Sections, 5)
	assert.Equal(t, []string{"client_name", "month", "year"}, deliverable.Required)
}

func TestEntitySpec_Select(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	spec, err := c.Entity(checkpoint.KindDeliverable)
	require.NoError(t, err)

	all, err := spec.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	subset, err := spec.Select([]string{"challenges", "performance_review"})
	require.NoError(t, err)
	require.Len(t, subset, 2)
	assert.Equal(t, "performance_review", subset[0].ID)
	assert.Equal(t, "challenges", subset[1].ID)

	_, err = spec.Select([]string{"zodiac", "challenges", "astrology"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Contains(t, err.Error(), "astrology, zodiac")
}

func TestEntitySpec_RequiredAndTitle(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	spec, err := c.Entity(checkpoint.KindDeliverable)
	require.NoError(t, err)

	err = spec.CheckRequired(map[string]string{"client_name": "Acme", "month": "4"})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	vars := map[string]string{"client_name": "Acme", "month": "4", "month_name": "April", "year": "2026"}
	require.NoError(t, spec.CheckRequired(vars))
	title, err := spec.RenderTitle(vars)
	require.NoError(t, err)
	assert.Equal(t, "Acme: April 2026 Report", title)

	prompt, err := spec.Sections[0].Render(vars)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Acme")
	assert.Contains(t, prompt, "April 2026")
}

func TestCatalog_SystemPromptOptionalVariables(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	bare, err := c.System(nil)
	require.NoError(t, err)
	assert.Contains(t, bare, "the client")

	withIndustry, err := c.System(map[string]string{"client_name": "Acme", "industry": "retail"})
	require.NoError(t, err)
	assert.Contains(t, withIndustry, "Acme, a company in retail")
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", `system_prompt: hi`},
		{"unknown kind", `
kinds:
  INVOICE:
    template_version: v1
    sections: [{id: a, prompt: x}]`},
		{"no version", `
kinds:
  DELIVERABLE:
    sections: [{id: a, prompt: x}]`},
		{"duplicate section", `
kinds:
  DELIVERABLE:
    template_version: v1
    sections: [{id: a, prompt: x}, {id: a, prompt: y}]`},
		{"broken template", `
kinds:
  DELIVERABLE:
    template_version: v1
    sections: [{id: a, prompt: "{{ .month "}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation))
		})
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kinds:
  BUSINESS_PLAN:
    title: "Plan for {{ .client_name }}"
    template_version: custom-1
    sections:
      - id: pitch
        title: Pitch
        prompt: "Pitch {{ .client_name }} in one paragraph."
        max_tokens: 200
`), 0o600))

	c, err := LoadCatalogFile(path)
	require.NoError(t, err)
	spec, err := c.Entity(checkpoint.KindBusinessPlan)
	require.NoError(t, err)
	assert.Equal(t, "custom-1", spec.TemplateVersion)
	assert.Equal(t, 200, spec.Sections[0].MaxTokens)

	_, err = c.Entity(checkpoint.KindDeliverable)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
