package generate

import (
	_ "embed"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/pulse/checkpoint"
)

//go:embed catalog.yaml
var catalogYAML []byte

// SectionSpec declares one section of a document
type SectionSpec struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Prompt    string `yaml:"prompt"`
	MaxTokens int    `yaml:"max_tokens"`

	tmpl *template.Template
}

// EntitySpec is the ordered section list for one entity kind
type EntitySpec struct {
	Title           string        `yaml:"title"`
	TemplateVersion string        `yaml:"template_version"`
	Required        []string      `yaml:"required"`
	Sections        []SectionSpec `yaml:"sections"`

	titleTmpl *template.Template
}

// Catalog holds the document templates
type Catalog struct {
	SystemPrompt string                               `yaml:"system_prompt"`
	Kinds        map[checkpoint.EntityKind]EntitySpec `yaml:"kinds"`

	systemTmpl *template.Template
}

var defaultCatalog = sync.OnceValues(func() (*Catalog, error) {
	return ParseCatalog(catalogYAML)
})

// DefaultCatalog returns the embedded catalog
func DefaultCatalog() (*Catalog, error) {
	return defaultCatalog()
}

// LoadCatalogFile parses a catalog from path
func LoadCatalogFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read catalog %s", path)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates a YAML catalog, compiling every
// template up front so a bad catalog fails at startup.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, errors.Wrap(err, "failed to parse section catalog")
	}
	if len(c.Kinds) == 0 {
		return nil, errors.NewValidationError("section catalog declares no entity kinds")
	}

	var err error
	if c.systemTmpl, err = compile("system", c.SystemPrompt); err != nil {
		return nil, err
	}

	for kind, spec := range c.Kinds {
		if !kind.Valid() {
			return nil, errors.NewValidationError("catalog: unknown entity kind %q", kind)
		}
		if spec.TemplateVersion == "" {
			return nil, errors.NewValidationError("catalog: %s has no template_version", kind)
		}
		if len(spec.Sections) == 0 {
			return nil, errors.NewValidationError("catalog: %s has no sections", kind)
		}
		if spec.titleTmpl, err = compile(string(kind)+".title", spec.Title); err != nil {
			return nil, err
		}

		seen := make(map[string]bool, len(spec.Sections))
		for i := range spec.Sections {
			sec := &spec.Sections[i]
			if sec.ID == "" || strings.TrimSpace(sec.Prompt) == "" {
				return nil, errors.NewValidationError("catalog: %s section %d needs an id and a prompt", kind, i)
			}
			if seen[sec.ID] {
				return nil, errors.NewValidationError("catalog: %s section %q declared twice", kind, sec.ID)
			}
			seen[sec.ID] = true
			if sec.tmpl, err = compile(string(kind)+"."+sec.ID, sec.Prompt); err != nil {
				return nil, err
			}
		}
		c.Kinds[kind] = spec
	}
	return &c, nil
}

// Entity returns the spec for kind
func (c *Catalog) Entity(kind checkpoint.EntityKind) (EntitySpec, error) {
	spec, ok := c.Kinds[kind]
	if !ok {
		return EntitySpec{}, errors.NewValidationError("catalog has no entity kind %q", kind)
	}
	return spec, nil
}

// System renders the system prompt
func (c *Catalog) System(vars map[string]string) (string, error) {
	return execute(c.systemTmpl, c.SystemPrompt, "system", vars)
}

// Select returns the sections named by ids in catalog order, or every
// section when ids is empty.
func (e EntitySpec) Select(ids []string) ([]SectionSpec, error) {
	if len(ids) == 0 {
		return e.Sections, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]SectionSpec, 0, len(ids))
	for _, sec := range e.Sections {
		if want[sec.ID] {
			out = append(out, sec)
			delete(want, sec.ID)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for id := range want {
			unknown = append(unknown, id)
		}
		sort.Strings(unknown)
		return nil, errors.NewValidationError("unknown sections %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// CheckRequired verifies vars carries every required variable
func (e EntitySpec) CheckRequired(vars map[string]string) error {
	for _, name := range e.Required {
		if strings.TrimSpace(vars[name]) == "" {
			return errors.NewValidationError("variable %q is required", name)
		}
	}
	return nil
}

// RenderTitle renders the document title
func (e EntitySpec) RenderTitle(vars map[string]string) (string, error) {
	return execute(e.titleTmpl, e.Title, "title", vars)
}

// Render renders the section prompt over vars
func (s SectionSpec) Render(vars map[string]string) (string, error) {
	return execute(s.tmpl, s.Prompt, s.ID, vars)
}

func compile(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, errors.Wrap(errors.NewValidationError("template %s: %v", name, err), "invalid section catalog")
	}
	return t, nil
}

// execute runs t, compiling text first when t is nil (specs built in code)
func execute(t *template.Template, text, name string, vars map[string]string) (string, error) {
	if t == nil {
		var err error
		if t, err = compile(name, text); err != nil {
			return "", err
		}
	}
	if vars == nil {
		vars = map[string]string{}
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", errors.NewValidationError("render %s: %v", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}
