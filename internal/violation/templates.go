package violation

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var embeddedTemplates []byte

// Template is the letter skeleton and defense tag for one violation class.
type Template struct {
	Type        Type   `yaml:"type" json:"type"`
	DefenseType string `yaml:"defense_type" json:"defense_type"`
	Subject     string `yaml:"subject" json:"subject"`
	Body        string `yaml:"body" json:"body"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// Catalog resolves templates by type. Every Type resolves, falling back
// to the other_unknown template.
type Catalog struct {
	byType map[Type]Template
}

// DefaultCatalog returns the built-in templates.
func DefaultCatalog() *Catalog {
	c, err := parseCatalog(embeddedTemplates, nil)
	if err != nil {
		panic(fmt.Sprintf("embedded templates: %v", err))
	}
	return c
}

// LoadCatalog overlays templates from a YAML file on the built-in set.
// An empty path returns the built-in set.
func LoadCatalog(path string) (*Catalog, error) {
	base := DefaultCatalog()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templates read: %w", err)
	}
	return parseCatalog(data, base)
}

func parseCatalog(data []byte, base *Catalog) (*Catalog, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("templates unmarshal: %w", err)
	}
	c := &Catalog{byType: map[Type]Template{}}
	if base != nil {
		for k, v := range base.byType {
			c.byType[k] = v
		}
	}
	for _, t := range f.Templates {
		if !Valid(string(t.Type)) {
			return nil, fmt.Errorf("templates: unknown violation type %q", t.Type)
		}
		if t.Body == "" {
			return nil, fmt.Errorf("templates: %s has empty body", t.Type)
		}
		c.byType[t.Type] = t
	}
	if _, ok := c.byType[OtherUnknown]; !ok {
		return nil, fmt.Errorf("templates: %s template is required", OtherUnknown)
	}
	return c, nil
}

// For returns the template for t.
func (c *Catalog) For(t Type) Template {
	if tmpl, ok := c.byType[t]; ok {
		return tmpl
	}
	tmpl := c.byType[OtherUnknown]
	tmpl.Type = t
	return tmpl
}

// Select classifies raw and returns the matching template.
func (c *Catalog) Select(raw string) Template {
	return c.For(Classify(raw))
}
