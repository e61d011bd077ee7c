// Package catalog maps issue categories to the ordered subtask checklist
// created under every repair task.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"repairline/internal/domain"
)

//go:embed catalog.yml
var defaultYAML []byte

// Catalog is an immutable category → subtask titles table.
type Catalog struct {
	entries map[domain.Category][]string
}

type document struct {
	Categories map[string][]string `yaml:"categories"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Load(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog invalid: %v", err))
	}
	return c
}

// FromFile loads a catalog from a YAML file on disk.
func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// Load parses and validates a catalog document. Every known category must be
// present with at least one non-empty title; unknown categories are rejected.
func Load(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	entries := make(map[domain.Category][]string, len(domain.Categories))
	for name, titles := range doc.Categories {
		cat, err := domain.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		if _, dup := entries[cat]; dup {
			return nil, fmt.Errorf("catalog: category %s listed twice", cat)
		}
		if len(titles) == 0 {
			return nil, fmt.Errorf("catalog: category %s has no subtasks", cat)
		}
		clean := make([]string, 0, len(titles))
		for i, t := range titles {
			t = strings.TrimSpace(t)
			if t == "" {
				return nil, fmt.Errorf("catalog: category %s subtask %d is empty", cat, i)
			}
			clean = append(clean, t)
		}
		entries[cat] = clean
	}
	for _, cat := range domain.Categories {
		if _, ok := entries[cat]; !ok {
			return nil, fmt.Errorf("catalog: category %s missing", cat)
		}
	}
	return &Catalog{entries: entries}, nil
}

// SubtasksFor returns a copy of the checklist for a category. Passing an
// unvalidated category is a programming error and panics.
func (c *Catalog) SubtasksFor(cat domain.Category) []string {
	titles, ok := c.entries[cat]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown category %q", cat))
	}
	out := make([]string, len(titles))
	copy(out, titles)
	return out
}
