// Package models provides the model catalog — the mapping from upstream model
// identifiers to their billing category and daily quota limits.
//
// The catalog is part of the gateway configuration and is consulted on every
// selection and usage report. Categories are a closed set: a catalog entry
// with an unknown category is a construction-time error, never a silent
// string mismatch at request time.
package models

import (
	"fmt"
)

// Category classifies models into tiers that share an aggregate daily quota.
type Category string

// The closed set of valid categories.
const (
	CategoryFlash     Category = "flash"
	CategoryPro       Category = "pro"
	CategoryEmbedding Category = "embedding"
)

// Categories lists every valid category in a stable order.
func Categories() []Category {
	return []Category{CategoryFlash, CategoryPro, CategoryEmbedding}
}

// ParseCategory converts a raw string into a Category.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryFlash, CategoryPro, CategoryEmbedding:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	_, err := ParseCategory(string(c))
	return err == nil
}

// UnmarshalText implements encoding.TextUnmarshaler so YAML/JSON configs
// reject unknown categories at load time.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown category %q", string(c))
	}
	return []byte(c), nil
}

// ModelConfig holds the catalog entry for a single upstream model.
// A nil limit means unlimited; limits are daily and never negative.
type ModelConfig struct {
	Category    Category `json:"category" yaml:"category"`
	DailyPerKey *int64   `json:"daily_per_key,omitempty" yaml:"daily_per_key,omitempty"`
}

// Catalog is a flat map of model identifier → ModelConfig, plus the
// per-category aggregate ceilings that apply across all credentials.
type Catalog struct {
	Models         map[string]ModelConfig `json:"models" yaml:"models"`
	CategoryLimits map[Category]int64     `json:"category_limits,omitempty" yaml:"category_limits,omitempty"`
}

// Lookup returns the catalog entry for a model identifier.
func (c Catalog) Lookup(model string) (ModelConfig, bool) {
	mc, ok := c.Models[model]
	return mc, ok
}

// CategoryLimit returns the aggregate daily ceiling for a category.
// The second return is false when the category is unlimited.
func (c Catalog) CategoryLimit(cat Category) (int64, bool) {
	limit, ok := c.CategoryLimits[cat]
	return limit, ok
}

// Validate checks every catalog entry for category membership and
// non-negative limits.
func (c Catalog) Validate() error {
	for model, mc := range c.Models {
		if !mc.Category.Valid() {
			return fmt.Errorf("model %q: unknown category %q", model, string(mc.Category))
		}
		if mc.DailyPerKey != nil && *mc.DailyPerKey < 0 {
			return fmt.Errorf("model %q: negative daily_per_key %d", model, *mc.DailyPerKey)
		}
	}
	for cat, limit := range c.CategoryLimits {
		if !cat.Valid() {
			return fmt.Errorf("category limit: unknown category %q", string(cat))
		}
		if limit < 0 {
			return fmt.Errorf("category %q: negative limit %d", cat, limit)
		}
	}
	return nil
}
