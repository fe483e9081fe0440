package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ModelAliases maps the short model names used in provider entries to the
// names each adapter sends upstream. Catalog lists the upstream models per
// adapter and is only used to flag typos.
type ModelAliases struct {
	Aliases map[string]string   `yaml:"aliases"`
	Catalog map[string][]string `yaml:"providers"`
}

// LoadAliases reads models.yaml. A missing file yields an empty set.
func LoadAliases(path string) (*ModelAliases, error) {
	aliases := &ModelAliases{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, aliases); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return aliases, nil
}

// Resolve returns the upstream model name for modelOrAlias. Names that are
// not aliases pass through.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// UnknownModels reports provider entries whose resolved model is missing
// from their adapter's catalog. Adapters without a catalog, and the mock
// adapter, accept any model.
func (a *ModelAliases) UnknownModels(providers []ProviderConfig) []error {
	if a == nil {
		return nil
	}
	var errs []error
	for _, p := range providers {
		models, ok := a.Catalog[p.Adapter]
		if !ok || p.Adapter == "mock" {
			continue
		}
		if model := a.Resolve(p.Model); !slices.Contains(models, model) {
			errs = append(errs, fmt.Errorf("provider %q: model %q is not in the %s catalog", p.ID, model, p.Adapter))
		}
	}
	return errs
}

// DefaultAliases covers the models named by DefaultProviders.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"fast":       "gemini-2.5-flash",
			"research":   "gemini-2.5-pro",
			"mini":       "gpt-4o-mini",
			"general":    "gpt-4o",
			"quality":    "claude-sonnet-4-20250514",
			"deep":       "claude-opus-4-20250514",
			"haiku":      "claude-3-5-haiku-20241022",
			"cheap":      "deepseek-chat",
			"cheap-code": "deepseek-coder",
			"reason":     "deepseek-reasoner",
		},
		Catalog: map[string][]string{
			"anthropic": {"claude-sonnet-4-20250514", "claude-opus-4-20250514", "claude-3-5-haiku-20241022"},
			"openai":    {"gpt-4o", "gpt-4o-mini", "gpt-4.1"},
			"google":    {"gemini-2.5-pro", "gemini-2.5-flash"},
			"deepseek":  {"deepseek-chat", "deepseek-coder", "deepseek-reasoner"},
		},
	}
}
