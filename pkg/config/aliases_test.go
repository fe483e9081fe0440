package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	aliases := &ModelAliases{
		Aliases: map[string]string{
			"fast":    "gemini-2.5-flash",
			"quality": "claude-sonnet-4-20250514",
		},
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "resolve known alias", input: "fast", expected: "gemini-2.5-flash"},
		{name: "resolve another alias", input: "quality", expected: "claude-sonnet-4-20250514"},
		{name: "unknown alias returns input unchanged", input: "unknown-model", expected: "unknown-model"},
		{name: "canonical model returns unchanged", input: "gemini-2.5-flash", expected: "gemini-2.5-flash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := aliases.Resolve(tt.input)
			if result != tt.expected {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestResolve_NilAliases(t *testing.T) {
	var aliases *ModelAliases
	if result := aliases.Resolve("fast"); result != "fast" {
		t.Errorf("Resolve on nil should return input, got %q", result)
	}
}

func TestLoadAliases(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "models.yaml")

	content := `aliases:
  fast: gemini-2.5-flash

providers:
  google:
    - gemini-2.5-flash
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	aliases, err := LoadAliases(configPath)
	if err != nil {
		t.Fatalf("LoadAliases() error = %v", err)
	}
	if aliases.Resolve("fast") != "gemini-2.5-flash" {
		t.Error("alias 'fast' should resolve to 'gemini-2.5-flash'")
	}
	if got := aliases.Catalog["google"]; len(got) != 1 || got[0] != "gemini-2.5-flash" {
		t.Errorf("google catalog = %v", got)
	}
}

func TestLoadAliases_NoFile(t *testing.T) {
	aliases, err := LoadAliases(filepath.Join(t.TempDir(), "models.yaml"))
	if err != nil {
		t.Fatalf("LoadAliases() should not error on a missing file, got %v", err)
	}
	if aliases.Resolve("any") != "any" {
		t.Error("empty aliases should return input unchanged")
	}
}

func TestLoadAliases_BadYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(configPath, []byte("aliases: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAliases(configPath); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestUnknownModels(t *testing.T) {
	aliases := DefaultAliases()

	known := []ProviderConfig{
		{ID: "a", Adapter: "openai", Model: "mini"},
		{ID: "b", Adapter: "anthropic", Model: "claude-sonnet-4-20250514"},
		{ID: "c", Adapter: "mock", Model: "anything"},
		{ID: "d", Adapter: "self-hosted", Model: "llama"},
	}
	if errs := aliases.UnknownModels(known); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}

	typo := []ProviderConfig{{ID: "bad", Adapter: "openai", Model: "gpt-4o-minni"}}
	if errs := aliases.UnknownModels(typo); len(errs) != 1 {
		t.Errorf("expected 1 error, got %d", len(errs))
	}
}

func TestDefaultProvidersUseKnownModels(t *testing.T) {
	if errs := DefaultAliases().UnknownModels(DefaultProviders()); len(errs) != 0 {
		t.Fatalf("default providers reference unknown models: %v", errs)
	}
}
