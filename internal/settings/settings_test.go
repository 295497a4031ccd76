package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "basalt.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// TestLoadMissingFileIsNil verifies a missing basalt.yaml is not an error
// and that nil settings serve usable defaults.
func TestLoadMissingFileIsNil(t *testing.T) {
	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s != nil {
		t.Fatalf("Load = %+v, want nil for a missing file", s)
	}
	if s.MasterSeed() != nil {
		t.Error("nil settings MasterSeed should be nil")
	}
	if s.Strict() {
		t.Error("nil settings Strict should be false")
	}
	if got := s.Runs(); got != 3 {
		t.Errorf("nil settings Runs = %d, want 3", got)
	}
	if got := s.Timezone(); got != "UTC" {
		t.Errorf("nil settings Timezone = %q, want UTC", got)
	}
	if s.IncludeConfig() {
		t.Error("nil settings IncludeConfig should be false")
	}
}

// TestLoadFull verifies a complete config round-trips into Settings.
func TestLoadFull(t *testing.T) {
	dir := writeConfig(t, `
reproducibility:
  master_seed: 42
  strict: true
validation:
  runs: 5
  timezone: America/New_York
packaging:
  include_config: true
`)
	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if seed := s.MasterSeed(); seed == nil || *seed != 42 {
		t.Errorf("MasterSeed = %v, want 42", seed)
	}
	if !s.Strict() {
		t.Error("Strict = false, want true")
	}
	if got := s.Runs(); got != 5 {
		t.Errorf("Runs = %d, want 5", got)
	}
	if got := s.Timezone(); got != "America/New_York" {
		t.Errorf("Timezone = %q", got)
	}
	if !s.IncludeConfig() {
		t.Error("IncludeConfig = false, want true")
	}
}

// TestLoadStrictWithoutSeed verifies strict mode without a master seed is a
// config error that states the fix.
func TestLoadStrictWithoutSeed(t *testing.T) {
	dir := writeConfig(t, "reproducibility:\n  strict: true\n")
	_, err := Load(dir)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Load error = %v, want *ConfigError", err)
	}
	if !strings.Contains(err.Error(), "reproducibility.master_seed") {
		t.Errorf("error does not state the fix: %v", err)
	}
}

// TestLoadStrictCollectsAllProblems verifies every strict-mode violation is
// reported at once, not one per run.
func TestLoadStrictCollectsAllProblems(t *testing.T) {
	dir := writeConfig(t, `
reproducibility:
  strict: true
validation:
  runs: 1
`)
	_, err := Load(dir)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Load error = %v, want *ConfigError", err)
	}
	if len(ce.Problems) != 2 {
		t.Fatalf("Problems = %v, want 2 entries", ce.Problems)
	}
	msg := err.Error()
	if !strings.Contains(msg, "master_seed") || !strings.Contains(msg, "validation.runs") {
		t.Errorf("error does not mention both problems:\n%s", msg)
	}
}

// TestLoadNonStrictTolerates verifies non-strict configs skip strict checks.
func TestLoadNonStrictTolerates(t *testing.T) {
	dir := writeConfig(t, "validation:\n  runs: 1\n")
	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Runs(); got != 3 {
		t.Errorf("Runs = %d, want default 3 for a sub-minimum value", got)
	}
}

// TestLoadMalformedYAML verifies parse errors carry the file path.
func TestLoadMalformedYAML(t *testing.T) {
	dir := writeConfig(t, "reproducibility: [not a mapping\n")
	_, err := Load(dir)
	if err == nil {
		t.Fatal("Load succeeded on malformed YAML")
	}
	if !strings.Contains(err.Error(), "basalt.yaml") {
		t.Errorf("error does not name the file: %v", err)
	}
}
