// Package settings loads basalt run configuration from basalt.yaml.
//
// The file is optional: a missing file yields nil settings, and every
// accessor is safe on a nil receiver (defaults apply). Strict mode is the
// exception — it demands explicit choices and collects every violation
// into one error so the caller can fix them all at once.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings holds basalt configuration from basalt.yaml.
type Settings struct {
	Reproducibility Reproducibility `yaml:"reproducibility"`
	Validation      Validation      `yaml:"validation"`
	Packaging       Packaging       `yaml:"packaging"`
}

// Reproducibility controls seeding and strictness.
type Reproducibility struct {
	// MasterSeed is the single integer controlling all derived randomness.
	// nil means unset; strict mode rejects that.
	MasterSeed *int64 `yaml:"master_seed"`

	// Strict fails loudly on anything that would silently degrade
	// reproducibility: missing seed, explainer fallback, ambient clocks.
	Strict bool `yaml:"strict"`
}

// Validation controls determinism-validation runs.
type Validation struct {
	// Runs is how many times the pipeline is executed when proving
	// determinism. Values below 2 fall back to the default of 3.
	Runs int `yaml:"runs"`

	// Timezone is pinned for the duration of validation. Empty means UTC.
	Timezone string `yaml:"timezone"`
}

// Packaging controls evidence pack defaults.
type Packaging struct {
	// IncludeConfig bundles the resolved config file into evidence packs.
	IncludeConfig bool `yaml:"include_config"`
}

// ConfigError reports caller misconfiguration. It is immediate and
// non-retried; every message states the exact fix.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "settings: " + e.Problems[0]
	}
	return fmt.Sprintf("settings: %d problems:\n  %s", len(e.Problems), strings.Join(e.Problems, "\n  "))
}

// Load reads basalt.yaml from dir. Returns nil (not an error) if the file
// does not exist.
func Load(dir string) (*Settings, error) {
	path := filepath.Join(dir, "basalt.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// validate enforces strict-mode requirements, collecting all violations.
func (s *Settings) validate() error {
	if !s.Reproducibility.Strict {
		return nil
	}
	var problems []string
	if s.Reproducibility.MasterSeed == nil {
		problems = append(problems, "strict mode requires an explicit master seed: set reproducibility.master_seed")
	}
	if s.Validation.Runs != 0 && s.Validation.Runs < 2 {
		problems = append(problems, "validation.runs must be at least 2 to prove anything: raise it or remove it")
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// MasterSeed returns the configured master seed, or nil when unset.
// Safe on a nil receiver.
func (s *Settings) MasterSeed() *int64 {
	if s == nil {
		return nil
	}
	return s.Reproducibility.MasterSeed
}

// Strict reports whether strict mode is enabled. Safe on a nil receiver.
func (s *Settings) Strict() bool {
	return s != nil && s.Reproducibility.Strict
}

// Runs returns the validation run count, defaulting to 3.
// Safe on a nil receiver.
func (s *Settings) Runs() int {
	if s == nil || s.Validation.Runs < 2 {
		return 3
	}
	return s.Validation.Runs
}

// Timezone returns the pinned validation timezone, defaulting to UTC.
// Safe on a nil receiver.
func (s *Settings) Timezone() string {
	if s == nil || s.Validation.Timezone == "" {
		return "UTC"
	}
	return s.Validation.Timezone
}

// IncludeConfig reports whether evidence packs should bundle the resolved
// config file. Safe on a nil receiver.
func (s *Settings) IncludeConfig() bool {
	return s != nil && s.Packaging.IncludeConfig
}
