// Package manifest accumulates versions, hashes, seeds, and selections
// into a sealed provenance record for one audit run.
//
// Lifecycle: a Builder is filled incrementally during the run and sealed
// exactly once on the success path. After Seal every mutation is a
// contract violation (INVARIANT.md INV-9, INV-12): the manifest's
// self-consistency hash must never be computed over a value that could
// still change.
//
// Separation mirrors the evidence-bundle design used elsewhere in basalt:
// building is pure accumulation, writing marshals a sealed manifest, and
// verification re-derives the hash without modifying anything.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"basalt/internal/canonical"
	"basalt/internal/seed"
	"basalt/internal/selection"
)

// SchemaVersion identifies the manifest wire format.
const SchemaVersion = "1"

// timestampStream names the seed stream that derives the logical
// timestamp. The string is part of the reproducibility contract.
const timestampStream = "manifest.timestamp"

// logicalEpoch anchors seed-derived logical timestamps. Arbitrary but
// fixed forever: changing it changes every output hash.
var logicalEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Manifest is the sealed provenance record. The informational Timestamp
// is the only field excluded (with OutputHash itself) from OutputHash
// (INV-10, INV-11).
type Manifest struct {
	SchemaVersion     string             `json:"schema_version"`
	Seeds             seed.Snapshot      `json:"seeds"`
	ComponentVersions map[string]string  `json:"component_versions"`
	Selections        []selection.Result `json:"selections"`
	InputHashes       map[string]string  `json:"input_hashes"`
	ConfigHash        string             `json:"config_hash"`

	// LogicalTimestamp is seed-derived (or externally pinned) and feeds
	// the hash; re-running on a different date cannot change OutputHash.
	LogicalTimestamp string `json:"logical_timestamp"`

	// OutputHash is sha256 over the canonical encoding of every field
	// above this one.
	OutputHash string `json:"output_hash"`

	// Timestamp is true wall-clock time, informational only, never hashed.
	Timestamp string `json:"timestamp"`
}

// body is the hashed portion of a manifest. Field set must track Manifest
// minus OutputHash and Timestamp.
type body struct {
	SchemaVersion     string             `json:"schema_version"`
	Seeds             seed.Snapshot      `json:"seeds"`
	ComponentVersions map[string]string  `json:"component_versions"`
	Selections        []selection.Result `json:"selections"`
	InputHashes       map[string]string  `json:"input_hashes"`
	ConfigHash        string             `json:"config_hash"`
	LogicalTimestamp  string             `json:"logical_timestamp"`
}

// BodyHash recomputes the hash over the manifest's hashed fields. A sealed
// manifest is self-consistent iff BodyHash() == OutputHash; verifiers call
// this to detect tampering.
func (m *Manifest) BodyHash() (string, error) {
	return canonical.Hash(body{
		SchemaVersion:     m.SchemaVersion,
		Seeds:             m.Seeds,
		ComponentVersions: m.ComponentVersions,
		Selections:        m.Selections,
		InputHashes:       m.InputHashes,
		ConfigHash:        m.ConfigHash,
		LogicalTimestamp:  m.LogicalTimestamp,
	})
}

// StateError reports a mutation attempt on a sealed manifest, or use of an
// unsealed one where a sealed one is required. Always a caller bug.
type StateError struct {
	Op       string
	Unsealed bool
}

func (e *StateError) Error() string {
	if e.Unsealed {
		return fmt.Sprintf("manifest: %s requires a sealed manifest", e.Op)
	}
	return fmt.Sprintf("manifest: %s: manifest is sealed and immutable", e.Op)
}

// Builder accumulates provenance incrementally. Not safe for concurrent
// use; the run that owns it is single-process and synchronous.
type Builder struct {
	seeds      *seed.Manager
	fixedEpoch *time.Time

	configHash string
	components map[string]string
	selections []selection.Result
	inputs     map[string]string
	started    bool
	sealed     bool
}

// Option adjusts Builder construction.
type Option func(*Builder)

// WithFixedEpoch pins the logical timestamp to an externally supplied
// instant (e.g. a regulator-mandated record date) instead of deriving it
// from the seed space.
func WithFixedEpoch(t time.Time) Option {
	return func(b *Builder) {
		u := t.UTC()
		b.fixedEpoch = &u
	}
}

// NewBuilder returns a Builder drawing its logical timestamp from seeds.
func NewBuilder(seeds *seed.Manager, opts ...Option) *Builder {
	b := &Builder{
		seeds:      seeds,
		components: make(map[string]string),
		inputs:     make(map[string]string),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start records the run configuration and hashes every input file.
// config is canonically hashed; non-encodable configs (NaN metrics,
// embedded wall clocks) fail here rather than poisoning the manifest.
func (b *Builder) Start(config any, inputPaths []string) error {
	if b.sealed {
		return &StateError{Op: "Start"}
	}
	h, err := canonical.Hash(config)
	if err != nil {
		return fmt.Errorf("hash config: %w", err)
	}
	b.configHash = h

	for _, path := range inputPaths {
		if err := b.HashInput(path); err != nil {
			return err
		}
	}
	b.started = true
	return nil
}

// HashInput reads path fully (open→read→close, no long-lived handle) and
// records its sha256.
func (b *Builder) HashInput(path string) error {
	if b.sealed {
		return &StateError{Op: "HashInput"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("hash input %s: %w", path, err)
	}
	b.inputs[path] = canonical.HashBytes(data)
	return nil
}

// RecordInputHash records a pre-computed sha256 for path.
func (b *Builder) RecordInputHash(path, sha256hex string) error {
	if b.sealed {
		return &StateError{Op: "RecordInputHash"}
	}
	b.inputs[path] = sha256hex
	return nil
}

// RecordComponentVersion records the version of one participating
// component (model library, explainer, basalt itself).
func (b *Builder) RecordComponentVersion(name, version string) error {
	if b.sealed {
		return &StateError{Op: "RecordComponentVersion"}
	}
	b.components[name] = version
	return nil
}

// RecordSelection appends one selector outcome. Append order is the order
// the orchestrator made its choices, which is itself deterministic.
func (b *Builder) RecordSelection(res selection.Result) error {
	if b.sealed {
		return &StateError{Op: "RecordSelection"}
	}
	b.selections = append(b.selections, res)
	return nil
}

// Seal freezes the accumulated record, computes OutputHash, and returns
// the immutable manifest. Seal must only be reached from the success path
// of a complete run — never after a partial or aborted one.
func (b *Builder) Seal() (*Manifest, error) {
	if b.sealed {
		return nil, &StateError{Op: "Seal"}
	}
	if !b.started {
		return nil, fmt.Errorf("manifest: Seal before Start: record the run configuration first")
	}
	b.sealed = true

	m := &Manifest{
		SchemaVersion:     SchemaVersion,
		Seeds:             b.seeds.Snapshot(),
		ComponentVersions: b.components,
		Selections:        b.selections,
		InputHashes:       b.inputs,
		ConfigHash:        b.configHash,
		LogicalTimestamp:  b.logicalTimestamp(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}
	h, err := m.BodyHash()
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	m.OutputHash = h
	return m, nil
}

// logicalTimestamp derives the hashed timestamp: the fixed-epoch override
// when supplied, otherwise logicalEpoch offset by a seed-derived bounded
// number of seconds. Deterministic for a given seed space.
func (b *Builder) logicalTimestamp() string {
	if b.fixedEpoch != nil {
		return b.fixedEpoch.Format(time.RFC3339)
	}
	offset := b.seeds.Derive(timestampStream) % 1_000_000_000 // < ~31.7 years
	return logicalEpoch.Add(time.Duration(offset) * time.Second).Format(time.RFC3339)
}

// Write serializes m canonically to path. The canonical bytes round-trip
// through Load unchanged, so the on-disk file is itself hash-stable.
func Write(m *Manifest, path string) error {
	data, err := canonical.Encode(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Encode returns the canonical JSON bytes of a sealed manifest.
func Encode(m *Manifest) ([]byte, error) {
	if m.OutputHash == "" {
		return nil, &StateError{Op: "Encode", Unsealed: true}
	}
	return canonical.Encode(m)
}

// Load reads and parses a manifest file. It does not verify
// self-consistency; callers that need proof use BodyHash.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes manifest JSON bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.SchemaVersion == "" {
		return nil, fmt.Errorf("parse manifest: missing schema_version")
	}
	return &m, nil
}
