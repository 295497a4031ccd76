// Package evidence bundles a sealed manifest and its artifacts into a
// tamper-evident archive, and independently verifies such archives.
//
// The archive is designed for tool-free third-party verification: the
// checksum listing is sha256sum-compatible, the manifest is plain
// canonical JSON, and VERIFY.txt spells out the recipe in prose. Nothing
// in the pack requires basalt to check (INVARIANT.md INV-15..17).
//
// Packs are written once and never mutated after checksums are computed.
package evidence

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"basalt/internal/canonical"
	"basalt/internal/manifest"
)

// Reserved entry names inside an evidence pack.
const (
	ManifestName  = "manifest.json"
	ChecksumsName = "SHA256SUMS.txt"
	RecipeName    = "VERIFY.txt"
)

// packEpoch is the fixed modification time stamped on every archive
// entry, so packing the same content twice yields identical archives.
var packEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// recipeMeta is the machine-readable header embedded in VERIFY.txt.
type recipeMeta struct {
	Pack          string `yaml:"pack"`
	SchemaVersion string `yaml:"schema_version"`
	OutputHash    string `yaml:"output_hash"`
	LogicalTime   string `yaml:"logical_timestamp"`
}

// Package writes a tamper-evident archive at outPath containing every
// artifact, the canonical manifest, a sha256 listing, and the
// verification recipe. The manifest must already be sealed: packaging a
// partial run is a contract violation.
func Package(m *manifest.Manifest, artifactPaths []string, outPath string) error {
	if m == nil || m.OutputHash == "" {
		return &manifest.StateError{Op: "Package", Unsealed: true}
	}

	// Assemble every entry's bytes first; checksums are computed over the
	// exact bytes written, and nothing is written until all reads succeed.
	entries := make(map[string][]byte)
	for _, path := range artifactPaths {
		name := filepath.Base(path)
		if name == ManifestName || name == ChecksumsName || name == RecipeName {
			return fmt.Errorf("evidence: artifact name %q collides with a reserved pack entry", name)
		}
		if _, dup := entries[name]; dup {
			return fmt.Errorf("evidence: duplicate artifact name %q; artifact base names must be unique", name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("evidence: read artifact: %w", err)
		}
		entries[name] = data
	}

	manifestBytes, err := manifest.Encode(m)
	if err != nil {
		return fmt.Errorf("evidence: %w", err)
	}
	entries[ManifestName] = manifestBytes
	entries[RecipeName] = buildRecipe(m)
	entries[ChecksumsName] = buildChecksums(entries)

	return writeArchive(outPath, entries)
}

// buildChecksums renders the sha256sum-compatible listing:
// "<hex>  <filename>" per line, sorted by filename. The listing covers
// every entry except itself.
func buildChecksums(entries map[string][]byte) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s  %s\n", canonical.HashBytes(entries[name]), name)
	}
	return []byte(b.String())
}

// buildRecipe renders VERIFY.txt: a small YAML metadata block followed by
// plain-language instructions a third party can follow with standard
// tools only.
func buildRecipe(m *manifest.Manifest) []byte {
	meta, _ := yaml.Marshal(recipeMeta{
		Pack:          "basalt evidence pack",
		SchemaVersion: m.SchemaVersion,
		OutputHash:    m.OutputHash,
		LogicalTime:   m.LogicalTimestamp,
	})

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n")
	b.WriteString(`How to verify this evidence pack (no special software required):

1. Unpack the archive into an empty directory.

2. Check every file against the checksum listing:

       sha256sum -c SHA256SUMS.txt

   Every line must report OK. A FAILED line means the named file was
   altered after this pack was sealed.

3. Check that the manifest is internally consistent. manifest.json is
   JSON with lexicographically sorted keys. Remove the "output_hash" and
   "timestamp" members, serialize the remaining members back to JSON in
   the same sorted-key form with no whitespace, and compute the SHA-256
   of those bytes. The result must equal the "output_hash" value above
   and in manifest.json.

4. To confirm the audit itself is reproducible, rerun the audit with the
   master seed recorded under "seeds" in manifest.json and the same
   component versions; the resulting output_hash must match byte for
   byte.

Any mismatch at steps 2 or 3 means the pack does not prove what it
claims. Do not trust a pack that fails verification.
`)
	return []byte(b.String())
}

// writeArchive writes entries to a zip at outPath: sorted entry order,
// fixed timestamps, no compression. Packing identical content always
// produces an identical archive.
func writeArchive(outPath string, entries map[string][]byte) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("evidence: create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, name := range names {
		hdr := &zip.FileHeader{
			Name:     name,
			Method:   zip.Store,
			Modified: packEpoch,
		}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("evidence: add %s: %w", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			return fmt.Errorf("evidence: write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("evidence: finalize archive: %w", err)
	}
	return f.Close()
}
