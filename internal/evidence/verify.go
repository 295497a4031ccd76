package evidence

// verify.go — independent verification of an evidence pack.
//
// Verification never trusts the packager: every file hash is recomputed
// from the archived bytes, and the manifest's output_hash is re-derived
// from its own body. A corrupt archive and a checksum mismatch are
// different findings — corruption and tampering are different
// conclusions, and the report must not blur them.

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"basalt/internal/canonical"
	"basalt/internal/manifest"
)

// FindingKind classifies one verification failure.
type FindingKind string

const (
	// KindArchiveUnreadable — the archive itself cannot be opened or an
	// entry cannot be read (truncation, corruption). Distinct from any
	// checksum result.
	KindArchiveUnreadable FindingKind = "archive_unreadable"

	// KindChecksumMismatch — a file's recomputed sha256 differs from the
	// listing: the file was altered after sealing.
	KindChecksumMismatch FindingKind = "checksum_mismatch"

	// KindFileMissing — a file named in the listing is absent.
	KindFileMissing FindingKind = "file_missing"

	// KindUnlistedFile — the archive contains a file the listing does not
	// cover; an attacker could smuggle content past a naive check.
	KindUnlistedFile FindingKind = "unlisted_file"

	// KindListingInvalid — SHA256SUMS.txt is absent or malformed.
	KindListingInvalid FindingKind = "listing_invalid"

	// KindManifestInvalid — manifest.json is absent or unparseable.
	KindManifestInvalid FindingKind = "manifest_invalid"

	// KindManifestInconsistent — the manifest's recomputed body hash does
	// not equal its recorded output_hash.
	KindManifestInconsistent FindingKind = "manifest_inconsistent"
)

// Finding names one specific failure: the file concerned and, for hash
// comparisons, the expected and actual values.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	File     string      `json:"file,omitempty"`
	Expected string      `json:"expected,omitempty"`
	Actual   string      `json:"actual,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

func (f Finding) String() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.File != "" {
		fmt.Fprintf(&b, " %s", f.File)
	}
	if f.Detail != "" {
		fmt.Fprintf(&b, ": %s", f.Detail)
	}
	if f.Expected != "" || f.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, actual %s)", f.Expected, f.Actual)
	}
	return b.String()
}

// Result is the full verification outcome. Pass is true only if every
// file matches its checksum and the manifest is self-consistent.
type Result struct {
	Pass     bool      `json:"pass"`
	Archive  string    `json:"archive"`
	Checked  int       `json:"files_checked"`
	Verified []string  `json:"verified,omitempty"`
	Findings []Finding `json:"findings,omitempty"`
}

// Verify opens an evidence pack and checks it end to end. Verification
// failures are reported in the Result, not as an error; the returned
// error is reserved for problems outside the pack (nothing currently).
func Verify(archivePath string) (*Result, error) {
	res := &Result{Archive: archivePath}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		res.Findings = append(res.Findings, Finding{
			Kind:   KindArchiveUnreadable,
			File:   archivePath,
			Detail: err.Error(),
		})
		return res, nil
	}
	defer zr.Close()

	entries := make(map[string][]byte, len(zr.File))
	for _, zf := range zr.File {
		data, err := readEntry(zf)
		if err != nil {
			res.Findings = append(res.Findings, Finding{
				Kind:   KindArchiveUnreadable,
				File:   zf.Name,
				Detail: err.Error(),
			})
			continue
		}
		entries[zf.Name] = data
	}

	listed := verifyChecksums(entries, res)
	verifyCoverage(entries, listed, res)
	verifyManifest(entries, res)

	res.Pass = len(res.Findings) == 0
	return res, nil
}

func readEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// verifyChecksums parses the listing and recomputes every named file's
// sha256. Returns the set of listed names.
func verifyChecksums(entries map[string][]byte, res *Result) map[string]bool {
	listed := make(map[string]bool)

	listing, ok := entries[ChecksumsName]
	if !ok {
		res.Findings = append(res.Findings, Finding{
			Kind:   KindListingInvalid,
			File:   ChecksumsName,
			Detail: "checksum listing is missing from the archive",
		})
		return listed
	}

	sc := bufio.NewScanner(bytes.NewReader(listing))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		hexHash, name, ok := strings.Cut(line, "  ")
		if !ok || len(hexHash) != 64 || name == "" {
			res.Findings = append(res.Findings, Finding{
				Kind:   KindListingInvalid,
				File:   ChecksumsName,
				Detail: fmt.Sprintf("malformed line %d: %q", lineNo, line),
			})
			continue
		}
		listed[name] = true

		data, ok := entries[name]
		if !ok {
			res.Findings = append(res.Findings, Finding{
				Kind:   KindFileMissing,
				File:   name,
				Detail: "listed in SHA256SUMS.txt but absent from the archive",
			})
			continue
		}
		res.Checked++
		actual := canonical.HashBytes(data)
		if actual != hexHash {
			res.Findings = append(res.Findings, Finding{
				Kind:     KindChecksumMismatch,
				File:     name,
				Expected: hexHash,
				Actual:   actual,
			})
			continue
		}
		res.Verified = append(res.Verified, name)
	}
	return listed
}

// verifyCoverage flags archive entries the listing does not cover.
// Findings are emitted in sorted name order so reports are stable.
func verifyCoverage(entries map[string][]byte, listed map[string]bool, res *Result) {
	var unlisted []string
	for name := range entries {
		if name == ChecksumsName || listed[name] {
			continue
		}
		unlisted = append(unlisted, name)
	}
	sort.Strings(unlisted)
	for _, name := range unlisted {
		res.Findings = append(res.Findings, Finding{
			Kind:   KindUnlistedFile,
			File:   name,
			Detail: "present in the archive but not covered by SHA256SUMS.txt",
		})
	}
}

// verifyManifest re-derives the manifest's output_hash from its own body.
func verifyManifest(entries map[string][]byte, res *Result) {
	data, ok := entries[ManifestName]
	if !ok {
		res.Findings = append(res.Findings, Finding{
			Kind:   KindManifestInvalid,
			File:   ManifestName,
			Detail: "manifest is missing from the archive",
		})
		return
	}
	m, err := manifest.Parse(data)
	if err != nil {
		res.Findings = append(res.Findings, Finding{
			Kind:   KindManifestInvalid,
			File:   ManifestName,
			Detail: err.Error(),
		})
		return
	}
	recomputed, err := m.BodyHash()
	if err != nil {
		res.Findings = append(res.Findings, Finding{
			Kind:   KindManifestInvalid,
			File:   ManifestName,
			Detail: fmt.Sprintf("cannot recompute body hash: %v", err),
		})
		return
	}
	if recomputed != m.OutputHash {
		res.Findings = append(res.Findings, Finding{
			Kind:     KindManifestInconsistent,
			File:     ManifestName,
			Expected: m.OutputHash,
			Actual:   recomputed,
		})
	}
}
