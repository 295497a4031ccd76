// Package determinism proves or disproves that a pipeline is
// byte-reproducible by running it repeatedly and comparing canonical
// output hashes.
//
// Runs execute sequentially under a pinned environment (TZ, worker
// budget), never concurrently with each other: repeated runs exist
// precisely to catch
// shared-state leakage, so they must not share mutable environment state
// themselves. On divergence the validator re-runs with the pipeline's
// checkpoint hook (when one is supplied) and structurally diffs outputs
// to rank likely divergence sources.
package determinism

import (
	"fmt"
	"os"
	"runtime"

	"basalt/internal/canonical"
)

// Pipeline is the caller-supplied unit under test. It must produce its
// entire result as a canonically encodable value; randomness must come
// from streams derived from the given seed.
type Pipeline func(seed int64) (any, error)

// Checkpoint is one named intermediate artifact exposed by an
// instrumented pipeline.
type Checkpoint struct {
	Name  string
	Value any
}

// CheckpointFn re-runs the pipeline collecting intermediate artifacts in
// execution order. Optional; used only to localize divergence.
type CheckpointFn func(seed int64) ([]Checkpoint, error)

// Outcome classifies a validation result. Partial failure (some runs
// errored, some completed) is deliberately distinct from "completed but
// diverged" (INVARIANT.md INV-14).
type Outcome string

const (
	OutcomeDeterministic  Outcome = "deterministic"
	OutcomeDiverged       Outcome = "diverged"
	OutcomePartialFailure Outcome = "partial_failure"
)

// Report is the evidence for or against determinism.
type Report struct {
	RunCount          int      `json:"run_count"`
	Hashes            []string `json:"hashes"`
	UniqueHashCount   int      `json:"unique_hash_count"`
	DivergenceSources []string `json:"divergence_sources"`
	RunErrors         []string `json:"run_errors"`
	Outcome           Outcome  `json:"outcome"`
	IsDeterministic   bool     `json:"is_deterministic"`
}

// Options configures a validation.
type Options struct {
	// Seed is passed to every run.
	Seed int64

	// Runs is the number of executions; must be at least 2.
	Runs int

	// Timezone is pinned in the environment for the duration of the
	// validation (default UTC), then restored.
	Timezone string

	// Checkpoints, when non-nil, lets the validator localize divergence
	// to the first differing intermediate artifact.
	Checkpoints CheckpointFn

	// Hints are pre-computed suspicions (e.g. from a static scan of the
	// pipeline's source) appended to DivergenceSources on divergence.
	Hints []string
}

// Validate executes the pipeline Runs times and compares canonical output
// hashes.
//
// A first run that cannot execute at all fails immediately with an error
// rather than being counted. Later-run errors after at least one success
// yield OutcomePartialFailure. An output that cannot be canonically
// encoded (NaN, embedded wall clock) is a hard error: such a pipeline can
// never be proven deterministic.
func Validate(p Pipeline, opts Options) (*Report, error) {
	if p == nil {
		return nil, fmt.Errorf("determinism: pipeline is nil")
	}
	if opts.Runs < 2 {
		return nil, fmt.Errorf("determinism: runs must be >= 2 to prove anything (got %d)", opts.Runs)
	}

	restore := pinEnvironment(opts.Timezone)
	defer restore()

	var (
		hashes  []string
		outputs []any
		runErrs []string
	)
	for i := 0; i < opts.Runs; i++ {
		out, err := p(opts.Seed)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("determinism: pipeline cannot execute: %w", err)
			}
			runErrs = append(runErrs, fmt.Sprintf("run %d: %v", i+1, err))
			continue
		}
		h, err := canonical.Hash(out)
		if err != nil {
			return nil, fmt.Errorf("determinism: run %d output is not canonically encodable: %w", i+1, err)
		}
		hashes = append(hashes, h)
		outputs = append(outputs, out)
	}

	report := &Report{
		RunCount:        opts.Runs,
		Hashes:          hashes,
		UniqueHashCount: uniqueCount(hashes),
		RunErrors:       runErrs,
	}

	switch {
	case len(runErrs) > 0:
		report.Outcome = OutcomePartialFailure
	case report.UniqueHashCount == 1:
		report.Outcome = OutcomeDeterministic
		report.IsDeterministic = true
	default:
		report.Outcome = OutcomeDiverged
	}

	if report.UniqueHashCount > 1 {
		report.DivergenceSources = diagnose(outputs, hashes, opts)
	}
	return report, nil
}

// pinEnvironment fixes the ambient execution environment for the
// duration of a validation and returns the restore function. TZ is set
// (default UTC) so pipelines that read ambient timezone state see a
// fixed value on every run, and the worker budget is pinned to one so
// parallel pipelines cannot vary their scheduling between runs or hosts.
func pinEnvironment(tz string) func() {
	if tz == "" {
		tz = "UTC"
	}
	prevTZ, hadTZ := os.LookupEnv("TZ")
	os.Setenv("TZ", tz)
	prevProcs := runtime.GOMAXPROCS(1)
	return func() {
		runtime.GOMAXPROCS(prevProcs)
		if hadTZ {
			os.Setenv("TZ", prevTZ)
		} else {
			os.Unsetenv("TZ")
		}
	}
}

func uniqueCount(hashes []string) int {
	seen := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		seen[h] = true
	}
	return len(seen)
}

// diagnose ranks likely divergence sources: checkpoint localization
// first, then the structural diff of the first two diverging outputs,
// then any static-scan hints.
func diagnose(outputs []any, hashes []string, opts Options) []string {
	var sources []string

	if opts.Checkpoints != nil {
		sources = append(sources, diagnoseCheckpoints(opts)...)
	}

	if i, j, ok := firstDivergingPair(hashes); ok {
		sources = append(sources, diffOutputs(outputs[i], outputs[j])...)
	}

	sources = append(sources, opts.Hints...)
	return dedup(sources)
}

// diagnoseCheckpoints re-runs the instrumented pipeline twice and names
// the first checkpoint whose canonical hashes differ. Probe failures are
// reported as findings, not fatal: diagnosis is best-effort.
func diagnoseCheckpoints(opts Options) []string {
	a, errA := opts.Checkpoints(opts.Seed)
	b, errB := opts.Checkpoints(opts.Seed)
	if errA != nil || errB != nil {
		return []string{fmt.Sprintf("checkpoint re-run failed (%v / %v); cannot localize divergence", errA, errB)}
	}
	if len(a) != len(b) {
		return []string{fmt.Sprintf("checkpoint count differs between runs (%d vs %d): control flow is nondeterministic", len(a), len(b))}
	}

	for i := range a {
		ha, errA := canonical.Hash(a[i].Value)
		hb, errB := canonical.Hash(b[i].Value)
		if errA != nil || errB != nil {
			return []string{fmt.Sprintf("checkpoint %q is not canonically encodable", a[i].Name)}
		}
		if ha != hb {
			findings := []string{fmt.Sprintf("divergence first appears at checkpoint %q", a[i].Name)}
			return append(findings, diffOutputs(a[i].Value, b[i].Value)...)
		}
	}
	return []string{"all checkpoints agree; divergence is downstream of the last checkpoint"}
}

func firstDivergingPair(hashes []string) (int, int, bool) {
	for i := 1; i < len(hashes); i++ {
		if hashes[i] != hashes[0] {
			return 0, i, true
		}
	}
	return 0, 0, false
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
