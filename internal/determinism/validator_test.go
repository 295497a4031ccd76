package determinism

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"testing"

	"basalt/internal/seed"
)

// seededPipeline is fully determined by its seed.
func seededPipeline(s int64) (any, error) {
	rng := seed.New(s).Stream("work")
	vals := make([]uint64, 4)
	for i := range vals {
		vals[i] = rng.Uint64()
	}
	return map[string]any{"values": vals}, nil
}

// counterPipeline leaks shared mutable state across runs.
func counterPipeline() Pipeline {
	n := 0
	return func(int64) (any, error) {
		n++
		return map[string]int{"count": n}, nil
	}
}

func validate(t *testing.T, p Pipeline, opts Options) *Report {
	t.Helper()
	rep, err := Validate(p, opts)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return rep
}

func TestValidateDeterministic(t *testing.T) {
	rep := validate(t, seededPipeline, Options{Seed: 42, Runs: 3})
	if !rep.IsDeterministic || rep.Outcome != OutcomeDeterministic {
		t.Fatalf("Outcome = %s, IsDeterministic = %v; want deterministic", rep.Outcome, rep.IsDeterministic)
	}
	if rep.UniqueHashCount != 1 || len(rep.Hashes) != 3 {
		t.Errorf("UniqueHashCount = %d, Hashes = %d entries", rep.UniqueHashCount, len(rep.Hashes))
	}
	if len(rep.DivergenceSources) != 0 {
		t.Errorf("DivergenceSources = %v for a deterministic pipeline", rep.DivergenceSources)
	}
}

func TestValidateDiverged(t *testing.T) {
	rep := validate(t, counterPipeline(), Options{Seed: 1, Runs: 3})
	if rep.IsDeterministic || rep.Outcome != OutcomeDiverged {
		t.Fatalf("Outcome = %s, want diverged", rep.Outcome)
	}
	if rep.UniqueHashCount != 3 {
		t.Errorf("UniqueHashCount = %d, want 3", rep.UniqueHashCount)
	}
	if len(rep.DivergenceSources) == 0 {
		t.Error("DivergenceSources empty for a diverging pipeline")
	}
}

func TestValidateRejectsBadOptions(t *testing.T) {
	if _, err := Validate(nil, Options{Runs: 3}); err == nil {
		t.Error("nil pipeline accepted")
	}
	if _, err := Validate(seededPipeline, Options{Runs: 1}); err == nil {
		t.Error("runs=1 accepted; a single run proves nothing")
	}
}

func TestValidateFirstRunFailure(t *testing.T) {
	broken := func(int64) (any, error) { return nil, errors.New("no such input file") }
	_, err := Validate(broken, Options{Runs: 3})
	if err == nil || !strings.Contains(err.Error(), "cannot execute") {
		t.Fatalf("err = %v, want pipeline-cannot-execute", err)
	}
}

func TestValidatePartialFailure(t *testing.T) {
	n := 0
	flaky := func(int64) (any, error) {
		n++
		if n == 2 {
			return nil, errors.New("transient read failure")
		}
		return map[string]int{"v": 7}, nil
	}
	rep := validate(t, flaky, Options{Runs: 3})
	if rep.Outcome != OutcomePartialFailure || rep.IsDeterministic {
		t.Fatalf("Outcome = %s, want partial_failure", rep.Outcome)
	}
	if len(rep.RunErrors) != 1 || !strings.Contains(rep.RunErrors[0], "run 2") {
		t.Errorf("RunErrors = %v, want the failing run named", rep.RunErrors)
	}
}

func TestValidateNonEncodableOutput(t *testing.T) {
	bad := func(int64) (any, error) {
		return map[string]float64{"auc": math.NaN()}, nil
	}
	if _, err := Validate(bad, Options{Runs: 2}); err == nil {
		t.Fatal("NaN-bearing output accepted")
	}
}

// TestValidateClassifiesTimestampLeak verifies a diverging RFC3339 string
// is diagnosed as a wall-clock leak, ranked first.
func TestValidateClassifiesTimestampLeak(t *testing.T) {
	n := 0
	leaky := func(int64) (any, error) {
		n++
		return map[string]string{"generated_at": fmt.Sprintf("2026-08-30T12:00:%02dZ", n)}, nil
	}
	rep := validate(t, leaky, Options{Runs: 2})
	if rep.Outcome != OutcomeDiverged {
		t.Fatalf("Outcome = %s, want diverged", rep.Outcome)
	}
	if len(rep.DivergenceSources) == 0 || !strings.Contains(rep.DivergenceSources[0], "wall-clock timestamp") {
		t.Errorf("DivergenceSources = %v, want a timestamp-leak finding first", rep.DivergenceSources)
	}
}

// TestValidateClassifiesFloatJitter verifies diverging floats are called
// out with their path.
func TestValidateClassifiesFloatJitter(t *testing.T) {
	n := 0
	jittery := func(int64) (any, error) {
		n++
		return map[string]float64{"auc": 0.9123 + float64(n)*1e-9}, nil
	}
	rep := validate(t, jittery, Options{Runs: 2})
	found := false
	for _, s := range rep.DivergenceSources {
		if strings.Contains(s, "float value differs") && strings.Contains(s, "auc") {
			found = true
		}
	}
	if !found {
		t.Errorf("DivergenceSources = %v, want a float-jitter finding naming auc", rep.DivergenceSources)
	}
}

// TestValidateCheckpointLocalization verifies divergence is attributed to
// the first differing intermediate artifact.
func TestValidateCheckpointLocalization(t *testing.T) {
	n := 0
	p := func(int64) (any, error) {
		n++
		return map[string]int{"v": n}, nil
	}
	cn := 0
	checkpoints := func(int64) ([]Checkpoint, error) {
		cn++
		return []Checkpoint{
			{Name: "load", Value: "stable"},
			{Name: "sample", Value: cn}, // diverges here
			{Name: "report", Value: cn * 10},
		}, nil
	}
	rep := validate(t, p, Options{Runs: 2, Checkpoints: checkpoints})
	if len(rep.DivergenceSources) == 0 || !strings.Contains(rep.DivergenceSources[0], `checkpoint "sample"`) {
		t.Errorf("DivergenceSources = %v, want localization to checkpoint sample", rep.DivergenceSources)
	}
}

// TestValidateAppendsHints verifies static-scan hints ride along on
// divergence and are deduplicated.
func TestValidateAppendsHints(t *testing.T) {
	hint := "main.go:12 generate calls time.Now"
	rep := validate(t, counterPipeline(), Options{Runs: 2, Hints: []string{hint, hint}})
	count := 0
	for _, s := range rep.DivergenceSources {
		if s == hint {
			count++
		}
	}
	if count != 1 {
		t.Errorf("hint appears %d times in %v, want exactly once", count, rep.DivergenceSources)
	}
}

// TestValidatePinsTimezone verifies TZ is pinned during runs and restored
// afterwards.
func TestValidatePinsTimezone(t *testing.T) {
	t.Setenv("TZ", "America/Chicago")

	var seen string
	p := func(int64) (any, error) {
		seen = os.Getenv("TZ")
		return map[string]int{"v": 1}, nil
	}
	validate(t, p, Options{Runs: 2, Timezone: "Europe/Berlin"})

	if seen != "Europe/Berlin" {
		t.Errorf("TZ during run = %q, want Europe/Berlin", seen)
	}
	if got := os.Getenv("TZ"); got != "America/Chicago" {
		t.Errorf("TZ after validation = %q, want restored America/Chicago", got)
	}
}

// TestValidatePinsWorkerBudget verifies GOMAXPROCS is fixed to one while
// runs execute and restored afterwards.
func TestValidatePinsWorkerBudget(t *testing.T) {
	prev := runtime.GOMAXPROCS(0)

	var seen int
	p := func(int64) (any, error) {
		seen = runtime.GOMAXPROCS(0)
		return map[string]int{"v": 1}, nil
	}
	validate(t, p, Options{Runs: 2})

	if seen != 1 {
		t.Errorf("GOMAXPROCS during run = %d, want pinned 1", seen)
	}
	if got := runtime.GOMAXPROCS(0); got != prev {
		t.Errorf("GOMAXPROCS after validation = %d, want restored %d", got, prev)
	}
}

// TestReferencePipelineDeterministic verifies the built-in reference
// pipeline passes its own validation.
func TestReferencePipelineDeterministic(t *testing.T) {
	rep := validate(t, ReferencePipeline, Options{Seed: 42, Runs: 5, Checkpoints: ReferenceCheckpoints})
	if !rep.IsDeterministic {
		t.Fatalf("reference pipeline diverged: %v", rep.DivergenceSources)
	}
}

// TestReferencePipelineSeedSensitive verifies different seeds give
// different (but individually stable) outputs.
func TestReferencePipelineSeedSensitive(t *testing.T) {
	a := validate(t, ReferencePipeline, Options{Seed: 1, Runs: 2})
	b := validate(t, ReferencePipeline, Options{Seed: 2, Runs: 2})
	if a.Hashes[0] == b.Hashes[0] {
		t.Error("seeds 1 and 2 produced identical reference outputs")
	}
}
