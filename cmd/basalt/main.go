package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"basalt/internal/canonical"
	"basalt/internal/determinism"
	"basalt/internal/evidence"
	"basalt/internal/manifest"
	"basalt/internal/ndscan"
	"basalt/internal/seed"
	"basalt/internal/settings"
)

// command describes a CLI subcommand.
type command struct {
	name  string
	short string
	usage string
	long  string
	run   func(args []string) error
}

var commands = []command{
	{
		name:  "verify",
		short: "Verify an evidence pack",
		usage: "basalt verify <archive>",
		long: `Verify an evidence pack end to end.

Recomputes the sha256 of every bundled file against SHA256SUMS.txt and
independently re-derives the manifest's output_hash from its body.

Prints a machine-readable JSON summary to stdout and a detail line for
every mismatch to stderr. Exit status is 0 only if every check passes.
`,
		run: runVerify,
	},
	{
		name:  "pack",
		short: "Bundle a sealed manifest and artifacts into an evidence pack",
		usage: "basalt pack <manifest.json> <out.zip> [artifact...]",
		long: `Create a tamper-evident evidence pack.

The manifest must be sealed (contain an output_hash). Each artifact is
bundled under its base name alongside manifest.json, SHA256SUMS.txt, and
a plain-text verification recipe.

When basalt.yaml in the current directory sets packaging.include_config,
the config file itself is bundled as an additional artifact.
`,
		run: runPack,
	},
	{
		name:  "inspect",
		short: "Browse an evidence pack interactively",
		usage: "basalt inspect <archive>",
		long: `Open an interactive browser over an evidence pack's checksum
entries and verification findings. Type to filter; esc or ctrl+c quits.
`,
		run: runInspect,
	},
	{
		name:  "scan",
		short: "Statically scan Go source for nondeterminism hazards",
		usage: "basalt scan <dir>",
		long: `Scan pipeline-component source for nondeterminism hazards:
wall-clock reads, global math/rand use, environment reads, and
map-iteration ordering. Findings are hints for diagnosing divergence,
not verdicts.
`,
		run: runScan,
	},
	{
		name:  "hash",
		short: "Print the sha256 of a file",
		usage: "basalt hash <file>",
		long: `Print "<hex>  <filename>" for a file, in the same format as
SHA256SUMS.txt and the standard sha256sum tool.
`,
		run: runHash,
	},
	{
		name:  "doctor",
		short: "Check this environment for deterministic execution",
		usage: "basalt doctor",
		long: `Run the built-in reference pipeline repeatedly and confirm every
run produces byte-identical canonical output.

Reads basalt.yaml from the current directory when present (master seed,
run count, timezone). A diverging reference pipeline means this
environment cannot be trusted to reproduce audits.
`,
		run: runDoctor,
	},
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "basalt — deterministic execution and provenance verification\n\n")
	fmt.Fprintf(w, "Usage:\n  basalt <command> [arguments]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.short)
	}
	fmt.Fprintf(w, "\nRun 'basalt help <command>' for details on a specific command.\n")
}

func printCommandHelp(w io.Writer, name string) {
	for _, cmd := range commands {
		if cmd.name == name {
			fmt.Fprintf(w, "Usage: %s\n\n%s", cmd.usage, cmd.long)
			return
		}
	}
	fmt.Fprintf(w, "basalt: unknown command %q\n\nRun 'basalt help' for usage.\n", name)
}

func dispatch(args []string) error {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(os.Stdout)
		return nil
	}
	if args[0] == "help" {
		if len(args) >= 2 {
			printCommandHelp(os.Stdout, args[1])
		} else {
			printUsage(os.Stdout)
		}
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(args[1:])
		}
	}
	return fmt.Errorf("unknown command %q\n\nRun 'basalt help' for usage.", args[0])
}

// ---------------------------------------------------------------------------
// verify
// ---------------------------------------------------------------------------

func runVerify(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: basalt verify <archive>")
	}
	res, err := evidence.Verify(args[0])
	if err != nil {
		return err
	}

	summary, err := json.Marshal(res)
	if err != nil {
		return err
	}
	fmt.Println(string(summary))

	for _, f := range res.Findings {
		fmt.Fprintf(os.Stderr, "FAIL %s\n", f)
	}
	if !res.Pass {
		return fmt.Errorf("verification failed: %d finding(s)", len(res.Findings))
	}
	fmt.Fprintf(os.Stderr, "PASS %d file(s) verified, manifest self-consistent\n", res.Checked)
	return nil
}

// ---------------------------------------------------------------------------
// pack
// ---------------------------------------------------------------------------

func runPack(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: basalt pack <manifest.json> <out.zip> [artifact...]")
	}
	m, err := manifest.Load(args[0])
	if err != nil {
		return err
	}
	artifacts := args[2:]

	cfg, err := settings.Load(".")
	if err != nil {
		return err
	}
	if cfg.IncludeConfig() && !hasBaseName(artifacts, "basalt.yaml") {
		artifacts = append(append([]string{}, artifacts...), "basalt.yaml")
	}

	if err := evidence.Package(m, artifacts, args[1]); err != nil {
		return err
	}
	fmt.Printf("packed %d artifact(s) → %s\n", len(artifacts), args[1])
	return nil
}

// hasBaseName reports whether any path's base name equals name.
func hasBaseName(paths []string, name string) bool {
	for _, p := range paths {
		if filepath.Base(p) == name {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// inspect
// ---------------------------------------------------------------------------

func runInspect(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: basalt inspect <archive>")
	}
	res, err := evidence.Verify(args[0])
	if err != nil {
		return err
	}
	return runInspectTUI(res)
}

// ---------------------------------------------------------------------------
// scan
// ---------------------------------------------------------------------------

func runScan(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: basalt scan <dir>")
	}
	findings, err := ndscan.ScanDir(args[0])
	if err != nil {
		return err
	}
	if len(findings) == 0 {
		fmt.Println("no nondeterminism hazards found")
		return nil
	}
	for _, f := range findings {
		fmt.Printf("%s\t%s\t%s\t%s\n", f.File, f.Function, f.Signal, f.Detail)
	}
	fmt.Fprintf(os.Stderr, "%d hazard(s) found\n", len(findings))
	return nil
}

// ---------------------------------------------------------------------------
// hash
// ---------------------------------------------------------------------------

func runHash(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: basalt hash <file>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\n", canonical.HashBytes(data), args[0])
	return nil
}

// ---------------------------------------------------------------------------
// doctor
// ---------------------------------------------------------------------------

func runDoctor(args []string) error {
	cfg, err := settings.Load(".")
	if err != nil {
		return err
	}

	mgr, err := seed.FromConfig(cfg.MasterSeed(), cfg.Strict())
	if err != nil {
		return err
	}

	fmt.Printf("running reference pipeline %d times (seed %d, tz %s)...\n",
		cfg.Runs(), mgr.Master(), cfg.Timezone())

	report, err := determinism.Validate(determinism.ReferencePipeline, determinism.Options{
		Seed:        mgr.Master(),
		Runs:        cfg.Runs(),
		Timezone:    cfg.Timezone(),
		Checkpoints: determinism.ReferenceCheckpoints,
	})
	if err != nil {
		return err
	}

	summary, err := json.Marshal(report)
	if err != nil {
		return err
	}
	fmt.Println(string(summary))

	if !report.IsDeterministic {
		for _, src := range report.DivergenceSources {
			fmt.Fprintf(os.Stderr, "  suspect: %s\n", src)
		}
		return fmt.Errorf("environment is NOT deterministic (%s)", report.Outcome)
	}
	fmt.Fprintf(os.Stderr, "environment OK: %d/%d runs byte-identical (%s)\n",
		report.RunCount, report.RunCount, report.Hashes[0][:12])
	return nil
}

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
