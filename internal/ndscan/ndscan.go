// Package ndscan statically scans pipeline-component Go source for
// nondeterminism hazards: ambient wall-clock reads, global math/rand use,
// environment reads, and map-iteration ordering.
//
// The scan is purely syntactic/type-based — no code is executed. Findings
// are hints, not verdicts: they annotate determinism-validation reports
// so a diverging pipeline's likely culprits are named up front
// (INVARIANT.md INV-18).
package ndscan

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
)

// Signal classifies one nondeterminism hazard.
type Signal string

const (
	// SignalWallClock — reads the wall clock (time.Now, time.Since).
	SignalWallClock Signal = "wall_clock"

	// SignalGlobalRand — draws from the shared math/rand global generator,
	// whose state depends on call order across the whole process.
	SignalGlobalRand Signal = "global_rand"

	// SignalEnvRead — reads the environment; results differ across hosts.
	SignalEnvRead Signal = "env_read"

	// SignalMapIteration — ranges over a map; Go randomizes that order
	// per execution.
	SignalMapIteration Signal = "map_iteration"
)

// Finding is one detected hazard. Function is the enclosing declaration,
// "<global>" for file-scope expressions.
type Finding struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Signal   Signal `json:"signal"`
	Detail   string `json:"detail"`
}

// Hint renders a finding in the phrasing determinism reports use.
func (f Finding) Hint() string {
	return fmt.Sprintf("static scan: %s in %s (%s): %s", f.Signal, f.Function, f.File, f.Detail)
}

// wallClockCalls are time-package functions that read the ambient clock.
var wallClockCalls = map[string]bool{
	"time.Now":   true,
	"time.Since": true,
	"time.Until": true,
}

// envCalls are os-package functions that read the environment.
var envCalls = map[string]bool{
	"os.Getenv":    true,
	"os.LookupEnv": true,
	"os.Environ":   true,
}

// globalRandCalls are package-level math/rand functions backed by the
// shared global generator. Seeded *rand.Rand values are fine and are not
// flagged.
var globalRandCalls = map[string]bool{
	"rand.Int": true, "rand.Intn": true, "rand.Int31": true, "rand.Int31n": true,
	"rand.Int63": true, "rand.Int63n": true, "rand.Uint32": true, "rand.Uint64": true,
	"rand.Float32": true, "rand.Float64": true, "rand.NormFloat64": true,
	"rand.ExpFloat64": true, "rand.Perm": true, "rand.Shuffle": true, "rand.Seed": true,
	"rand.IntN": true, "rand.Int32": true, "rand.Int32N": true, "rand.Int64": true,
	"rand.Int64N": true, "rand.N": true, "rand.UintN": true, "rand.Uint64N": true,
}

// ScanDir walks root recursively and scans every non-test .go file.
// vendor, testdata, and hidden directories are skipped; directories and
// files are processed in sorted order so output is stable. Each
// directory's package is loaded once; files that fail type loading fall
// back to AST-only scanning (map-iteration detection then needs type
// info and is skipped).
func ScanDir(root string) ([]Finding, error) {
	filesByDir := make(map[string][]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(name) != ".go" || strings.HasSuffix(name, "_test.go") {
			return nil
		}
		dir := filepath.Dir(path)
		filesByDir[dir] = append(filesByDir[dir], path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ndscan: walk %s: %w", root, err)
	}

	dirs := make([]string, 0, len(filesByDir))
	for dir := range filesByDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var findings []Finding
	for _, dir := range dirs {
		files := filesByDir[dir]
		sort.Strings(files)

		pkg, fset, _ := loadPackageForDir(dir)
		for _, absPath := range files {
			relPath, err := filepath.Rel(root, absPath)
			if err != nil {
				relPath = absPath
			}
			relPath = filepath.ToSlash(relPath)

			fileFindings, err := scanFile(absPath, relPath, pkg, fset)
			if err != nil {
				return nil, fmt.Errorf("ndscan: %s: %w", relPath, err)
			}
			findings = append(findings, fileFindings...)
		}
	}

	sortFindings(findings)
	return findings, nil
}

// ScanSource scans a single parsed source string (no type info). Used by
// callers that hold generated or in-memory pipeline code.
func ScanSource(filename, src string) ([]Finding, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, 0)
	if err != nil {
		return nil, fmt.Errorf("ndscan: parse %s: %w", filename, err)
	}
	findings := scanAST(filename, file, nil)
	sortFindings(findings)
	return findings, nil
}

// loadPackageForDir loads the package in dir with full type information.
// pkg is nil when loading fails; callers fall back to go/parser.
func loadPackageForDir(dir string) (*packages.Package, *token.FileSet, error) {
	fset := token.NewFileSet()
	cfg := &packages.Config{
		Mode: packages.NeedSyntax |
			packages.NeedTypes |
			packages.NeedTypesInfo |
			packages.NeedImports,
		Dir:  dir,
		Fset: fset,
	}
	pkgs, err := packages.Load(cfg, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("packages.Load: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, nil, fmt.Errorf("no packages found")
	}
	pkg := pkgs[0]
	if pkg.TypesInfo == nil || pkg.Types == nil {
		return nil, nil, fmt.Errorf("no type info (package may have errors)")
	}
	return pkg, fset, nil
}

// scanFile scans one file, preferring the pre-loaded package syntax and
// falling back to a fresh parse without type info.
func scanFile(absPath, relPath string, pkg *packages.Package, fset *token.FileSet) ([]Finding, error) {
	if pkg != nil && fset != nil {
		for _, f := range pkg.Syntax {
			pos := fset.Position(f.Pos())
			if pos.Filename == absPath {
				return scanAST(relPath, f, pkg.TypesInfo), nil
			}
		}
	}

	fileFset := token.NewFileSet()
	file, err := parser.ParseFile(fileFset, absPath, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return scanAST(relPath, file, nil), nil
}

// scanAST walks one file's AST collecting findings. typesInfo may be nil
// (AST-only fallback); map-iteration detection requires it.
func scanAST(relPath string, file *ast.File, typesInfo *types.Info) []Finding {
	var findings []Finding
	seen := make(map[Finding]bool)

	var funcStack []string
	var pushedStack []bool

	currentFunc := func() string {
		if len(funcStack) == 0 {
			return "<global>"
		}
		return funcStack[len(funcStack)-1]
	}

	addFinding := func(sig Signal, detail string) {
		f := Finding{File: relPath, Function: currentFunc(), Signal: sig, Detail: detail}
		if !seen[f] {
			seen[f] = true
			findings = append(findings, f)
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		if n == nil {
			if len(pushedStack) > 0 {
				if pushedStack[len(pushedStack)-1] {
					funcStack = funcStack[:len(funcStack)-1]
				}
				pushedStack = pushedStack[:len(pushedStack)-1]
			}
			return true
		}

		pushed := false
		switch node := n.(type) {
		case *ast.FuncDecl:
			funcStack = append(funcStack, node.Name.Name)
			pushed = true

		case *ast.FuncLit:
			parent := "<global>"
			if len(funcStack) > 0 {
				parent = funcStack[len(funcStack)-1]
			}
			funcStack = append(funcStack, parent+".<anonymous>")
			pushed = true

		case *ast.CallExpr:
			if target := callTarget(node.Fun); target != "" {
				switch {
				case wallClockCalls[target]:
					addFinding(SignalWallClock, target+" reads the wall clock")
				case envCalls[target]:
					addFinding(SignalEnvRead, target+" reads the host environment")
				case globalRandCalls[target] && importsMathRand(file):
					addFinding(SignalGlobalRand, target+" draws from the shared global generator")
				}
			}

		case *ast.RangeStmt:
			if typesInfo != nil && node.X != nil {
				if tv, ok := typesInfo.Types[node.X]; ok {
					if _, isMap := tv.Type.Underlying().(*types.Map); isMap {
						addFinding(SignalMapIteration, "range over a map; iteration order is randomized per execution")
					}
				}
			}
		}

		pushedStack = append(pushedStack, pushed)
		return true
	})

	return findings
}

// callTarget renders a call expression's target as "pkg.Func" without
// type information. Method calls on non-identifier receivers return "".
func callTarget(expr ast.Expr) string {
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok {
		return ""
	}
	ident, ok := sel.X.(*ast.Ident)
	if !ok {
		return ""
	}
	return ident.Name + "." + sel.Sel.Name
}

// importsMathRand reports whether the file imports math/rand or
// math/rand/v2 without an alias hiding the "rand" package name. Guards
// against flagging unrelated packages that happen to be named rand.
func importsMathRand(file *ast.File) bool {
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if path != "math/rand" && path != "math/rand/v2" {
			continue
		}
		if imp.Name == nil || imp.Name.Name == "rand" {
			return true
		}
	}
	return false
}

// Hints converts findings into the hint strings determinism reports
// attach on divergence.
func Hints(findings []Finding) []string {
	hints := make([]string, len(findings))
	for i, f := range findings {
		hints[i] = f.Hint()
	}
	return hints
}

func sortFindings(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Function != b.Function {
			return a.Function < b.Function
		}
		if a.Signal != b.Signal {
			return a.Signal < b.Signal
		}
		return a.Detail < b.Detail
	})
}

// WriteReport writes findings as a plain listing, one per line, to path.
// An empty findings list still writes the header so a clean scan leaves
// evidence of having run.
func WriteReport(findings []Finding, path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# ndscan findings: %d\n", len(findings))
	for _, f := range findings {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", f.File, f.Function, f.Signal, f.Detail)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("ndscan: write report: %w", err)
	}
	return nil
}
