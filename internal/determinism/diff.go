package determinism

// diff.go — structural comparison of two diverging pipeline outputs.
//
// The diff does not try to be a general-purpose differ: it walks the two
// values in lockstep, collects the paths of differing leaves, and
// classifies each into the divergence classes that actually occur in
// audit pipelines — wall-clock strings, float jitter from unseeded
// sampling, and shape changes from nondeterministic control flow.

import (
	"fmt"
	"reflect"
	"sort"
	"time"
)

// maxDiffFindings caps the reported findings; past a handful, more paths
// add noise rather than signal.
const maxDiffFindings = 8

// diffFinding is one classified difference, with rank deciding report
// order (lower first).
type diffFinding struct {
	rank int
	text string
}

// diffOutputs structurally compares two outputs and returns ranked,
// human-readable divergence findings.
func diffOutputs(a, b any) []string {
	var findings []diffFinding
	diffValues("output", reflect.ValueOf(a), reflect.ValueOf(b), &findings)

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].rank < findings[j].rank })
	if len(findings) > maxDiffFindings {
		rest := len(findings) - maxDiffFindings
		findings = findings[:maxDiffFindings]
		findings = append(findings, diffFinding{rank: 99, text: fmt.Sprintf("(%d further differences omitted)", rest)})
	}

	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.text
	}
	return out
}

func diffValues(path string, a, b reflect.Value, findings *[]diffFinding) {
	a = indirect(a)
	b = indirect(b)

	if a.IsValid() != b.IsValid() {
		add(findings, 2, "value present in only one run at %s: nondeterministic control flow or optional field", path)
		return
	}
	if !a.IsValid() {
		return
	}
	if a.Kind() != b.Kind() {
		add(findings, 2, "type differs between runs at %s (%s vs %s)", path, a.Kind(), b.Kind())
		return
	}

	switch a.Kind() {
	case reflect.Map:
		diffMaps(path, a, b, findings)

	case reflect.Slice, reflect.Array:
		if a.Len() != b.Len() {
			add(findings, 2, "sequence length differs at %s (%d vs %d): nondeterministic sampling or filtering", path, a.Len(), b.Len())
			return
		}
		for i := 0; i < a.Len(); i++ {
			diffValues(fmt.Sprintf("%s[%d]", path, i), a.Index(i), b.Index(i), findings)
		}

	case reflect.Struct:
		for i := 0; i < a.NumField(); i++ {
			if !a.Type().Field(i).IsExported() {
				continue
			}
			diffValues(path+"."+a.Type().Field(i).Name, a.Field(i), b.Field(i), findings)
		}

	case reflect.Float32, reflect.Float64:
		if a.Float() != b.Float() {
			add(findings, 1, "float value differs at %s (%v vs %v): unseeded sampling or accumulation-order jitter", path, a.Float(), b.Float())
		}

	case reflect.String:
		if a.String() == b.String() {
			return
		}
		if looksLikeTimestamp(a.String()) && looksLikeTimestamp(b.String()) {
			add(findings, 0, "wall-clock timestamp leaked into output at %s (%q vs %q)", path, a.String(), b.String())
			return
		}
		add(findings, 2, "string value differs at %s (%q vs %q)", path, a.String(), b.String())

	default:
		ai, bi := a.Interface(), b.Interface()
		if !reflect.DeepEqual(ai, bi) {
			add(findings, 2, "value differs at %s (%v vs %v)", path, ai, bi)
		}
	}
}

// diffMaps compares string-keyed maps over the union of their keys, in
// sorted order so findings are themselves deterministic.
func diffMaps(path string, a, b reflect.Value, findings *[]diffFinding) {
	if a.Type().Key().Kind() != reflect.String || b.Type().Key().Kind() != reflect.String {
		if !reflect.DeepEqual(a.Interface(), b.Interface()) {
			add(findings, 2, "non-string-keyed map differs at %s", path)
		}
		return
	}

	keySet := make(map[string]bool)
	for _, k := range a.MapKeys() {
		keySet[k.String()] = true
	}
	for _, k := range b.MapKeys() {
		keySet[k.String()] = true
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		kv := reflect.ValueOf(k)
		av := a.MapIndex(kv.Convert(a.Type().Key()))
		bv := b.MapIndex(kv.Convert(b.Type().Key()))
		child := path + "." + k
		if av.IsValid() != bv.IsValid() {
			add(findings, 2, "key %q present in only one run at %s: nondeterministic key set", k, path)
			continue
		}
		diffValues(child, av, bv, findings)
	}
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// looksLikeTimestamp reports whether s parses as a common machine
// timestamp format.
func looksLikeTimestamp(s string) bool {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func add(findings *[]diffFinding, rank int, format string, args ...any) {
	*findings = append(*findings, diffFinding{rank: rank, text: fmt.Sprintf(format, args...)})
}
