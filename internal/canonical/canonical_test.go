package canonical

// canonical_test.go — Tests for the canonical encoder.
//
// Test strategy:
//   - Unit tests:     one encoding rule per table entry
//   - Property tests: insertion-order independence, idempotency
//   - Fuzz tests:     Encode never panics on arbitrary generic values

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Unit tests — scalar and composite encoding
// --------------------------------------------------------------------------

func TestEncodeScalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"true", true, "true"},
		{"false", false, "false"},
		{"int", 42, "42"},
		{"negative int", -7, "-7"},
		{"uint", uint64(18446744073709551615), "18446744073709551615"},
		{"string", "hello", `"hello"`},
		{"utf8 string", "naïve café", `"naïve café"`},
		{"float", 0.5, "5.00000e-01"},
		{"float zero", 0.0, "0.00000e+00"},
		{"negative zero float", math.Copysign(0, -1), "0.00000e+00"},
		{"float rounded to six digits", 1.23456789, "1.23457e+00"},
		{"empty slice", []int{}, "[]"},
		{"nil slice", []int(nil), "[]"},
		{"slice order preserved", []int{3, 1, 2}, "[3,1,2]"},
		{"bytes hex encoded", []byte{0xde, 0xad}, `"dead"`},
		{"empty map", map[string]int{}, "{}"},
		{"nil pointer", (*int)(nil), "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.in)
			if err != nil {
				t.Fatalf("Encode(%v): %v", tt.in, err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodeMapKeysSorted(t *testing.T) {
	got, err := Encode(map[string]int{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"alpha":2,"mid":3,"zeta":1}`
	if string(got) != want {
		t.Errorf("Encode = %s, want %s", got, want)
	}
}

func TestEncodeStructUsesTagsSorted(t *testing.T) {
	type inner struct {
		B string `json:"b_field"`
		A string `json:"a_field"`
	}
	type outer struct {
		Z       int    `json:"z"`
		Inner   inner  `json:"inner"`
		Skipped string `json:"-"`
		NoTag   int
	}
	got, err := Encode(outer{Z: 1, Inner: inner{A: "x", B: "y"}, Skipped: "nope", NoTag: 9})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"NoTag":9,"inner":{"a_field":"x","b_field":"y"},"z":1}`
	if string(got) != want {
		t.Errorf("Encode = %s, want %s", got, want)
	}
}

// --------------------------------------------------------------------------
// Unit tests — rejected values
// --------------------------------------------------------------------------

func TestEncodeRejectsNonCanonicalValues(t *testing.T) {
	tests := []struct {
		name     string
		in       any
		wantPath string
	}{
		{"nan", map[string]any{"x": math.NaN()}, "x"},
		{"positive inf", map[string]any{"y": math.Inf(1)}, "y"},
		{"negative inf", map[string]any{"y": math.Inf(-1)}, "y"},
		{"nested nan", map[string]any{"a": []any{1.0, math.NaN()}}, "a[1]"},
		{"wall clock", map[string]any{"ts": time.Now()}, "ts"},
		{"int keyed map", map[string]any{"m": map[int]string{1: "x"}}, "m"},
		{"channel", map[string]any{"ch": make(chan int)}, "ch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.in)
			if err == nil {
				t.Fatal("Encode succeeded, want EncodingError")
			}
			var encErr *EncodingError
			if !errors.As(err, &encErr) {
				t.Fatalf("error type = %T, want *EncodingError", err)
			}
			if encErr.Path != tt.wantPath {
				t.Errorf("error path = %q, want %q", encErr.Path, tt.wantPath)
			}
		})
	}
}

// --------------------------------------------------------------------------
// Property tests — order independence and stability
// --------------------------------------------------------------------------

// TestEncodeInsertionOrderIndependent verifies that equal-content maps
// constructed in different insertion orders encode identically.
func TestEncodeInsertionOrderIndependent(t *testing.T) {
	a := map[string]any{}
	for _, k := range []string{"one", "two", "three", "four", "five"} {
		a[k] = len(k)
	}
	b := map[string]any{}
	for _, k := range []string{"five", "four", "three", "two", "one"} {
		b[k] = len(k)
	}

	ea, err := Encode(a)
	if err != nil {
		t.Fatal(err)
	}
	eb, err := Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ea) != string(eb) {
		t.Errorf("insertion order changed encoding:\n%s\n%s", ea, eb)
	}
}

// TestEncodeRepeatable verifies byte-identical output across many calls
// (map iteration randomization must never leak through).
func TestEncodeRepeatable(t *testing.T) {
	v := map[string]any{
		"metrics":    map[string]float64{"auc": 0.831245, "f1": 0.77},
		"selections": []string{"kernelshap", "coefficients"},
		"runs":       5,
	}
	first, err := Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		got, err := Encode(v)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(first) {
			t.Fatalf("encoding differs on repeat %d:\n%s\n%s", i, first, got)
		}
	}
}

func TestHashIsHex64(t *testing.T) {
	h, err := Hash(map[string]int{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 64 || strings.ToLower(h) != h {
		t.Errorf("Hash = %q, want 64 lowercase hex chars", h)
	}
}

// TestFloatRoundingHalfToEven verifies ties break to the even digit.
// Both tie inputs are exact in binary (multiples of negative powers of
// two), so the seventh significant digit is an exact trailing 5.
func TestFloatRoundingHalfToEven(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.4921875, "4.92188e-01"}, // 63/128: tie, 7 is odd → round up to 8
		{2.203125, "2.20312e+00"},  // 2+13/64: tie, 2 is even → stays
		{0.1, "1.00000e-01"},
		{123456789.0, "1.23457e+08"},
	}
	for _, tt := range tests {
		got, err := Encode(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tt.want {
			t.Errorf("Encode(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// --------------------------------------------------------------------------
// Fuzz tests
// --------------------------------------------------------------------------

// FuzzEncodeString ensures arbitrary strings encode without panicking and
// the encoding is stable.
func FuzzEncodeString(f *testing.F) {
	f.Add("plain")
	f.Add("with \"quotes\" and \\ backslashes")
	f.Add("unicode: 日本語 ʎǝʞ")
	f.Add("\x00\x01\xff")
	f.Fuzz(func(t *testing.T, s string) {
		a, err := Encode(map[string]string{"k": s})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		b, err := Encode(map[string]string{"k": s})
		if err != nil {
			t.Fatalf("Encode (repeat): %v", err)
		}
		if string(a) != string(b) {
			t.Fatalf("unstable encoding for %q", s)
		}
	})
}
