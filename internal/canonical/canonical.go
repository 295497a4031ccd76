// Package canonical produces deterministic, platform-independent byte
// serializations of structured values.
//
// The encoding is JSON-shaped, but stricter than encoding/json:
//
//	maps     — keys sorted lexicographically; insertion order is discarded
//	structs  — fields emitted as a mapping, sorted by their encoded name
//	slices   — element order preserved (it is meaningful)
//	floats   — rounded to 6 significant digits, round-half-to-even
//	NaN/Inf  — rejected with an error naming the offending key path
//	strings  — UTF-8 bytes as-is, no locale-dependent normalization
//
// Two logically equal values encode to identical bytes regardless of host
// platform, process hash seed, or FPU rounding mode. See INVARIANT.md
// INV-3..5.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// floatDigits is the number of significant digits kept for floating-point
// values. Six digits survive float32 round-trips and cross-library BLAS
// jitter while still distinguishing meaningfully different metrics.
const floatDigits = 6

// EncodingError reports a value that has no canonical representation.
// Path locates the offending value, e.g. "metrics.auc" or "rows[3].score".
type EncodingError struct {
	Path string
	Msg  string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "canonical: " + e.Msg
	}
	return fmt.Sprintf("canonical: %s at %s", e.Msg, e.Path)
}

// Encode returns the canonical byte serialization of v.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, reflect.ValueOf(v), ""); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex-encoded SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex-encoded SHA-256 of raw bytes. Callers hashing
// file contents use this directly; no canonicalization is applied.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

var timeType = reflect.TypeOf(time.Time{})

// encodeValue writes the canonical form of v to buf. path is the key path
// used in error messages.
func encodeValue(buf *bytes.Buffer, v reflect.Value, path string) error {
	if !v.IsValid() {
		buf.WriteString("null")
		return nil
	}

	// Wall-clock values must never reach a canonical encoding: they are the
	// single most common source of run-to-run hash divergence. Callers that
	// need a timestamp in hashed content must pass a logical (seed-derived
	// or pinned) string instead.
	if v.Type() == timeType {
		return &EncodingError{Path: path, Msg: "refusing to encode time.Time (wall clock must not feed a canonical hash)"}
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encodeValue(buf, v.Elem(), path)

	case reflect.Bool:
		if v.Bool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		return encodeFloat(buf, v.Float(), path)

	case reflect.String:
		return encodeString(buf, v.String())

	case reflect.Slice, reflect.Array:
		// []byte is content, not a sequence of numbers: hex-encode it so the
		// canonical form is printable and unambiguous.
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return encodeString(buf, hex.EncodeToString(v.Bytes()))
		}
		buf.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case reflect.Map:
		return encodeMap(buf, v, path)

	case reflect.Struct:
		return encodeStruct(buf, v, path)

	default:
		return &EncodingError{Path: path, Msg: fmt.Sprintf("unsupported kind %s", v.Kind())}
	}
}

// encodeFloat writes a float rounded to floatDigits significant digits.
// strconv.FormatFloat performs correctly-rounded decimal conversion
// (ties-to-even), so the emitted digits are identical on every platform.
func encodeFloat(buf *bytes.Buffer, f float64, path string) error {
	if math.IsNaN(f) {
		return &EncodingError{Path: path, Msg: "NaN has no canonical encoding"}
	}
	if math.IsInf(f, 0) {
		return &EncodingError{Path: path, Msg: "Infinity has no canonical encoding"}
	}
	if f == 0 {
		f = 0 // normalize -0.0
	}
	buf.WriteString(strconv.FormatFloat(f, 'e', floatDigits-1, 64))
	return nil
}

// encodeString writes s as a JSON string. encoding/json escaping is
// deterministic and locale-independent.
func encodeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// encodeMap writes a map as an object with lexicographically sorted keys.
// Only string-keyed maps are canonically encodable.
func encodeMap(buf *bytes.Buffer, v reflect.Value, path string) error {
	if v.Type().Key().Kind() != reflect.String {
		return &EncodingError{Path: path, Msg: fmt.Sprintf("map key type %s is not string", v.Type().Key())}
	}
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		elem := v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))
		if err := encodeValue(buf, elem, joinPath(path, k)); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeStruct writes a struct as an object. Field names come from the
// json tag when present (yaml as a fallback), else the Go field name.
// Fields tagged "-" and unexported fields are skipped. Fields are sorted
// by encoded name, same as map keys.
func encodeStruct(buf *bytes.Buffer, v reflect.Value, path string) error {
	type field struct {
		name string
		val  reflect.Value
	}
	var fields []field

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := fieldName(sf)
		if name == "-" {
			continue
		}
		fields = append(fields, field{name: name, val: v.Field(i)})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, f.name); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, f.val, joinPath(path, f.name)); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// fieldName resolves the encoded name of a struct field from its tags.
func fieldName(sf reflect.StructField) string {
	for _, tag := range []string{"json", "yaml"} {
		if tv, ok := sf.Tag.Lookup(tag); ok {
			name, _, _ := strings.Cut(tv, ",")
			if name != "" {
				return name
			}
		}
	}
	return sf.Name
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
