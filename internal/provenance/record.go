// Package provenance implements the immutable configuration snapshots that
// cache validity decisions are made against: nested records, slash-delimited
// path sets with regexp segments, and path-wise record comparison where
// exclusion overrides inclusion.
package provenance

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Record is a nested key/value snapshot of a pipeline's configuration,
// resolved inputs and outputs. Values are scalars, []any lists, or nested
// map[string]any / Record subtrees.
type Record map[string]any

// Mismatch describes one path where the stored and expected records
// disagree. Missing values are reported as nil.
type Mismatch struct {
	Path     string
	Expected any
	Actual   any
}

// String renders the mismatch for diagnostics.
func (m Mismatch) String() string {
	return fmt.Sprintf("%s: expected %v, found %v", m.Path, m.Expected, m.Actual)
}

// Set assigns a value at a slash-delimited path, creating intermediate
// subtrees as needed. A non-map value on the path is overwritten.
func (r Record) Set(path string, value any) {
	parts := strings.Split(path, "/")
	cur := r
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			if rec, isRec := cur[p].(Record); isRec {
				next = map[string]any(rec)
			} else {
				next = make(map[string]any)
				cur[p] = next
			}
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Get looks up a value at a slash-delimited path.
func (r Record) Get(path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, p := range strings.Split(path, "/") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return map[string]any(m), true
	}
	return nil, false
}

// leaves flattens the record into leaf paths and their values. Empty
// subtrees contribute no leaves.
func leaves(prefix []string, v any, out map[string]any) {
	if m, ok := asMap(v); ok {
		for k, sub := range m {
			next := make([]string, len(prefix)+1)
			copy(next, prefix)
			next[len(prefix)] = k
			leaves(next, sub, out)
		}
		return
	}
	out[strings.Join(prefix, "/")] = v
}

// Mismatches compares the record (the stored state) against expected,
// path-wise. Only leaf paths selected by include and not matched by exclude
// participate; exclusion overrides inclusion for overlapping paths. The
// returned mismatches are ordered by path so results are deterministic.
func (r Record) Mismatches(expected Record, include, exclude PathSet) []Mismatch {
	actualLeaves := make(map[string]any)
	expectedLeaves := make(map[string]any)
	leaves(nil, r, actualLeaves)
	leaves(nil, expected, expectedLeaves)

	paths := make(map[string]struct{}, len(actualLeaves)+len(expectedLeaves))
	for p := range actualLeaves {
		paths[p] = struct{}{}
	}
	for p := range expectedLeaves {
		paths[p] = struct{}{}
	}

	var out []Mismatch
	for p := range paths {
		segs := strings.Split(p, "/")
		if !include.Matches(segs) || exclude.Matches(segs) {
			continue
		}
		av, aok := actualLeaves[p]
		ev, eok := expectedLeaves[p]
		if aok && eok && equalValue(av, ev) {
			continue
		}
		out = append(out, Mismatch{Path: p, Expected: ev, Actual: av})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// equalValue compares two leaf values, treating numeric types loosely so a
// record round-tripped through YAML or JSON still compares equal to the one
// built in memory.
func equalValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Encode writes the record as YAML.
func (r Record) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(map[string]any(r)); err != nil {
		return fmt.Errorf("encode provenance record: %w", err)
	}
	return nil
}

// Decode reads a YAML record.
func Decode(rd io.Reader) (Record, error) {
	var m map[string]any
	if err := yaml.NewDecoder(rd).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode provenance record: %w", err)
	}
	return Record(m), nil
}
