package provenance

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	return Record{
		"pipeline": map[string]any{
			"name":    "smooth",
			"version": "1.2.0",
		},
		"parameters": map[string]any{
			"fwhm": 4,
		},
		"inputs": map[string]any{
			"raw": map[string]any{"checksum": "abc123"},
		},
	}
}

func TestSetGet(t *testing.T) {
	r := Record{}
	r.Set("pipeline/name", "smooth")
	r.Set("pipeline/version", "1.2.0")

	v, ok := r.Get("pipeline/name")
	require.True(t, ok)
	assert.Equal(t, "smooth", v)

	_, ok = r.Get("pipeline/missing")
	assert.False(t, ok)
	_, ok = r.Get("pipeline/name/deeper")
	assert.False(t, ok)
}

func TestMismatches(t *testing.T) {
	include := MustCompilePaths([]string{"pipeline", "parameters", "inputs"})
	none := PathSet{}

	t.Run("identical records have no mismatches", func(t *testing.T) {
		assert.Empty(t, sampleRecord().Mismatches(sampleRecord(), include, none))
	})

	t.Run("changed leaf is reported with both values", func(t *testing.T) {
		stored := sampleRecord()
		expected := sampleRecord()
		expected.Set("parameters/fwhm", 8)
		ms := stored.Mismatches(expected, include, none)
		require.Len(t, ms, 1)
		assert.Equal(t, "parameters/fwhm", ms[0].Path)
		assert.Equal(t, 8, ms[0].Expected)
		assert.Equal(t, 4, ms[0].Actual)
	})

	t.Run("missing leaf is reported as nil", func(t *testing.T) {
		stored := sampleRecord()
		expected := sampleRecord()
		expected.Set("parameters/iterations", 3)
		ms := stored.Mismatches(expected, include, none)
		require.Len(t, ms, 1)
		assert.Equal(t, "parameters/iterations", ms[0].Path)
		assert.Nil(t, ms[0].Actual)
	})

	t.Run("paths outside the include set never participate", func(t *testing.T) {
		stored := sampleRecord()
		stored.Set("scratch/tmpdir", "/tmp/a")
		expected := sampleRecord()
		expected.Set("scratch/tmpdir", "/tmp/b")
		assert.Empty(t, stored.Mismatches(expected, include, none))
	})

	t.Run("exclude overrides include for overlapping paths", func(t *testing.T) {
		stored := sampleRecord()
		expected := sampleRecord()
		expected.Set("pipeline/version", "2.0.0")
		exclude := MustCompilePaths([]string{"pipeline/version"})
		assert.Empty(t, stored.Mismatches(expected, include, exclude))

		// The same path present in both sets must never be reported.
		both := MustCompilePaths([]string{"pipeline/version"})
		assert.Empty(t, stored.Mismatches(expected, both, both))
	})

	t.Run("regexp segments select subtrees", func(t *testing.T) {
		stored := Record{"nodes": map[string]any{
			"n1": map[string]any{"version": "1", "cmd": "a"},
			"n2": map[string]any{"version": "2", "cmd": "b"},
		}}
		expected := Record{"nodes": map[string]any{
			"n1": map[string]any{"version": "9", "cmd": "a"},
			"n2": map[string]any{"version": "2", "cmd": "c"},
		}}
		include := MustCompilePaths([]string{"nodes"})
		exclude := MustCompilePaths([]string{"nodes/.*/version"})
		ms := stored.Mismatches(expected, include, exclude)
		require.Len(t, ms, 1)
		assert.Equal(t, "nodes/n2/cmd", ms[0].Path)
	})

	t.Run("mismatches are ordered by path", func(t *testing.T) {
		stored := sampleRecord()
		expected := sampleRecord()
		expected.Set("parameters/fwhm", 8)
		expected.Set("inputs/raw/checksum", "zzz")
		ms := stored.Mismatches(expected, include, none)
		require.Len(t, ms, 2)
		assert.Equal(t, "inputs/raw/checksum", ms[0].Path)
		assert.Equal(t, "parameters/fwhm", ms[1].Path)
	})
}

func TestEncodeDecodeComparesEqual(t *testing.T) {
	include := MustCompilePaths([]string{"pipeline", "parameters", "inputs"})
	var buf bytes.Buffer
	require.NoError(t, sampleRecord().Encode(&buf))

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	// Numeric leaves survive the YAML round trip and still compare equal.
	assert.Empty(t, decoded.Mismatches(sampleRecord(), include, PathSet{}))
}

func TestCompilePaths(t *testing.T) {
	_, err := CompilePaths([]string{"nodes/(/version"})
	assert.Error(t, err)

	ps := MustCompilePaths([]string{"a/b"})
	assert.False(t, ps.Empty())
	assert.True(t, ps.Matches([]string{"a", "b", "c"}))
	assert.False(t, ps.Matches([]string{"a"}))
	assert.False(t, ps.Matches([]string{"a", "x"}))
}
