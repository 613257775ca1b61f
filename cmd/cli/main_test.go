package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_PanicRecovery(t *testing.T) {
	t.Parallel()

	// An HCL file with a syntax error is guaranteed to panic during the
	// loading phase inside app.NewApp().
	invalidHCL := `
		pipeline "smooth" {
			input "raw" {
		// Missing closing brace here
	`
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "main.hcl")
	err := os.WriteFile(filePath, []byte(invalidHCL), 0o600)
	require.NoError(t, err, "failed to set up test file")

	out := &bytes.Buffer{}
	runErr := run(out, []string{filePath})

	require.Error(t, runErr, "run() should have returned an error after recovering from a panic")
	errStr := runErr.Error()
	require.True(t, strings.Contains(errStr, "application startup panicked"), "The error message should indicate that a panic was recovered.")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	// The "-h" (help) flag should cause cli.Parse to return shouldExit.
	out := &bytes.Buffer{}
	err := run(out, []string{"-h"})

	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	err := run(out, []string{"--this-is-not-a-valid-flag"})

	require.Error(t, err, "run() should return an error when argument parsing fails")
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "pipelines.hcl")
	require.NoError(t, os.WriteFile(configPath, []byte(`
topology {
  rows    = ["S1"]
  columns = ["V1"]
}

pipeline "smooth" {
  input "raw" {
    frequency = "per_cell"
  }
  output "smoothed" {
    frequency = "per_cell"
  }
}

run {
  stages = ["smooth"]
}
`), 0o600))

	out := &bytes.Buffer{}
	err := run(out, []string{
		"-repo", filepath.Join(dir, "repo"),
		"-cache", filepath.Join(dir, "cache"),
		"-log-level", "error",
		configPath,
	})
	require.NoError(t, err)
	require.Contains(t, out.String(), "smooth: executed 1 nodes")

	// A second run sees the warm cache.
	out.Reset()
	err = run(out, []string{
		"-repo", filepath.Join(dir, "repo"),
		"-cache", filepath.Join(dir, "cache"),
		"-log-level", "error",
		configPath,
	})
	require.NoError(t, err)
	require.Contains(t, out.String(), "smooth: up to date")
}
