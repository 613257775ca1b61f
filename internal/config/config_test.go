package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
)

const sampleConfig = `
scope = "study"

topology {
  rows            = ["S1", "S2"]
  columns         = ["V1", "V2"]
  incomplete_rows = ["S2"]
}

pipeline "smooth" {
  input "raw" {
    frequency = "per_cell"
  }
  output "smoothed" {
    frequency = "per_cell"
  }
  parameters = {
    fwhm = 4.5
  }
}

pipeline "stats" {
  input "smoothed" {
    frequency = "per_cell"
  }
  output "summary" {
    frequency = "per_grid"
  }
  requires "smooth" {
    outputs = ["smoothed"]
  }
}

run {
  stages  = ["stats"]
  rows    = ["S1"]
  cells   = ["S2/V1"]
  force   = true
  workers = 4
}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSingleFile(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "study", cfg.Scope)
	require.NotNil(t, cfg.Topology)
	assert.Equal(t, []string{"S1", "S2"}, cfg.Topology.Rows)
	assert.Equal(t, []string{"S2"}, cfg.Topology.IncompleteRows)
	require.Len(t, cfg.Pipelines, 2)
	require.NotNil(t, cfg.Run)
	assert.Equal(t, []string{"stats"}, cfg.Run.Stages)
	assert.True(t, cfg.Run.Force)
	assert.Equal(t, 4, cfg.Run.Workers)
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"), []byte(`
pipeline "smooth" {
  input "raw" {
    frequency = "per_cell"
  }
  output "smoothed" {
    frequency = "per_cell"
  }
}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"), []byte(`
topology {
  rows    = ["S1"]
  columns = ["V1"]
}
`), 0o644))

	cfg, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultScope, cfg.Scope)
	assert.Len(t, cfg.Pipelines, 1)
	require.NotNil(t, cfg.Topology)
}

func TestLoadRejectsDuplicateTopology(t *testing.T) {
	dir := t.TempDir()
	topo := `
topology {
  rows    = ["S1"]
  columns = ["V1"]
}
pipeline "p" {
  input "raw" {
    frequency = "per_cell"
  }
  output "out" {
    frequency = "per_cell"
  }
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"), []byte(topo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"), []byte(`
topology {
  rows    = ["S2"]
  columns = ["V2"]
}
`), 0o644))

	_, err := Load(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate topology")
}

func TestBuildSetAndRun(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, sampleConfig))
	require.NoError(t, err)

	set, err := cfg.BuildSet()
	require.NoError(t, err)

	smooth, err := set.Get("smooth")
	require.NoError(t, err)
	rec := smooth.ExpectedRecord(grid.CellNode("S1", "V1"))
	all := provenance.MustCompilePaths([]string{".*"})
	want := provenance.Record{
		"pipeline":   map[string]any{"name": "smooth"},
		"parameters": map[string]any{"fwhm": 4.5},
	}
	assert.Empty(t, rec.Mismatches(want, all, provenance.PathSet{}))

	stats, err := set.Get("stats")
	require.NoError(t, err)
	require.Len(t, stats.Prerequisites(), 1)
	assert.Equal(t, "smooth", stats.Prerequisites()[0].Stage)

	requests, filter, opts, err := cfg.BuildRun(set)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "stats", requests[0].Stage.Name())
	assert.Equal(t, []grid.RowID{"S1"}, filter.Rows)
	assert.Equal(t, []grid.Cell{{Row: "S2", Column: "V1"}}, filter.Cells)
	assert.True(t, opts.Force)
	assert.False(t, opts.ForceAll)

	tr := cfg.BuildTree()
	require.NotNil(t, tr)
	assert.Equal(t, []grid.RowID{"S1", "S2"}, tr.RowIDs)
	assert.Equal(t, []grid.RowID{"S2"}, tr.IncompleteR)
}

func TestBuildRunRejectsUnknownStage(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, `
pipeline "smooth" {
  input "raw" {
    frequency = "per_cell"
  }
  output "smoothed" {
    frequency = "per_cell"
  }
}
run {
  stages = ["missing"]
}
`))
	require.NoError(t, err)
	set, err := cfg.BuildSet()
	require.NoError(t, err)
	_, _, _, err = cfg.BuildRun(set)
	require.Error(t, err)
}

func TestBuildRunRejectsMalformedCell(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, `
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
  cells  = ["S1V1"]
}
`))
	require.NoError(t, err)
	set, err := cfg.BuildSet()
	require.NoError(t, err)
	_, _, _, err = cfg.BuildRun(set)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row/column")
}

func TestLoadRejectsBadFrequency(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, `
pipeline "smooth" {
  input "raw" {
    frequency = "per_banana"
  }
  output "smoothed" {
    frequency = "per_cell"
  }
}
`))
	require.NoError(t, err)
	_, err = cfg.BuildSet()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per_banana")
}
