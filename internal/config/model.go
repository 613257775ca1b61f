// Package config loads the HCL surface of the scheduler: `pipeline`
// blocks declaring stages with their inputs, outputs, prerequisites and
// parameters, an optional `topology` block declaring the grid up front,
// and an optional `run` block with scheduling options. The decoded model
// is translated into a stage set plus scheduler options by build.go.
package config

import (
	"github.com/zclconf/go-cty/cty"
)

// File is the decoded form of one configuration file. Multiple files are
// merged; pipelines accumulate, while topology and run blocks may appear
// at most once across the whole load.
type File struct {
	Scope     string      `hcl:"scope,optional"`
	Topology  *Topology   `hcl:"topology,block"`
	Pipelines []*Pipeline `hcl:"pipeline,block"`
	Run       *RunOptions `hcl:"run,block"`
}

// Topology declares the grid's rows and columns when the deployment does
// not discover them from an archive.
type Topology struct {
	Rows    []string `hcl:"rows"`
	Columns []string `hcl:"columns"`

	// IncompleteRows and IncompleteColumns flag lines with missing
	// coverage; stages with row-, column- or grid-level outputs refuse
	// to run while any exist.
	IncompleteRows    []string `hcl:"incomplete_rows,optional"`
	IncompleteColumns []string `hcl:"incomplete_columns,optional"`
}

// Pipeline declares one stage.
type Pipeline struct {
	Name     string     `hcl:"name,label"`
	Inputs   []*Slot    `hcl:"input,block"`
	Outputs  []*Slot    `hcl:"output,block"`
	Requires []*Require `hcl:"requires,block"`

	// Parameters are folded into the stage's expected provenance record,
	// so changing one invalidates the stage's cached results.
	Parameters *cty.Value `hcl:"parameters,optional"`

	// Axes overrides the iteration axes ("row", "column"). Defaults to
	// the axes implied by the input frequencies.
	Axes []string `hcl:"axes,optional"`
}

// Slot declares one named input or output with its frequency
// ("per_cell", "per_row", "per_column" or "per_grid").
type Slot struct {
	Name      string `hcl:"name,label"`
	Frequency string `hcl:"frequency"`
}

// Require declares a prerequisite stage and the outputs consumed from it.
// An empty outputs list requires all of them.
type Require struct {
	Stage   string   `hcl:"stage,label"`
	Outputs []string `hcl:"outputs,optional"`
}

// RunOptions is the decoded `run` block.
type RunOptions struct {
	// Stages are the pipeline names to request directly.
	Stages []string `hcl:"stages"`

	// Rows, Columns and Cells restrict the run to part of the grid.
	// Cells are "row/column" pairs. The selections are unioned.
	Rows    []string `hcl:"rows,optional"`
	Columns []string `hcl:"columns,optional"`
	Cells   []string `hcl:"cells,optional"`

	Force     bool `hcl:"force,optional"`
	ForceAll  bool `hcl:"force_all,optional"`
	Reprocess bool `hcl:"reprocess,optional"`

	// Workers bounds the local workflow engine's parallelism.
	Workers int `hcl:"workers,optional"`
}

// Config is the merged result of loading all configuration files.
type Config struct {
	Scope     string
	Topology  *Topology
	Pipelines []*Pipeline
	Run       *RunOptions
}
