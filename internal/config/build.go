package config

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
	"github.com/vk/stagegridgo/internal/scheduler"
	"github.com/vk/stagegridgo/internal/stack"
	"github.com/vk/stagegridgo/internal/stage"
	"github.com/vk/stagegridgo/internal/tree"
)

// BuildSet translates the declared pipelines into a validated stage set.
func (c *Config) BuildSet() (*stage.Set, error) {
	stages := make([]*stage.Stage, 0, len(c.Pipelines))
	for _, p := range c.Pipelines {
		st, err := buildStage(c.Scope, p)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stage.NewSet(c.Scope, stages...)
}

func buildStage(scope string, p *Pipeline) (*stage.Stage, error) {
	st := stage.New(scope, p.Name)
	for _, in := range p.Inputs {
		freq, err := grid.ParseFrequency(in.Frequency)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q input %q: %w", p.Name, in.Name, err)
		}
		st.AddInput(in.Name, freq)
	}
	for _, out := range p.Outputs {
		freq, err := grid.ParseFrequency(out.Frequency)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q output %q: %w", p.Name, out.Name, err)
		}
		st.AddOutput(out.Name, freq)
	}
	for _, req := range p.Requires {
		st.AddPrerequisite(req.Stage, req.Outputs...)
	}
	if len(p.Axes) > 0 {
		axes := make([]grid.Axis, 0, len(p.Axes))
		for _, a := range p.Axes {
			switch a {
			case "row":
				axes = append(axes, grid.AxisRow)
			case "column":
				axes = append(axes, grid.AxisColumn)
			default:
				return nil, fmt.Errorf("pipeline %q: unknown axis %q", p.Name, a)
			}
		}
		st.WithAxes(axes...)
	}
	if p.Parameters != nil {
		params, err := ctyToGo(*p.Parameters)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q parameters: %w", p.Name, err)
		}
		name := p.Name
		st.WithExpectedRecord(func(grid.Node) provenance.Record {
			return provenance.Record{
				"pipeline":   map[string]any{"name": name},
				"parameters": params,
			}
		})
	}
	if err := st.Seal(); err != nil {
		return nil, err
	}
	return st, nil
}

// BuildTree returns the declared static topology, or nil when no topology
// block was given and the deployment discovers it from an archive.
func (c *Config) BuildTree() *tree.Static {
	if c.Topology == nil {
		return nil
	}
	t := &tree.Static{}
	for _, r := range c.Topology.Rows {
		t.RowIDs = append(t.RowIDs, grid.RowID(r))
	}
	for _, col := range c.Topology.Columns {
		t.ColumnIDs = append(t.ColumnIDs, grid.ColumnID(col))
	}
	for _, r := range c.Topology.IncompleteRows {
		t.IncompleteR = append(t.IncompleteR, grid.RowID(r))
	}
	for _, col := range c.Topology.IncompleteColumns {
		t.IncompleteC = append(t.IncompleteC, grid.ColumnID(col))
	}
	return t
}

// BuildRun translates the run block into scheduler requests, a filter and
// options. A configuration without a run block requests nothing.
func (c *Config) BuildRun(set *stage.Set) ([]stack.Request, scheduler.Filter, scheduler.Options, error) {
	var filter scheduler.Filter
	var opts scheduler.Options
	if c.Run == nil {
		return nil, filter, opts, nil
	}

	requests := make([]stack.Request, 0, len(c.Run.Stages))
	for _, name := range c.Run.Stages {
		st, err := set.Get(name)
		if err != nil {
			return nil, filter, opts, fmt.Errorf("run block: %w", err)
		}
		requests = append(requests, stack.Request{Stage: st})
	}

	for _, r := range c.Run.Rows {
		filter.Rows = append(filter.Rows, grid.RowID(r))
	}
	for _, col := range c.Run.Columns {
		filter.Columns = append(filter.Columns, grid.ColumnID(col))
	}
	for _, cell := range c.Run.Cells {
		row, col, ok := strings.Cut(cell, "/")
		if !ok || row == "" || col == "" {
			return nil, filter, opts, fmt.Errorf("run block: cell %q is not of the form row/column", cell)
		}
		filter.Cells = append(filter.Cells, grid.Cell{Row: grid.RowID(row), Column: grid.ColumnID(col)})
	}

	opts = scheduler.Options{
		Force:     c.Run.Force,
		ForceAll:  c.Run.ForceAll,
		Reprocess: c.Run.Reprocess,
	}
	return requests, filter, opts, nil
}

// ctyToGo converts a decoded HCL value into plain Go values suitable for
// a provenance record.
func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		var out []any
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			g, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := v.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			g, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out[kv.AsString()] = g
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}
