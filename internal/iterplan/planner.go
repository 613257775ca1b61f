// Package iterplan determines how to iterate over the cells that need
// processing: either with independent row and column iterators, or with
// one axis driven by the other when the selection cannot be factorized
// into a full sub-rectangle. The choice of dependent axis minimizes
// repeated fetches of row- and column-scoped inputs.
package iterplan

import (
	"context"

	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/grid"
)

// Plan describes how the workflow engine should iterate over the cells of
// a to-process grid.
type Plan struct {
	// Axes are the axes the stage iterates over.
	Axes []grid.Axis

	// Rows and Columns are the independent iterables for their axes.
	// When an axis is dependent its independent iterable is empty and the
	// per-value lists below apply instead.
	Rows    []grid.RowID
	Columns []grid.ColumnID

	// Dependent names the axis whose iterable differs per value of the
	// other axis. Only meaningful when HasDependent is true.
	Dependent    grid.Axis
	HasDependent bool

	// RowsByColumn maps each independent column to the rows to visit for
	// it, when the row axis is dependent.
	RowsByColumn map[grid.ColumnID][]grid.RowID

	// ColumnsByRow maps each independent row to the columns to visit for
	// it, when the column axis is dependent.
	ColumnsByRow map[grid.RowID][]grid.ColumnID
}

// hasAxis reports whether the plan iterates over the given axis.
func hasAxis(axes []grid.Axis, a grid.Axis) bool {
	for _, x := range axes {
		if x == a {
			return true
		}
	}
	return false
}

// Nodes enumerates the concrete nodes the plan visits, in a deterministic
// order. Stages iterating over both axes yield per-cell nodes, single-axis
// stages yield per-row or per-column nodes, and stages with no axes yield
// the single grid node.
func (p *Plan) Nodes() []grid.Node {
	row := hasAxis(p.Axes, grid.AxisRow)
	col := hasAxis(p.Axes, grid.AxisColumn)
	switch {
	case row && col:
		var out []grid.Node
		if p.HasDependent && p.Dependent == grid.AxisRow {
			for _, c := range p.Columns {
				for _, r := range p.RowsByColumn[c] {
					out = append(out, grid.CellNode(r, c))
				}
			}
			return out
		}
		if p.HasDependent && p.Dependent == grid.AxisColumn {
			for _, r := range p.Rows {
				for _, c := range p.ColumnsByRow[r] {
					out = append(out, grid.CellNode(r, c))
				}
			}
			return out
		}
		for _, r := range p.Rows {
			for _, c := range p.Columns {
				out = append(out, grid.CellNode(r, c))
			}
		}
		return out
	case row:
		out := make([]grid.Node, 0, len(p.Rows))
		for _, r := range p.Rows {
			out = append(out, grid.RowNode(r))
		}
		return out
	case col:
		out := make([]grid.Node, 0, len(p.Columns))
		for _, c := range p.Columns {
			out = append(out, grid.ColumnNode(c))
		}
		return out
	}
	return []grid.Node{grid.GridNode()}
}

// Build produces an iteration plan for the cells of toProcess, given the
// axes the stage iterates over and the frequencies of its inputs.
//
// The selection is factorizable when the true cells form a full
// sub-rectangle of the non-empty rows and columns; then both axes iterate
// independently. Otherwise one axis is made dependent on the other. By
// default the axis with more distinct true indices becomes dependent, to
// minimize emitted iterator nodes; column-scoped inputs force the row
// axis to be dependent (so column fetches are not repeated) and
// vice versa. A stage with inputs of both scopes keeps the default choice
// and accepts that items of the counterpart scope may be fetched more
// than once; this is logged.
func Build(ctx context.Context, toProcess *grid.Grid, axes []grid.Axis, inputFreqs []grid.Frequency) *Plan {
	logger := ctxlog.FromContext(ctx)
	p := &Plan{Axes: append([]grid.Axis(nil), axes...)}
	row := hasAxis(axes, grid.AxisRow)
	col := hasAxis(axes, grid.AxisColumn)

	nonEmptyRows := toProcess.NonEmptyRows()
	nonEmptyCols := toProcess.NonEmptyColumns()

	if !(row && col) {
		if row {
			p.Rows = nonEmptyRows
		}
		if col {
			p.Columns = nonEmptyCols
		}
		return p
	}

	if factorizable(toProcess, nonEmptyRows) {
		p.Rows = nonEmptyRows
		p.Columns = nonEmptyCols
		return p
	}

	// Default: the axis with the larger count of distinct true indices
	// becomes the dependent one.
	dependent := grid.AxisColumn
	if len(nonEmptyRows) > len(nonEmptyCols) {
		dependent = grid.AxisRow
	}

	hasRowInputs := containsFreq(inputFreqs, grid.PerRow)
	hasColInputs := containsFreq(inputFreqs, grid.PerColumn)
	switch {
	case hasColInputs && hasRowInputs:
		counterpart := grid.PerRow
		if dependent == grid.AxisRow {
			counterpart = grid.PerColumn
		}
		logger.Warn("Cells to process cannot be factorized into independent row and column iterators and the stage has both row- and column-scoped inputs; some inputs may be fetched more than once.",
			"dependent", dependent.String(), "duplicated_scope", counterpart.String())
	case hasColInputs:
		dependent = grid.AxisRow
	case hasRowInputs:
		dependent = grid.AxisColumn
	}

	p.Dependent = dependent
	p.HasDependent = true
	if dependent == grid.AxisRow {
		p.Columns = nonEmptyCols
		p.RowsByColumn = make(map[grid.ColumnID][]grid.RowID, len(nonEmptyCols))
		for _, c := range nonEmptyCols {
			p.RowsByColumn[c] = toProcess.TrueRowsInColumn(c)
		}
	} else {
		p.Rows = nonEmptyRows
		p.ColumnsByRow = make(map[grid.RowID][]grid.ColumnID, len(nonEmptyRows))
		for _, r := range nonEmptyRows {
			p.ColumnsByRow[r] = toProcess.TrueColumnsInRow(r)
		}
	}
	return p
}

// factorizable reports whether every non-empty row of the grid selects
// the same columns.
func factorizable(g *grid.Grid, nonEmptyRows []grid.RowID) bool {
	if len(nonEmptyRows) == 0 {
		return true
	}
	ref := g.TrueColumnsInRow(nonEmptyRows[0])
	for _, r := range nonEmptyRows[1:] {
		cols := g.TrueColumnsInRow(r)
		if len(cols) != len(ref) {
			return false
		}
		for i := range cols {
			if cols[i] != ref[i] {
				return false
			}
		}
	}
	return true
}

func containsFreq(fs []grid.Frequency, f grid.Frequency) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}
