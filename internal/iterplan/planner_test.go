package iterplan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegridgo/internal/grid"
)

var (
	rows     = []grid.RowID{"A", "B", "C"}
	cols     = []grid.ColumnID{"1", "2"}
	bothAxes = []grid.Axis{grid.AxisRow, grid.AxisColumn}
)

func mark(t *testing.T, g *grid.Grid, cells ...grid.Cell) {
	t.Helper()
	for _, c := range cells {
		require.NoError(t, g.Set(c.Row, c.Column, true))
	}
}

func TestRectangleFactorizes(t *testing.T) {
	g := grid.New(rows, cols)
	mark(t, g,
		grid.Cell{Row: "A", Column: "1"}, grid.Cell{Row: "A", Column: "2"},
		grid.Cell{Row: "B", Column: "1"}, grid.Cell{Row: "B", Column: "2"},
	)

	p := Build(context.Background(), g, bothAxes, []grid.Frequency{grid.PerCell})
	assert.False(t, p.HasDependent)
	assert.Equal(t, []grid.RowID{"A", "B"}, p.Rows)
	assert.Equal(t, []grid.ColumnID{"1", "2"}, p.Columns)
	assert.Len(t, p.Nodes(), 4)
}

func TestNonRectangleMakesAxisDependent(t *testing.T) {
	// Row A needs column 1 only; row B needs both columns.
	g := grid.New(rows, cols)
	mark(t, g,
		grid.Cell{Row: "A", Column: "1"},
		grid.Cell{Row: "B", Column: "1"}, grid.Cell{Row: "B", Column: "2"},
	)

	p := Build(context.Background(), g, bothAxes, []grid.Frequency{grid.PerCell})
	require.True(t, p.HasDependent)
	// Two non-empty rows vs two non-empty columns: tie keeps column
	// dependent.
	assert.Equal(t, grid.AxisColumn, p.Dependent)
	assert.Equal(t, []grid.RowID{"A", "B"}, p.Rows)
	assert.Equal(t, []grid.ColumnID{"1"}, p.ColumnsByRow["A"])
	assert.Equal(t, []grid.ColumnID{"1", "2"}, p.ColumnsByRow["B"])
	assert.ElementsMatch(t, []grid.Node{
		grid.CellNode("A", "1"),
		grid.CellNode("B", "1"),
		grid.CellNode("B", "2"),
	}, p.Nodes())
}

func TestLargerAxisBecomesDependent(t *testing.T) {
	// Three non-empty rows, two non-empty columns, not factorizable.
	g := grid.New(rows, cols)
	mark(t, g,
		grid.Cell{Row: "A", Column: "1"},
		grid.Cell{Row: "B", Column: "2"},
		grid.Cell{Row: "C", Column: "1"},
	)

	p := Build(context.Background(), g, bothAxes, []grid.Frequency{grid.PerCell})
	require.True(t, p.HasDependent)
	assert.Equal(t, grid.AxisRow, p.Dependent)
	assert.Equal(t, []grid.ColumnID{"1", "2"}, p.Columns)
	assert.Equal(t, []grid.RowID{"A", "C"}, p.RowsByColumn["1"])
	assert.Equal(t, []grid.RowID{"B"}, p.RowsByColumn["2"])
}

func TestColumnScopedInputsForceRowDependent(t *testing.T) {
	g := grid.New(rows, cols)
	mark(t, g,
		grid.Cell{Row: "A", Column: "1"},
		grid.Cell{Row: "B", Column: "1"}, grid.Cell{Row: "B", Column: "2"},
	)

	p := Build(context.Background(), g, bothAxes, []grid.Frequency{grid.PerCell, grid.PerColumn})
	require.True(t, p.HasDependent)
	assert.Equal(t, grid.AxisRow, p.Dependent)

	// Symmetric: row-scoped inputs force the column axis dependent.
	p = Build(context.Background(), g, bothAxes, []grid.Frequency{grid.PerCell, grid.PerRow})
	require.True(t, p.HasDependent)
	assert.Equal(t, grid.AxisColumn, p.Dependent)
}

func TestBothScopesKeepDefaultChoice(t *testing.T) {
	g := grid.New(rows, cols)
	mark(t, g,
		grid.Cell{Row: "A", Column: "1"},
		grid.Cell{Row: "B", Column: "2"},
		grid.Cell{Row: "C", Column: "1"},
	)

	p := Build(context.Background(), g, bothAxes, []grid.Frequency{grid.PerRow, grid.PerColumn})
	require.True(t, p.HasDependent)
	// More rows than columns, so the default (row dependent) stands even
	// though row-scoped inputs alone would have preferred column.
	assert.Equal(t, grid.AxisRow, p.Dependent)
}

func TestSingleAxisPlans(t *testing.T) {
	g := grid.New(rows, cols)
	mark(t, g, grid.Cell{Row: "B", Column: "1"}, grid.Cell{Row: "B", Column: "2"})

	p := Build(context.Background(), g, []grid.Axis{grid.AxisRow}, []grid.Frequency{grid.PerRow})
	assert.False(t, p.HasDependent)
	assert.Equal(t, []grid.RowID{"B"}, p.Rows)
	assert.Equal(t, []grid.Node{grid.RowNode("B")}, p.Nodes())

	p = Build(context.Background(), g, []grid.Axis{grid.AxisColumn}, []grid.Frequency{grid.PerColumn})
	assert.Equal(t, []grid.ColumnID{"1", "2"}, p.Columns)
	assert.Equal(t, []grid.Node{grid.ColumnNode("1"), grid.ColumnNode("2")}, p.Nodes())
}

func TestNoAxesYieldsGridNode(t *testing.T) {
	g := grid.New(rows, cols)
	mark(t, g, grid.Cell{Row: "A", Column: "1"})

	p := Build(context.Background(), g, nil, []grid.Frequency{grid.PerGrid})
	assert.Equal(t, []grid.Node{grid.GridNode()}, p.Nodes())
}
