package grid

import (
	"fmt"
	"sort"
	"strings"
)

// RowID identifies a row of the processing grid (e.g. a subject).
type RowID string

// ColumnID identifies a column of the processing grid (e.g. a visit).
type ColumnID string

// Cell is one (row, column) addressable unit of the grid.
type Cell struct {
	Row    RowID
	Column ColumnID
}

// String returns the cell as "(row,column)".
func (c Cell) String() string {
	return fmt.Sprintf("(%s,%s)", c.Row, c.Column)
}

// Grid is a fixed-size boolean matrix addressed by row and column
// identifiers through bidirectional index maps. Dimensions are set at
// construction and never change within one scheduling run. The zero value
// is not usable; construct grids with New, Full or Clone.
//
// Binary operations require both operands to share the same axes and panic
// otherwise, since mixing grids from different runs is a programming error.
type Grid struct {
	rows   []RowID
	cols   []ColumnID
	rowIdx map[RowID]int
	colIdx map[ColumnID]int
	cells  []bool // row-major, len(rows)*len(cols)
}

// New creates an all-false grid over the given axes.
func New(rows []RowID, cols []ColumnID) *Grid {
	g := &Grid{
		rows:   append([]RowID(nil), rows...),
		cols:   append([]ColumnID(nil), cols...),
		rowIdx: make(map[RowID]int, len(rows)),
		colIdx: make(map[ColumnID]int, len(cols)),
		cells:  make([]bool, len(rows)*len(cols)),
	}
	for i, r := range g.rows {
		g.rowIdx[r] = i
	}
	for j, c := range g.cols {
		g.colIdx[c] = j
	}
	return g
}

// Full creates a grid over the given axes with every cell set to value.
func Full(rows []RowID, cols []ColumnID, value bool) *Grid {
	g := New(rows, cols)
	if value {
		for i := range g.cells {
			g.cells[i] = true
		}
	}
	return g
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	cp := New(g.rows, g.cols)
	copy(cp.cells, g.cells)
	return cp
}

// Rows returns the row identifiers in index order.
func (g *Grid) Rows() []RowID {
	return append([]RowID(nil), g.rows...)
}

// Columns returns the column identifiers in index order.
func (g *Grid) Columns() []ColumnID {
	return append([]ColumnID(nil), g.cols...)
}

// Dims returns the number of rows and columns.
func (g *Grid) Dims() (int, int) {
	return len(g.rows), len(g.cols)
}

// HasRow reports whether the grid knows the given row identifier.
func (g *Grid) HasRow(r RowID) bool {
	_, ok := g.rowIdx[r]
	return ok
}

// HasColumn reports whether the grid knows the given column identifier.
func (g *Grid) HasColumn(c ColumnID) bool {
	_, ok := g.colIdx[c]
	return ok
}

func (g *Grid) at(i, j int) bool {
	return g.cells[i*len(g.cols)+j]
}

func (g *Grid) set(i, j int, v bool) {
	g.cells[i*len(g.cols)+j] = v
}

// Get returns the value of the cell addressed by the given identifiers.
// Unknown identifiers return an error.
func (g *Grid) Get(r RowID, c ColumnID) (bool, error) {
	i, ok := g.rowIdx[r]
	if !ok {
		return false, fmt.Errorf("unknown row %q", r)
	}
	j, ok := g.colIdx[c]
	if !ok {
		return false, fmt.Errorf("unknown column %q", c)
	}
	return g.at(i, j), nil
}

// Set assigns the cell addressed by the given identifiers. Unknown
// identifiers return an error.
func (g *Grid) Set(r RowID, c ColumnID, v bool) error {
	i, ok := g.rowIdx[r]
	if !ok {
		return fmt.Errorf("unknown row %q", r)
	}
	j, ok := g.colIdx[c]
	if !ok {
		return fmt.Errorf("unknown column %q", c)
	}
	g.set(i, j, v)
	return nil
}

// SetRow sets every cell of the given row.
func (g *Grid) SetRow(r RowID, v bool) error {
	i, ok := g.rowIdx[r]
	if !ok {
		return fmt.Errorf("unknown row %q", r)
	}
	for j := range g.cols {
		g.set(i, j, v)
	}
	return nil
}

// SetColumn sets every cell of the given column.
func (g *Grid) SetColumn(c ColumnID, v bool) error {
	j, ok := g.colIdx[c]
	if !ok {
		return fmt.Errorf("unknown column %q", c)
	}
	for i := range g.rows {
		g.set(i, j, v)
	}
	return nil
}

// SetAll sets every cell of the grid.
func (g *Grid) SetAll(v bool) {
	for i := range g.cells {
		g.cells[i] = v
	}
}

// MarkNode sets the cell that stands in for the given node. Low-frequency
// nodes mark the first cell of their row, column, or of the whole grid;
// dilation expands the mark afterwards. This mirrors how per-row and
// per-column items are tracked before the selection is dilated.
func (g *Grid) MarkNode(n Node) error {
	if len(g.rows) == 0 || len(g.cols) == 0 {
		return fmt.Errorf("cannot mark node on empty grid")
	}
	i, j := 0, 0
	if n.Freq == PerCell || n.Freq == PerRow {
		var ok bool
		if i, ok = g.rowIdx[n.Row]; !ok {
			return fmt.Errorf("unknown row %q", n.Row)
		}
	}
	if n.Freq == PerCell || n.Freq == PerColumn {
		var ok bool
		if j, ok = g.colIdx[n.Column]; !ok {
			return fmt.Errorf("unknown column %q", n.Column)
		}
	}
	g.set(i, j, true)
	return nil
}

// Any reports whether any cell is true.
func (g *Grid) Any() bool {
	for _, v := range g.cells {
		if v {
			return true
		}
	}
	return false
}

// All reports whether every cell is true. An empty grid is trivially all
// true.
func (g *Grid) All() bool {
	for _, v := range g.cells {
		if !v {
			return false
		}
	}
	return true
}

// AnyInRow reports whether any cell of the given row is true.
func (g *Grid) AnyInRow(r RowID) bool {
	i, ok := g.rowIdx[r]
	if !ok {
		return false
	}
	for j := range g.cols {
		if g.at(i, j) {
			return true
		}
	}
	return false
}

// AnyInColumn reports whether any cell of the given column is true.
func (g *Grid) AnyInColumn(c ColumnID) bool {
	j, ok := g.colIdx[c]
	if !ok {
		return false
	}
	for i := range g.rows {
		if g.at(i, j) {
			return true
		}
	}
	return false
}

// Count returns the number of true cells.
func (g *Grid) Count() int {
	n := 0
	for _, v := range g.cells {
		if v {
			n++
		}
	}
	return n
}

func (g *Grid) sameAxes(o *Grid) bool {
	if len(g.rows) != len(o.rows) || len(g.cols) != len(o.cols) {
		return false
	}
	for i, r := range g.rows {
		if o.rows[i] != r {
			return false
		}
	}
	for j, c := range g.cols {
		if o.cols[j] != c {
			return false
		}
	}
	return true
}

func (g *Grid) mustMatch(o *Grid, op string) {
	if !g.sameAxes(o) {
		panic(fmt.Sprintf("grid: %s on grids with different axes", op))
	}
}

// Or returns the element-wise disjunction of the two grids.
func (g *Grid) Or(o *Grid) *Grid {
	g.mustMatch(o, "Or")
	out := g.Clone()
	for i, v := range o.cells {
		out.cells[i] = out.cells[i] || v
	}
	return out
}

// And returns the element-wise conjunction of the two grids.
func (g *Grid) And(o *Grid) *Grid {
	g.mustMatch(o, "And")
	out := g.Clone()
	for i, v := range o.cells {
		out.cells[i] = out.cells[i] && v
	}
	return out
}

// AndNot returns the cells true in g and false in o.
func (g *Grid) AndNot(o *Grid) *Grid {
	g.mustMatch(o, "AndNot")
	out := g.Clone()
	for i, v := range o.cells {
		out.cells[i] = out.cells[i] && !v
	}
	return out
}

// Equal reports whether both grids share axes and contents.
func (g *Grid) Equal(o *Grid) bool {
	if !g.sameAxes(o) {
		return false
	}
	for i, v := range g.cells {
		if o.cells[i] != v {
			return false
		}
	}
	return true
}

// TrueCells enumerates the true cells in row-major order. The ordering is
// deterministic so scheduling decisions never depend on map iteration.
func (g *Grid) TrueCells() []Cell {
	var out []Cell
	for i, r := range g.rows {
		for j, c := range g.cols {
			if g.at(i, j) {
				out = append(out, Cell{Row: r, Column: c})
			}
		}
	}
	return out
}

// NonEmptyRows returns the rows that have at least one true cell.
func (g *Grid) NonEmptyRows() []RowID {
	var out []RowID
	for i, r := range g.rows {
		for j := range g.cols {
			if g.at(i, j) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// NonEmptyColumns returns the columns that have at least one true cell.
func (g *Grid) NonEmptyColumns() []ColumnID {
	var out []ColumnID
	for j, c := range g.cols {
		for i := range g.rows {
			if g.at(i, j) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// TrueColumnsInRow returns the columns whose cell in the given row is true.
func (g *Grid) TrueColumnsInRow(r RowID) []ColumnID {
	i, ok := g.rowIdx[r]
	if !ok {
		return nil
	}
	var out []ColumnID
	for j, c := range g.cols {
		if g.at(i, j) {
			out = append(out, c)
		}
	}
	return out
}

// TrueRowsInColumn returns the rows whose cell in the given column is true.
func (g *Grid) TrueRowsInColumn(c ColumnID) []RowID {
	j, ok := g.colIdx[c]
	if !ok {
		return nil
	}
	var out []RowID
	for i, r := range g.rows {
		if g.at(i, j) {
			out = append(out, r)
		}
	}
	return out
}

// String renders the true cells of the grid for diagnostics.
func (g *Grid) String() string {
	cells := g.TrueCells()
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = c.String()
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ", ") + "}"
}

// Dilate expands the selection so that every cell required by the given
// output frequencies is included: PerGrid sets all cells, PerRow completes
// every row with a true cell, PerColumn completes every column with a true
// cell. The selection is returned unchanged when the frequency set is
// exactly {PerCell}, or when it is already all true or all false. Dilation
// is idempotent.
func (g *Grid) Dilate(freqs ...Frequency) *Grid {
	onlyPerCell := true
	for _, f := range freqs {
		if f != PerCell {
			onlyPerCell = false
			break
		}
	}
	if onlyPerCell || g.All() || !g.Any() {
		return g.Clone()
	}
	out := g.Clone()
	switch {
	case containsFreq(freqs, PerGrid):
		out.SetAll(true)
	case containsFreq(freqs, PerRow):
		for _, r := range g.NonEmptyRows() {
			_ = out.SetRow(r, true)
		}
	case containsFreq(freqs, PerColumn):
		for _, c := range g.NonEmptyColumns() {
			_ = out.SetColumn(c, true)
		}
	}
	return out
}
