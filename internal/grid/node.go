package grid

import "fmt"

// Node addresses the scope a data item or provenance record is attached
// to. Which identifier fields are meaningful depends on Freq: PerCell uses
// both, PerRow only Row, PerColumn only Column, and PerGrid neither.
type Node struct {
	Freq   Frequency
	Row    RowID
	Column ColumnID
}

// CellNode returns the node for a single cell.
func CellNode(r RowID, c ColumnID) Node {
	return Node{Freq: PerCell, Row: r, Column: c}
}

// RowNode returns the node covering a whole row.
func RowNode(r RowID) Node {
	return Node{Freq: PerRow, Row: r}
}

// ColumnNode returns the node covering a whole column.
func ColumnNode(c ColumnID) Node {
	return Node{Freq: PerColumn, Column: c}
}

// GridNode returns the node covering the whole grid.
func GridNode() Node {
	return Node{Freq: PerGrid}
}

// String renders the node for diagnostics, e.g. "cell(S1,V2)" or
// "row(S1)".
func (n Node) String() string {
	switch n.Freq {
	case PerCell:
		return fmt.Sprintf("cell(%s,%s)", n.Row, n.Column)
	case PerRow:
		return fmt.Sprintf("row(%s)", n.Row)
	case PerColumn:
		return fmt.Sprintf("column(%s)", n.Column)
	}
	return "grid"
}

// Nodes enumerates the concrete nodes of the given frequency over the
// supplied axes: one per cell, one per row, one per column, or a single
// grid node.
func Nodes(freq Frequency, rows []RowID, cols []ColumnID) []Node {
	switch freq {
	case PerCell:
		out := make([]Node, 0, len(rows)*len(cols))
		for _, r := range rows {
			for _, c := range cols {
				out = append(out, CellNode(r, c))
			}
		}
		return out
	case PerRow:
		out := make([]Node, 0, len(rows))
		for _, r := range rows {
			out = append(out, RowNode(r))
		}
		return out
	case PerColumn:
		out := make([]Node, 0, len(cols))
		for _, c := range cols {
			out = append(out, ColumnNode(c))
		}
		return out
	}
	return []Node{GridNode()}
}
