package grid

import "fmt"

// Frequency is the scope at which a pipeline input or output is produced:
// once per grid cell, once per row, once per column, or once for the whole
// grid.
type Frequency int

const (
	PerCell Frequency = iota
	PerRow
	PerColumn
	PerGrid
)

// String returns the canonical lowercase name of the frequency.
func (f Frequency) String() string {
	switch f {
	case PerCell:
		return "per_cell"
	case PerRow:
		return "per_row"
	case PerColumn:
		return "per_column"
	case PerGrid:
		return "per_grid"
	}
	return fmt.Sprintf("Frequency(%d)", int(f))
}

// ParseFrequency converts a canonical frequency name back into a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch s {
	case "per_cell":
		return PerCell, nil
	case "per_row":
		return PerRow, nil
	case "per_column":
		return PerColumn, nil
	case "per_grid":
		return PerGrid, nil
	}
	return 0, fmt.Errorf("unknown frequency %q", s)
}

// Axis names one of the two iteration axes of the grid.
type Axis int

const (
	AxisRow Axis = iota
	AxisColumn
)

// String returns the axis name.
func (a Axis) String() string {
	if a == AxisRow {
		return "row"
	}
	return "column"
}

// Axes returns the iteration axes a value of this frequency varies over.
func (f Frequency) Axes() []Axis {
	switch f {
	case PerCell:
		return []Axis{AxisRow, AxisColumn}
	case PerRow:
		return []Axis{AxisRow}
	case PerColumn:
		return []Axis{AxisColumn}
	}
	return nil
}

// containsFreq reports whether fs contains f.
func containsFreq(fs []Frequency, f Frequency) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}
