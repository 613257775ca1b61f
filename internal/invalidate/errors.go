package invalidate

import (
	"fmt"
	"strings"

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
	"github.com/vk/stagegridgo/internal/repo"
)

// UsageError reports caller-supplied conditions under which no safe
// processing decision can be made: filters that select nothing, or a
// stage with low-frequency outputs over an incomplete grid. Surfaced
// immediately, never retried.
type UsageError struct {
	Msg string
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	return "usage error: " + e.Msg
}

// ProvenanceMismatchError reports that the record stored for a stage at a
// node disagrees with the expected record on an included, non-excluded
// path, and reprocessing is disabled. Fatal.
type ProvenanceMismatchError struct {
	Stage      string
	Node       grid.Node
	Mismatches []provenance.Mismatch
}

// Error implements the error interface.
func (e *ProvenanceMismatchError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = m.String()
	}
	return fmt.Sprintf(
		"provenance recorded for stage %q at %s does not match the requested configuration (enable reprocessing to overwrite): %s",
		e.Stage, e.Node, strings.Join(parts, "; "))
}

// Conflict describes one cell that holds both protected items and missing
// required items.
type Conflict struct {
	Cell      grid.Cell
	Protected []repo.Item
	Missing   []repo.Item
}

func (c Conflict) String() string {
	prot := make([]string, len(c.Protected))
	for i, it := range c.Protected {
		prot[i] = it.String()
	}
	miss := make([]string, len(c.Missing))
	for i, it := range c.Missing {
		miss[i] = it.String()
	}
	return fmt.Sprintf("%s: protected=[%s], missing=[%s]",
		c.Cell, strings.Join(prot, ", "), strings.Join(miss, ", "))
}

// ProtectedOutputConflictError reports cells where externally modified
// data collides with data that must be (re)produced. It is fatal and
// requires manual intervention: delete the protected items or supply the
// missing ones.
type ProtectedOutputConflictError struct {
	Stage     string
	Conflicts []Conflict
}

// Error implements the error interface.
func (e *ProtectedOutputConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return fmt.Sprintf(
		"cannot process stage %q: cells hold both protected outputs (modified externally) and missing required outputs; delete the protected items or supply the missing ones: %s",
		e.Stage, strings.Join(parts, "; "))
}
