// Package invalidate computes, for each stage, the subset of the grid
// that must be (re)processed. The decision combines existence checks,
// checksum comparison against recorded checksums, provenance comparison
// against the stage's expected record, and propagation from upstream
// stages, and it refuses unsafe overwrites instead of silently picking a
// side.
package invalidate

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
	"github.com/vk/stagegridgo/internal/repo"
	"github.com/vk/stagegridgo/internal/stage"
	"github.com/vk/stagegridgo/internal/tree"
)

// Default provenance path sets. Callers that want stricter or looser cache
// validity override these through Options.
var (
	DefaultProvInclude = []string{"pipeline", "parameters", "inputs", "outputs"}
	DefaultProvExclude = []string{"pipeline/nodes/.*/pkg_version"}
)

// Options configures an Engine.
type Options struct {
	// Reprocess downgrades provenance mismatches from fatal errors to
	// informational log entries plus a to-process mark.
	Reprocess bool

	// ProvInclude and ProvExclude select the record subtrees that
	// participate in cache validity comparison. Nil selects the package
	// defaults; exclusion overrides inclusion.
	ProvInclude []string
	ProvExclude []string
}

// Engine decides which cells need (re)processing for one scheduling run.
type Engine struct {
	repo      repo.Repository
	tree      tree.Provider
	reprocess bool
	include   provenance.PathSet
	exclude   provenance.PathSet
}

// New builds an engine, compiling the provenance path sets.
func New(rep repo.Repository, tp tree.Provider, opts Options) (*Engine, error) {
	inc := opts.ProvInclude
	if inc == nil {
		inc = DefaultProvInclude
	}
	exc := opts.ProvExclude
	if exc == nil {
		exc = DefaultProvExclude
	}
	include, err := provenance.CompilePaths(inc)
	if err != nil {
		return nil, err
	}
	exclude, err := provenance.CompilePaths(exc)
	if err != nil {
		return nil, err
	}
	return &Engine{
		repo:      rep,
		tree:      tp,
		reprocess: opts.Reprocess,
		include:   include,
		exclude:   exclude,
	}, nil
}

// ComputeToProcess returns the cells of the grid that stage st must be run
// for. required lists the outputs demanded by downstream stages (nil =
// all). upstream holds the cells that prerequisite stages will
// (re)process; filter restricts the run to permitted cells; force marks
// every required, unprotected cell regardless of provenance.
//
// An entirely empty result grid with a nil error means there is nothing
// to run for this stage.
func (e *Engine) ComputeToProcess(ctx context.Context, st *stage.Stage, required []string, upstream, filter *grid.Grid, force bool) (*grid.Grid, error) {
	logger := ctxlog.FromContext(ctx)
	rows := filter.Rows()
	cols := filter.Columns()

	outputFreqs := st.OutputFrequencies(nil)
	if err := e.checkComplete(ctx, st); err != nil {
		return nil, err
	}

	toProcess := grid.New(rows, cols)
	toProtect := grid.New(rows, cols)
	toCheck := make(map[grid.Frequency]*grid.Grid)
	protectedItems := make(map[grid.Cell][]repo.Item)

	// Scan every concrete item of every output. Low-frequency items mark
	// the first cell of their scope; dilation expands the marks later.
	// To-check marks are kept per frequency so that a mark made for one
	// output never triggers a record read at another output's scope.
	for _, out := range st.Outputs() {
		req := isRequired(required, out.Name)
		checks := toCheck[out.Freq]
		if checks == nil {
			checks = grid.New(rows, cols)
			toCheck[out.Freq] = checks
		}
		for _, node := range grid.Nodes(out.Freq, rows, cols) {
			item := repo.Item{Stage: st.Name(), Output: out.Name, Node: node}
			exists, err := e.repo.Exists(ctx, item)
			if err != nil {
				return nil, fmt.Errorf("checking %s: %w", item, err)
			}
			switch {
			case !exists:
				if req {
					if err := toProcess.MarkNode(node); err != nil {
						return nil, err
					}
				}
			default:
				current, err := e.repo.Checksum(ctx, item)
				if err != nil {
					return nil, fmt.Errorf("checksum of %s: %w", item, err)
				}
				recorded, err := e.repo.RecordedChecksum(ctx, item)
				if err != nil {
					return nil, fmt.Errorf("recorded checksum of %s: %w", item, err)
				}
				switch {
				case current != recorded:
					// Assume the item was manually corrected outside the
					// scheduler; never overwrite it silently.
					logger.Warn("Checksum does not match the recorded value, protecting item from overwrite.",
						"item", item.String(), "checksum", current, "recorded", recorded)
					if err := toProtect.MarkNode(node); err != nil {
						return nil, err
					}
					cell := representativeCell(node, rows, cols)
					protectedItems[cell] = append(protectedItems[cell], item)
				case force && req:
					if err := toProcess.MarkNode(node); err != nil {
						return nil, err
					}
				default:
					if err := checks.MarkNode(node); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	// Only touch permitted cells.
	toProcess = toProcess.And(filter)
	anyCheck := false
	for f, g := range toCheck {
		g = g.And(filter)
		toCheck[f] = g
		if g.Any() {
			anyCheck = true
		}
	}

	if anyCheck && !e.include.Empty() {
		var err error
		toProcess, err = e.checkProvenance(ctx, st, toCheck, toProcess)
		if err != nil {
			return nil, err
		}
	}

	toProcess = toProcess.Dilate(outputFreqs...)

	if conflicting := toProcess.And(toProtect); conflicting.Any() {
		return nil, e.conflictError(ctx, st, required, conflicting, protectedItems)
	}

	// Merge in upstream cells that are not explicitly protected, then
	// re-dilate since the merge may have broken row/column completeness.
	toProcess = toProcess.Or(upstream.And(filter).AndNot(toProtect))
	toProcess = toProcess.Dilate(outputFreqs...)
	return toProcess, nil
}

// checkComplete fails fast when the stage has low-frequency outputs but
// the underlying tree is incomplete: such outputs need data for every
// row/column pair.
func (e *Engine) checkComplete(ctx context.Context, st *stage.Stage) error {
	low := false
	var lowNames []string
	for _, out := range st.Outputs() {
		if out.Freq != grid.PerCell {
			low = true
			lowNames = append(lowNames, out.Name)
		}
	}
	if !low {
		return nil
	}
	incRows, err := e.tree.IncompleteRows(ctx)
	if err != nil {
		return fmt.Errorf("reading incomplete rows: %w", err)
	}
	incCols, err := e.tree.IncompleteColumns(ctx)
	if err != nil {
		return fmt.Errorf("reading incomplete columns: %w", err)
	}
	if len(incRows) != 0 || len(incCols) != 0 {
		return &UsageError{Msg: fmt.Sprintf(
			"cannot process stage %q: it has low-frequency outputs %q but rows %v / columns %v are missing data; restrict the row and column IDs to a complete rectangle",
			st.Name(), lowNames, incRows, incCols)}
	}
	return nil
}

// checkProvenance compares stored records against expected ones for every
// node marked to-check, each frequency expanded from its own marks only.
func (e *Engine) checkProvenance(ctx context.Context, st *stage.Stage, toCheck map[grid.Frequency]*grid.Grid, toProcess *grid.Grid) (*grid.Grid, error) {
	logger := ctxlog.FromContext(ctx)
	out := toProcess.Clone()
	for _, node := range checkNodes(toCheck) {
		stored, err := e.repo.ReadRecord(ctx, node, st.Name())
		var mismatches []provenance.Mismatch
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// Outputs exist but no record was saved with them; treat as a
			// full mismatch so the reprocess policy decides.
			mismatches = []provenance.Mismatch{{Path: "/", Expected: "provenance record", Actual: "missing"}}
		case err != nil:
			return nil, fmt.Errorf("reading record for stage %q at %s: %w", st.Name(), node, err)
		default:
			expected := st.ExpectedRecord(node)
			mismatches = stored.Mismatches(expected, e.include, e.exclude)
		}
		if len(mismatches) == 0 {
			continue // cache hit
		}
		if !e.reprocess {
			return nil, &ProvenanceMismatchError{Stage: st.Name(), Node: node, Mismatches: mismatches}
		}
		logger.Info("Reprocessing due to mismatching provenance.",
			"stage", st.Name(), "node", node.String(), "mismatches", len(mismatches))
		for _, m := range mismatches {
			logger.Debug("Provenance mismatch.", "stage", st.Name(), "node", node.String(), "diff", m.String())
		}
		if err := out.MarkNode(node); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// checkNodes expands the per-frequency to-check grids into concrete
// nodes. Low-frequency marks always land in the first cell of their
// scope, so any-in-row/column is the right test.
func checkNodes(toCheck map[grid.Frequency]*grid.Grid) []grid.Node {
	var nodes []grid.Node
	for _, f := range []grid.Frequency{grid.PerCell, grid.PerRow, grid.PerColumn, grid.PerGrid} {
		g := toCheck[f]
		if g == nil || !g.Any() {
			continue
		}
		switch f {
		case grid.PerCell:
			for _, c := range g.TrueCells() {
				nodes = append(nodes, grid.CellNode(c.Row, c.Column))
			}
		case grid.PerRow:
			for _, r := range g.NonEmptyRows() {
				nodes = append(nodes, grid.RowNode(r))
			}
		case grid.PerColumn:
			for _, c := range g.NonEmptyColumns() {
				nodes = append(nodes, grid.ColumnNode(c))
			}
		case grid.PerGrid:
			nodes = append(nodes, grid.GridNode())
		}
	}
	return nodes
}

func (e *Engine) conflictError(ctx context.Context, st *stage.Stage, required []string, conflicting *grid.Grid, protectedItems map[grid.Cell][]repo.Item) error {
	var conflicts []Conflict
	for _, cell := range conflicting.TrueCells() {
		c := Conflict{Cell: cell, Protected: protectedItems[cell]}
		for _, out := range st.Outputs() {
			if !isRequired(required, out.Name) {
				continue
			}
			item := repo.Item{Stage: st.Name(), Output: out.Name, Node: nodeForCell(out.Freq, cell)}
			exists, err := e.repo.Exists(ctx, item)
			if err != nil {
				return fmt.Errorf("checking %s: %w", item, err)
			}
			if !exists {
				c.Missing = append(c.Missing, item)
			}
		}
		conflicts = append(conflicts, c)
	}
	return &ProtectedOutputConflictError{Stage: st.Name(), Conflicts: conflicts}
}

// representativeCell maps a node back to the cell used to track it in the
// boolean grids before dilation.
func representativeCell(n grid.Node, rows []grid.RowID, cols []grid.ColumnID) grid.Cell {
	c := grid.Cell{}
	if len(rows) != 0 {
		c.Row = rows[0]
	}
	if len(cols) != 0 {
		c.Column = cols[0]
	}
	if n.Freq == grid.PerCell || n.Freq == grid.PerRow {
		c.Row = n.Row
	}
	if n.Freq == grid.PerCell || n.Freq == grid.PerColumn {
		c.Column = n.Column
	}
	return c
}

// nodeForCell returns the node of the given frequency that covers a cell.
func nodeForCell(f grid.Frequency, cell grid.Cell) grid.Node {
	switch f {
	case grid.PerCell:
		return grid.CellNode(cell.Row, cell.Column)
	case grid.PerRow:
		return grid.RowNode(cell.Row)
	case grid.PerColumn:
		return grid.ColumnNode(cell.Column)
	}
	return grid.GridNode()
}

func isRequired(required []string, name string) bool {
	if required == nil {
		return true
	}
	for _, n := range required {
		if n == name {
			return true
		}
	}
	return false
}
