// Package scheduler ties the scheduling pipeline together: it resolves the
// requested stages into an ordered requirement stack, invalidates each
// entry against the repository, plans iteration over the cells that need
// work, and hands the planned nodes to the workflow engine. Scheduling is
// single-threaded and deterministic; only the hand-off target may execute
// cells in parallel.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/invalidate"
	"github.com/vk/stagegridgo/internal/iterplan"
	"github.com/vk/stagegridgo/internal/repo"
	"github.com/vk/stagegridgo/internal/stack"
	"github.com/vk/stagegridgo/internal/stage"
	"github.com/vk/stagegridgo/internal/tree"
	"github.com/vk/stagegridgo/internal/workflow"
)

// maxRunNameLen caps the combined run name derived from the requested
// stage names.
const maxRunNameLen = 100

// State is the scheduling state a stack entry ended the run in.
type State int

const (
	// StatePending means the entry was never reached (an earlier entry
	// aborted the run).
	StatePending State = iota

	// StateNoOp means invalidation found nothing to process.
	StateNoOp

	// StatePlanned means an iteration plan was computed but the hand-off
	// did not complete.
	StatePlanned

	// StateHandedOff means the entry's planned nodes were delegated to
	// the workflow engine.
	StateHandedOff
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateNoOp:
		return "no-op"
	case StatePlanned:
		return "planned"
	case StateHandedOff:
		return "handed-off"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a scheduling run.
type Options struct {
	// Force marks every required output of the directly requested stages
	// for reprocessing even when their caches look valid.
	Force bool

	// ForceAll extends Force to every stage in the resolved stack.
	ForceAll bool

	// Reprocess accepts provenance mismatches and reprocesses the
	// affected cells instead of aborting.
	Reprocess bool

	// ProvInclude and ProvExclude override the default provenance
	// comparison path sets.
	ProvInclude []string
	ProvExclude []string
}

// Filter restricts a run to a subset of the grid. All three lists are
// optional; an empty filter selects the full grid. Rows and columns
// select whole lines, cells select individual cells, and the selections
// are unioned.
type Filter struct {
	Rows    []grid.RowID
	Columns []grid.ColumnID
	Cells   []grid.Cell
}

func (f Filter) empty() bool {
	return len(f.Rows) == 0 && len(f.Columns) == 0 && len(f.Cells) == 0
}

// StageResult reports how far one stack entry got during a run.
type StageResult struct {
	Scope string
	Stage string
	State State

	// Nodes is the number of iterator nodes handed to the workflow
	// engine. Zero unless State is StateHandedOff.
	Nodes int
}

// Result summarizes a scheduling run.
type Result struct {
	// Name is the (possibly capped) run name derived from the requested
	// stages.
	Name string

	Stages []StageResult
}

// HandedOff reports how many entries were delegated to the workflow
// engine.
func (r *Result) HandedOff() int {
	var n int
	for _, s := range r.Stages {
		if s.State == StateHandedOff {
			n++
		}
	}
	return n
}

// Scheduler orchestrates scheduling runs over one stage set.
type Scheduler struct {
	set    *stage.Set
	repo   repo.Repository
	tree   *tree.Cached
	engine workflow.Engine
	opts   Options
}

// New builds a scheduler. The tree cache is owned by the caller but is
// invalidated by the scheduler after any run that wrote back results.
func New(set *stage.Set, rep repo.Repository, tr *tree.Cached, eng workflow.Engine, opts Options) *Scheduler {
	return &Scheduler{set: set, repo: rep, tree: tr, engine: eng, opts: opts}
}

// Run schedules the requested stages and their transitive prerequisites
// against the cells selected by the filter. Entries are processed in
// prerequisite-first order; an entry whose prerequisites were reprocessed
// sees their to-process cells as upstream invalidation. The first fatal
// error aborts the run, leaving later entries pending in the result.
func (s *Scheduler) Run(ctx context.Context, requests []stack.Request, filter Filter) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	res := &Result{Name: runName(requests)}
	logger.Info("Starting scheduling run.", "run", res.Name, "requested_stages", len(requests))

	filterGrid, err := s.filterGrid(ctx, filter)
	if err != nil {
		return res, err
	}

	stk, err := stack.Build(ctx, s.set, requests, filterGrid)
	if err != nil {
		return res, err
	}

	inv, err := invalidate.New(s.repo, s.tree, invalidate.Options{
		Reprocess:   s.opts.Reprocess,
		ProvInclude: s.opts.ProvInclude,
		ProvExclude: s.opts.ProvExclude,
	})
	if err != nil {
		return res, err
	}

	requested := make(map[stack.Key]bool, len(requests))
	for _, req := range requests {
		requested[stack.Key{Scope: req.Stage.Scope(), Stage: req.Stage.Name()}] = true
	}

	entries := stk.Ordered()
	res.Stages = make([]StageResult, len(entries))
	for i, e := range entries {
		res.Stages[i] = StageResult{Scope: e.Stage.Scope(), Stage: e.Stage.Name(), State: StatePending}
	}

	// To-process grids of completed entries, consulted as upstream
	// invalidation by their dependents.
	processed := make(map[stack.Key]*grid.Grid, len(entries))

	for i, e := range entries {
		entryLogger := logger.With("stage", e.Stage.Name(), "scope", e.Stage.Scope())

		upstream := grid.New(filterGrid.Rows(), filterGrid.Columns())
		for _, pre := range e.Stage.Prerequisites() {
			if g, ok := processed[stack.Key{Scope: e.Stage.Scope(), Stage: pre.Stage}]; ok {
				upstream = upstream.Or(g)
			}
		}

		force := s.opts.ForceAll || (s.opts.Force && requested[e.Key()])
		toProcess, err := inv.ComputeToProcess(ctx, e.Stage, e.RequiredOutputs, upstream, e.Selection, force)
		if err != nil {
			return res, fmt.Errorf("invalidating stage %q: %w", e.Stage.Name(), err)
		}

		if !toProcess.Any() {
			entryLogger.Info("Stage is up to date, nothing to run.")
			res.Stages[i].State = StateNoOp
			processed[e.Key()] = toProcess
			continue
		}

		plan := iterplan.Build(ctx, toProcess, e.Stage.Axes(), e.Stage.InputFrequencies())
		res.Stages[i].State = StatePlanned

		nodes := plan.Nodes()
		entryLogger.Info("Handing stage off to the workflow engine.", "cells", toProcess.Count(), "nodes", len(nodes))
		if _, err := s.engine.Run(ctx, e.Stage, plan); err != nil {
			return res, err
		}

		res.Stages[i].State = StateHandedOff
		res.Stages[i].Nodes = len(nodes)
		processed[e.Key()] = toProcess
	}

	if res.HandedOff() > 0 {
		s.tree.Invalidate()
		logger.Debug("Invalidated cached tree after write-back.", "run", res.Name)
	}
	logger.Info("Scheduling run finished.", "run", res.Name, "handed_off", res.HandedOff())
	return res, nil
}

// filterGrid turns a Filter into a boolean grid over the tree's current
// rows and columns. Unknown identifiers and filters that select nothing
// are usage errors.
func (s *Scheduler) filterGrid(ctx context.Context, f Filter) (*grid.Grid, error) {
	rows, err := s.tree.Rows(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing rows: %w", err)
	}
	cols, err := s.tree.Columns(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing columns: %w", err)
	}

	if f.empty() {
		return grid.Full(rows, cols, true), nil
	}

	g := grid.New(rows, cols)
	for _, r := range f.Rows {
		if err := g.SetRow(r, true); err != nil {
			return nil, &invalidate.UsageError{Msg: fmt.Sprintf("filter names unknown row %q", r)}
		}
	}
	for _, c := range f.Columns {
		if err := g.SetColumn(c, true); err != nil {
			return nil, &invalidate.UsageError{Msg: fmt.Sprintf("filter names unknown column %q", c)}
		}
	}
	for _, cell := range f.Cells {
		if err := g.Set(cell.Row, cell.Column, true); err != nil {
			return nil, &invalidate.UsageError{Msg: fmt.Sprintf("filter names unknown cell %s", cell)}
		}
	}
	if !g.Any() {
		return nil, &invalidate.UsageError{Msg: "filter selects no cells"}
	}
	return g, nil
}

// runName derives a run name from the requested stage names, capping it
// when the combination grows too long. The cap keeps a digest suffix so
// distinct combinations stay distinguishable in logs.
func runName(requests []stack.Request) string {
	names := make([]string, 0, len(requests))
	for _, req := range requests {
		names = append(names, req.Stage.Name())
	}
	name := strings.Join(names, "_")
	runes := []rune(name)
	if len(runes) <= maxRunNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:4])
	// Truncate on rune boundaries so multibyte stage names survive intact.
	return string(runes[:maxRunNameLen-len(suffix)]) + suffix
}
