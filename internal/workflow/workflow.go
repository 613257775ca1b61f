// Package workflow defines the boundary to the engine that actually
// executes a stage's computation for each planned node. The scheduler
// hands a stage and an iteration plan across this boundary and never
// inspects how the work is performed; it only requires that Run has
// completed (successfully or not) for every node before it returns.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/iterplan"
	"github.com/vk/stagegridgo/internal/repo"
	"github.com/vk/stagegridgo/internal/stage"
)

// errSkipped marks nodes that never ran because an earlier node's
// failure cancelled the run.
var errSkipped = errors.New("skipped after earlier failure")

// Outcome reports the result of executing one node.
type Outcome struct {
	Node grid.Node
	Err  error
}

// Engine executes all planned nodes of a stage and returns their
// per-node outcomes. Implementations may execute nodes in parallel but
// must not return before every node has finished or been skipped.
type Engine interface {
	Run(ctx context.Context, st *stage.Stage, plan *iterplan.Plan) ([]Outcome, error)
}

// LocalEngine runs stage nodes in-process on a bounded worker pool and
// writes the stage's expected provenance record for every node that
// completes successfully.
type LocalEngine struct {
	Workers int
	Repo    repo.Repository
}

// NewLocalEngine returns an engine with the given parallelism. Workers
// below one are clamped to one.
func NewLocalEngine(workers int, rep repo.Repository) *LocalEngine {
	if workers < 1 {
		workers = 1
	}
	return &LocalEngine{Workers: workers, Repo: rep}
}

// Run implements Engine.
func (e *LocalEngine) Run(ctx context.Context, st *stage.Stage, plan *iterplan.Plan) ([]Outcome, error) {
	logger := ctxlog.FromContext(ctx)
	nodes := plan.Nodes()
	if len(nodes) == 0 {
		return nil, nil
	}
	logger.Debug("Starting local execution.", "stage", st.Name(), "nodes", len(nodes), "workers", e.Workers)

	readyChan := make(chan grid.Node, len(nodes))
	for _, n := range nodes {
		readyChan <- n
	}
	close(readyChan)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		outcomes []Outcome
		wg       sync.WaitGroup
	)
	record := func(n grid.Node, err error) {
		mu.Lock()
		outcomes = append(outcomes, Outcome{Node: n, Err: err})
		mu.Unlock()
	}

	wg.Add(e.Workers)
	for i := 0; i < e.Workers; i++ {
		go func(workerID int) {
			defer wg.Done()
			for n := range readyChan {
				workerLogger := logger.With("workerID", workerID, "stage", st.Name(), "node", n.String())
				if runCtx.Err() != nil {
					record(n, fmt.Errorf("%w: %v", errSkipped, runCtx.Err()))
					continue
				}
				workerLogger.Debug("Worker picked up node for execution.")
				if err := e.runNode(runCtx, st, n); err != nil {
					workerLogger.Error("Node execution failed.", "error", err)
					record(n, err)
					cancel()
					continue
				}
				workerLogger.Debug("Node execution succeeded.")
				record(n, nil)
			}
		}(i)
	}
	wg.Wait()

	var failed []string
	var rootCause error
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		if errors.Is(o.Err, errSkipped) || errors.Is(o.Err, context.Canceled) {
			continue
		}
		failed = append(failed, o.Node.String())
		if rootCause == nil {
			rootCause = o.Err
		}
	}
	if rootCause != nil {
		return outcomes, fmt.Errorf("stage %q failed for %s: %w", st.Name(), strings.Join(failed, ", "), rootCause)
	}
	return outcomes, nil
}

func (e *LocalEngine) runNode(ctx context.Context, st *stage.Stage, n grid.Node) error {
	if run := st.Run(); run != nil {
		if err := run(ctx, n); err != nil {
			return err
		}
	} else if e.Repo != nil {
		// No bound computation: materialize the declared outputs as empty
		// items, so cache checks and downstream stages see them. Useful
		// for plan-only pipelines whose real work happens elsewhere.
		for _, out := range st.Outputs() {
			item := repo.Item{Stage: st.Name(), Output: out.Name, Node: outputNode(n, out.Freq)}
			if err := e.Repo.Store(ctx, item, nil, ""); err != nil {
				return fmt.Errorf("materializing output %s: %w", item, err)
			}
		}
	}
	if e.Repo != nil {
		// Records are stamped at the nodes the invalidation engine reads
		// them back from, one per distinct output frequency.
		for _, f := range distinctFreqs(st.OutputFrequencies(nil)) {
			rn := outputNode(n, f)
			if err := e.Repo.WriteRecord(ctx, rn, st.Name(), st.ExpectedRecord(rn)); err != nil {
				return fmt.Errorf("writing provenance record: %w", err)
			}
		}
	}
	return nil
}

// outputNode projects an executed node onto the node of the given output
// frequency that covers it.
func outputNode(n grid.Node, f grid.Frequency) grid.Node {
	switch f {
	case grid.PerCell:
		return grid.CellNode(n.Row, n.Column)
	case grid.PerRow:
		return grid.RowNode(n.Row)
	case grid.PerColumn:
		return grid.ColumnNode(n.Column)
	}
	return grid.GridNode()
}

func distinctFreqs(fs []grid.Frequency) []grid.Frequency {
	seen := make(map[grid.Frequency]bool, len(fs))
	var out []grid.Frequency
	for _, f := range fs {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

var _ Engine = (*LocalEngine)(nil)
