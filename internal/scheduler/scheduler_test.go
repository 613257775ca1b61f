package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/invalidate"
	"github.com/vk/stagegridgo/internal/repo"
	"github.com/vk/stagegridgo/internal/repo/mem"
	"github.com/vk/stagegridgo/internal/stack"
	"github.com/vk/stagegridgo/internal/stage"
	"github.com/vk/stagegridgo/internal/tree"
	"github.com/vk/stagegridgo/internal/workflow"
)

// producing returns a per-cell run function that stores the named outputs
// for the executed node, so follow-up runs see a warm cache.
func producing(store *mem.Store, stageName string, outputs ...string) stage.CellFunc {
	return func(ctx context.Context, n grid.Node) error {
		for _, out := range outputs {
			item := repo.Item{Stage: stageName, Output: out, Node: n}
			if err := store.Store(ctx, item, []byte(stageName+"/"+out+"@"+n.String()), ""); err != nil {
				return err
			}
		}
		return nil
	}
}

func chainSet(t *testing.T, store *mem.Store) *stage.Set {
	t.Helper()
	smooth := stage.New("study", "smooth").
		AddInput("raw", grid.PerCell).
		AddOutput("smoothed", grid.PerCell).
		WithRun(producing(store, "smooth", "smoothed"))
	stats := stage.New("study", "stats").
		AddInput("smoothed", grid.PerCell).
		AddOutput("report", grid.PerCell).
		AddPrerequisite("smooth", "smoothed").
		WithRun(producing(store, "stats", "report"))
	set, err := stage.NewSet("study", smooth, stats)
	require.NoError(t, err)
	return set
}

func newScheduler(set *stage.Set, store *mem.Store, tr *tree.Cached, opts Options) *Scheduler {
	return New(set, store, tr, workflow.NewLocalEngine(2, store), opts)
}

func staticTree(rows, cols []string) *tree.Cached {
	st := &tree.Static{}
	for _, r := range rows {
		st.RowIDs = append(st.RowIDs, grid.RowID(r))
	}
	for _, c := range cols {
		st.ColumnIDs = append(st.ColumnIDs, grid.ColumnID(c))
	}
	return tree.NewCached(st)
}

func statsRequest(t *testing.T, set *stage.Set) []stack.Request {
	t.Helper()
	st, err := set.Get("stats")
	require.NoError(t, err)
	return []stack.Request{{Stage: st}}
}

func TestFreshRunThenWarmCacheIsNoOp(t *testing.T) {
	store := mem.New()
	set := chainSet(t, store)
	tr := staticTree([]string{"S1", "S2"}, []string{"V1", "V2"})
	sched := newScheduler(set, store, tr, Options{})

	res, err := sched.Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)
	require.Len(t, res.Stages, 2)
	assert.Equal(t, "smooth", res.Stages[0].Stage, "prerequisite runs first")
	assert.Equal(t, StateHandedOff, res.Stages[0].State)
	assert.Equal(t, StateHandedOff, res.Stages[1].State)
	assert.Equal(t, 4, res.Stages[0].Nodes)
	assert.Equal(t, 2, res.HandedOff())

	res, err = sched.Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)
	assert.Equal(t, StateNoOp, res.Stages[0].State)
	assert.Equal(t, StateNoOp, res.Stages[1].State)
	assert.Equal(t, 0, res.HandedOff())
}

func TestUpstreamReprocessingForcesDependents(t *testing.T) {
	store := mem.New()
	set := chainSet(t, store)
	tr := staticTree([]string{"S1", "S2"}, []string{"V1"})
	sched := newScheduler(set, store, tr, Options{})

	_, err := sched.Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)

	// Losing one prerequisite item must ripple into the dependent stage
	// even though the dependent's own cache still looks valid.
	store.Delete(repo.Item{Stage: "smooth", Output: "smoothed", Node: grid.CellNode("S1", "V1")})

	res, err := sched.Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)
	assert.Equal(t, StateHandedOff, res.Stages[0].State)
	assert.Equal(t, 1, res.Stages[0].Nodes)
	assert.Equal(t, StateHandedOff, res.Stages[1].State)
	assert.Equal(t, 1, res.Stages[1].Nodes)
}

func TestForceAppliesOnlyToRequestedStages(t *testing.T) {
	store := mem.New()
	set := chainSet(t, store)
	tr := staticTree([]string{"S1"}, []string{"V1"})

	_, err := newScheduler(set, store, tr, Options{}).Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)

	res, err := newScheduler(set, store, tr, Options{Force: true}).Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)
	assert.Equal(t, StateNoOp, res.Stages[0].State, "prerequisite cache stays valid under plain force")
	assert.Equal(t, StateHandedOff, res.Stages[1].State)

	res, err = newScheduler(set, store, tr, Options{ForceAll: true}).Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)
	assert.Equal(t, StateHandedOff, res.Stages[0].State)
	assert.Equal(t, StateHandedOff, res.Stages[1].State)
}

func TestFilterRestrictsHandedOffCells(t *testing.T) {
	store := mem.New()
	set := chainSet(t, store)
	tr := staticTree([]string{"S1", "S2", "S3"}, []string{"V1", "V2"})
	sched := newScheduler(set, store, tr, Options{})

	res, err := sched.Run(context.Background(), statsRequest(t, set), Filter{Rows: []grid.RowID{"S2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stages[0].Nodes)
	assert.Equal(t, 2, res.Stages[1].Nodes)

	// The untouched rows still have cold caches.
	exists, err := store.Exists(context.Background(), repo.Item{Stage: "stats", Output: "report", Node: grid.CellNode("S1", "V1")})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFilterErrors(t *testing.T) {
	store := mem.New()
	set := chainSet(t, store)
	tr := staticTree([]string{"S1"}, []string{"V1"})
	sched := newScheduler(set, store, tr, Options{})

	t.Run("unknown row", func(t *testing.T) {
		_, err := sched.Run(context.Background(), statsRequest(t, set), Filter{Rows: []grid.RowID{"S9"}})
		var usage *invalidate.UsageError
		require.ErrorAs(t, err, &usage)
		assert.Contains(t, usage.Error(), "S9")
	})

	t.Run("unknown cell", func(t *testing.T) {
		_, err := sched.Run(context.Background(), statsRequest(t, set), Filter{Cells: []grid.Cell{{Row: "S1", Column: "V9"}}})
		var usage *invalidate.UsageError
		require.ErrorAs(t, err, &usage)
	})
}

func TestTreeCacheInvalidatedAfterHandOff(t *testing.T) {
	store := mem.New()
	set := chainSet(t, store)

	origin := &countingProvider{Static: tree.Static{RowIDs: []grid.RowID{"S1"}, ColumnIDs: []grid.ColumnID{"V1"}}}
	tr := tree.NewCached(origin)
	sched := newScheduler(set, store, tr, Options{})

	_, err := sched.Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)
	loadsAfterFirst := origin.loads

	// The first run handed work off, so the next run must reload the
	// topology instead of trusting the cache.
	_, err = sched.Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)
	assert.Greater(t, origin.loads, loadsAfterFirst)

	// The second run was a no-op, so the cache stays warm.
	loadsAfterSecond := origin.loads
	_, err = sched.Run(context.Background(), statsRequest(t, set), Filter{})
	require.NoError(t, err)
	assert.Equal(t, loadsAfterSecond, origin.loads)
}

func TestRunNameIsCapped(t *testing.T) {
	store := mem.New()

	var stages []*stage.Stage
	var requests []stack.Request
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("%s_%d", strings.Repeat("verylongstagename", 2), i)
		st := stage.New("study", name).
			AddInput("raw", grid.PerCell).
			AddOutput("out", grid.PerCell).
			WithRun(producing(store, name, "out"))
		stages = append(stages, st)
		requests = append(requests, stack.Request{Stage: st})
	}
	set, err := stage.NewSet("study", stages...)
	require.NoError(t, err)

	tr := staticTree([]string{"S1"}, []string{"V1"})
	res, err := newScheduler(set, store, tr, Options{}).Run(context.Background(), requests, Filter{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Name), 100)
	assert.True(t, strings.HasPrefix(res.Name, "verylongstagename"))
}

func TestRunNameTruncatesOnRuneBoundary(t *testing.T) {
	var requests []stack.Request
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("%s_%d", strings.Repeat("größenmaßstab", 2), i)
		requests = append(requests, stack.Request{Stage: stage.New("study", name)})
	}

	got := runName(requests)
	assert.True(t, utf8.ValidString(got), "truncation must not split a multibyte rune")
	assert.LessOrEqual(t, len([]rune(got)), 100)
}

type countingProvider struct {
	tree.Static
	loads int
}

func (p *countingProvider) Rows(ctx context.Context) ([]grid.RowID, error) {
	p.loads++
	return p.Static.Rows(ctx)
}
