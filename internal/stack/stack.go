// Package stack resolves a set of requested stages plus their transitive
// prerequisites into an ordered execution list. Entries are keyed by a
// stable (scope, stage name) pair in an ordered map; duplicate requests
// merge their required outputs and selection grids and move to the end so
// a stage is always resolved before every stage that references it.
package stack

import (
	"context"
	"fmt"

	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/stage"
)

// Key identifies a stack entry by owning scope and stage name.
type Key struct {
	Scope string
	Stage string
}

// Entry is one resolved stage together with the outputs required from it
// and the cells selected for processing. RequiredOutputs nil means all
// declared outputs are required.
type Entry struct {
	Stage           *stage.Stage
	RequiredOutputs []string
	Selection       *grid.Grid
}

// Key returns the entry's stack key.
func (e *Entry) Key() Key {
	return Key{Scope: e.Stage.Scope(), Stage: e.Stage.Name()}
}

// Stack is an immutable ordered map of entries. Push operations return a
// new stack, leaving the receiver untouched, so partially resolved stacks
// can be inspected in tests without identity tricks.
type Stack struct {
	keys    []Key
	entries map[Key]*Entry
}

// NewStack returns an empty stack.
func NewStack() *Stack {
	return &Stack{entries: make(map[Key]*Entry)}
}

// Len returns the number of entries.
func (s *Stack) Len() int { return len(s.keys) }

// Lookup returns the entry for the given key, if present.
func (s *Stack) Lookup(k Key) (*Entry, bool) {
	e, ok := s.entries[k]
	return e, ok
}

// clone shallow-copies the ordered map.
func (s *Stack) clone() *Stack {
	cp := &Stack{
		keys:    append([]Key(nil), s.keys...),
		entries: make(map[Key]*Entry, len(s.entries)),
	}
	for k, e := range s.entries {
		cp.entries[k] = e
	}
	return cp
}

// pop removes and returns the entry for k from a copy of the stack.
func (s *Stack) pop(k Key) (*Stack, *Entry) {
	e, ok := s.entries[k]
	if !ok {
		return s, nil
	}
	cp := s.clone()
	delete(cp.entries, k)
	for i, key := range cp.keys {
		if key == k {
			cp.keys = append(cp.keys[:i], cp.keys[i+1:]...)
			break
		}
	}
	return cp, e
}

// insert appends the entry at the end of a copy of the stack.
func (s *Stack) insert(e *Entry) *Stack {
	cp := s.clone()
	k := e.Key()
	cp.keys = append(cp.keys, k)
	cp.entries[k] = e
	return cp
}

// Ordered returns the entries in execution order, which is the reverse of
// insertion order: prerequisites were pushed after their dependents during
// the depth-first walk, so walking backwards yields upstream stages first.
func (s *Stack) Ordered() []*Entry {
	out := make([]*Entry, 0, len(s.keys))
	for i := len(s.keys) - 1; i >= 0; i-- {
		out = append(out, s.entries[s.keys[i]])
	}
	return out
}

// Request names a stage to schedule together with the outputs required
// from it (nil = all).
type Request struct {
	Stage           *stage.Stage
	RequiredOutputs []string
}

// Build resolves the requested stages and their transitive prerequisites
// against the given filter grid. Every returned entry's selection grid is
// dilated to the frequencies of its required outputs.
func Build(ctx context.Context, set *stage.Set, requests []Request, filter *grid.Grid) (*Stack, error) {
	s := NewStack()
	var err error
	for _, req := range requests {
		s, err = push(ctx, s, set, req.Stage, req.RequiredOutputs, filter, "requested directly")
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func push(ctx context.Context, s *Stack, set *stage.Set, st *stage.Stage, required []string, selection *grid.Grid, requestedBy string) (*Stack, error) {
	logger := ctxlog.FromContext(ctx)
	key := Key{Scope: st.Scope(), Stage: st.Name()}

	// Merge with an existing entry: union the required outputs, OR the
	// selection grids, and re-insert at the end so the stage runs before
	// this later dependent.
	if prev, ok := s.Lookup(key); ok {
		s, _ = s.pop(key)
		required = unionOutputs(required, prev.RequiredOutputs)
		selection = selection.Or(prev.Selection)
	}

	if missing := undeclaredOutputs(st, required); len(missing) != 0 {
		return nil, &MissingOutputError{
			Stage:       st.Name(),
			Missing:     missing,
			RequestedBy: requestedBy,
		}
	}

	// Dilate the selection to cover the required outputs' frequencies.
	freqs := st.OutputFrequencies(required)
	dilated := selection.Dilate(freqs...)
	if added := dilated.AndNot(selection); added.Any() {
		logger.Warn("Dilated selection grid to satisfy low-frequency outputs.",
			"stage", st.Name(), "added", added.String())
	}
	selection = dilated

	// Two different scopes contributing the same stage name is a design
	// error, not a merge opportunity.
	for _, k := range s.keys {
		if k.Stage == st.Name() && k.Scope != st.Scope() {
			return nil, &stage.DesignError{
				Stage: st.Name(),
				Msg:   fmt.Sprintf("stage name already on the stack for scope %q", k.Scope),
			}
		}
	}

	s = s.insert(&Entry{Stage: st, RequiredOutputs: required, Selection: selection})

	for _, prq := range st.Prerequisites() {
		up, err := set.Get(prq.Stage)
		if err != nil {
			return nil, fmt.Errorf("resolving prerequisite of stage %q: %w", st.Name(), err)
		}
		s, err = push(ctx, s, set, up, append([]string(nil), prq.Outputs...), selection,
			fmt.Sprintf("prerequisite of %q", st.Name()))
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// unionOutputs merges two required-output sets; nil means "all outputs"
// and absorbs anything unioned with it.
func unionOutputs(a, b []string) []string {
	if a == nil || b == nil {
		return nil
	}
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, n := range a {
		seen[n] = true
	}
	for _, n := range b {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func undeclaredOutputs(st *stage.Stage, required []string) []string {
	var missing []string
	for _, n := range required {
		if _, ok := st.Output(n); !ok {
			missing = append(missing, n)
		}
	}
	return missing
}
