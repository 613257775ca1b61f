package stage

import "fmt"

// Set is a validated collection of sealed stages belonging to one scope.
// It replaces runtime class-dictionary introspection with an explicit
// composition step: a base collection plus added stages are merged and
// checked once, at construction time.
type Set struct {
	scope  string
	stages map[string]*Stage
	order  []string
}

// NewSet composes a stage set for the given scope. Duplicate names,
// references to undeclared prerequisites, undeclared prerequisite outputs
// and dependency cycles are all rejected here, before any scheduling
// happens.
func NewSet(scope string, stages ...*Stage) (*Set, error) {
	s := &Set{scope: scope, stages: make(map[string]*Stage, len(stages))}
	if err := s.add(stages); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Compose merges a base set with additional stages into a new validated
// set. The base set is not modified. Added stages may override nothing: a
// name collision with the base is a DesignError.
func Compose(base *Set, added ...*Stage) (*Set, error) {
	all := make([]*Stage, 0, len(base.order)+len(added))
	for _, name := range base.order {
		all = append(all, base.stages[name])
	}
	all = append(all, added...)
	return NewSet(base.scope, all...)
}

func (s *Set) add(stages []*Stage) error {
	for _, st := range stages {
		if st.Scope() != s.scope {
			return &DesignError{Stage: st.Name(), Msg: fmt.Sprintf("stage belongs to scope %q, set has scope %q", st.Scope(), s.scope)}
		}
		if !st.Sealed() {
			if err := st.Seal(); err != nil {
				return err
			}
		}
		if _, ok := s.stages[st.Name()]; ok {
			return &DesignError{Stage: st.Name(), Msg: "duplicate stage name in set"}
		}
		s.stages[st.Name()] = st
		s.order = append(s.order, st.Name())
	}
	return nil
}

func (s *Set) validate() error {
	for _, name := range s.order {
		st := s.stages[name]
		for _, prq := range st.Prerequisites() {
			up, ok := s.stages[prq.Stage]
			if !ok {
				return &DesignError{Stage: name, Msg: fmt.Sprintf("prerequisite %q is not declared in the set", prq.Stage)}
			}
			for _, out := range prq.Outputs {
				if _, ok := up.Output(out); !ok {
					return &DesignError{Stage: name, Msg: fmt.Sprintf("prerequisite %q does not declare output %q", prq.Stage, out)}
				}
			}
		}
	}
	return s.detectCycles()
}

// detectCycles runs a classic depth-first search over the prerequisite
// edges with permanent and temporary marks.
func (s *Set) detectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if permanent[name] {
			return nil
		}
		if temporary[name] {
			return &DesignError{Stage: name, Msg: "prerequisite cycle detected"}
		}
		temporary[name] = true
		for _, prq := range s.stages[name].Prerequisites() {
			if err := visit(prq.Stage); err != nil {
				return err
			}
		}
		delete(temporary, name)
		permanent[name] = true
		return nil
	}

	for _, name := range s.order {
		if !permanent[name] {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Scope returns the scope identity shared by all stages in the set.
func (s *Set) Scope() string { return s.scope }

// Get looks up a stage by name.
func (s *Set) Get(name string) (*Stage, error) {
	st, ok := s.stages[name]
	if !ok {
		return nil, &DesignError{Stage: name, Msg: "stage not found in set"}
	}
	return st, nil
}

// Names returns the stage names in composition order.
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}
