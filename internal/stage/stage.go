// Package stage defines the unit of the processing dependency graph: a
// pipeline with named inputs and outputs, prerequisite stages, and an
// expected provenance record per grid node. Stages are assembled by user
// code through the builder methods and sealed once before scheduling;
// after sealing the declarations are immutable.
package stage

import (
	"context"
	"fmt"

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
)

// Slot is one named input or output declaration with its frequency.
type Slot struct {
	Name string
	Freq grid.Frequency
}

// Prerequisite references an upstream stage by name together with the
// subset of its outputs this stage actually consumes.
type Prerequisite struct {
	Stage   string
	Outputs []string
}

// CellFunc is the per-node computation handed to the workflow engine. The
// scheduler never inspects what it does.
type CellFunc func(ctx context.Context, node grid.Node) error

// RecordFunc produces the expected provenance record for a node, capturing
// the stage version, parameter values and resolved input identities.
type RecordFunc func(node grid.Node) provenance.Record

// Stage is a single pipeline. Construct with New, declare slots and
// prerequisites, then Seal. Builder methods panic when called after
// sealing or with structurally invalid arguments, since those are
// programming errors by the stage author, not data errors.
type Stage struct {
	name     string
	scope    string
	inputs   []Slot
	outputs  []Slot
	prereqs  []Prerequisite
	axes     []grid.Axis
	axesSet  bool
	expected RecordFunc
	run      CellFunc
	sealed   bool
}

// New starts building a stage. The scope identifies the owning study so
// that equally named stages from different studies never collide silently.
func New(scope, name string) *Stage {
	if name == "" {
		panic("stage: empty name")
	}
	return &Stage{name: name, scope: scope}
}

func (s *Stage) mutable(op string) {
	if s.sealed {
		panic(fmt.Sprintf("stage %s: %s after Seal", s.name, op))
	}
}

// AddInput declares a named input with its frequency.
func (s *Stage) AddInput(name string, freq grid.Frequency) *Stage {
	s.mutable("AddInput")
	s.inputs = append(s.inputs, Slot{Name: name, Freq: freq})
	return s
}

// AddOutput declares a named output with its frequency.
func (s *Stage) AddOutput(name string, freq grid.Frequency) *Stage {
	s.mutable("AddOutput")
	s.outputs = append(s.outputs, Slot{Name: name, Freq: freq})
	return s
}

// AddPrerequisite declares an upstream stage and the outputs required from
// it.
func (s *Stage) AddPrerequisite(stageName string, outputs ...string) *Stage {
	s.mutable("AddPrerequisite")
	s.prereqs = append(s.prereqs, Prerequisite{Stage: stageName, Outputs: outputs})
	return s
}

// WithAxes overrides the iteration axes, which otherwise default to the
// union of axes required by the declared inputs. Stages without inputs
// (e.g. acquisition stages) need this to iterate at all.
func (s *Stage) WithAxes(axes ...grid.Axis) *Stage {
	s.mutable("WithAxes")
	s.axes = axes
	s.axesSet = true
	return s
}

// WithExpectedRecord sets the provenance record generator.
func (s *Stage) WithExpectedRecord(fn RecordFunc) *Stage {
	s.mutable("WithExpectedRecord")
	s.expected = fn
	return s
}

// WithRun sets the per-node computation.
func (s *Stage) WithRun(fn CellFunc) *Stage {
	s.mutable("WithRun")
	s.run = fn
	return s
}

// Seal validates the declarations and freezes the stage. It returns a
// DesignError when slot names repeat or an output frequency requires an
// iteration axis the stage does not iterate over. Sealing twice is
// harmless.
func (s *Stage) Seal() error {
	if s.sealed {
		return nil
	}
	seen := make(map[string]string)
	for _, in := range s.inputs {
		if prev, ok := seen[in.Name]; ok {
			return &DesignError{Stage: s.name, Msg: fmt.Sprintf("slot %q declared as both %s and input", in.Name, prev)}
		}
		seen[in.Name] = "input"
	}
	for _, out := range s.outputs {
		if prev, ok := seen[out.Name]; ok {
			return &DesignError{Stage: s.name, Msg: fmt.Sprintf("slot %q declared as both %s and output", out.Name, prev)}
		}
		seen[out.Name] = "output"
	}
	if len(s.outputs) == 0 {
		return &DesignError{Stage: s.name, Msg: "stage declares no outputs"}
	}
	if !s.axesSet {
		s.axes = axesOf(frequenciesOf(s.inputs))
	}
	have := make(map[grid.Axis]bool, len(s.axes))
	for _, a := range s.axes {
		have[a] = true
	}
	for _, out := range s.outputs {
		for _, a := range out.Freq.Axes() {
			if !have[a] {
				return &DesignError{
					Stage: s.name,
					Msg: fmt.Sprintf("output %q has frequency %s but the stage does not iterate over the %s axis",
						out.Name, out.Freq, a),
				}
			}
		}
	}
	s.sealed = true
	return nil
}

// Sealed reports whether Seal has completed.
func (s *Stage) Sealed() bool { return s.sealed }

// Name returns the stage name, unique within its scope.
func (s *Stage) Name() string { return s.name }

// Scope returns the owning study identity.
func (s *Stage) Scope() string { return s.scope }

// Inputs returns the declared inputs in declaration order.
func (s *Stage) Inputs() []Slot { return append([]Slot(nil), s.inputs...) }

// Outputs returns the declared outputs in declaration order.
func (s *Stage) Outputs() []Slot { return append([]Slot(nil), s.outputs...) }

// Output looks up a declared output by name.
func (s *Stage) Output(name string) (Slot, bool) {
	for _, o := range s.outputs {
		if o.Name == name {
			return o, true
		}
	}
	return Slot{}, false
}

// OutputNames returns the declared output names in declaration order.
func (s *Stage) OutputNames() []string {
	out := make([]string, len(s.outputs))
	for i, o := range s.outputs {
		out[i] = o.Name
	}
	return out
}

// Prerequisites returns the declared prerequisites in declaration order.
func (s *Stage) Prerequisites() []Prerequisite {
	return append([]Prerequisite(nil), s.prereqs...)
}

// Axes returns the iteration axes of the stage.
func (s *Stage) Axes() []grid.Axis { return append([]grid.Axis(nil), s.axes...) }

// InputFrequencies returns the distinct frequencies among the inputs.
func (s *Stage) InputFrequencies() []grid.Frequency {
	return frequenciesOf(s.inputs)
}

// OutputFrequencies returns the distinct frequencies among the named
// outputs, or among all outputs when names is nil.
func (s *Stage) OutputFrequencies(names []string) []grid.Frequency {
	if names == nil {
		return frequenciesOf(s.outputs)
	}
	var subset []Slot
	for _, o := range s.outputs {
		for _, n := range names {
			if o.Name == n {
				subset = append(subset, o)
				break
			}
		}
	}
	return frequenciesOf(subset)
}

// ExpectedRecord produces the expected provenance record for a node. A
// stage without a record generator yields a minimal record naming itself,
// so comparison still catches renames.
func (s *Stage) ExpectedRecord(node grid.Node) provenance.Record {
	if s.expected != nil {
		return s.expected(node)
	}
	return provenance.Record{"pipeline": map[string]any{"name": s.name}}
}

// Run returns the per-node computation, which may be nil for plan-only
// stages.
func (s *Stage) Run() CellFunc { return s.run }

func frequenciesOf(slots []Slot) []grid.Frequency {
	var out []grid.Frequency
	seen := make(map[grid.Frequency]bool)
	for _, sl := range slots {
		if !seen[sl.Freq] {
			seen[sl.Freq] = true
			out = append(out, sl.Freq)
		}
	}
	return out
}

func axesOf(freqs []grid.Frequency) []grid.Axis {
	var out []grid.Axis
	seen := make(map[grid.Axis]bool)
	for _, f := range freqs {
		for _, a := range f.Axes() {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}
