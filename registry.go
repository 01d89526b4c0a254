package esteps

import (
	"context"
	"fmt"
	"sort"
)

// StepID identifies a wizard step. IDs are stable; steps are always looked up
// by ID, never by their position in a registry.
type StepID int

const (
	// main registry
	StepStartPage StepID = iota
	StepErrorPage

	// calibration tool registry
	StepNewCalibration
	StepWaitingForTemp
	StepStartExtruding
	StepWaitingForExtrudeFinish
	StepResultEntry
	StepFinished
	StepHistoryView
)

// Behavior handles one user action on a step. It receives the controller and
// the epoch captured when the action was dispatched; every change it makes to
// the wizard goes through methods that check that epoch.
type Behavior func(ctx context.Context, w *Wizard, epoch uint64, a Action) error

// Step is one screen of the wizard. Its ID, name, view and behaviours are
// fixed at construction; only runtime field values change, under the lock
// of the Wizard that owns the step.
type Step struct {
	ID   StepID
	Name string
	// View names the template an external renderer shows for this step
	View string

	behavior map[string]Behavior
	defaults map[string]any
	fields   map[string]any
}

// NewStep builds a step. fields holds the runtime fields and their initial values.
func NewStep(id StepID, name, view string, behavior map[string]Behavior, fields map[string]any) *Step {
	s := &Step{
		ID:       id,
		Name:     name,
		View:     view,
		behavior: make(map[string]Behavior, len(behavior)),
		defaults: make(map[string]any, len(fields)),
	}
	for action, b := range behavior {
		s.behavior[action] = b
	}
	for k, v := range fields {
		s.defaults[k] = v
	}
	s.reset()
	return s
}

// Actions lists the action names the step accepts, sorted
func (s *Step) Actions() []string {
	actions := make([]string, 0, len(s.behavior))
	for a := range s.behavior {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

func (s *Step) reset() {
	s.fields = make(map[string]any, len(s.defaults))
	for k, v := range s.defaults {
		s.fields[k] = v
	}
}

func (s *Step) String() string {
	return fmt.Sprintf("%s(%d)", s.Name, s.ID)
}

// Registry is an ordered set of steps belonging to one tool
type Registry struct {
	name  string
	steps []*Step
	byID  map[StepID]*Step
}

// NewRegistry keeps steps in the given order and rejects duplicate IDs
func NewRegistry(name string, steps ...*Step) (*Registry, error) {
	r := &Registry{
		name:  name,
		steps: make([]*Step, 0, len(steps)),
		byID:  make(map[StepID]*Step, len(steps)),
	}
	for _, s := range steps {
		if s == nil {
			return nil, fmt.Errorf("registry %s: nil step", name)
		}
		if prev, exists := r.byID[s.ID]; exists {
			return nil, fmt.Errorf("registry %s: step %s reuses the id of %s", name, s, prev)
		}
		r.byID[s.ID] = s
		r.steps = append(r.steps, s)
	}
	return r, nil
}

func (r *Registry) Name() string { return r.name }

// Steps returns the steps in registry order
func (r *Registry) Steps() []*Step {
	return append([]*Step(nil), r.steps...)
}

// Get looks a step up by ID
func (r *Registry) Get(id StepID) (*Step, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Contains reports whether s is this registry's step, by identity
func (r *Registry) Contains(s *Step) bool {
	if s == nil {
		return false
	}
	return r.byID[s.ID] == s
}

func (r *Registry) resetFields() {
	for _, s := range r.steps {
		s.reset()
	}
}

// Snapshot is a copy of a step's state, safe to hand to a renderer
type Snapshot struct {
	ID      StepID
	Name    string
	View    string
	Fields  map[string]any
	Actions []string
}

func (s *Step) snapshot() Snapshot {
	fields := make(map[string]any, len(s.fields))
	for k, v := range s.fields {
		fields[k] = v
	}
	return Snapshot{
		ID:      s.ID,
		Name:    s.Name,
		View:    s.View,
		Fields:  fields,
		Actions: s.Actions(),
	}
}
