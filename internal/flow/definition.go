// Package flow defines the declarative task lifecycle: YAML documents
// listing states and transitions, an engine that evaluates transition
// conditions, and a registry of steps a transition can run.
package flow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maxthelion/octopoid/internal/task"
)

// Condition types.
const (
	ConditionScript = "script"
	ConditionAgent  = "agent"
	ConditionManual = "manual"
)

// Condition gates a transition. Script conditions run a command; agent
// conditions consult the latest review decision; manual conditions wait
// for an approval message.
type Condition struct {
	Type string `yaml:"type"`
	// Run is the command a script condition executes.
	Run string `yaml:"run,omitempty"`
	// Timeout bounds a script condition; zero uses the engine default.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// OnFail names the state a failed condition sends the task to.
	// Empty means failed.
	OnFail string `yaml:"on_fail,omitempty"`
}

// Transition is one edge in the flow graph.
type Transition struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	// Agent names the role expected to drive this transition.
	Agent      string      `yaml:"agent,omitempty"`
	Conditions []Condition `yaml:"conditions,omitempty"`
	// Runs names registry steps executed once the conditions pass.
	Runs []string `yaml:"runs,omitempty"`
}

// Definition is one parsed flow document.
type Definition struct {
	Name    string `yaml:"name"`
	Cluster string `yaml:"cluster,omitempty"`
	// States lists every queue this flow uses, built-ins included.
	States []string `yaml:"states"`
	// LeaseStates lists which states hold a lease. Claimed is implied.
	LeaseStates []string     `yaml:"lease_states,omitempty"`
	Transitions []Transition `yaml:"transitions"`
}

// Parse decodes and validates one flow document.
func Parse(doc []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("failed to parse flow document: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the document's internal consistency.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: flow name is required", task.ErrValidation)
	}
	declared := make(map[string]bool, len(d.States))
	for _, s := range d.States {
		if s == "" {
			return fmt.Errorf("%w: flow %q declares an empty state", task.ErrValidation, d.Name)
		}
		declared[s] = true
	}
	for _, required := range []string{task.QueueIncoming, task.QueueClaimed, task.QueueDone, task.QueueFailed} {
		if !declared[required] {
			return fmt.Errorf("%w: flow %q must declare state %q", task.ErrValidation, d.Name, required)
		}
	}
	for _, ls := range d.LeaseStates {
		if !declared[ls] {
			return fmt.Errorf("%w: flow %q lease state %q is not declared", task.ErrValidation, d.Name, ls)
		}
	}
	for i, tr := range d.Transitions {
		if !declared[tr.From] {
			return fmt.Errorf("%w: flow %q transition %d references undeclared state %q", task.ErrValidation, d.Name, i, tr.From)
		}
		if !declared[tr.To] {
			return fmt.Errorf("%w: flow %q transition %d references undeclared state %q", task.ErrValidation, d.Name, i, tr.To)
		}
		for j, cond := range tr.Conditions {
			switch cond.Type {
			case ConditionScript:
				if cond.Run == "" {
					return fmt.Errorf("%w: flow %q transition %d condition %d: script conditions need run", task.ErrValidation, d.Name, i, j)
				}
			case ConditionAgent, ConditionManual:
			default:
				return fmt.Errorf("%w: flow %q transition %d condition %d: unknown type %q", task.ErrValidation, d.Name, i, j, cond.Type)
			}
			if cond.OnFail != "" && !declared[cond.OnFail] {
				return fmt.Errorf("%w: flow %q transition %d condition %d: on_fail state %q is not declared", task.ErrValidation, d.Name, i, j, cond.OnFail)
			}
		}
	}
	return nil
}

// FindTransition returns the transition from one state to another, or nil.
func (d *Definition) FindTransition(from, to string) *Transition {
	for i := range d.Transitions {
		if d.Transitions[i].From == from && d.Transitions[i].To == to {
			return &d.Transitions[i]
		}
	}
	return nil
}

// Record converts a validated definition into its stored form. The raw
// document rides along so registration survives a round trip.
func (d *Definition) Record(doc string, now time.Time) *task.FlowRecord {
	leaseStates := append([]string{}, d.LeaseStates...)
	hasClaimed := false
	for _, s := range leaseStates {
		if s == task.QueueClaimed {
			hasClaimed = true
			break
		}
	}
	if !hasClaimed {
		leaseStates = append(leaseStates, task.QueueClaimed)
	}
	return &task.FlowRecord{
		Name:        d.Name,
		Cluster:     d.Cluster,
		Document:    doc,
		States:      append([]string{}, d.States...),
		LeaseStates: leaseStates,
		UpdatedAt:   now.UTC(),
	}
}
