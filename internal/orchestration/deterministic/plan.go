// Package deterministic implements the centrally coordinated orchestration
// strategy: a phased execution plan built once per run, executed strictly
// in plan order with per-phase checkpoints and rollback scoping.
package deterministic

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
)

// Common errors.
var (
	ErrEmptyPlan         = errors.New("execution plan has no steps")
	ErrUnknownStepType   = errors.New("unknown step type")
	ErrPhasePrecondition = errors.New("phase precondition not met")
	ErrStepPrecondition  = errors.New("critical step precondition failed")
)

// StepType classifies plan steps.
type StepType string

const (
	StepPlugin     StepType = "plugin"
	StepValidation StepType = "validation"
	StepCondition  StepType = "condition"
	StepDecision   StepType = "decision"
)

// Phase names. Operational artifacts execute preparation → execution →
// validation; everything else runs a single execution phase.
const (
	PhasePreparation = "preparation"
	PhaseExecution   = "execution"
	PhaseValidation  = "validation"
)

// RetryConfig bounds per-step plugin retries.
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"`
	Delay      time.Duration `json:"delay"`
}

// Step is one unit of the plan.
type Step struct {
	ID          string               `json:"id"`
	Type        StepType             `json:"type"`
	Plugin      string               `json:"plugin,omitempty"`
	Inputs      map[string]any       `json:"inputs,omitempty"`
	Conditions  []artifact.Condition `json:"conditions,omitempty"`
	Timeout     time.Duration        `json:"timeout,omitempty"`
	RetryConfig RetryConfig          `json:"retry_config"`
	Phase       string               `json:"phase"`
	Parallel    bool                 `json:"parallel"`
}

// Phase groups steps and declares how they may run.
type Phase struct {
	Name               string   `json:"name"`
	StepIDs            []string `json:"step_ids"`
	CanRunInParallel   bool     `json:"can_run_in_parallel"`
	RequiredConditions []string `json:"required_conditions,omitempty"`
}

// DependencyKind grades dependency edges.
type DependencyKind string

const (
	DependencyHard        DependencyKind = "hard"
	DependencySoft        DependencyKind = "soft"
	DependencyConditional DependencyKind = "conditional"
)

// Dependency is an ordering edge between steps.
type Dependency struct {
	StepID    string         `json:"step_id"`
	DependsOn []string       `json:"depends_on"`
	Kind      DependencyKind `json:"kind"`
}

// Checkpoint captures a context snapshot after a phase completes. Retained
// until ExpiresAt to support resume and rollback.
type Checkpoint struct {
	ID        string    `json:"id"`
	Phase     string    `json:"phase"`
	Snapshot  []byte    `json:"snapshot"`
	TakenAt   time.Time `json:"taken_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Plan is the phased execution plan. Built once per run and immutable
// thereafter; runtime checkpoints live on the run, not the plan.
type Plan struct {
	ArtifactID       string       `json:"artifact_id"`
	Steps            []Step       `json:"steps"`
	Phases           []Phase      `json:"phases"`
	Dependencies     []Dependency `json:"dependencies"`
	RollbackStrategy string       `json:"rollback_strategy"`
}

// StepIDs returns the ids of every step, in plan order. Used for failure
// diagnostics.
func (p *Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// step returns the step with the given id, or nil.
func (p *Plan) step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// BuildPlan derives the execution plan from the decision's artifact.
//
// Operational artifacts (those carrying a flow) contribute one step per
// flow step, inheriting plugin, timeout, retry budget and conditions, and
// run through the three-phase lifecycle. Non-operational artifacts
// contribute one plugin step per required plugin in a single execution
// phase. Consecutive steps get a hard sequential dependency edge by
// default; rollback scope defaults to "phase".
func BuildPlan(d *orchestration.Decision, defaults RetryConfig) (*Plan, error) {
	if d == nil || d.Artifact == nil {
		return nil, orchestration.ErrMissingArtifact
	}
	a := d.Artifact

	plan := &Plan{
		ArtifactID:       a.ID,
		RollbackStrategy: "phase",
	}

	if a.IsOperational() {
		for _, fs := range a.FlowSteps() {
			retry := defaults
			if fs.MaxRetries > 0 {
				retry.MaxRetries = fs.MaxRetries
			}
			plan.Steps = append(plan.Steps, Step{
				ID:          fs.ID,
				Type:        StepPlugin,
				Plugin:      fs.Plugin,
				Conditions:  fs.Conditions,
				Timeout:     fs.Timeout,
				RetryConfig: retry,
				Phase:       PhaseExecution,
				Parallel:    fs.Parallel,
			})
		}
		plan.Phases = []Phase{
			{Name: PhasePreparation},
			{Name: PhaseExecution, StepIDs: plan.stepIDsForPhase(PhaseExecution), CanRunInParallel: hasParallelSteps(plan.Steps)},
			{Name: PhaseValidation},
		}
	} else {
		plugins := d.RequiredPlugins
		if len(plugins) == 0 {
			plugins = a.RequiredPlugins()
		}
		for _, name := range plugins {
			plan.Steps = append(plan.Steps, Step{
				ID:          fmt.Sprintf("plugin-%s", name),
				Type:        StepPlugin,
				Plugin:      name,
				RetryConfig: defaults,
				Phase:       PhaseExecution,
			})
		}
		plan.Phases = []Phase{
			{Name: PhaseExecution, StepIDs: plan.stepIDsForPhase(PhaseExecution)},
		}
	}

	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: artifact %s", ErrEmptyPlan, a.ID)
	}

	// Default sequential ordering: each step depends on its predecessor.
	for i := 1; i < len(plan.Steps); i++ {
		plan.Dependencies = append(plan.Dependencies, Dependency{
			StepID:    plan.Steps[i].ID,
			DependsOn: []string{plan.Steps[i-1].ID},
			Kind:      DependencyHard,
		})
	}

	return plan, nil
}

func (p *Plan) stepIDsForPhase(phase string) []string {
	var ids []string
	for _, s := range p.Steps {
		if s.Phase == phase {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func hasParallelSteps(steps []Step) bool {
	for _, s := range steps {
		if s.Parallel {
			return true
		}
	}
	return false
}
