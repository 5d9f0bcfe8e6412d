// Package artifact defines the opaque semantic-artifact value the engine
// orchestrates, plus the narrow ports to the external validation, plugin
// and repository subsystems. The artifact content schema is owned
// elsewhere; this package only reads the few well-known keys the
// orchestrator needs (flow, plugins).
package artifact

import (
	"time"

	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/semref"
)

// Well-known content keys.
const (
	contentKeyFlow    = "flow"
	contentKeyPlugins = "plugins"
)

// Artifact is a structured organizational directive (process, policy,
// evaluation, ...). Content is free-form; the core never assumes shape
// beyond the documented keys.
type Artifact struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Name    string             `json:"name,omitempty"`
	Level   execution.OrgLevel `json:"level,omitempty"`
	Area    string             `json:"area,omitempty"`
	Content map[string]any     `json:"content,omitempty"`

	// Uses references other artifacts this one depends on, as Type:Id
	// semantic references.
	Uses []string `json:"uses,omitempty"`
}

// Ref returns the artifact's own semantic reference.
func (a *Artifact) Ref() semref.Ref {
	return semref.Ref{Type: a.Type, ID: a.ID}
}

// IsOperational reports whether the artifact carries an executable flow.
func (a *Artifact) IsOperational() bool {
	_, ok := a.Content[contentKeyFlow]
	return ok
}

// Dependencies returns the parsed Uses references, skipping malformed ones.
func (a *Artifact) Dependencies() []semref.Ref {
	var refs []semref.Ref
	for _, u := range a.Uses {
		r, err := semref.Parse(u)
		if err != nil {
			continue
		}
		refs = append(refs, r)
	}
	return refs
}

// ConditionKind distinguishes pre- and post-conditions on a flow step.
type ConditionKind string

const (
	ConditionPre  ConditionKind = "pre"
	ConditionPost ConditionKind = "post"
)

// Condition is a declarative predicate attached to a flow step. Expression
// semantics are owned by the executing strategy.
type Condition struct {
	Expression string        `json:"expression"`
	Kind       ConditionKind `json:"kind"`
	Critical   bool          `json:"critical"`
}

// FlowStep is one step of an operational artifact's flow.
type FlowStep struct {
	ID         string        `json:"id"`
	Plugin     string        `json:"plugin,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
	Parallel   bool          `json:"parallel,omitempty"`
	Conditions []Condition   `json:"conditions,omitempty"`
}

// FlowSteps extracts the artifact's flow. Non-operational artifacts return
// nil. Malformed entries are skipped rather than erroring; flow validation
// belongs to the external validation subsystem.
func (a *Artifact) FlowSteps() []FlowStep {
	raw, ok := a.Content[contentKeyFlow].([]any)
	if !ok {
		return nil
	}

	steps := make([]FlowStep, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		step := FlowStep{
			ID:         stringKey(m, "id"),
			Plugin:     stringKey(m, "plugin"),
			Parallel:   boolKey(m, "parallel"),
			MaxRetries: intKey(m, "retries"),
			Timeout:    durationKey(m, "timeout"),
		}
		if step.ID == "" {
			continue
		}
		if conds, ok := m["conditions"].([]any); ok {
			for _, c := range conds {
				cm, ok := c.(map[string]any)
				if !ok {
					continue
				}
				kind := ConditionKind(stringKey(cm, "kind"))
				if kind != ConditionPost {
					kind = ConditionPre
				}
				step.Conditions = append(step.Conditions, Condition{
					Expression: stringKey(cm, "expression"),
					Kind:       kind,
					Critical:   boolKey(cm, "critical"),
				})
			}
		}
		steps = append(steps, step)
	}
	return steps
}

// RequiredPlugins returns the plugin names a non-operational artifact
// declares under the "plugins" content key.
func (a *Artifact) RequiredPlugins() []string {
	raw, ok := a.Content[contentKeyPlugins].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringKey(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolKey(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func intKey(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func durationKey(m map[string]any, key string) time.Duration {
	switch v := m[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}
