// Package execution provides the run-scoped state container threaded
// through every orchestration call. A Context has exactly one logical owner
// per run; Clone is the only sanctioned way to branch state.
package execution

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Params configure a new Context. The actor/intent/scope/authority snapshot
// is immutable after creation.
type Params struct {
	Actor     Actor
	Intent    Intent
	Scope     Scope
	Authority Authority
	Inputs    map[string]any
	Metadata  map[string]string
}

// Context accumulates state, events, results, observations and violations
// during one run. All methods are safe for concurrent use, though the
// ownership contract expects a single logical owner.
type Context struct {
	id        string
	actor     Actor
	intent    Intent
	scope     Scope
	authority Authority

	mu            sync.RWMutex
	metadata      map[string]string
	inputs        map[string]any
	state         State
	semanticState map[string]any
	events        []EventRecord
	results       []Result
	observations  []Observation
	violations    []Violation
}

// NewContext creates a pending context with a fresh id.
func NewContext(p Params) *Context {
	return &Context{
		id:        uuid.NewString(),
		actor:     p.Actor,
		intent:    p.Intent,
		scope:     p.Scope,
		authority: p.Authority,
		metadata:  copyStringMap(p.Metadata),
		inputs:    copyAnyMap(p.Inputs),
		state: State{
			Status:    StatusPending,
			StartTime: time.Now(),
		},
		semanticState: make(map[string]any),
	}
}

// ID returns the context id.
func (c *Context) ID() string { return c.id }

// Actor returns the immutable actor snapshot.
func (c *Context) Actor() Actor { return c.actor }

// Intent returns the immutable intent snapshot.
func (c *Context) Intent() Intent { return c.intent }

// Scope returns the immutable scope snapshot.
func (c *Context) Scope() Scope { return c.scope }

// Authority returns the immutable authority snapshot.
func (c *Context) Authority() Authority { return c.authority }

// Metadata returns a copy of the context metadata.
func (c *Context) Metadata() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyStringMap(c.metadata)
}

// Input returns a named input value.
func (c *Context) Input(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.inputs[key]
	return v, ok
}

// State returns a copy of the current execution state.
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UpdateState merges a partial update into the execution state, stamping
// LastUpdateTime. Backwards status transitions are rejected.
func (c *Context) UpdateState(u StateUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u.Status != nil {
		if !canTransition(c.state.Status, *u.Status) {
			return fmt.Errorf("invalid status transition %s -> %s", c.state.Status, *u.Status)
		}
		c.state.Status = *u.Status
	}
	if u.Progress != nil {
		c.state.Progress = *u.Progress
	}
	if u.CurrentStep != nil {
		c.state.CurrentStep = *u.CurrentStep
	}
	if u.EndTime != nil {
		c.state.EndTime = *u.EndTime
	}
	c.state.LastUpdateTime = time.Now()
	return nil
}

// SemanticValue returns a value from the orchestration scratch space.
func (c *Context) SemanticValue(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.semanticState[key]
	return v, ok
}

// UpdateSemanticState merges the partial map into the scratch space.
func (c *Context) UpdateSemanticState(partial map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range partial {
		c.semanticState[k] = v
	}
}

// AddEvent appends an event record, assigning id and timestamp.
func (c *Context) AddEvent(eventType string, payload map[string]any) EventRecord {
	rec := EventRecord{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	c.mu.Lock()
	c.events = append(c.events, rec)
	c.mu.Unlock()
	return rec
}

// AddResult appends a result, assigning id and timestamp.
func (c *Context) AddResult(r Result) Result {
	r.ID = uuid.NewString()
	r.Timestamp = time.Now()
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
	return r
}

// AddObservation appends an observation, assigning id and timestamp.
func (c *Context) AddObservation(o Observation) Observation {
	o.ID = uuid.NewString()
	o.Timestamp = time.Now()
	c.mu.Lock()
	c.observations = append(c.observations, o)
	c.mu.Unlock()
	return o
}

// AddViolation appends a violation, assigning id and timestamp.
func (c *Context) AddViolation(v Violation) Violation {
	v.ID = uuid.NewString()
	v.Timestamp = time.Now()
	c.mu.Lock()
	c.violations = append(c.violations, v)
	c.mu.Unlock()
	return v
}

// Events returns a copy of the event log.
func (c *Context) Events() []EventRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]EventRecord(nil), c.events...)
}

// Results returns a copy of the result log.
func (c *Context) Results() []Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Result(nil), c.results...)
}

// Observations returns a copy of the observation log.
func (c *Context) Observations() []Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Observation(nil), c.observations...)
}

// Violations returns a copy of the violation log.
func (c *Context) Violations() []Violation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Violation(nil), c.violations...)
}

// EventsByType returns logged events of the given type.
func (c *Context) EventsByType(eventType string) []EventRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []EventRecord
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ViolationsBySeverity returns logged violations of the given severity.
func (c *Context) ViolationsBySeverity(sev Severity) []Violation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Violation
	for _, v := range c.violations {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}

// HasCriticalViolations reports whether any critical violation was logged.
func (c *Context) HasCriticalViolations() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ValidateAuthority reports whether the run's authority is active, holds
// the action permission (or "*"), and has jurisdiction over the current
// scope (or "*").
func (c *Context) ValidateAuthority(action string) bool {
	if !c.authority.Active {
		return false
	}
	permitted := false
	for _, p := range c.authority.Permissions {
		if p == "*" || p == action {
			permitted = true
			break
		}
	}
	if !permitted {
		return false
	}
	for _, j := range c.authority.Jurisdiction {
		if j == "*" || j == c.scope.ID {
			return true
		}
	}
	return false
}

// IsWithinScope reports whether the run executes within the given scope.
func (c *Context) IsWithinScope(scope string) bool {
	return scope == "*" || scope == c.scope.ID || scope == c.scope.Area
}

// Clone produces an independent branch: new id, the same immutable
// actor/intent/scope/authority snapshot, independent copies of inputs and
// semantic state, and fresh empty logs.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Context{
		id:            uuid.NewString(),
		actor:         c.actor,
		intent:        c.intent,
		scope:         c.scope,
		authority:     c.authority,
		metadata:      copyStringMap(c.metadata),
		inputs:        copyAnyMap(c.inputs),
		state:         State{Status: StatusPending, StartTime: time.Now()},
		semanticState: copyAnyMap(c.semanticState),
	}
}

// snapshotView is the serialized form captured by Snapshot.
type snapshotView struct {
	ID            string            `json:"id"`
	Actor         Actor             `json:"actor"`
	Intent        Intent            `json:"intent"`
	Scope         Scope             `json:"scope"`
	Authority     Authority         `json:"authority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	State         State             `json:"state"`
	SemanticState map[string]any    `json:"semantic_state,omitempty"`
	Events        []EventRecord     `json:"events,omitempty"`
	Results       []Result          `json:"results,omitempty"`
	Observations  []Observation     `json:"observations,omitempty"`
	Violations    []Violation       `json:"violations,omitempty"`
}

// Snapshot serializes the full context state, used for phase checkpoints.
func (c *Context) Snapshot() ([]byte, error) {
	c.mu.RLock()
	view := snapshotView{
		ID:            c.id,
		Actor:         c.actor,
		Intent:        c.intent,
		Scope:         c.scope,
		Authority:     c.authority,
		Metadata:      c.metadata,
		State:         c.state,
		SemanticState: c.semanticState,
		Events:        c.events,
		Results:       c.results,
		Observations:  c.observations,
		Violations:    c.violations,
	}
	c.mu.RUnlock()
	return json.Marshal(view)
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
