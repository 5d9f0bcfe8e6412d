package execution

import (
	"time"
)

// Status is the lifecycle state of a run. Transitions only move forward:
// pending → executing → {completed | failed | cancelled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether no further transition is allowed.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// canTransition enforces the forward-only status machine.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusExecuting || to.terminal()
	case StatusExecuting:
		return to.terminal()
	default:
		return false
	}
}

// OrgLevel is the organizational level of an actor, used for consensus
// weighting.
type OrgLevel string

const (
	LevelStrategic   OrgLevel = "strategic"
	LevelTactical    OrgLevel = "tactical"
	LevelOperational OrgLevel = "operational"
)

// Weight returns the authority weight of the level (strategic=3,
// tactical=2, operational=1).
func (l OrgLevel) Weight() int {
	switch l {
	case LevelStrategic:
		return 3
	case LevelTactical:
		return 2
	default:
		return 1
	}
}

// Actor is the acting party on whose behalf a run executes. Immutable for
// the lifetime of the context.
type Actor struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Level        OrgLevel `json:"level,omitempty"`
}

// HasCapability reports whether the actor declares the capability.
func (a Actor) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Intent captures why the run was started.
type Intent struct {
	ID       string `json:"id"`
	Goal     string `json:"goal,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Scope is the organizational context the run executes within.
type Scope struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Area string `json:"area,omitempty"`
}

// Authority is the permission grant the run executes under.
type Authority struct {
	ID           string   `json:"id"`
	Active       bool     `json:"active"`
	Permissions  []string `json:"permissions,omitempty"`
	Jurisdiction []string `json:"jurisdiction,omitempty"`
}

// State is the mutable execution state of a run.
type State struct {
	Status         Status    `json:"status"`
	Progress       int       `json:"progress"`
	CurrentStep    string    `json:"current_step,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time,omitempty"`
	LastUpdateTime time.Time `json:"last_update_time,omitempty"`
}

// StateUpdate is a partial update merged into the state. Nil fields are
// left untouched.
type StateUpdate struct {
	Status      *Status    `json:"status,omitempty"`
	Progress    *int       `json:"progress,omitempty"`
	CurrentStep *string    `json:"current_step,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

// Severity grades violations.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Score maps the severity onto the intervention scale (low=1 … critical=4).
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// EventRecord is an event noted in the run's log.
type EventRecord struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ResultKind discriminates run results.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultFailure ResultKind = "failure"
)

// Result is an outcome appended to the run's log.
type Result struct {
	ID        string         `json:"id"`
	Kind      ResultKind     `json:"kind"`
	StepID    string         `json:"step_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Observation is a non-failure note appended during a run.
type Observation struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Violation is a recorded rule or coherence breach.
type Violation struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description,omitempty"`
	Remediation string    `json:"remediation,omitempty"`
	Source      string    `json:"source,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
