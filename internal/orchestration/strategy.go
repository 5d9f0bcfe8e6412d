// Package orchestration defines the strategy abstraction over the three
// coordination paradigms and the factory that selects among them.
package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/semref"
)

// Common errors.
var (
	ErrNoStrategy      = errors.New("no strategy can handle the decision")
	ErrUnknownMode     = errors.New("unknown orchestration mode")
	ErrMissingArtifact = errors.New("decision has no artifact")
)

// Mode names a coordination paradigm.
type Mode string

const (
	ModeDeterministic Mode = "deterministic"
	ModeReactive      Mode = "reactive"
	ModeChoreographed Mode = "choreographed"
)

// Decision is the unit of work handed to a strategy: the artifact to
// execute plus everything derived from it during interpretation.
type Decision struct {
	Artifact        *artifact.Artifact `json:"artifact"`
	RequiredPlugins []string           `json:"required_plugins,omitempty"`
	Dependencies    []semref.Ref       `json:"dependencies,omitempty"`
	Risk            string             `json:"risk,omitempty"`
}

// Strategy is one interchangeable coordinator. Implementations must not
// share an execution.Context across concurrent runs; Clone is the only
// sanctioned branch point.
type Strategy interface {
	// Name returns the mode this strategy implements.
	Name() Mode

	// CanHandle reports whether the strategy can execute the decision.
	CanHandle(d *Decision, ec *execution.Context) bool

	// Execute runs the decision to completion, returning the (possibly
	// replaced) context. Failures local to one step/handler surface via
	// the context's logs; only run-invalidating failures return an error.
	Execute(ctx context.Context, d *Decision, ec *execution.Context) (*execution.Context, error)

	// EstimateExecutionTime predicts the run duration for scheduling and
	// recommendation purposes.
	EstimateExecutionTime(d *Decision) time.Duration
}
