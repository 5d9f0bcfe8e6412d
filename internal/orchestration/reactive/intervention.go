package reactive

import (
	"time"

	"github.com/fyrsmithlabs/semanticd/internal/execution"
)

// InterventionType names the action taken against an incoherent event.
type InterventionType string

const (
	InterventionBlock      InterventionType = "block"
	InterventionRedirect   InterventionType = "redirect"
	InterventionTransform  InterventionType = "transform"
	InterventionEscalate   InterventionType = "escalate"
	InterventionCompensate InterventionType = "compensate"
	InterventionLearn      InterventionType = "learn"
)

// InterventionOutcome classifies how an intervention attempt ended.
type InterventionOutcome string

const (
	OutcomeSuccess InterventionOutcome = "success"
	OutcomeFailure InterventionOutcome = "failure"
	OutcomePartial InterventionOutcome = "partial"
)

// InterventionRecord logs one intervention attempt. Errors raised while
// intervening are captured here and never propagated back to the broker.
type InterventionRecord struct {
	ID          string              `json:"id"`
	Type        InterventionType    `json:"type"`
	ViolationID string              `json:"violation_id"`
	EventID     string              `json:"event_id"`
	Outcome     InterventionOutcome `json:"outcome"`
	Error       string              `json:"error,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// interventionFor selects the action for a violation severity. Escalate and
// compensate are never chosen by severity alone; callers opt into them
// explicitly.
func interventionFor(sev execution.Severity) InterventionType {
	switch sev {
	case execution.SeverityCritical:
		return InterventionBlock
	case execution.SeverityHigh:
		return InterventionRedirect
	case execution.SeverityMedium:
		return InterventionTransform
	default:
		return InterventionLearn
	}
}
