package reactive

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/semanticd/internal/event"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/semref"
)

// CheckResult is the outcome of one coherence check. Results from all
// enabled checks are merged: a single failing check makes the event
// incoherent.
type CheckResult struct {
	Coherent    bool
	Violations  []string
	Warnings    []string
	Suggestions []string
}

func coherent() CheckResult { return CheckResult{Coherent: true} }

func incoherent(violation, suggestion string) CheckResult {
	r := CheckResult{Violations: []string{violation}}
	if suggestion != "" {
		r.Suggestions = []string{suggestion}
	}
	return r
}

// CheckFunc is one coherence check. The scope describes the monitored run
// the event was delivered for.
type CheckFunc func(ctx context.Context, ev *event.Event, scope *CheckScope) CheckResult

// CheckScope carries the run-local facts checks evaluate against.
type CheckScope struct {
	ArtifactID string
	Area       string
	// KnownArtifacts is the artifact itself plus its declared dependencies.
	KnownArtifacts map[string]bool
	StartedAt      time.Time
	Context        *execution.Context
}

// CoherenceViolation is recorded when an incoming event fails the merged
// coherence checks.
type CoherenceViolation struct {
	ID                       string             `json:"id"`
	Timestamp                time.Time          `json:"timestamp"`
	Severity                 execution.Severity `json:"severity"`
	Type                     string             `json:"type"`
	Description              string             `json:"description"`
	AffectedArtifacts        []string           `json:"affected_artifacts,omitempty"`
	TriggeredBy              string             `json:"triggered_by"`
	SuggestedActions         []string           `json:"suggested_actions,omitempty"`
	AutoRemediationAttempted bool               `json:"auto_remediation_attempted"`
	Resolved                 bool               `json:"resolved"`
	ResolutionTime           *time.Time         `json:"resolution_time,omitempty"`
}

// severityFor maps a merged violation count onto a severity. Zero
// violations still yield low so callers can record warnings-only results.
func severityFor(violations int) execution.Severity {
	switch {
	case violations > 3:
		return execution.SeverityCritical
	case violations > 1:
		return execution.SeverityHigh
	case violations > 0:
		return execution.SeverityMedium
	default:
		return execution.SeverityLow
	}
}

// merge folds check results together. Coherent only when every check
// passed.
func merge(results ...CheckResult) CheckResult {
	out := CheckResult{Coherent: true}
	for _, r := range results {
		if !r.Coherent && len(r.Violations) == 0 {
			// A check may fail without an itemized violation.
			out.Coherent = false
		}
		out.Violations = append(out.Violations, r.Violations...)
		out.Warnings = append(out.Warnings, r.Warnings...)
		out.Suggestions = append(out.Suggestions, r.Suggestions...)
	}
	if len(out.Violations) > 0 {
		out.Coherent = false
	}
	return out
}

// checkSemanticConsistency verifies the event's semantic references parse
// and that an intent accompanies high-priority traffic.
func checkSemanticConsistency(_ context.Context, ev *event.Event, _ *CheckScope) CheckResult {
	for name, ref := range map[string]string{
		"context": ev.Context,
		"intent":  ev.Intent,
		"target":  ev.Target,
	} {
		if ref == "" {
			continue
		}
		if !semref.Valid(ref) {
			return incoherent(
				fmt.Sprintf("event %s carries malformed %s reference %q", ev.ID, name, ref),
				"correct the semantic reference to Type:Id form")
		}
	}
	if ev.Priority >= event.PriorityCritical && ev.Intent == "" {
		return incoherent(
			fmt.Sprintf("event %s is %s priority but declares no intent", ev.ID, ev.Priority),
			"attach an Intent reference to critical traffic")
	}
	return coherent()
}

// checkCrossArtifact verifies artifacts named in the payload are within the
// monitored artifact's dependency closure.
func checkCrossArtifact(_ context.Context, ev *event.Event, scope *CheckScope) CheckResult {
	raw, ok := ev.Payload["artifact"]
	if !ok {
		return coherent()
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return incoherent(
			fmt.Sprintf("event %s payload names a non-string artifact", ev.ID), "")
	}
	if len(scope.KnownArtifacts) > 0 && !scope.KnownArtifacts[id] {
		return incoherent(
			fmt.Sprintf("event %s references artifact %s outside the dependency set of %s", ev.ID, id, scope.ArtifactID),
			"declare the artifact in uses before emitting events against it")
	}
	return coherent()
}

// checkTemporalOrdering rejects events stamped before the run began.
func checkTemporalOrdering(_ context.Context, ev *event.Event, scope *CheckScope) CheckResult {
	if !ev.Timestamp.IsZero() && ev.Timestamp.Before(scope.StartedAt) {
		return incoherent(
			fmt.Sprintf("event %s predates the monitored run (%s < %s)",
				ev.ID, ev.Timestamp.Format(time.RFC3339), scope.StartedAt.Format(time.RFC3339)),
			"check producer clocks or replay configuration")
	}
	return coherent()
}

// checkBusinessRules applies baseline operational rules: expired events are
// incoherent, and emergency traffic must identify an actor source.
func checkBusinessRules(_ context.Context, ev *event.Event, _ *CheckScope) CheckResult {
	if ev.Expired(time.Now()) {
		return incoherent(
			fmt.Sprintf("event %s arrived after its time-to-live elapsed", ev.ID),
			"increase the producer ttl or reduce delivery latency")
	}
	if ev.Priority == event.PriorityEmergency {
		if ref, err := semref.Parse(ev.Source); err != nil || ref.Type != "Actor" {
			return incoherent(
				fmt.Sprintf("emergency event %s must originate from an Actor, got %q", ev.ID, ev.Source),
				"route emergency traffic through an accountable actor")
		}
	}
	return coherent()
}

// checkCompliance enforces classification handling: restricted events may
// only flow when the monitored run holds a read permission for them.
func checkCompliance(_ context.Context, ev *event.Event, scope *CheckScope) CheckResult {
	switch ev.Metadata.Classification {
	case "", "public", "internal":
		return coherent()
	case "restricted", "confidential":
		if scope.Context != nil && scope.Context.ValidateAuthority("events.read.restricted") {
			return coherent()
		}
		return incoherent(
			fmt.Sprintf("event %s is classified %s but the run lacks events.read.restricted", ev.ID, ev.Metadata.Classification),
			"grant the authority events.read.restricted or reclassify the event")
	default:
		return CheckResult{
			Coherent: true,
			Warnings: []string{fmt.Sprintf("event %s carries unknown classification %q", ev.ID, ev.Metadata.Classification)},
		}
	}
}
