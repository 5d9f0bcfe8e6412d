package reactive

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/event"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
)

func testDecision() *orchestration.Decision {
	return &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:   "OrderFlow",
			Type: "Event",
			Area: "ops",
			Uses: []string{"Policy:P1"},
		},
	}
}

func testContext() *execution.Context {
	return execution.NewContext(execution.Params{
		Actor:  execution.Actor{ID: "A1"},
		Intent: execution.Intent{ID: "I1"},
		Scope:  execution.Scope{ID: "ops-scope"},
	})
}

func startMonitor(t *testing.T, cfg Config) (*Strategy, *event.Broker, *execution.Context) {
	t.Helper()
	broker := event.NewBroker(event.Config{}, nil)
	s := New(cfg, broker, nil)

	ec := testContext()
	_, err := s.Execute(context.Background(), testDecision(), ec)
	require.NoError(t, err)
	return s, broker, ec
}

func publish(t *testing.T, b *event.Broker, ev *event.Event) {
	t.Helper()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	require.NoError(t, b.Publish(context.Background(), ev))
}

func TestSeverityMapping(t *testing.T) {
	tests := []struct {
		violations int
		want       execution.Severity
	}{
		{0, execution.SeverityLow},
		{1, execution.SeverityMedium},
		{2, execution.SeverityHigh},
		{3, execution.SeverityHigh},
		{4, execution.SeverityCritical},
		{10, execution.SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, severityFor(tt.violations), "violations=%d", tt.violations)
	}
}

func TestInterventionSelection(t *testing.T) {
	assert.Equal(t, InterventionBlock, interventionFor(execution.SeverityCritical))
	assert.Equal(t, InterventionRedirect, interventionFor(execution.SeverityHigh))
	assert.Equal(t, InterventionTransform, interventionFor(execution.SeverityMedium))
	assert.Equal(t, InterventionLearn, interventionFor(execution.SeverityLow))
}

func TestExecuteDerivesSubscriptions(t *testing.T) {
	_, _, ec := startMonitor(t, Config{})

	assert.Equal(t, execution.StatusExecuting, ec.State().Status)

	raw, ok := ec.SemanticValue("monitored_events")
	require.True(t, ok)
	types, ok := raw.([]string)
	require.True(t, ok)
	assert.Contains(t, types, "area.ops.*")
	assert.Contains(t, types, "dependency.P1.changed")
	assert.Contains(t, types, "ops-scope.*")
}

func TestCoherentEventRecordsNothing(t *testing.T) {
	s, broker, ec := startMonitor(t, Config{})

	publish(t, broker, &event.Event{
		Type:   "area.ops.event",
		Source: "Actor:A1",
	})

	assert.Empty(t, s.Violations(ec.ID()))
	assert.Empty(t, ec.Violations())
}

func TestIncoherentEventRecordsViolationAndTransforms(t *testing.T) {
	s, broker, ec := startMonitor(t, Config{})

	// One failing check (timestamp predates the run) yields medium
	// severity, which transforms.
	ev := &event.Event{
		ID:        "stale-1",
		Type:      "area.ops.event",
		Source:    "Actor:A1",
		Timestamp: time.Now().Add(-time.Hour),
	}
	publish(t, broker, ev)

	violations := s.Violations(ec.ID())
	require.Len(t, violations, 1)
	assert.Equal(t, execution.SeverityMedium, violations[0].Severity)
	assert.Equal(t, "stale-1", violations[0].TriggeredBy)
	assert.True(t, violations[0].AutoRemediationAttempted)

	require.Len(t, ec.Violations(), 1)
	assert.Equal(t, "coherence", ec.Violations()[0].Type)

	interventions := s.Interventions(ec.ID())
	require.Len(t, interventions, 1)
	assert.Equal(t, InterventionTransform, interventions[0].Type)
	assert.Equal(t, OutcomeSuccess, interventions[0].Outcome)

	_, transformed := ec.SemanticValue("transformed:stale-1")
	assert.True(t, transformed)

	p, ok := s.Patterns().Get("area.ops.event:" + string(execution.SeverityMedium))
	require.True(t, ok)
	assert.Equal(t, int64(1), p.Frequency)
}

func TestHighSeverityRedirects(t *testing.T) {
	s, broker, ec := startMonitor(t, Config{})

	var recoveries atomic.Int64
	_, err := broker.Subscribe(&event.Subscription{
		SubscriberID: "watcher",
		EventTypes:   []string{"system.recovery.initiated"},
		Handler: func(ctx context.Context, ev *event.Event) event.Result {
			recoveries.Add(1)
			return event.Ack()
		},
	})
	require.NoError(t, err)

	// Two failing checks: stale timestamp plus an artifact outside the
	// dependency set.
	publish(t, broker, &event.Event{
		Type:      "area.ops.event",
		Source:    "Actor:A1",
		Timestamp: time.Now().Add(-time.Hour),
		Payload:   map[string]any{"artifact": "Rogue"},
	})

	violations := s.Violations(ec.ID())
	require.Len(t, violations, 1)
	assert.Equal(t, execution.SeverityHigh, violations[0].Severity)

	interventions := s.Interventions(ec.ID())
	require.Len(t, interventions, 1)
	assert.Equal(t, InterventionRedirect, interventions[0].Type)
	assert.Equal(t, int64(1), recoveries.Load())
}

func TestCriticalSeverityBlocks(t *testing.T) {
	s, broker, ec := startMonitor(t, Config{})

	// Four failing checks: stale timestamp, unknown artifact, emergency
	// priority without intent, and emergency traffic from a non-actor.
	ev := &event.Event{
		ID:        "bad-1",
		Type:      "area.ops.event",
		Source:    "System:core",
		Priority:  event.PriorityEmergency,
		Timestamp: time.Now().Add(-time.Hour),
		Payload:   map[string]any{"artifact": "Rogue"},
	}
	publish(t, broker, ev)

	violations := s.Violations(ec.ID())
	require.Len(t, violations, 1)
	assert.Equal(t, execution.SeverityCritical, violations[0].Severity)

	interventions := s.Interventions(ec.ID())
	require.Len(t, interventions, 1)
	assert.Equal(t, InterventionBlock, interventions[0].Type)
	assert.True(t, s.Blocked(ec.ID(), "bad-1"))
	assert.True(t, ec.HasCriticalViolations())
}

func TestInterventionThresholdGatesAction(t *testing.T) {
	s, broker, ec := startMonitor(t, Config{
		InterventionThreshold: execution.SeverityCritical.Score(),
	})

	publish(t, broker, &event.Event{
		Type:      "area.ops.event",
		Source:    "Actor:A1",
		Timestamp: time.Now().Add(-time.Hour),
	})

	// Violation is recorded, but medium does not reach the critical
	// threshold.
	assert.Len(t, s.Violations(ec.ID()), 1)
	assert.Empty(t, s.Interventions(ec.ID()))
}

func TestChecksAreToggleable(t *testing.T) {
	s, broker, ec := startMonitor(t, Config{DisableTemporalCheck: true})

	publish(t, broker, &event.Event{
		Type:      "area.ops.event",
		Source:    "Actor:A1",
		Timestamp: time.Now().Add(-time.Hour),
	})

	assert.Empty(t, s.Violations(ec.ID()))
}

func TestComplianceCheckRequiresAuthority(t *testing.T) {
	restricted := &event.Event{
		ID:       "r1",
		Type:     "area.ops.event",
		Source:   "Actor:A1",
		Metadata: event.Metadata{Classification: "restricted"},
	}

	t.Run("without permission", func(t *testing.T) {
		scope := &CheckScope{Context: testContext()}
		r := checkCompliance(context.Background(), restricted, scope)
		assert.False(t, merge(r).Coherent)
	})

	t.Run("with wildcard authority", func(t *testing.T) {
		ec := execution.NewContext(execution.Params{
			Actor: execution.Actor{ID: "A1"},
			Scope: execution.Scope{ID: "ops-scope"},
			Authority: execution.Authority{
				ID:           "root",
				Active:       true,
				Permissions:  []string{"*"},
				Jurisdiction: []string{"*"},
			},
		})
		r := checkCompliance(context.Background(), restricted, &CheckScope{Context: ec})
		assert.True(t, merge(r).Coherent)
	})
}

func TestBatchModeFlushesAtSize(t *testing.T) {
	s, broker, ec := startMonitor(t, Config{BatchSize: 3})

	stale := func(id string) *event.Event {
		return &event.Event{
			ID:        id,
			Type:      "area.ops.event",
			Source:    "Actor:A1",
			Timestamp: time.Now().Add(-time.Hour),
		}
	}

	publish(t, broker, stale("b1"))
	publish(t, broker, stale("b2"))
	assert.Empty(t, s.Violations(ec.ID()), "buffered events are not processed early")

	publish(t, broker, stale("b3"))
	assert.Len(t, s.Violations(ec.ID()), 3)
}

func TestFlushDrainsPartialBatch(t *testing.T) {
	s, broker, ec := startMonitor(t, Config{BatchSize: 10})

	publish(t, broker, &event.Event{
		Type:      "area.ops.event",
		Source:    "Actor:A1",
		Timestamp: time.Now().Add(-time.Hour),
	})
	require.Empty(t, s.Violations(ec.ID()))

	flushed := s.Flush(context.Background(), ec.ID())
	assert.Equal(t, 1, flushed)
	assert.Len(t, s.Violations(ec.ID()), 1)
}

func TestStopEndsMonitoring(t *testing.T) {
	s, broker, ec := startMonitor(t, Config{})

	require.NoError(t, s.Stop(ec.ID()))
	assert.Equal(t, execution.StatusCompleted, ec.State().Status)

	publish(t, broker, &event.Event{
		Type:      "area.ops.event",
		Source:    "Actor:A1",
		Timestamp: time.Now().Add(-time.Hour),
	})
	assert.Empty(t, ec.Violations())

	assert.Error(t, s.Stop(ec.ID()), "second stop reports no active monitor")
}

func TestPatternStoreMonotonic(t *testing.T) {
	ps := NewPatternStore()

	var last Pattern
	for i := 1; i <= 5; i++ {
		last = ps.Record("area.ops.event:medium")
		assert.Equal(t, int64(i), last.Frequency)
	}
	assert.Greater(t, last.Confidence, 0.8)
	assert.False(t, last.LastSeen.IsZero())
	assert.Len(t, ps.All(), 1)

	_, ok := ps.Get("never.seen")
	assert.False(t, ok)
}

func TestSelfEmittedEventsIgnored(t *testing.T) {
	// Subscribe to everything so our own telemetry events flow back in,
	// then confirm they are never policed.
	broker := event.NewBroker(event.Config{}, nil)
	s := New(Config{}, broker, nil)

	// No area, no dependencies, no scope: the monitor falls back to the
	// global wildcard.
	ec := execution.NewContext(execution.Params{
		Actor:  execution.Actor{ID: "A1"},
		Intent: execution.Intent{ID: "I1"},
	})
	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{ID: "Watcher", Type: "Observation"},
	}
	_, err := s.Execute(context.Background(), d, ec)
	require.NoError(t, err)

	publish(t, broker, &event.Event{
		Type:      "anything.at.all",
		Source:    "Actor:A1",
		Timestamp: time.Now().Add(-time.Hour),
	})

	// Exactly one violation from the stale event; the emitted
	// incoherence event itself is skipped.
	assert.Len(t, s.Violations(ec.ID()), 1)
}
