package reactive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/event"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
)

const instrumentationName = "github.com/fyrsmithlabs/semanticd/internal/orchestration/reactive"

// eventSource identifies this strategy in emitted events.
const eventSource = "Orchestrator:reactive"

// ErrNoBroker is returned when the strategy is asked to monitor without an
// event broker to subscribe on.
var ErrNoBroker = fmt.Errorf("reactive strategy requires an event broker")

// Config configures the reactive strategy. Checks are enabled unless
// explicitly disabled, so the zero value polices everything.
type Config struct {
	// InterventionThreshold is the minimum severity score (low=1 to
	// critical=4) that triggers an intervention (default: 2, medium).
	InterventionThreshold int

	// BatchSize buffers incoming events and processes them grouped by type
	// once the buffer fills. Zero disables batching.
	BatchSize int

	DisableSemanticCheck      bool
	DisableCrossArtifactCheck bool
	DisableTemporalCheck      bool
	DisableBusinessCheck      bool
	DisableComplianceCheck    bool
}

// DefaultConfig returns the strategy defaults.
func DefaultConfig() Config {
	return Config{InterventionThreshold: execution.SeverityMedium.Score()}
}

func (c Config) withDefaults() Config {
	if c.InterventionThreshold <= 0 {
		c.InterventionThreshold = DefaultConfig().InterventionThreshold
	}
	return c
}

// Option customizes the strategy.
type Option func(*Strategy)

// WithCheck appends an extra coherence check to the enabled set.
func WithCheck(name string, fn CheckFunc) Option {
	return func(s *Strategy) {
		s.checks = append(s.checks, namedCheck{name: name, fn: fn})
	}
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// monitor is the standing state for one policed run.
type monitor struct {
	mu            sync.Mutex
	scope         *CheckScope
	ec            *execution.Context
	subIDs        []string
	violations    []CoherenceViolation
	interventions []InterventionRecord
	blocked       map[string]bool
	batch         []*event.Event
}

// Strategy is the reactive (event policeman) coordinator. One strategy
// instance can police many runs concurrently; per-run state lives in a
// monitor keyed by execution-context id.
type Strategy struct {
	cfg    Config
	broker *event.Broker
	logger *zap.Logger
	tracer trace.Tracer

	patterns *PatternStore
	checks   []namedCheck

	mu       sync.RWMutex
	monitors map[string]*monitor

	incoherenceCtr  metric.Int64Counter
	interventionCtr metric.Int64Counter
}

// New creates the reactive strategy.
func New(cfg Config, broker *event.Broker, logger *zap.Logger, opts ...Option) *Strategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	s := &Strategy{
		cfg:      cfg,
		broker:   broker,
		logger:   logger.Named("reactive"),
		tracer:   otel.Tracer(instrumentationName),
		patterns: NewPatternStore(),
		monitors: make(map[string]*monitor),
	}

	if !cfg.DisableSemanticCheck {
		s.checks = append(s.checks, namedCheck{"semantic_consistency", checkSemanticConsistency})
	}
	if !cfg.DisableCrossArtifactCheck {
		s.checks = append(s.checks, namedCheck{"cross_artifact", checkCrossArtifact})
	}
	if !cfg.DisableTemporalCheck {
		s.checks = append(s.checks, namedCheck{"temporal_ordering", checkTemporalOrdering})
	}
	if !cfg.DisableBusinessCheck {
		s.checks = append(s.checks, namedCheck{"business_rules", checkBusinessRules})
	}
	if !cfg.DisableComplianceCheck {
		s.checks = append(s.checks, namedCheck{"compliance", checkCompliance})
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter(instrumentationName)
	s.incoherenceCtr = int64Counter(meter, "semanticd.reactive.incoherence_total",
		"Events that failed coherence validation")
	s.interventionCtr = int64Counter(meter, "semanticd.reactive.interventions_total",
		"Interventions attempted against incoherent events")
	return s
}

func int64Counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	ctr, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		ctr, _ = noop.NewMeterProvider().Meter("").Int64Counter("noop")
	}
	return ctr
}

// Name implements orchestration.Strategy.
func (s *Strategy) Name() orchestration.Mode { return orchestration.ModeReactive }

// CanHandle implements orchestration.Strategy.
func (s *Strategy) CanHandle(d *orchestration.Decision, _ *execution.Context) bool {
	return d != nil && d.Artifact != nil && s.broker != nil
}

// EstimateExecutionTime implements orchestration.Strategy. Initialization
// is cheap; monitoring itself is open-ended.
func (s *Strategy) EstimateExecutionTime(_ *orchestration.Decision) time.Duration {
	return time.Second
}

// Execute implements orchestration.Strategy: mark the run active, derive
// the relevant event types from the artifact, and register one
// subscription per type. Monitoring continues until Stop.
func (s *Strategy) Execute(ctx context.Context, d *orchestration.Decision, ec *execution.Context) (*execution.Context, error) {
	ctx, span := s.tracer.Start(ctx, "reactive.execute")
	defer span.End()

	if s.broker == nil {
		return ec, ErrNoBroker
	}

	executing := execution.StatusExecuting
	if err := ec.UpdateState(execution.StateUpdate{Status: &executing}); err != nil {
		return ec, err
	}

	known := map[string]bool{d.Artifact.ID: true}
	for _, dep := range d.Dependencies {
		known[dep.ID] = true
	}
	for _, dep := range d.Artifact.Dependencies() {
		known[dep.ID] = true
	}

	mon := &monitor{
		scope: &CheckScope{
			ArtifactID:     d.Artifact.ID,
			Area:           d.Artifact.Area,
			KnownArtifacts: known,
			StartedAt:      ec.State().StartTime,
			Context:        ec,
		},
		ec:      ec,
		blocked: make(map[string]bool),
	}

	types := s.relevantEventTypes(d, ec)
	span.SetAttributes(attribute.Int("event_types", len(types)))

	for _, eventType := range types {
		id, err := s.broker.Subscribe(&event.Subscription{
			SubscriberID: "reactive:" + ec.ID(),
			EventTypes:   []string{eventType},
			Handler: func(hctx context.Context, ev *event.Event) event.Result {
				s.handle(hctx, ev, mon)
				return event.Ack()
			},
		})
		if err != nil {
			s.teardown(mon)
			return ec, fmt.Errorf("subscribing to %s: %w", eventType, err)
		}
		mon.subIDs = append(mon.subIDs, id)
	}

	s.mu.Lock()
	s.monitors[ec.ID()] = mon
	s.mu.Unlock()

	ec.UpdateSemanticState(map[string]any{
		"mode":             string(orchestration.ModeReactive),
		"artifact":         d.Artifact.ID,
		"monitored_events": types,
	})
	ec.AddResult(execution.Result{
		Kind:    execution.ResultSuccess,
		Message: "reactive monitoring active",
		Data:    map[string]any{"artifact": d.Artifact.ID, "event_types": types},
	})

	s.logger.Info("monitoring started",
		zap.String("context_id", ec.ID()),
		zap.String("artifact_id", d.Artifact.ID),
		zap.Strings("event_types", types))
	return ec, nil
}

// relevantEventTypes derives the subscription set: the organizational area
// wildcard, one dependency-changed topic per dependency, and the context
// scope wildcard.
func (s *Strategy) relevantEventTypes(d *orchestration.Decision, ec *execution.Context) []string {
	var types []string
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}

	if area := d.Artifact.Area; area != "" {
		add("area." + area + ".*")
	}
	for _, dep := range d.Dependencies {
		add("dependency." + dep.ID + ".changed")
	}
	for _, dep := range d.Artifact.Dependencies() {
		add("dependency." + dep.ID + ".changed")
	}
	if scope := ec.Scope(); scope.ID != "" {
		add(scope.ID + ".*")
	}
	if len(types) == 0 {
		add("*")
	}
	return types
}

// Stop tears down monitoring for the given execution context and marks the
// run completed.
func (s *Strategy) Stop(contextID string) error {
	s.mu.Lock()
	mon, ok := s.monitors[contextID]
	delete(s.monitors, contextID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active monitor for context %s", contextID)
	}

	s.teardown(mon)

	completed := execution.StatusCompleted
	now := time.Now()
	_ = mon.ec.UpdateState(execution.StateUpdate{Status: &completed, EndTime: &now})
	s.logger.Info("monitoring stopped", zap.String("context_id", contextID))
	return nil
}

func (s *Strategy) teardown(mon *monitor) {
	for _, id := range mon.subIDs {
		if err := s.broker.Unsubscribe(id); err != nil {
			s.logger.Warn("unsubscribe failed", zap.String("subscription_id", id), zap.Error(err))
		}
	}
}

// handle is the subscription callback. With batching enabled events are
// buffered until the batch fills; otherwise they are policed immediately.
func (s *Strategy) handle(ctx context.Context, ev *event.Event, mon *monitor) {
	if ev.Source == eventSource {
		// Never police our own telemetry events.
		return
	}
	if s.cfg.BatchSize <= 0 {
		s.police(ctx, ev, mon)
		return
	}

	mon.mu.Lock()
	mon.batch = append(mon.batch, ev)
	full := len(mon.batch) >= s.cfg.BatchSize
	var drained []*event.Event
	if full {
		drained = mon.batch
		mon.batch = nil
	}
	mon.mu.Unlock()

	if full {
		s.processBatch(ctx, drained, mon)
	}
}

// Flush processes any buffered events for the context immediately. Callers
// drive this from a timer when batch mode is enabled.
func (s *Strategy) Flush(ctx context.Context, contextID string) int {
	s.mu.RLock()
	mon, ok := s.monitors[contextID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	mon.mu.Lock()
	drained := mon.batch
	mon.batch = nil
	mon.mu.Unlock()

	s.processBatch(ctx, drained, mon)
	return len(drained)
}

// processBatch polices buffered events grouped by type, so per-type work
// is amortized across the group.
func (s *Strategy) processBatch(ctx context.Context, batch []*event.Event, mon *monitor) {
	if len(batch) == 0 {
		return
	}
	groups := make(map[string][]*event.Event)
	var order []string
	for _, ev := range batch {
		if _, ok := groups[ev.Type]; !ok {
			order = append(order, ev.Type)
		}
		groups[ev.Type] = append(groups[ev.Type], ev)
	}
	for _, eventType := range order {
		for _, ev := range groups[eventType] {
			s.police(ctx, ev, mon)
		}
	}
}

// police runs the merged coherence checks against one event and intervenes
// when the resulting severity crosses the threshold. Nothing raised here
// ever reaches the broker.
func (s *Strategy) police(ctx context.Context, ev *event.Event, mon *monitor) {
	results := make([]CheckResult, 0, len(s.checks))
	for _, c := range s.checks {
		results = append(results, c.fn(ctx, ev, mon.scope))
	}
	merged := merge(results...)

	for _, w := range merged.Warnings {
		mon.ec.AddObservation(execution.Observation{
			Type:        "coherence.warning",
			Description: w,
			Data:        map[string]any{"event_id": ev.ID, "event_type": ev.Type},
		})
	}
	if merged.Coherent {
		return
	}

	severity := severityFor(len(merged.Violations))
	cv := CoherenceViolation{
		ID:               uuid.NewString(),
		Timestamp:        time.Now(),
		Severity:         severity,
		Type:             "coherence",
		Description:      strings.Join(merged.Violations, "; "),
		TriggeredBy:      ev.ID,
		SuggestedActions: merged.Suggestions,
	}
	if raw, ok := ev.Payload["artifact"].(string); ok && raw != "" {
		cv.AffectedArtifacts = []string{raw}
	}

	remediation := ""
	if len(merged.Suggestions) > 0 {
		remediation = merged.Suggestions[0]
	}
	mon.ec.AddViolation(execution.Violation{
		Type:        "coherence",
		Severity:    severity,
		Description: cv.Description,
		Remediation: remediation,
		Source:      eventSource,
	})
	s.patterns.Record(ev.Type + ":" + string(severity))
	s.incoherenceCtr.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", ev.Type),
		attribute.String("severity", string(severity)),
	))
	s.emit(ctx, "semantic.incoherence.detected", map[string]any{
		"violation_id": cv.ID,
		"event_id":     ev.ID,
		"event_type":   ev.Type,
		"severity":     string(severity),
	})

	if severity.Score() >= s.cfg.InterventionThreshold {
		s.intervene(ctx, &cv, ev, mon)
	}

	// Record the violation after any intervention so the stored copy carries
	// AutoRemediationAttempted.
	mon.mu.Lock()
	mon.violations = append(mon.violations, cv)
	mon.mu.Unlock()
}

// intervene applies the severity-selected action and records the attempt.
// A failing intervention is logged with outcome failure, never re-thrown.
func (s *Strategy) intervene(ctx context.Context, cv *CoherenceViolation, ev *event.Event, mon *monitor) {
	action := interventionFor(cv.Severity)
	rec := InterventionRecord{
		ID:          uuid.NewString(),
		Type:        action,
		ViolationID: cv.ID,
		EventID:     ev.ID,
		Outcome:     OutcomeSuccess,
		Timestamp:   time.Now(),
	}

	if err := s.apply(ctx, action, cv, ev, mon); err != nil {
		rec.Outcome = OutcomeFailure
		rec.Error = err.Error()
		s.logger.Warn("intervention failed",
			zap.String("intervention", string(action)),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
	cv.AutoRemediationAttempted = true

	mon.mu.Lock()
	mon.interventions = append(mon.interventions, rec)
	mon.mu.Unlock()

	mon.ec.AddObservation(execution.Observation{
		Type:        "intervention",
		Description: fmt.Sprintf("%s intervention against event %s", action, ev.ID),
		Data: map[string]any{
			"intervention_id": rec.ID,
			"violation_id":    cv.ID,
			"outcome":         string(rec.Outcome),
		},
	})
	s.interventionCtr.Add(ctx, 1, metric.WithAttributes(
		attribute.String("intervention", string(action)),
		attribute.String("outcome", string(rec.Outcome)),
	))
}

func (s *Strategy) apply(ctx context.Context, action InterventionType, cv *CoherenceViolation, ev *event.Event, mon *monitor) error {
	switch action {
	case InterventionBlock:
		mon.mu.Lock()
		mon.blocked[ev.ID] = true
		mon.mu.Unlock()
		return s.publish(ctx, "semantic.error.critical", map[string]any{
			"violation_id": cv.ID,
			"event_id":     ev.ID,
			"action":       "blocked",
		})
	case InterventionRedirect:
		return s.publish(ctx, "system.recovery.initiated", map[string]any{
			"violation_id": cv.ID,
			"event_id":     ev.ID,
			"event_type":   ev.Type,
		})
	case InterventionTransform:
		mon.ec.UpdateSemanticState(map[string]any{
			"transformed:" + ev.ID: cv.SuggestedActions,
		})
		return nil
	case InterventionEscalate:
		return s.publish(ctx, "system.alert.manual_intervention_required", map[string]any{
			"violation_id": cv.ID,
			"event_id":     ev.ID,
			"severity":     string(cv.Severity),
		})
	case InterventionCompensate:
		return s.publish(ctx, "system.recovery.initiated", map[string]any{
			"violation_id": cv.ID,
			"event_id":     ev.ID,
			"compensation": true,
		})
	case InterventionLearn:
		s.patterns.Record(ev.Type + ":learned")
		return nil
	default:
		return fmt.Errorf("unknown intervention %q", action)
	}
}

// emit publishes fire-and-forget strategy telemetry events.
func (s *Strategy) emit(ctx context.Context, eventType string, payload map[string]any) {
	if err := s.publish(ctx, eventType, payload); err != nil {
		s.logger.Warn("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Strategy) publish(ctx context.Context, eventType string, payload map[string]any) error {
	return s.broker.Publish(ctx, &event.Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  eventSource,
		Payload: payload,
	})
}

// Violations returns a snapshot of the coherence violations recorded for
// the context.
func (s *Strategy) Violations(contextID string) []CoherenceViolation {
	s.mu.RLock()
	mon, ok := s.monitors[contextID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	mon.mu.Lock()
	defer mon.mu.Unlock()
	out := make([]CoherenceViolation, len(mon.violations))
	copy(out, mon.violations)
	return out
}

// Interventions returns a snapshot of the intervention records for the
// context.
func (s *Strategy) Interventions(contextID string) []InterventionRecord {
	s.mu.RLock()
	mon, ok := s.monitors[contextID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	mon.mu.Lock()
	defer mon.mu.Unlock()
	out := make([]InterventionRecord, len(mon.interventions))
	copy(out, mon.interventions)
	return out
}

// Blocked reports whether an event was blocked for the context.
func (s *Strategy) Blocked(contextID, eventID string) bool {
	s.mu.RLock()
	mon, ok := s.monitors[contextID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.blocked[eventID]
}

// Patterns exposes the learned pattern store.
func (s *Strategy) Patterns() *PatternStore { return s.patterns }
