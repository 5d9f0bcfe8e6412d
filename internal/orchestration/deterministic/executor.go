package deterministic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/event"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
)

const instrumentationName = "github.com/fyrsmithlabs/semanticd/internal/orchestration/deterministic"

// eventSource identifies this strategy in emitted events.
const eventSource = "Orchestrator:deterministic"

// Config configures the deterministic strategy. Zero values fall back to
// defaults.
type Config struct {
	// StepTimeout bounds a single step execution when the step declares no
	// timeout of its own (default: 30s).
	StepTimeout time.Duration

	// RetryDelay is the wait between per-step plugin retries (default: 100ms).
	RetryDelay time.Duration

	// CheckpointTTL is how long phase checkpoints are retained (default: 1h).
	CheckpointTTL time.Duration

	// AbortOnCriticalPost aborts the run when a critical post-condition
	// fails. When false (the default) the failure is recorded as a critical
	// violation and the run continues.
	AbortOnCriticalPost bool
}

// DefaultConfig returns the strategy defaults.
func DefaultConfig() Config {
	return Config{
		StepTimeout:   30 * time.Second,
		RetryDelay:    100 * time.Millisecond,
		CheckpointTTL: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.CheckpointTTL <= 0 {
		c.CheckpointTTL = d.CheckpointTTL
	}
	return c
}

// Hook handles the non-plugin step types (validation, condition, decision).
type Hook func(ctx context.Context, step *Step, ec *execution.Context) error

// Option customizes the strategy.
type Option func(*Strategy)

// WithConditionFunc replaces the default condition evaluator.
func WithConditionFunc(fn ConditionFunc) Option {
	return func(s *Strategy) { s.conditions = fn }
}

// WithHook installs a handler for a non-plugin step type.
func WithHook(stepType StepType, h Hook) Option {
	return func(s *Strategy) { s.hooks[stepType] = h }
}

// Strategy is the deterministic (orchestrator-mode) coordinator.
type Strategy struct {
	cfg     Config
	plugins artifact.PluginManager
	broker  *event.Broker
	logger  *zap.Logger
	tracer  trace.Tracer

	conditions ConditionFunc
	hooks      map[StepType]Hook
}

// New creates the deterministic strategy. broker may be nil; step events
// are then not emitted.
func New(cfg Config, plugins artifact.PluginManager, broker *event.Broker, logger *zap.Logger, opts ...Option) *Strategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Strategy{
		cfg:        cfg.withDefaults(),
		plugins:    plugins,
		broker:     broker,
		logger:     logger.Named("deterministic"),
		tracer:     otel.Tracer(instrumentationName),
		conditions: defaultConditionFunc,
		hooks:      make(map[StepType]Hook),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements orchestration.Strategy.
func (s *Strategy) Name() orchestration.Mode { return orchestration.ModeDeterministic }

// CanHandle implements orchestration.Strategy.
func (s *Strategy) CanHandle(d *orchestration.Decision, _ *execution.Context) bool {
	return d != nil && d.Artifact != nil
}

// EstimateExecutionTime implements orchestration.Strategy: the sum of step
// timeouts, using the configured default where a step declares none.
func (s *Strategy) EstimateExecutionTime(d *orchestration.Decision) time.Duration {
	if d == nil || d.Artifact == nil {
		return 0
	}
	steps := d.Artifact.FlowSteps()
	if len(steps) == 0 {
		n := len(d.RequiredPlugins)
		if n == 0 {
			n = len(d.Artifact.RequiredPlugins())
		}
		return time.Duration(n) * s.cfg.StepTimeout
	}
	var total time.Duration
	for _, fs := range steps {
		t := fs.Timeout
		if t <= 0 {
			t = s.cfg.StepTimeout
		}
		total += t
	}
	return total
}

// run carries per-execution state so the strategy itself stays stateless
// and safe for concurrent runs.
type run struct {
	plan        *Plan
	ec          *execution.Context
	checkpoints []Checkpoint
	completed   int
}

// Execute implements orchestration.Strategy: build the plan, execute
// phases strictly in order, checkpoint after each phase.
func (s *Strategy) Execute(ctx context.Context, d *orchestration.Decision, ec *execution.Context) (*execution.Context, error) {
	ctx, span := s.tracer.Start(ctx, "deterministic.execute")
	defer span.End()

	plan, err := BuildPlan(d, RetryConfig{Delay: s.cfg.RetryDelay})
	if err != nil {
		return s.fail(ctx, &run{plan: &Plan{}, ec: ec}, "", err)
	}
	span.SetAttributes(attribute.Int("plan.steps", len(plan.Steps)))

	executing := execution.StatusExecuting
	if err := ec.UpdateState(execution.StateUpdate{Status: &executing}); err != nil {
		return ec, err
	}
	ec.UpdateSemanticState(map[string]any{
		"mode":       string(orchestration.ModeDeterministic),
		"artifact":   d.Artifact.ID,
		"plan_steps": plan.StepIDs(),
	})

	r := &run{plan: plan, ec: ec}

	s.logger.Info("executing plan",
		zap.String("artifact_id", d.Artifact.ID),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("phases", len(plan.Phases)))

	for _, phase := range plan.Phases {
		for _, cond := range phase.RequiredConditions {
			ok, condErr := s.conditions(ctx, cond, r.ec)
			if condErr != nil || !ok {
				// Unmet phase precondition is a hard stop, not a violation.
				return s.fail(ctx, r, "", fmt.Errorf("%w: phase %s condition %q", ErrPhasePrecondition, phase.Name, cond))
			}
		}
		if err := s.runPhase(ctx, phase, r); err != nil {
			return s.fail(ctx, r, phase.Name, err)
		}
		s.checkpoint(r, phase.Name)
	}

	completedStatus := execution.StatusCompleted
	progress := 100
	now := time.Now()
	if err := r.ec.UpdateState(execution.StateUpdate{Status: &completedStatus, Progress: &progress, EndTime: &now}); err != nil {
		return r.ec, err
	}
	r.ec.AddResult(execution.Result{
		Kind:    execution.ResultSuccess,
		Message: "plan completed",
		Data:    map[string]any{"artifact": d.Artifact.ID, "steps": len(plan.Steps)},
	})
	s.emit(ctx, r.ec, "process.completed", map[string]any{"artifact": d.Artifact.ID})
	return r.ec, nil
}

// runPhase executes a phase's steps: parallel-flagged steps are batched
// and awaited together when the phase allows it, with the batch boundary
// at the first non-parallel step.
func (s *Strategy) runPhase(ctx context.Context, phase Phase, r *run) error {
	var batch []*Step

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		defer func() { batch = batch[:0] }()
		if len(batch) == 1 {
			return s.runSequential(ctx, batch[0], r)
		}
		return s.runParallel(ctx, batch, r)
	}

	for _, id := range phase.StepIDs {
		step := r.plan.step(id)
		if step == nil {
			continue
		}
		if phase.CanRunInParallel && step.Parallel {
			batch = append(batch, step)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		if err := s.runSequential(ctx, step, r); err != nil {
			return err
		}
	}
	return flush()
}

// runSequential runs one step, adopting the replaced context.
func (s *Strategy) runSequential(ctx context.Context, step *Step, r *run) error {
	out, err := s.runStep(ctx, step, r.ec)
	if err != nil {
		return err
	}
	if out != nil {
		r.ec = out
	}
	s.stepDone(ctx, step, r)
	return nil
}

// runParallel runs a batch concurrently against the shared context.
// Context replacement by parallel plugins is ignored; only sequential
// steps may swap the run context.
func (s *Strategy) runParallel(ctx context.Context, batch []*Step, r *run) error {
	var wg sync.WaitGroup
	errs := make([]error, len(batch))
	for i, step := range batch {
		wg.Add(1)
		go func(i int, step *Step) {
			defer wg.Done()
			_, errs[i] = s.runStep(ctx, step, r.ec)
		}(i, step)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("parallel step %s: %w", batch[i].ID, err)
		}
	}
	for _, step := range batch {
		s.stepDone(ctx, step, r)
	}
	return nil
}

// runStep evaluates pre-conditions, dispatches on the step type, and
// evaluates post-conditions.
func (s *Strategy) runStep(ctx context.Context, step *Step, ec *execution.Context) (*execution.Context, error) {
	current := step.ID
	_ = ec.UpdateState(execution.StateUpdate{CurrentStep: &current})

	for _, cond := range step.Conditions {
		if cond.Kind != artifact.ConditionPre {
			continue
		}
		ok, err := s.conditions(ctx, cond.Expression, ec)
		if err == nil && ok {
			continue
		}
		if cond.Critical {
			return nil, fmt.Errorf("%w: step %s condition %q", ErrStepPrecondition, step.ID, cond.Expression)
		}
		ec.AddViolation(execution.Violation{
			Type:        "condition",
			Severity:    execution.SeverityMedium,
			Description: fmt.Sprintf("step %s precondition %q not met", step.ID, cond.Expression),
			Source:      eventSource,
		})
	}

	var out *execution.Context
	var err error
	switch step.Type {
	case StepPlugin:
		out, err = s.invokePlugin(ctx, step, ec)
	case StepValidation, StepCondition, StepDecision:
		if hook, ok := s.hooks[step.Type]; ok {
			err = hook(ctx, step, ec)
		}
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownStepType, step.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}
	if out == nil {
		out = ec
	}

	for _, cond := range step.Conditions {
		if cond.Kind != artifact.ConditionPost {
			continue
		}
		ok, condErr := s.conditions(ctx, cond.Expression, out)
		if condErr == nil && ok {
			continue
		}
		severity := execution.SeverityMedium
		if cond.Critical {
			severity = execution.SeverityCritical
		}
		out.AddViolation(execution.Violation{
			Type:        "condition",
			Severity:    severity,
			Description: fmt.Sprintf("step %s postcondition %q failed", step.ID, cond.Expression),
			Source:      eventSource,
		})
		if cond.Critical && s.cfg.AbortOnCriticalPost {
			return out, fmt.Errorf("step %s: critical postcondition %q failed", step.ID, cond.Expression)
		}
	}
	return out, nil
}

// invokePlugin resolves and executes the step's plugin, retrying per the
// step's retry budget with the step timeout applied to each attempt.
func (s *Strategy) invokePlugin(ctx context.Context, step *Step, ec *execution.Context) (*execution.Context, error) {
	if s.plugins == nil {
		return nil, fmt.Errorf("step %s: no plugin manager configured", step.ID)
	}
	plugin, err := s.plugins.GetPlugin(step.Plugin)
	if err != nil {
		return nil, fmt.Errorf("resolving plugin %q: %w", step.Plugin, err)
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.cfg.StepTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= step.RetryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := step.RetryConfig.Delay
			if delay <= 0 {
				delay = s.cfg.RetryDelay
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := plugin.Execute(stepCtx, ec)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		s.logger.Warn("plugin attempt failed",
			zap.String("step_id", step.ID),
			zap.String("plugin", step.Plugin),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("plugin %q: %w", step.Plugin, lastErr)
}

// stepDone updates progress and emits the step-completed event.
func (s *Strategy) stepDone(ctx context.Context, step *Step, r *run) {
	r.completed++
	progress := 0
	if total := len(r.plan.Steps); total > 0 {
		progress = r.completed * 100 / total
	}
	_ = r.ec.UpdateState(execution.StateUpdate{Progress: &progress})
	r.ec.AddEvent("process.step.completed", map[string]any{"step": step.ID})
	s.emit(ctx, r.ec, "process.step.completed", map[string]any{
		"step":     step.ID,
		"plugin":   step.Plugin,
		"progress": progress,
	})
}

// checkpoint snapshots the context after a phase, pruning expired entries.
func (s *Strategy) checkpoint(r *run, phase string) {
	snap, err := r.ec.Snapshot()
	if err != nil {
		s.logger.Warn("checkpoint snapshot failed", zap.String("phase", phase), zap.Error(err))
		return
	}
	now := time.Now()

	kept := r.checkpoints[:0]
	for _, cp := range r.checkpoints {
		if cp.ExpiresAt.After(now) {
			kept = append(kept, cp)
		}
	}
	r.checkpoints = append(kept, Checkpoint{
		ID:        uuid.NewString(),
		Phase:     phase,
		Snapshot:  snap,
		TakenAt:   now,
		ExpiresAt: now.Add(s.cfg.CheckpointTTL),
	})
	r.ec.UpdateSemanticState(map[string]any{"checkpoints": r.checkpoints})
}

// fail marks the run failed and records a failure result carrying the
// full step-id plan for diagnosis. The orchestrator performs no plan-level
// retry.
func (s *Strategy) fail(ctx context.Context, r *run, phase string, err error) (*execution.Context, error) {
	failed := execution.StatusFailed
	now := time.Now()
	_ = r.ec.UpdateState(execution.StateUpdate{Status: &failed, EndTime: &now})

	r.ec.AddResult(execution.Result{
		Kind:  execution.ResultFailure,
		Error: err.Error(),
		Data: map[string]any{
			"plan":  r.plan.StepIDs(),
			"phase": phase,
		},
	})
	s.emit(ctx, r.ec, "semantic.error.critical", map[string]any{
		"error": err.Error(),
		"phase": phase,
	})
	s.logger.Error("plan execution failed",
		zap.String("phase", phase),
		zap.Error(err))
	return r.ec, err
}

// emit publishes a strategy event; delivery failures are logged, never
// propagated.
func (s *Strategy) emit(ctx context.Context, ec *execution.Context, eventType string, payload map[string]any) {
	if s.broker == nil {
		return
	}
	ev := &event.Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Source:   eventSource,
		Priority: event.PriorityNormal,
		Payload:  payload,
	}
	if scope := ec.Scope().ID; scope != "" {
		ev.Context = "Context:" + scope
	}
	err := s.broker.Publish(ctx, ev)
	if err != nil {
		s.logger.Warn("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
