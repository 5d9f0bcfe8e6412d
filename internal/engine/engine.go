package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
	"github.com/fyrsmithlabs/semanticd/internal/semref"
)

const instrumentationName = "github.com/fyrsmithlabs/semanticd/internal/engine"

// Engine errors.
var (
	ErrInvalidArtifact      = errors.New("artifact failed validation")
	ErrUnresolvedDependency = errors.New("unresolved artifact dependency")
	ErrNoFactory            = errors.New("engine requires an orchestration factory")
)

// Config tunes artifact interpretation.
type Config struct {
	// MaxDependencyDepth bounds the transitive Uses walk during
	// dependency resolution (default: 10).
	MaxDependencyDepth int
}

func (c Config) withDefaults() Config {
	if c.MaxDependencyDepth <= 0 {
		c.MaxDependencyDepth = 10
	}
	return c
}

// Engine interprets artifacts into decisions and runs them through the
// orchestration factory.
type Engine struct {
	cfg       Config
	validator artifact.Validator
	repo      artifact.Repository
	factory   *orchestration.Factory
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates the engine. A nil validator falls back to the baseline
// structural validator.
func New(cfg Config, validator artifact.Validator, repo artifact.Repository, factory *orchestration.Factory, logger *zap.Logger) (*Engine, error) {
	if factory == nil {
		return nil, ErrNoFactory
	}
	if validator == nil {
		validator = BaseValidator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		validator: validator,
		repo:      repo,
		factory:   factory,
		logger:    logger.Named("engine"),
		tracer:    otel.Tracer(instrumentationName),
	}, nil
}

// Interpret validates the artifact, resolves its dependencies, and builds
// the orchestration decision. A failing validation aborts with a
// descriptive error, never a silently degraded run.
func (e *Engine) Interpret(ctx context.Context, a *artifact.Artifact) (*orchestration.Decision, error) {
	ctx, span := e.tracer.Start(ctx, "engine.interpret")
	defer span.End()

	if a == nil {
		return nil, fmt.Errorf("%w: artifact is nil", ErrInvalidArtifact)
	}

	res, err := e.validator.ValidateArtifact(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("validating artifact %s: %w", a.ID, err)
	}
	if !res.IsValid {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidArtifact, a.ID, strings.Join(res.Errors, "; "))
	}

	deps, err := e.resolveDependencies(ctx, a)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("artifact.id", a.ID),
		attribute.Int("dependencies", len(deps)),
	)

	return &orchestration.Decision{
		Artifact:        a,
		RequiredPlugins: requiredPlugins(a),
		Dependencies:    deps,
		Risk:            riskFor(a, deps),
	}, nil
}

// requiredPlugins unions the artifact's declared plugins with the plugin
// names referenced by its flow steps, so the decision reflects every plugin
// the run will need regardless of how the artifact declares them.
func requiredPlugins(a *artifact.Artifact) []string {
	plugins := a.RequiredPlugins()
	seen := make(map[string]bool, len(plugins))
	for _, p := range plugins {
		seen[p] = true
	}
	for _, fs := range a.FlowSteps() {
		if fs.Plugin != "" && !seen[fs.Plugin] {
			seen[fs.Plugin] = true
			plugins = append(plugins, fs.Plugin)
		}
	}
	return plugins
}

// Execute interprets the artifact and dispatches it in the optimal mode.
func (e *Engine) Execute(ctx context.Context, a *artifact.Artifact, ec *execution.Context) (*execution.Context, error) {
	d, err := e.Interpret(ctx, a)
	if err != nil {
		return ec, err
	}

	mode := e.factory.DetermineOptimalMode(d, ec)
	e.logger.Info("dispatching artifact",
		zap.String("artifact_id", a.ID),
		zap.String("mode", string(mode)),
		zap.String("context_id", ec.ID()))
	return e.factory.Execute(ctx, mode, d, ec)
}

// ExecuteByID loads the artifact from the repository and executes it.
func (e *Engine) ExecuteByID(ctx context.Context, id string, ec *execution.Context) (*execution.Context, error) {
	if e.repo == nil {
		return ec, fmt.Errorf("%w: %s", artifact.ErrArtifactNotFound, id)
	}
	a, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return ec, fmt.Errorf("loading artifact %s: %w", id, err)
	}
	if a == nil {
		return ec, fmt.Errorf("%w: %s", artifact.ErrArtifactNotFound, id)
	}
	return e.Execute(ctx, a, ec)
}

// resolveDependencies checks every Uses reference against the repository,
// walking transitively up to MaxDependencyDepth levels. A dependency that
// cannot be found anywhere in the walk aborts interpretation. The decision
// carries only the direct dependencies.
func (e *Engine) resolveDependencies(ctx context.Context, a *artifact.Artifact) ([]semref.Ref, error) {
	direct := a.Dependencies()
	if len(direct) == 0 || e.repo == nil {
		return direct, nil
	}

	visited := map[string]bool{a.ID: true}
	frontier := direct
	for depth := 1; depth <= e.cfg.MaxDependencyDepth && len(frontier) > 0; depth++ {
		var next []semref.Ref
		for _, ref := range frontier {
			if visited[ref.ID] {
				continue
			}
			visited[ref.ID] = true
			dep, err := e.repo.FindByID(ctx, ref.ID)
			if err != nil {
				return nil, fmt.Errorf("resolving dependency %s of %s: %w", ref, a.ID, err)
			}
			if dep == nil {
				return nil, fmt.Errorf("%w: %s required by %s", ErrUnresolvedDependency, ref, a.ID)
			}
			next = append(next, dep.Dependencies()...)
		}
		frontier = next
	}
	return direct, nil
}

// riskFor is a coarse dispatch hint: strategic artifacts and wide
// dependency fans are higher risk.
func riskFor(a *artifact.Artifact, deps []semref.Ref) string {
	switch {
	case a.Level == execution.LevelStrategic || len(deps) > 3:
		return "high"
	case len(deps) > 0 || a.IsOperational():
		return "medium"
	default:
		return "low"
	}
}

// BaseValidator is the structural fallback validator: id, type and
// well-formed Uses references.
type BaseValidator struct{}

// ValidateArtifact implements artifact.Validator.
func (BaseValidator) ValidateArtifact(_ context.Context, a *artifact.Artifact) (*artifact.ValidationResult, error) {
	var errs []string
	if a == nil {
		return &artifact.ValidationResult{Errors: []string{"artifact is nil"}}, nil
	}
	if a.ID == "" {
		errs = append(errs, "artifact id is required")
	}
	if a.Type == "" {
		errs = append(errs, "artifact type is required")
	}
	for _, u := range a.Uses {
		if !semref.Valid(u) {
			errs = append(errs, fmt.Sprintf("uses entry %q is not a valid semantic reference", u))
		}
	}
	return &artifact.ValidationResult{IsValid: len(errs) == 0, Errors: errs}, nil
}
