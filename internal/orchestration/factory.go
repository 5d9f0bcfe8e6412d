package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/execution"
)

const instrumentationName = "github.com/fyrsmithlabs/semanticd/internal/orchestration"

// StrategyMetrics is a rolling view of one strategy's execution history.
type StrategyMetrics struct {
	Mode                 Mode          `json:"mode"`
	ExecutionCount       int64         `json:"execution_count"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	SuccessRate          float64       `json:"success_rate"`

	successes int64
}

// Factory selects and dispatches strategies. It holds a slice of
// implementations rather than a type switch so new modes can be registered.
type Factory struct {
	logger *zap.Logger
	tracer trace.Tracer

	mu         sync.RWMutex
	strategies []Strategy
	metrics    map[Mode]*StrategyMetrics

	execCtr      metric.Int64Counter
	durationHist metric.Float64Histogram
}

// NewFactory creates a factory with the given strategies, in registration
// order.
func NewFactory(logger *zap.Logger, strategies ...Strategy) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		logger:  logger.Named("factory"),
		tracer:  otel.Tracer(instrumentationName),
		metrics: make(map[Mode]*StrategyMetrics),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	f.execCtr, err = meter.Int64Counter("semanticd.orchestration.executions",
		metric.WithDescription("Strategy executions by mode and outcome"),
		metric.WithUnit("{execution}"))
	if err != nil {
		f.execCtr, _ = noop.NewMeterProvider().Meter("").Int64Counter("noop")
	}
	f.durationHist, err = meter.Float64Histogram("semanticd.orchestration.duration",
		metric.WithDescription("Strategy execution duration"),
		metric.WithUnit("s"))
	if err != nil {
		f.durationHist, _ = noop.NewMeterProvider().Meter("").Float64Histogram("noop")
	}

	for _, s := range strategies {
		f.Register(s)
	}
	return f
}

// Register adds a strategy. Later registrations of the same mode shadow
// earlier ones during lookup.
func (f *Factory) Register(s Strategy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategies = append(f.strategies, s)
	if _, ok := f.metrics[s.Name()]; !ok {
		f.metrics[s.Name()] = &StrategyMetrics{Mode: s.Name()}
	}
}

// DetermineOptimalMode applies the deterministic rule order; first match
// wins.
func (f *Factory) DetermineOptimalMode(d *Decision, ec *execution.Context) Mode {
	a := d.Artifact

	switch {
	case a != nil && a.Level == execution.LevelStrategic:
		return ModeChoreographed
	case a != nil && (a.Type == "Event" || a.Type == "Observation"):
		return ModeReactive
	case a != nil && (a.Type == "Process" || a.Type == "Procedure"):
		return ModeDeterministic
	case len(d.Dependencies) > 3:
		return ModeChoreographed
	case ec != nil && ec.Intent().Priority == "critical":
		return ModeDeterministic
	default:
		return ModeDeterministic
	}
}

// Execute dispatches the decision to the strategy implementing mode,
// timing the call and recording success/failure into that strategy's
// rolling metrics.
func (f *Factory) Execute(ctx context.Context, mode Mode, d *Decision, ec *execution.Context) (*execution.Context, error) {
	if d == nil || d.Artifact == nil {
		return ec, ErrMissingArtifact
	}

	strategy := f.lookup(mode, d, ec)
	if strategy == nil {
		return ec, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}

	ctx, span := f.tracer.Start(ctx, "orchestration.execute", trace.WithAttributes(
		attribute.String("orchestration.mode", string(mode)),
		attribute.String("artifact.id", d.Artifact.ID),
	))
	defer span.End()

	f.logger.Info("executing strategy",
		zap.String("mode", string(mode)),
		zap.String("artifact_id", d.Artifact.ID),
		zap.String("context_id", ec.ID()))

	start := time.Now()
	out, err := strategy.Execute(ctx, d, ec)
	elapsed := time.Since(start)

	f.record(mode, elapsed, err == nil)
	f.execCtr.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.Bool("success", err == nil)))
	f.durationHist.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("mode", string(mode))))

	if err != nil {
		f.logger.Warn("strategy execution failed",
			zap.String("mode", string(mode)),
			zap.String("artifact_id", d.Artifact.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return out, err
	}
	return out, nil
}

// Run determines the optimal mode and executes it.
func (f *Factory) Run(ctx context.Context, d *Decision, ec *execution.Context) (*execution.Context, error) {
	return f.Execute(ctx, f.DetermineOptimalMode(d, ec), d, ec)
}

// lookup finds the most recently registered strategy for mode that can
// handle the decision.
func (f *Factory) lookup(mode Mode, d *Decision, ec *execution.Context) Strategy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := len(f.strategies) - 1; i >= 0; i-- {
		s := f.strategies[i]
		if s.Name() == mode && s.CanHandle(d, ec) {
			return s
		}
	}
	return nil
}

func (f *Factory) record(mode Mode, elapsed time.Duration, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.metrics[mode]
	if !ok {
		m = &StrategyMetrics{Mode: mode}
		f.metrics[mode] = m
	}
	m.ExecutionCount++
	if success {
		m.successes++
	}
	m.AverageExecutionTime += (elapsed - m.AverageExecutionTime) / time.Duration(m.ExecutionCount)
	m.SuccessRate = float64(m.successes) / float64(m.ExecutionCount)
}

// Metrics returns a snapshot of the rolling metrics for mode.
func (f *Factory) Metrics(mode Mode) StrategyMetrics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if m, ok := f.metrics[mode]; ok {
		return *m
	}
	return StrategyMetrics{Mode: mode}
}

// FindBestStrategy recommends a strategy for the decision: the rule-derived
// mode wins outright; among the remaining candidates, higher success rate
// first, then lower average execution time. Returns ErrNoStrategy when no
// registered strategy can handle the decision.
func (f *Factory) FindBestStrategy(d *Decision, ec *execution.Context) (Strategy, error) {
	preferred := f.DetermineOptimalMode(d, ec)
	if s := f.lookup(preferred, d, ec); s != nil {
		return s, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var best Strategy
	var bestMetrics StrategyMetrics
	for _, s := range f.strategies {
		if !s.CanHandle(d, ec) {
			continue
		}
		m := StrategyMetrics{Mode: s.Name()}
		if cur, ok := f.metrics[s.Name()]; ok {
			m = *cur
		}
		if best == nil || betterMetrics(m, bestMetrics) {
			best, bestMetrics = s, m
		}
	}
	if best == nil {
		return nil, ErrNoStrategy
	}
	return best, nil
}

func betterMetrics(a, b StrategyMetrics) bool {
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	return a.AverageExecutionTime < b.AverageExecutionTime
}
