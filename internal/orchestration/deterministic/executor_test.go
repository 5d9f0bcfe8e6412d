package deterministic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/event"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
)

// fakePluginManager resolves plugins from a map.
type fakePluginManager struct {
	plugins map[string]artifact.Plugin
}

func (f *fakePluginManager) GetPlugin(name string) (artifact.Plugin, error) {
	p, ok := f.plugins[name]
	if !ok {
		return nil, artifact.ErrPluginNotFound
	}
	return p, nil
}

func countingPlugin(counter *atomic.Int64) artifact.Plugin {
	return artifact.PluginFunc(func(ctx context.Context, ec *execution.Context) (*execution.Context, error) {
		counter.Add(1)
		return ec, nil
	})
}

func newExecContext() *execution.Context {
	return execution.NewContext(execution.Params{
		Actor:  execution.Actor{ID: "A1"},
		Intent: execution.Intent{ID: "I1"},
		Scope:  execution.Scope{ID: "ops"},
	})
}

func TestExecuteCompletesPlan(t *testing.T) {
	var calls atomic.Int64
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{"worker": countingPlugin(&calls)}}
	s := New(Config{}, pm, nil, nil)

	ec := newExecContext()
	out, err := s.Execute(context.Background(), operationalDecision(3), ec)
	require.NoError(t, err)

	assert.Equal(t, int64(3), calls.Load())

	st := out.State()
	assert.Equal(t, execution.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	assert.False(t, st.EndTime.IsZero())

	results := out.Results()
	require.NotEmpty(t, results)
	assert.Equal(t, execution.ResultSuccess, results[len(results)-1].Kind)

	// Checkpoints recorded for every phase.
	raw, ok := out.SemanticValue("checkpoints")
	require.True(t, ok)
	cps, ok := raw.([]Checkpoint)
	require.True(t, ok)
	assert.Len(t, cps, 3)
	assert.Equal(t, PhasePreparation, cps[0].Phase)
	assert.NotEmpty(t, cps[1].Snapshot)
}

func TestExecuteSequentialContextReplacement(t *testing.T) {
	// A plugin may replace the context; later steps must see the
	// replacement.
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{
		"worker": artifact.PluginFunc(func(ctx context.Context, ec *execution.Context) (*execution.Context, error) {
			branch := ec.Clone()
			branch.UpdateSemanticState(map[string]any{"branched": true})
			return branch, nil
		}),
	}}
	s := New(Config{}, pm, nil, nil)

	out, err := s.Execute(context.Background(), operationalDecision(1), newExecContext())
	require.NoError(t, err)

	v, ok := out.SemanticValue("branched")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestExecuteParallelBatch(t *testing.T) {
	var calls atomic.Int64
	gate := make(chan struct{})
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{
		"worker": artifact.PluginFunc(func(ctx context.Context, ec *execution.Context) (*execution.Context, error) {
			// Both parallel steps must be in flight before either returns.
			if calls.Add(1) == 2 {
				close(gate)
			}
			select {
			case <-gate:
				return ec, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("batch was not concurrent")
			}
		}),
		"tail": countingPlugin(&calls),
	}}
	s := New(Config{}, pm, nil, nil)

	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:   "P1",
			Type: "Process",
			Content: map[string]any{
				"flow": []any{
					map[string]any{"id": "p1", "plugin": "worker", "parallel": true},
					map[string]any{"id": "p2", "plugin": "worker", "parallel": true},
					map[string]any{"id": "tail", "plugin": "tail"},
				},
			},
		},
	}

	out, err := s.Execute(context.Background(), d, newExecContext())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, out.State().Status)
	assert.Equal(t, int64(3), calls.Load())
}

func TestExecuteCriticalPreconditionAborts(t *testing.T) {
	var calls atomic.Int64
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{"worker": countingPlugin(&calls)}}
	s := New(Config{}, pm, nil, nil)

	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:   "P1",
			Type: "Process",
			Content: map[string]any{
				"flow": []any{
					map[string]any{
						"id":     "guarded",
						"plugin": "worker",
						"conditions": []any{
							map[string]any{"expression": "never_set", "kind": "pre", "critical": true},
						},
					},
				},
			},
		},
	}

	out, err := s.Execute(context.Background(), d, newExecContext())
	require.ErrorIs(t, err, ErrStepPrecondition)

	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, execution.StatusFailed, out.State().Status)

	results := out.Results()
	require.NotEmpty(t, results)
	last := results[len(results)-1]
	assert.Equal(t, execution.ResultFailure, last.Kind)
	assert.Equal(t, []string{"guarded"}, last.Data["plan"], "failure result carries the step-id plan")
}

func TestExecuteNonCriticalPreconditionRecordsViolation(t *testing.T) {
	var calls atomic.Int64
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{"worker": countingPlugin(&calls)}}
	s := New(Config{}, pm, nil, nil)

	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:   "P1",
			Type: "Process",
			Content: map[string]any{
				"flow": []any{
					map[string]any{
						"id":     "soft",
						"plugin": "worker",
						"conditions": []any{
							map[string]any{"expression": "never_set", "kind": "pre"},
						},
					},
				},
			},
		},
	}

	out, err := s.Execute(context.Background(), d, newExecContext())
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load(), "non-critical precondition does not block the step")
	assert.Len(t, out.ViolationsBySeverity(execution.SeverityMedium), 1)
}

func TestExecuteCriticalPostconditionPolicy(t *testing.T) {
	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:   "P1",
			Type: "Process",
			Content: map[string]any{
				"flow": []any{
					map[string]any{
						"id":     "checked",
						"plugin": "worker",
						"conditions": []any{
							map[string]any{"expression": "output_ok", "kind": "post", "critical": true},
						},
					},
				},
			},
		},
	}
	var calls atomic.Int64
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{"worker": countingPlugin(&calls)}}

	t.Run("default records violation and continues", func(t *testing.T) {
		s := New(Config{}, pm, nil, nil)
		out, err := s.Execute(context.Background(), d, newExecContext())
		require.NoError(t, err)
		assert.Equal(t, execution.StatusCompleted, out.State().Status)
		assert.True(t, out.HasCriticalViolations())
	})

	t.Run("abort when configured", func(t *testing.T) {
		s := New(Config{AbortOnCriticalPost: true}, pm, nil, nil)
		out, err := s.Execute(context.Background(), d, newExecContext())
		require.Error(t, err)
		assert.Equal(t, execution.StatusFailed, out.State().Status)
	})
}

func TestExecutePluginRetry(t *testing.T) {
	var attempts atomic.Int64
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{
		"flaky": artifact.PluginFunc(func(ctx context.Context, ec *execution.Context) (*execution.Context, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return ec, nil
		}),
	}}
	s := New(Config{RetryDelay: time.Millisecond}, pm, nil, nil)

	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:   "P1",
			Type: "Process",
			Content: map[string]any{
				"flow": []any{
					map[string]any{"id": "s1", "plugin": "flaky", "retries": 3},
				},
			},
		},
	}

	_, err := s.Execute(context.Background(), d, newExecContext())
	require.NoError(t, err)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestExecuteUnknownPluginFails(t *testing.T) {
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{}}
	s := New(Config{}, pm, nil, nil)

	out, err := s.Execute(context.Background(), operationalDecision(1), newExecContext())
	require.ErrorIs(t, err, artifact.ErrPluginNotFound)
	assert.Equal(t, execution.StatusFailed, out.State().Status)
}

func TestExecuteStepTimeout(t *testing.T) {
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{
		"slow": artifact.PluginFunc(func(ctx context.Context, ec *execution.Context) (*execution.Context, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return ec, nil
			}
		}),
	}}
	s := New(Config{StepTimeout: 10 * time.Millisecond}, pm, nil, nil)

	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:   "P1",
			Type: "Process",
			Content: map[string]any{
				"flow": []any{map[string]any{"id": "s1", "plugin": "slow"}},
			},
		},
	}

	out, err := s.Execute(context.Background(), d, newExecContext())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, execution.StatusFailed, out.State().Status)
}

func TestExecuteEmitsStepEvents(t *testing.T) {
	broker := event.NewBroker(event.Config{}, nil)
	var seen atomic.Int64
	_, err := broker.Subscribe(&event.Subscription{
		SubscriberID: "watcher",
		EventTypes:   []string{"process.step.completed"},
		Handler: func(ctx context.Context, ev *event.Event) event.Result {
			seen.Add(1)
			return event.Ack()
		},
	})
	require.NoError(t, err)

	var calls atomic.Int64
	pm := &fakePluginManager{plugins: map[string]artifact.Plugin{"worker": countingPlugin(&calls)}}
	s := New(Config{}, pm, broker, nil)

	_, err = s.Execute(context.Background(), operationalDecision(2), newExecContext())
	require.NoError(t, err)
	assert.Equal(t, int64(2), seen.Load())
}

func TestEstimateExecutionTime(t *testing.T) {
	s := New(Config{StepTimeout: 10 * time.Second}, nil, nil, nil)

	assert.Equal(t, 30*time.Second, s.EstimateExecutionTime(operationalDecision(3)))

	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:   "P1",
			Type: "Process",
			Content: map[string]any{
				"flow": []any{map[string]any{"id": "s1", "timeout": "2s"}},
			},
		},
	}
	assert.Equal(t, 2*time.Second, s.EstimateExecutionTime(d))
}

func TestDefaultConditionFunc(t *testing.T) {
	ec := newExecContext()
	ec.UpdateSemanticState(map[string]any{"ready": true, "env": "staging", "count": 0})

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"ready", true},
		{"!ready", false},
		{"missing", false},
		{"!missing", true},
		{"env==staging", true},
		{"env==production", false},
		{"env!=production", true},
		{"count", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := defaultConditionFunc(context.Background(), tt.expr, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
