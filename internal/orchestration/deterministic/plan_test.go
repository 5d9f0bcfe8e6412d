package deterministic

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
)

func operationalDecision(steps int) *orchestration.Decision {
	flow := make([]any, 0, steps)
	for i := 0; i < steps; i++ {
		flow = append(flow, map[string]any{
			"id":     fmt.Sprintf("step-%d", i),
			"plugin": "worker",
		})
	}
	return &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:      "P1",
			Type:    "Process",
			Content: map[string]any{"flow": flow},
		},
	}
}

func TestBuildPlanOperational(t *testing.T) {
	// N flow steps produce exactly N steps and N-1 sequential dependencies.
	for _, n := range []int{1, 3, 7} {
		t.Run(fmt.Sprintf("%d steps", n), func(t *testing.T) {
			plan, err := BuildPlan(operationalDecision(n), RetryConfig{})
			require.NoError(t, err)

			assert.Len(t, plan.Steps, n)
			assert.Len(t, plan.Dependencies, n-1)
			for i, dep := range plan.Dependencies {
				assert.Equal(t, plan.Steps[i+1].ID, dep.StepID)
				assert.Equal(t, []string{plan.Steps[i].ID}, dep.DependsOn)
				assert.Equal(t, DependencyHard, dep.Kind)
			}

			require.Len(t, plan.Phases, 3)
			assert.Equal(t, PhasePreparation, plan.Phases[0].Name)
			assert.Equal(t, PhaseExecution, plan.Phases[1].Name)
			assert.Equal(t, PhaseValidation, plan.Phases[2].Name)
			assert.Len(t, plan.Phases[1].StepIDs, n)

			assert.Equal(t, "phase", plan.RollbackStrategy)
		})
	}
}

func TestBuildPlanNonOperational(t *testing.T) {
	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:      "E1",
			Type:    "Evaluation",
			Content: map[string]any{"plugins": []any{"scorer", "reporter"}},
		},
	}

	plan, err := BuildPlan(d, RetryConfig{MaxRetries: 2})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "plugin-scorer", plan.Steps[0].ID)
	assert.Equal(t, StepPlugin, plan.Steps[0].Type)
	assert.Equal(t, 2, plan.Steps[0].RetryConfig.MaxRetries)

	require.Len(t, plan.Phases, 1)
	assert.Equal(t, PhaseExecution, plan.Phases[0].Name)
}

func TestBuildPlanPrefersDecisionPlugins(t *testing.T) {
	d := &orchestration.Decision{
		Artifact:        &artifact.Artifact{ID: "E1", Type: "Evaluation"},
		RequiredPlugins: []string{"custom"},
	}
	plan, err := BuildPlan(d, RetryConfig{})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "custom", plan.Steps[0].Plugin)
}

func TestBuildPlanStepInheritance(t *testing.T) {
	d := &orchestration.Decision{
		Artifact: &artifact.Artifact{
			ID:   "P1",
			Type: "Process",
			Content: map[string]any{
				"flow": []any{
					map[string]any{
						"id":      "s1",
						"plugin":  "loader",
						"timeout": "5s",
						"retries": 4,
						"conditions": []any{
							map[string]any{"expression": "ready", "critical": true},
						},
					},
					map[string]any{"id": "s2", "plugin": "worker", "parallel": true},
				},
			},
		},
	}

	plan, err := BuildPlan(d, RetryConfig{MaxRetries: 1})
	require.NoError(t, err)

	s1 := plan.step("s1")
	require.NotNil(t, s1)
	assert.Equal(t, "loader", s1.Plugin)
	assert.Equal(t, 4, s1.RetryConfig.MaxRetries, "step retries override the default")
	require.Len(t, s1.Conditions, 1)
	assert.True(t, s1.Conditions[0].Critical)

	s2 := plan.step("s2")
	require.NotNil(t, s2)
	assert.True(t, s2.Parallel)
	assert.Equal(t, 1, s2.RetryConfig.MaxRetries)

	assert.True(t, plan.Phases[1].CanRunInParallel)
}

func TestBuildPlanEmpty(t *testing.T) {
	d := &orchestration.Decision{Artifact: &artifact.Artifact{ID: "X", Type: "Policy"}}
	_, err := BuildPlan(d, RetryConfig{})
	assert.ErrorIs(t, err, ErrEmptyPlan)

	_, err = BuildPlan(nil, RetryConfig{})
	assert.ErrorIs(t, err, orchestration.ErrMissingArtifact)
}
