package execution

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext() *Context {
	return NewContext(Params{
		Actor:  Actor{ID: "A1", Capabilities: []string{"proposal"}, Level: LevelTactical},
		Intent: Intent{ID: "I1", Goal: "deploy", Priority: "normal"},
		Scope:  Scope{ID: "billing", Area: "finance"},
		Authority: Authority{
			ID:           "AUTH1",
			Active:       true,
			Permissions:  []string{"deploy", "read"},
			Jurisdiction: []string{"billing"},
		},
		Inputs: map[string]any{"env": "staging"},
	})
}

func TestNewContextDefaults(t *testing.T) {
	ec := newTestContext()

	assert.NotEmpty(t, ec.ID())
	assert.Equal(t, StatusPending, ec.State().Status)
	assert.False(t, ec.State().StartTime.IsZero())
	assert.Empty(t, ec.Events())
	assert.Empty(t, ec.Results())
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr bool
	}{
		{name: "happy path", path: []Status{StatusExecuting, StatusCompleted}},
		{name: "pending to failed", path: []Status{StatusFailed}},
		{name: "executing to cancelled", path: []Status{StatusExecuting, StatusCancelled}},
		{name: "completed is terminal", path: []Status{StatusExecuting, StatusCompleted, StatusExecuting}, wantErr: true},
		{name: "failed cannot complete", path: []Status{StatusFailed, StatusCompleted}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := newTestContext()
			var err error
			for _, st := range tt.path {
				s := st
				err = ec.UpdateState(StateUpdate{Status: &s})
				if err != nil {
					break
				}
			}
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestUpdateStatePartialMerge(t *testing.T) {
	ec := newTestContext()

	progress := 40
	step := "step-2"
	require.NoError(t, ec.UpdateState(StateUpdate{Progress: &progress, CurrentStep: &step}))

	st := ec.State()
	assert.Equal(t, 40, st.Progress)
	assert.Equal(t, "step-2", st.CurrentStep)
	assert.Equal(t, StatusPending, st.Status, "status untouched by partial update")
	assert.False(t, st.LastUpdateTime.IsZero())
}

func TestAppendOnlyLogsAreMonotonic(t *testing.T) {
	ec := newTestContext()

	ec.AddEvent("step.completed", map[string]any{"step": 1})
	ec.AddResult(Result{Kind: ResultSuccess, Message: "ok"})
	ec.AddObservation(Observation{Type: "note"})
	v := ec.AddViolation(Violation{Type: "semantic", Severity: SeverityMedium})

	assert.NotEmpty(t, v.ID)
	assert.False(t, v.Timestamp.IsZero())

	lens := []int{len(ec.Events()), len(ec.Results()), len(ec.Observations()), len(ec.Violations())}
	ec.AddEvent("step.completed", nil)
	ec.AddViolation(Violation{Type: "semantic", Severity: SeverityLow})

	assert.GreaterOrEqual(t, len(ec.Events()), lens[0])
	assert.GreaterOrEqual(t, len(ec.Results()), lens[1])
	assert.GreaterOrEqual(t, len(ec.Observations()), lens[2])
	assert.GreaterOrEqual(t, len(ec.Violations()), lens[3])
}

func TestQueryHelpers(t *testing.T) {
	ec := newTestContext()
	ec.AddEvent("a.b", nil)
	ec.AddEvent("a.b", nil)
	ec.AddEvent("c.d", nil)
	ec.AddViolation(Violation{Type: "semantic", Severity: SeverityHigh})
	ec.AddViolation(Violation{Type: "semantic", Severity: SeverityCritical})

	assert.Len(t, ec.EventsByType("a.b"), 2)
	assert.Len(t, ec.EventsByType("missing"), 0)
	assert.Len(t, ec.ViolationsBySeverity(SeverityHigh), 1)
	assert.True(t, ec.HasCriticalViolations())
}

func TestValidateAuthority(t *testing.T) {
	tests := []struct {
		name      string
		authority Authority
		action    string
		want      bool
	}{
		{
			name:      "permitted action in jurisdiction",
			authority: Authority{Active: true, Permissions: []string{"deploy"}, Jurisdiction: []string{"billing"}},
			action:    "deploy",
			want:      true,
		},
		{
			name:      "wildcard permission",
			authority: Authority{Active: true, Permissions: []string{"*"}, Jurisdiction: []string{"billing"}},
			action:    "anything",
			want:      true,
		},
		{
			name:      "wildcard jurisdiction",
			authority: Authority{Active: true, Permissions: []string{"deploy"}, Jurisdiction: []string{"*"}},
			action:    "deploy",
			want:      true,
		},
		{
			name:      "inactive authority",
			authority: Authority{Active: false, Permissions: []string{"*"}, Jurisdiction: []string{"*"}},
			action:    "deploy",
			want:      false,
		},
		{
			name:      "missing permission",
			authority: Authority{Active: true, Permissions: []string{"read"}, Jurisdiction: []string{"*"}},
			action:    "deploy",
			want:      false,
		},
		{
			name:      "outside jurisdiction",
			authority: Authority{Active: true, Permissions: []string{"deploy"}, Jurisdiction: []string{"hr"}},
			action:    "deploy",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := NewContext(Params{
				Scope:     Scope{ID: "billing"},
				Authority: tt.authority,
			})
			assert.Equal(t, tt.want, ec.ValidateAuthority(tt.action))
		})
	}
}

func TestIsWithinScope(t *testing.T) {
	ec := newTestContext()
	assert.True(t, ec.IsWithinScope("billing"))
	assert.True(t, ec.IsWithinScope("finance"))
	assert.True(t, ec.IsWithinScope("*"))
	assert.False(t, ec.IsWithinScope("hr"))
}

func TestClone(t *testing.T) {
	ec := newTestContext()
	ec.UpdateSemanticState(map[string]any{"mode": "deterministic"})
	ec.AddViolation(Violation{Type: "semantic", Severity: SeverityLow})
	executing := StatusExecuting
	require.NoError(t, ec.UpdateState(StateUpdate{Status: &executing}))

	branch := ec.Clone()

	assert.NotEqual(t, ec.ID(), branch.ID())
	assert.Equal(t, ec.Actor(), branch.Actor())
	assert.Equal(t, ec.Authority(), branch.Authority())

	// Fresh logs and pending state.
	assert.Empty(t, branch.Violations())
	assert.Equal(t, StatusPending, branch.State().Status)

	// Semantic state copied but independent.
	mode, ok := branch.SemanticValue("mode")
	require.True(t, ok)
	assert.Equal(t, "deterministic", mode)

	branch.UpdateSemanticState(map[string]any{"mode": "reactive"})
	mode, _ = ec.SemanticValue("mode")
	assert.Equal(t, "deterministic", mode)
}

func TestSnapshotRoundTrips(t *testing.T) {
	ec := newTestContext()
	ec.AddResult(Result{Kind: ResultFailure, Error: "boom"})

	data, err := ec.Snapshot()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ec.ID(), decoded["id"])
}

func TestConcurrentAppends(t *testing.T) {
	ec := newTestContext()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ec.AddEvent("a.b", nil)
			ec.AddObservation(Observation{Type: "note"})
		}()
	}
	wg.Wait()

	assert.Len(t, ec.Events(), 20)
	assert.Len(t, ec.Observations(), 20)
}

func TestOrgLevelWeight(t *testing.T) {
	assert.Equal(t, 3, LevelStrategic.Weight())
	assert.Equal(t, 2, LevelTactical.Weight())
	assert.Equal(t, 1, LevelOperational.Weight())
	assert.Equal(t, 1, OrgLevel("unknown").Weight())
}

func TestSeverityScore(t *testing.T) {
	assert.Equal(t, 4, SeverityCritical.Score())
	assert.Equal(t, 3, SeverityHigh.Score())
	assert.Equal(t, 2, SeverityMedium.Score())
	assert.Equal(t, 1, SeverityLow.Score())
}

func TestUpdateStateStampsTime(t *testing.T) {
	ec := newTestContext()
	before := time.Now()
	p := 10
	require.NoError(t, ec.UpdateState(StateUpdate{Progress: &p}))
	assert.False(t, ec.State().LastUpdateTime.Before(before))
}
