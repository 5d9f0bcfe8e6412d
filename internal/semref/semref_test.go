package semref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Ref
		wantErr bool
	}{
		{name: "actor reference", input: "Actor:A1", want: Ref{Type: "Actor", ID: "A1"}},
		{name: "process reference", input: "Process:onboarding", want: Ref{Type: "Process", ID: "onboarding"}},
		{name: "id with dots and dashes", input: "Context:team-eu.billing", want: Ref{Type: "Context", ID: "team-eu.billing"}},
		{name: "missing separator", input: "ActorA1", wantErr: true},
		{name: "empty id", input: "Actor:", wantErr: true},
		{name: "empty type", input: ":A1", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
		{name: "type starting with digit", input: "1Actor:A1", wantErr: true},
		{name: "whitespace", input: "Actor: A1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRefString(t *testing.T) {
	r := MustParse("Policy:P7")
	assert.Equal(t, "Policy:P7", r.String())
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("Intent:deploy"))
	assert.False(t, Valid("not a ref"))
}

func TestSameType(t *testing.T) {
	a := MustParse("Actor:A1")
	b := MustParse("actor:A2")
	c := MustParse("Process:A1")

	assert.True(t, a.SameType(b))
	assert.False(t, a.SameType(c))
}
