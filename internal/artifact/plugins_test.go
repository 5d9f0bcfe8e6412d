package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/semanticd/internal/execution"
)

func TestPluginRegistry(t *testing.T) {
	reg := NewPluginRegistry()

	_, err := reg.GetPlugin("worker")
	assert.ErrorIs(t, err, ErrPluginNotFound)

	reg.RegisterPlugin("worker", PluginFunc(func(_ context.Context, ec *execution.Context) (*execution.Context, error) {
		return ec, nil
	}))

	p, err := reg.GetPlugin("worker")
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Equal(t, []string{"worker"}, reg.Plugins())
}
