package artifact

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/semanticd/internal/execution"
)

// Errors surfaced by port consumers.
var (
	ErrPluginNotFound   = errors.New("plugin not found")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// ValidationResult is the outcome of external artifact validation.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// Validator is the port to the external validation subsystem.
type Validator interface {
	ValidateArtifact(ctx context.Context, a *Artifact) (*ValidationResult, error)
}

// Plugin executes against a run context and returns the (possibly
// replaced) context.
type Plugin interface {
	Execute(ctx context.Context, ec *execution.Context) (*execution.Context, error)
}

// PluginManager resolves plugins by name. GetPlugin fails with
// ErrPluginNotFound when the name is unknown.
type PluginManager interface {
	GetPlugin(name string) (Plugin, error)
}

// Repository is the port to persistent artifact storage. FindByID returns
// (nil, nil) when the artifact does not exist.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Artifact, error)
}

// PluginFunc adapts a function to the Plugin interface.
type PluginFunc func(ctx context.Context, ec *execution.Context) (*execution.Context, error)

// Execute implements Plugin.
func (f PluginFunc) Execute(ctx context.Context, ec *execution.Context) (*execution.Context, error) {
	return f(ctx, ec)
}
