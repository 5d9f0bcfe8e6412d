package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/event"
	"github.com/fyrsmithlabs/semanticd/internal/semref"
)

// registrySource identifies registry-emitted events.
const registrySource = "Engine:registry"

// Registry errors.
var (
	ErrMissingArtifactID = errors.New("artifact id is required")
	ErrMissingType       = errors.New("artifact type is required")
	ErrAlreadyRegistered = errors.New("artifact already registered")
	ErrUnknownEndpoint   = errors.New("relationship endpoint is not registered")
)

// Relationship links two registered artifacts.
type Relationship struct {
	From      semref.Ref `json:"from"`
	To        semref.Ref `json:"to"`
	Kind      string     `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
}

// CoherenceIssue is one defect found by a registry-wide coherence scan.
type CoherenceIssue struct {
	ArtifactID  string `json:"artifact_id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// CoherenceReport is the outcome of scanning every registered artifact for
// dangling or malformed references.
type CoherenceReport struct {
	GeneratedAt    time.Time        `json:"generated_at"`
	TotalArtifacts int              `json:"total_artifacts"`
	CountsByType   map[string]int   `json:"counts_by_type,omitempty"`
	Coherent       bool             `json:"coherent"`
	Issues         []CoherenceIssue `json:"issues,omitempty"`
}

// Registry is the in-memory artifact store. It implements
// artifact.Repository and announces every mutation on the event broker so
// reactive monitors can follow dependency changes.
type Registry struct {
	mu            sync.RWMutex
	artifacts     map[string]*artifact.Artifact
	relationships map[string][]Relationship

	broker *event.Broker
	logger *zap.Logger
}

// NewRegistry creates an empty registry. broker may be nil; mutations are
// then not announced.
func NewRegistry(broker *event.Broker, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		artifacts:     make(map[string]*artifact.Artifact),
		relationships: make(map[string][]Relationship),
		broker:        broker,
		logger:        logger.Named("registry"),
	}
}

// Register stores a new artifact and announces artifact.registered.
func (r *Registry) Register(ctx context.Context, a *artifact.Artifact) error {
	if a == nil || a.ID == "" {
		return ErrMissingArtifactID
	}
	if a.Type == "" {
		return ErrMissingType
	}

	r.mu.Lock()
	if _, ok := r.artifacts[a.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.ID)
	}
	r.artifacts[a.ID] = a
	r.mu.Unlock()

	r.logger.Info("artifact registered",
		zap.String("artifact_id", a.ID),
		zap.String("artifact_type", a.Type))
	r.announce(ctx, "artifact.registered", a)
	return nil
}

// Update replaces a registered artifact and announces both the update and
// a dependency-changed topic for anything monitoring it.
func (r *Registry) Update(ctx context.Context, a *artifact.Artifact) error {
	if a == nil || a.ID == "" {
		return ErrMissingArtifactID
	}

	r.mu.Lock()
	if _, ok := r.artifacts[a.ID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", artifact.ErrArtifactNotFound, a.ID)
	}
	r.artifacts[a.ID] = a
	r.mu.Unlock()

	r.announce(ctx, "artifact.updated", a)
	r.announce(ctx, "dependency."+a.ID+".changed", a)
	return nil
}

// Delete removes an artifact and its relationships, announcing
// artifact.deleted.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.artifacts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", artifact.ErrArtifactNotFound, id)
	}
	delete(r.artifacts, id)
	delete(r.relationships, id)
	r.mu.Unlock()

	r.announce(ctx, "artifact.deleted", a)
	return nil
}

// FindByID implements artifact.Repository: (nil, nil) when absent.
func (r *Registry) FindByID(_ context.Context, id string) (*artifact.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.artifacts[id], nil
}

// ByType returns every registered artifact of the given type.
func (r *Registry) ByType(artifactType string) []*artifact.Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*artifact.Artifact
	for _, a := range r.artifacts {
		if a.Type == artifactType {
			out = append(out, a)
		}
	}
	return out
}

// ByArea returns every registered artifact in the given organizational
// area.
func (r *Registry) ByArea(area string) []*artifact.Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*artifact.Artifact
	for _, a := range r.artifacts {
		if a.Area == area {
			out = append(out, a)
		}
	}
	return out
}

// All returns every registered artifact in unspecified order.
func (r *Registry) All() []*artifact.Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*artifact.Artifact, 0, len(r.artifacts))
	for _, a := range r.artifacts {
		out = append(out, a)
	}
	return out
}

// Len returns the number of registered artifacts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.artifacts)
}

// AddRelationship links two registered artifacts. Both endpoints must
// exist.
func (r *Registry) AddRelationship(fromID, toID, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, ok := r.artifacts[fromID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, fromID)
	}
	to, ok := r.artifacts[toID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, toID)
	}

	r.relationships[fromID] = append(r.relationships[fromID], Relationship{
		From:      from.Ref(),
		To:        to.Ref(),
		Kind:      kind,
		CreatedAt: time.Now(),
	})
	return nil
}

// Relationships returns the outgoing relationships of an artifact.
func (r *Registry) Relationships(id string) []Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Relationship, len(r.relationships[id]))
	copy(out, r.relationships[id])
	return out
}

// Coherence scans the whole registry for malformed or dangling references.
func (r *Registry) Coherence() CoherenceReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := CoherenceReport{
		GeneratedAt:    time.Now(),
		TotalArtifacts: len(r.artifacts),
		CountsByType:   make(map[string]int),
		Coherent:       true,
	}

	for id, a := range r.artifacts {
		report.CountsByType[a.Type]++
		for _, u := range a.Uses {
			ref, err := semref.Parse(u)
			if err != nil {
				report.Issues = append(report.Issues, CoherenceIssue{
					ArtifactID:  id,
					Kind:        "malformed_reference",
					Description: fmt.Sprintf("uses entry %q is not a valid semantic reference", u),
				})
				continue
			}
			if _, ok := r.artifacts[ref.ID]; !ok {
				report.Issues = append(report.Issues, CoherenceIssue{
					ArtifactID:  id,
					Kind:        "missing_dependency",
					Description: fmt.Sprintf("depends on unregistered artifact %s", ref),
				})
			}
		}
		for _, rel := range r.relationships[id] {
			if _, ok := r.artifacts[rel.To.ID]; !ok {
				report.Issues = append(report.Issues, CoherenceIssue{
					ArtifactID:  id,
					Kind:        "dangling_relationship",
					Description: fmt.Sprintf("%s relationship points at unregistered artifact %s", rel.Kind, rel.To),
				})
			}
		}
	}

	report.Coherent = len(report.Issues) == 0
	return report
}

// announce publishes a registry mutation; failures are logged only.
func (r *Registry) announce(ctx context.Context, eventType string, a *artifact.Artifact) {
	if r.broker == nil {
		return
	}
	err := r.broker.Publish(ctx, &event.Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		Source: registrySource,
		Payload: map[string]any{
			"artifact":      a.ID,
			"artifact_type": a.Type,
			"area":          a.Area,
		},
	})
	if err != nil {
		r.logger.Warn("registry event publish failed",
			zap.String("event_type", eventType),
			zap.String("artifact_id", a.ID),
			zap.Error(err))
	}
}
