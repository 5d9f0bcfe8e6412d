package choreographed

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/event"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
)

const instrumentationName = "github.com/fyrsmithlabs/semanticd/internal/orchestration/choreographed"

// eventSource identifies this strategy in emitted events.
const eventSource = "Orchestrator:choreographed"

// Protocol topics on the broker. Remote peers announce themselves on the
// join topic and cast votes on the vote topic; with the NATS bridge in
// front, peers on other nodes join and vote the same way.
const (
	voteEventType = "choreographed.vote"
	joinEventType = "choreographed.join"
)

// Errors returned by the consensus protocol.
var (
	ErrProposalNotFound = fmt.Errorf("proposal not found")
	ErrNoParticipants   = fmt.Errorf("no registered participants")
)

// Config configures the choreographed strategy.
type Config struct {
	// QuorumThreshold is the fraction of participants whose approval is
	// required (default: 0.6).
	QuorumThreshold float64

	// TimeoutPeriod bounds one consensus round (default: 30s).
	TimeoutPeriod time.Duration

	// PollInterval is how often the round checks for consensus
	// (default: 50ms).
	PollInterval time.Duration

	// ProposalRetention bounds how long a proposal stays queryable after
	// its deadline; older rounds are pruned (default: 10m).
	ProposalRetention time.Duration
}

// DefaultConfig returns the strategy defaults.
func DefaultConfig() Config {
	return Config{
		QuorumThreshold:   0.6,
		TimeoutPeriod:     30 * time.Second,
		PollInterval:      50 * time.Millisecond,
		ProposalRetention: 10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QuorumThreshold <= 0 || c.QuorumThreshold > 1 {
		c.QuorumThreshold = d.QuorumThreshold
	}
	if c.TimeoutPeriod <= 0 {
		c.TimeoutPeriod = d.TimeoutPeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProposalRetention <= 0 {
		c.ProposalRetention = d.ProposalRetention
	}
	return c
}

// Strategy is the choreographed (consensus-mode) coordinator.
type Strategy struct {
	cfg    Config
	broker *event.Broker
	logger *zap.Logger
	tracer trace.Tracer

	mu           sync.Mutex
	participants map[string]*Participant
	proposals    map[string]*Proposal
	subID        string
}

// New creates the choreographed strategy. When a broker is supplied the
// strategy discovers peers on choreographed.join and listens for remote
// votes on choreographed.vote.
func New(cfg Config, broker *event.Broker, logger *zap.Logger) (*Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Strategy{
		cfg:          cfg.withDefaults(),
		broker:       broker,
		logger:       logger.Named("choreographed"),
		tracer:       otel.Tracer(instrumentationName),
		participants: make(map[string]*Participant),
		proposals:    make(map[string]*Proposal),
	}

	if broker != nil {
		id, err := broker.Subscribe(&event.Subscription{
			SubscriberID: "choreographed",
			EventTypes:   []string{voteEventType, joinEventType},
			Handler:      s.handleProtocolEvent,
		})
		if err != nil {
			return nil, fmt.Errorf("subscribing to consensus protocol events: %w", err)
		}
		s.subID = id
	}
	return s, nil
}

// Close stops listening for protocol events.
func (s *Strategy) Close() error {
	if s.broker == nil || s.subID == "" {
		return nil
	}
	return s.broker.Unsubscribe(s.subID)
}

// Name implements orchestration.Strategy.
func (s *Strategy) Name() orchestration.Mode { return orchestration.ModeChoreographed }

// CanHandle implements orchestration.Strategy.
func (s *Strategy) CanHandle(d *orchestration.Decision, _ *execution.Context) bool {
	return d != nil && d.Artifact != nil
}

// EstimateExecutionTime implements orchestration.Strategy: a round runs at
// most one timeout period.
func (s *Strategy) EstimateExecutionTime(_ *orchestration.Decision) time.Duration {
	return s.cfg.TimeoutPeriod
}

// RegisterParticipant adds a consensus peer. Role and weight are derived
// from the actor's capabilities and organizational level.
func (s *Strategy) RegisterParticipant(actor execution.Actor) Participant {
	p := participantFor(actor)

	s.mu.Lock()
	s.participants[p.ID] = &p
	s.mu.Unlock()

	s.logger.Debug("participant registered",
		zap.String("participant_id", p.ID),
		zap.String("role", string(p.Role)),
		zap.Int("weight", p.Weight))
	return p
}

// DeactivateParticipant marks a peer inactive; its future votes are
// dropped.
func (s *Strategy) DeactivateParticipant(id string) {
	s.mu.Lock()
	if p, ok := s.participants[id]; ok {
		p.Active = false
	}
	s.mu.Unlock()
}

// Execute implements orchestration.Strategy: register the acting
// participant, broadcast a proposal, and poll for consensus until the
// deadline.
func (s *Strategy) Execute(ctx context.Context, d *orchestration.Decision, ec *execution.Context) (*execution.Context, error) {
	ctx, span := s.tracer.Start(ctx, "choreographed.execute")
	defer span.End()

	executing := execution.StatusExecuting
	if err := ec.UpdateState(execution.StateUpdate{Status: &executing}); err != nil {
		return ec, err
	}

	actor := ec.Actor()
	s.RegisterParticipant(actor)
	s.emit(ctx, joinEventType, map[string]any{
		"participant_id": actor.ID,
		"name":           actor.Name,
		"level":          string(actor.Level),
		"capabilities":   actor.Capabilities,
	})
	s.emit(ctx, "choreography.initiated", map[string]any{
		"artifact": d.Artifact.ID,
		"actor":    actor.ID,
	})

	proposal, err := s.propose(ctx, ProposalRequest{
		ArtifactID:            d.Artifact.ID,
		ProposedBy:            actor.ID,
		Action:                "execute",
		SemanticJustification: fmt.Sprintf("%s risk, %d dependencies", d.Risk, len(d.Dependencies)),
	})
	if err != nil {
		return ec, err
	}
	span.SetAttributes(
		attribute.String("proposal.id", proposal.ID),
		attribute.Int("proposal.required_consensus", proposal.RequiredConsensus),
	)
	ec.UpdateSemanticState(map[string]any{
		"mode":               string(orchestration.ModeChoreographed),
		"proposal_id":        proposal.ID,
		"required_consensus": proposal.RequiredConsensus,
	})

	reached, err := s.await(ctx, proposal.ID)
	if err != nil {
		return ec, err
	}

	if reached {
		return s.approve(ctx, ec, proposal.ID)
	}
	return s.reject(ec, proposal.ID)
}

// ProposalRequest describes the round to open.
type ProposalRequest struct {
	ArtifactID            string
	ProposedBy            string
	Action                string
	SemanticJustification string
}

// propose builds and broadcasts a proposal. The required consensus is the
// ceiling of participant count times the quorum threshold.
func (s *Strategy) propose(ctx context.Context, req ProposalRequest) (*Proposal, error) {
	s.mu.Lock()
	now := time.Now()
	s.pruneLocked(now)
	count := len(s.participants)
	if count == 0 {
		s.mu.Unlock()
		return nil, ErrNoParticipants
	}
	p := &Proposal{
		ID:                    uuid.NewString(),
		ArtifactID:            req.ArtifactID,
		Action:                req.Action,
		SemanticJustification: req.SemanticJustification,
		ProposedBy:            req.ProposedBy,
		Status:                ProposalPending,
		RequiredConsensus:     int(math.Ceil(float64(count) * s.cfg.QuorumThreshold)),
		Deadline:              now.Add(s.cfg.TimeoutPeriod),
		CreatedAt:             now,
		Votes:                 make(map[string]Vote),
	}
	s.proposals[p.ID] = p
	s.mu.Unlock()

	s.emit(ctx, "choreographed.proposal", map[string]any{
		"proposal_id":            p.ID,
		"artifact":               req.ArtifactID,
		"action":                 req.Action,
		"semantic_justification": req.SemanticJustification,
		"proposed_by":            req.ProposedBy,
		"required_consensus":     p.RequiredConsensus,
		"deadline":               p.Deadline.Format(time.RFC3339),
	})
	s.logger.Info("proposal broadcast",
		zap.String("proposal_id", p.ID),
		zap.String("artifact_id", req.ArtifactID),
		zap.Int("required_consensus", p.RequiredConsensus))
	return p, nil
}

// pruneLocked expires stale pending rounds and drops proposals whose
// deadline plus the retention window has passed. Caller holds s.mu.
func (s *Strategy) pruneLocked(now time.Time) {
	for id, p := range s.proposals {
		if p.Status == ProposalPending && now.After(p.Deadline) {
			p.Status = ProposalExpired
		}
		if now.After(p.Deadline.Add(s.cfg.ProposalRetention)) {
			delete(s.proposals, id)
		}
	}
}

// CastVote records a participant's vote. Votes against non-pending
// proposals, from unknown or inactive participants, or past the deadline
// are silently dropped.
func (s *Strategy) CastVote(proposalID, voterID string, decision VoteDecision, reasoning ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[proposalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	voter, known := s.participants[voterID]
	if p.Status != ProposalPending || !known || !voter.Active || time.Now().After(p.Deadline) {
		s.logger.Debug("vote dropped",
			zap.String("proposal_id", proposalID),
			zap.String("voter_id", voterID),
			zap.Bool("known", known))
		return nil
	}

	p.Votes[voterID] = Vote{
		VoterID:   voterID,
		Decision:  decision,
		Weight:    voter.Weight,
		Reasoning: reasoning,
		Timestamp: time.Now(),
	}
	return nil
}

// handleProtocolEvent dispatches join and vote events arriving over the
// broker.
func (s *Strategy) handleProtocolEvent(_ context.Context, ev *event.Event) event.Result {
	switch ev.Type {
	case joinEventType:
		s.handleJoin(ev)
	case voteEventType:
		s.handleVote(ev)
	}
	return event.Ack()
}

// handleJoin registers an announced peer. Already-known participants keep
// their current record so a replayed join cannot reactivate a deactivated
// peer.
func (s *Strategy) handleJoin(ev *event.Event) {
	id, _ := ev.Payload["participant_id"].(string)
	if id == "" {
		return
	}
	name, _ := ev.Payload["name"].(string)
	level, _ := ev.Payload["level"].(string)
	caps := stringSlice(ev.Payload["capabilities"])

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.participants[id]; known {
		return
	}
	p := participantFor(execution.Actor{
		ID:           id,
		Name:         name,
		Level:        execution.OrgLevel(level),
		Capabilities: caps,
	})
	s.participants[id] = &p
	s.logger.Info("peer discovered",
		zap.String("participant_id", id),
		zap.String("role", string(p.Role)),
		zap.Int("weight", p.Weight))
}

// handleVote applies a remote vote. A bare "approve" bool is accepted
// alongside the three-way "decision" field.
func (s *Strategy) handleVote(ev *event.Event) {
	proposalID, _ := ev.Payload["proposal_id"].(string)
	voterID, _ := ev.Payload["voter_id"].(string)
	if proposalID == "" || voterID == "" {
		return
	}

	decision := VoteDecision("")
	if d, ok := ev.Payload["decision"].(string); ok {
		decision = VoteDecision(d)
	} else if approve, ok := ev.Payload["approve"].(bool); ok {
		decision = DecisionReject
		if approve {
			decision = DecisionApprove
		}
	}
	switch decision {
	case DecisionApprove, DecisionReject, DecisionAbstain:
	default:
		return
	}

	// Unknown proposals are fine; this node may simply not own them.
	_ = s.CastVote(proposalID, voterID, decision, stringSlice(ev.Payload["reasoning"])...)
}

// stringSlice coerces a decoded payload value into []string.
func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// await polls the proposal until consensus is reached, the deadline
// passes, or the caller's context ends.
func (s *Strategy) await(ctx context.Context, proposalID string) (bool, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		p, ok := s.proposals[proposalID]
		if !ok {
			s.mu.Unlock()
			return false, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
		}
		reached := p.approvals() >= p.RequiredConsensus
		expired := time.Now().After(p.Deadline)
		s.mu.Unlock()

		if reached {
			return true, nil
		}
		if expired {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// approve finalizes a successful round and announces the issued directive
// at the acting party's organizational level.
func (s *Strategy) approve(ctx context.Context, ec *execution.Context, proposalID string) (*execution.Context, error) {
	s.mu.Lock()
	p := s.proposals[proposalID]
	p.Status = ProposalApproved
	voters := p.voterIDs()
	score := p.weightedScore()
	approvals := p.approvals()
	s.mu.Unlock()

	completed := execution.StatusCompleted
	progress := 100
	now := time.Now()
	if err := ec.UpdateState(execution.StateUpdate{Status: &completed, Progress: &progress, EndTime: &now}); err != nil {
		return ec, err
	}
	ec.AddResult(execution.Result{
		Kind:    execution.ResultSuccess,
		Message: "consensus reached",
		Data: map[string]any{
			"proposal_id":    proposalID,
			"voters":         voters,
			"approvals":      approvals,
			"weighted_score": score,
		},
	})
	s.emit(ctx, fmt.Sprintf("%s.directive.issued", ec.Actor().Level), map[string]any{
		"proposal_id": proposalID,
		"context_id":  ec.ID(),
		"approvals":   approvals,
	})
	s.logger.Info("consensus reached",
		zap.String("proposal_id", proposalID),
		zap.Int("approvals", approvals),
		zap.Int("weighted_score", score))
	return ec, nil
}

// reject finalizes a timed-out round. The caller decides whether to
// re-propose; no automatic retry happens here.
func (s *Strategy) reject(ec *execution.Context, proposalID string) (*execution.Context, error) {
	s.mu.Lock()
	p := s.proposals[proposalID]
	p.Status = ProposalRejected
	approvals := p.approvals()
	required := p.RequiredConsensus
	s.mu.Unlock()

	ec.AddViolation(execution.Violation{
		Type:        "semantic",
		Severity:    execution.SeverityMedium,
		Description: fmt.Sprintf("consensus not reached before deadline: %d of %d approvals", approvals, required),
		Remediation: "review proposal parameters and retry",
		Source:      eventSource,
	})
	ec.AddResult(execution.Result{
		Kind:    execution.ResultFailure,
		Message: "proposal rejected on timeout",
		Data:    map[string]any{"proposal_id": proposalID, "approvals": approvals},
	})

	completed := execution.StatusCompleted
	now := time.Now()
	if err := ec.UpdateState(execution.StateUpdate{Status: &completed, EndTime: &now}); err != nil {
		return ec, err
	}
	s.logger.Warn("proposal rejected",
		zap.String("proposal_id", proposalID),
		zap.Int("approvals", approvals),
		zap.Int("required", required))
	return ec, nil
}

// Proposal returns a snapshot of the proposal, or nil.
func (s *Strategy) Proposal(id string) *Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil
	}
	cp := *p
	cp.Votes = make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		cp.Votes[k] = v
	}
	return &cp
}

// Participants returns a snapshot of the registered peers.
func (s *Strategy) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// emit publishes fire-and-forget protocol events.
func (s *Strategy) emit(ctx context.Context, eventType string, payload map[string]any) {
	if s.broker == nil {
		return
	}
	err := s.broker.Publish(ctx, &event.Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  eventSource,
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
