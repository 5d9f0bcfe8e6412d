package choreographed

import (
	"time"

	"github.com/fyrsmithlabs/semanticd/internal/execution"
)

// Role is a participant's function in the consensus protocol, derived from
// its declared capabilities.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleProposer    Role = "proposer"
	RoleVoter       Role = "voter"
)

// roleFor maps capabilities onto a role. Coordination outranks proposal.
func roleFor(capabilities []string) Role {
	role := RoleVoter
	for _, c := range capabilities {
		switch c {
		case "coordination":
			return RoleCoordinator
		case "proposal":
			role = RoleProposer
		}
	}
	return role
}

// Participant is a registered consensus peer.
type Participant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Role         Role      `json:"role"`
	Weight       int       `json:"weight"`
	Active       bool      `json:"active"`
	Capabilities []string  `json:"capabilities,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
}

// ProposalStatus tracks the proposal lifecycle. Expired marks pending
// rounds whose deadline passed without a caller observing the timeout.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// VoteDecision is a participant's three-way position. Abstentions are
// recorded but count toward neither approval nor rejection.
type VoteDecision string

const (
	DecisionApprove VoteDecision = "approve"
	DecisionReject  VoteDecision = "reject"
	DecisionAbstain VoteDecision = "abstain"
)

// Vote is one participant's position on a proposal.
type Vote struct {
	VoterID   string       `json:"voter_id"`
	Decision  VoteDecision `json:"decision"`
	Weight    int          `json:"weight"`
	Reasoning []string     `json:"reasoning,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Proposal is a consensus round over one artifact execution.
type Proposal struct {
	ID                    string          `json:"id"`
	ArtifactID            string          `json:"artifact_id"`
	Action                string          `json:"action,omitempty"`
	SemanticJustification string          `json:"semantic_justification,omitempty"`
	ProposedBy            string          `json:"proposed_by"`
	Status                ProposalStatus  `json:"status"`
	RequiredConsensus     int             `json:"required_consensus"`
	Deadline              time.Time       `json:"deadline"`
	CreatedAt             time.Time       `json:"created_at"`
	Votes                 map[string]Vote `json:"votes"`
}

// approvals counts approving votes. Consensus is a head count, not a
// weighted sum.
func (p *Proposal) approvals() int {
	n := 0
	for _, v := range p.Votes {
		if v.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

// weightedScore sums signed vote weights, abstentions excluded.
// Observational only; it is never the consensus gate.
func (p *Proposal) weightedScore() int {
	score := 0
	for _, v := range p.Votes {
		switch v.Decision {
		case DecisionApprove:
			score += v.Weight
		case DecisionReject:
			score -= v.Weight
		}
	}
	return score
}

// voterIDs returns the ids of everyone who voted.
func (p *Proposal) voterIDs() []string {
	out := make([]string, 0, len(p.Votes))
	for id := range p.Votes {
		out = append(out, id)
	}
	return out
}

// participantFor builds a Participant from an actor snapshot.
func participantFor(actor execution.Actor) Participant {
	return Participant{
		ID:           actor.ID,
		Name:         actor.Name,
		Role:         roleFor(actor.Capabilities),
		Weight:       actor.Level.Weight(),
		Active:       true,
		Capabilities: actor.Capabilities,
		JoinedAt:     time.Now(),
	}
}
