// Package choreographed implements the peer-consensus orchestration
// strategy: a proposal is broadcast to registered participants and approved
// once enough votes arrive before the deadline. No participant holds
// authority over the decision itself.
package choreographed
