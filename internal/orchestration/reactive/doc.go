// Package reactive implements the event-driven orchestration strategy. It
// subscribes to the event types relevant to an artifact, polices incoming
// events with a set of coherence checks, and intervenes when violations
// cross the configured threshold.
package reactive
