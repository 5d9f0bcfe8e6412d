// Package event implements the semantic event broker: validated publish,
// filtered subscriptions, concurrent isolated delivery with per-subscription
// retry, a dead-letter queue with rate-limited replay, correlation and
// causation chains, and per-subscriber delivery metrics.
//
// Delivery is fan-out per event: one subscriber failing or stalling never
// blocks delivery to the others. Ordering across publishers is not
// guaranteed; chain readers receive events sorted by timestamp.
package event
