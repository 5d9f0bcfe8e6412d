// Package natsbridge mirrors the in-process event broker onto NATS so
// multiple daemon instances share one event space. Local events publish to
// <prefix>.<event type> subjects and remote events inject back into the
// local broker, with origin tracking to stop echo loops.
package natsbridge
