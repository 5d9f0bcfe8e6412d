package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/semanticd/internal/semref"
)

// Common errors for broker operations.
var (
	ErrMissingID            = errors.New("event id is required")
	ErrMissingType          = errors.New("event type is required")
	ErrMissingSource        = errors.New("event source is required")
	ErrInvalidReference     = errors.New("invalid semantic reference")
	ErrMissingHandler       = errors.New("subscription handler is required")
	ErrMissingSubscriber    = errors.New("subscription subscriber id is required")
	ErrNoEventTypes         = errors.New("subscription requires at least one event type")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrBrokerClosed         = errors.New("broker is closed")
)

// Priority orders events from least to most urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Metadata carries versioning and classification information for an event.
type Metadata struct {
	// Version is the schema version of the payload.
	Version string `json:"version"`

	// Format describes the payload encoding (e.g. "json").
	Format string `json:"format"`

	// Classification is the handling classification (e.g. "internal").
	Classification string `json:"classification"`

	// Tags are free-form labels. The broker appends "dead-letter" when an
	// event exhausts its delivery retries.
	Tags []string `json:"tags,omitempty"`
}

// Event is a semantic event. Events are immutable once published; the broker
// stores its own copy and callers must not mutate an event after Publish.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is a dotted event type, e.g. "process.step.completed".
	Type string `json:"type"`

	// Source identifies the emitting party as a Type:Id reference.
	Source string `json:"source"`

	// Target optionally addresses one subscriber as a Type:Id reference.
	// When set, only subscriptions whose subscriber id equals the target's
	// id receive the event.
	Target string `json:"target,omitempty"`

	// Timestamp is when the event occurred. Publish stamps it when zero.
	Timestamp time.Time `json:"timestamp"`

	// Payload is an opaque structured blob. The broker never assumes shape
	// beyond what subscription filters address by dot path.
	Payload map[string]any `json:"payload,omitempty"`

	// Metadata carries version, format, classification and tags.
	Metadata Metadata `json:"metadata"`

	// Context references the execution scope this event belongs to (Type:Id).
	Context string `json:"context,omitempty"`

	// Intent references the intent that produced the event (Type:Id).
	Intent string `json:"intent,omitempty"`

	// Priority orders the event relative to others.
	Priority Priority `json:"priority"`

	// TimeToLive, when positive, expires the event for delivery purposes
	// once Timestamp+TimeToLive has passed.
	TimeToLive time.Duration `json:"time_to_live,omitempty"`

	// CorrelationID groups events belonging to one logical exchange.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID references the id of the event that caused this one.
	CausationID string `json:"causation_id,omitempty"`
}

// Validate checks the required fields and the semantic-reference grammar of
// the source, target, context and intent fields.
func (e *Event) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if e.Type == "" {
		return ErrMissingType
	}
	if e.Source == "" {
		return ErrMissingSource
	}
	for name, ref := range map[string]string{
		"source":  e.Source,
		"target":  e.Target,
		"context": e.Context,
		"intent":  e.Intent,
	} {
		if ref == "" {
			continue
		}
		if !semref.Valid(ref) {
			return fmt.Errorf("%w: %s %q", ErrInvalidReference, name, ref)
		}
	}
	return nil
}

// Expired reports whether the event's time-to-live has elapsed at now.
func (e *Event) Expired(now time.Time) bool {
	return e.TimeToLive > 0 && now.After(e.Timestamp.Add(e.TimeToLive))
}

// clone returns a deep copy owned by the broker.
func (e *Event) clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = deepCopyMap(e.Payload)
	}
	if e.Metadata.Tags != nil {
		cp.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	}
	return &cp
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Disposition is the discriminant of a handler result.
type Disposition int

const (
	// DispositionAck marks the delivery as successful.
	DispositionAck Disposition = iota

	// DispositionRetry requests redelivery, bounded by the subscription's
	// MaxRetries.
	DispositionRetry

	// DispositionFail marks the delivery as permanently failed. The event
	// goes straight to the dead-letter queue for this subscription.
	DispositionFail
)

// Result is the outcome of one handler invocation.
type Result struct {
	Disposition Disposition

	// RetryAfter overrides the subscription's retry delay for the next
	// attempt. Zero means use the configured delay.
	RetryAfter time.Duration

	// Err carries the failure cause for retry and fail dispositions.
	Err error
}

// Ack returns a successful result.
func Ack() Result {
	return Result{Disposition: DispositionAck}
}

// Retry returns a retryable failure. after may be zero to use the
// subscription's configured delay.
func Retry(after time.Duration, err error) Result {
	return Result{Disposition: DispositionRetry, RetryAfter: after, Err: err}
}

// Fail returns a permanent failure.
func Fail(err error) Result {
	return Result{Disposition: DispositionFail, Err: err}
}

// Handler processes one delivered event. Handlers run concurrently with
// other subscribers' handlers; a panicking handler is treated as a
// retryable failure.
type Handler func(ctx context.Context, ev *Event) Result

// SubscriptionMeta tracks per-subscription delivery bookkeeping and retry
// policy.
type SubscriptionMeta struct {
	Created       time.Time     `json:"created"`
	LastTriggered time.Time     `json:"last_triggered,omitempty"`
	TriggerCount  int64         `json:"trigger_count"`
	MaxRetries    int           `json:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// Subscription registers interest in a set of event types. The broker owns
// the subscription for its lifetime; it is removable by id.
type Subscription struct {
	// ID uniquely identifies the subscription. Subscribe assigns one when
	// empty.
	ID string `json:"id"`

	// SubscriberID identifies the owning party. Targeted events are only
	// delivered when the target's id equals this value.
	SubscriberID string `json:"subscriber_id"`

	// EventTypes lists the types this subscription matches. "*" matches
	// every type.
	EventTypes []string `json:"event_types"`

	// Filters are AND-combined predicates over event fields.
	Filters []Filter `json:"filters,omitempty"`

	// Handler receives matched events.
	Handler Handler `json:"-"`

	// Active gates delivery; inactive subscriptions never match.
	Active bool `json:"active"`

	// Metadata holds delivery bookkeeping and the retry policy.
	Metadata SubscriptionMeta `json:"metadata"`
}

// validate checks the subscription before registration.
func (s *Subscription) validate() error {
	if s.SubscriberID == "" {
		return ErrMissingSubscriber
	}
	if len(s.EventTypes) == 0 {
		return ErrNoEventTypes
	}
	if s.Handler == nil {
		return ErrMissingHandler
	}
	return nil
}

// matchesType reports whether the subscription covers the given event type.
// A trailing ".*" matches any type sharing the prefix, so "area.ops.*"
// covers "area.ops.event".
func (s *Subscription) matchesType(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
		if strings.HasSuffix(t, ".*") && strings.HasPrefix(eventType, t[:len(t)-1]) {
			return true
		}
	}
	return false
}
