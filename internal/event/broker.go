package event

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/semanticd/internal/event"

// deadLetterTag is appended to an event's metadata tags when it is queued.
const deadLetterTag = "dead-letter"

// Config configures the broker. Zero values fall back to defaults.
type Config struct {
	// MaxRetries is the default retry budget for subscriptions that do not
	// set their own (default: 3).
	MaxRetries int

	// RetryDelay is the default wait between delivery attempts (default: 100ms).
	RetryDelay time.Duration

	// HistorySize bounds the event history ring (default: 1000).
	HistorySize int

	// DeadLetterLimit caps the dead-letter queue; the oldest entry is
	// dropped with a log line when the cap is exceeded (default: 10000).
	DeadLetterLimit int

	// ReplayRate limits dead-letter replay in events per second
	// (default: 100).
	ReplayRate float64
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		HistorySize:     1000,
		DeadLetterLimit: 10000,
		ReplayRate:      100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.DeadLetterLimit <= 0 {
		c.DeadLetterLimit = d.DeadLetterLimit
	}
	if c.ReplayRate <= 0 {
		c.ReplayRate = d.ReplayRate
	}
	return c
}

// DeadLetter is an event that exhausted delivery retries for one
// subscription. Replay targets the originating subscription so that one
// subscriber's failure never causes duplicate delivery to healthy ones.
type DeadLetter struct {
	Event          *Event    `json:"event"`
	SubscriptionID string    `json:"subscription_id"`
	SubscriberID   string    `json:"subscriber_id"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	QueuedAt       time.Time `json:"queued_at"`
}

// Stats summarizes broker activity.
type Stats struct {
	TotalEvents       int64            `json:"total_events"`
	EventCounts       map[string]int64 `json:"event_counts"`
	Subscriptions     int              `json:"subscriptions"`
	DeadLetterDepth   int              `json:"dead_letter_depth"`
	CorrelationChains int              `json:"correlation_chains"`
}

// Broker is the in-process pub/sub hub. All methods are safe for
// concurrent use.
type Broker struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	mu          sync.RWMutex
	subs        map[string]*Subscription
	events      map[string]*Event
	history     []*Event
	historyNext int
	historyLen  int
	correlation map[string][]*Event
	causation   map[string][]*Event
	deadLetters []*DeadLetter
	stats       map[string]*SubscriberStats
	typeCounts  map[string]int64
	totalEvents int64
	closed      bool

	replayLimiter *rate.Limiter

	publishedCtr  metric.Int64Counter
	deliveredCtr  metric.Int64Counter
	failedCtr     metric.Int64Counter
	retriedCtr    metric.Int64Counter
	deadLetterCtr metric.Int64Counter
	deliveryHist  metric.Float64Histogram
}

// NewBroker creates a broker with the given config. A nil logger is
// replaced with a no-op logger.
func NewBroker(cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	b := &Broker{
		cfg:           cfg,
		logger:        logger.Named("broker"),
		tracer:        otel.Tracer(instrumentationName),
		subs:          make(map[string]*Subscription),
		events:        make(map[string]*Event),
		history:       make([]*Event, cfg.HistorySize),
		correlation:   make(map[string][]*Event),
		causation:     make(map[string][]*Event),
		stats:         make(map[string]*SubscriberStats),
		typeCounts:    make(map[string]int64),
		replayLimiter: rate.NewLimiter(rate.Limit(cfg.ReplayRate), 1),
	}
	b.initInstruments()
	return b
}

// Subscribe registers a subscription and returns its id. The broker owns
// the subscription until Unsubscribe.
func (b *Broker) Subscribe(sub *Subscription) (string, error) {
	if err := sub.validate(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBrokerClosed
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Metadata.Created.IsZero() {
		sub.Metadata.Created = time.Now()
	}
	if sub.Metadata.MaxRetries <= 0 {
		sub.Metadata.MaxRetries = b.cfg.MaxRetries
	}
	if sub.Metadata.RetryDelay <= 0 {
		sub.Metadata.RetryDelay = b.cfg.RetryDelay
	}
	sub.Active = true

	b.subs[sub.ID] = sub
	if _, ok := b.stats[sub.SubscriberID]; !ok {
		b.stats[sub.SubscriberID] = &SubscriberStats{SubscriberID: sub.SubscriberID}
	}
	subscriptionGauge.Set(float64(len(b.subs)))

	b.logger.Debug("subscription registered",
		zap.String("subscription_id", sub.ID),
		zap.String("subscriber_id", sub.SubscriberID),
		zap.Strings("event_types", sub.EventTypes))
	return sub.ID, nil
}

// Unsubscribe removes a subscription by id.
func (b *Broker) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	delete(b.subs, id)
	subscriptionGauge.Set(float64(len(b.subs)))
	return nil
}

// Subscription returns the subscription with the given id, or nil.
func (b *Broker) Subscription(id string) *Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs[id]
}

// Publish validates, stores and delivers the event to every matching
// subscription concurrently. Publish returns once every delivery attempt
// (including retries) has settled; individual delivery failures never fail
// the publish itself.
func (b *Broker) Publish(ctx context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	ctx, span := b.tracer.Start(ctx, "broker.publish", trace.WithAttributes(
		attribute.String("event.type", ev.Type),
		attribute.String("event.source", ev.Source),
	))
	defer span.End()

	stored := ev.clone()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.events[stored.ID] = stored
	b.recordHistoryLocked(stored)
	if stored.CorrelationID != "" {
		b.correlation[stored.CorrelationID] = append(b.correlation[stored.CorrelationID], stored)
	}
	if stored.CausationID != "" {
		b.causation[stored.CausationID] = append(b.causation[stored.CausationID], stored)
	}
	b.typeCounts[stored.Type]++
	b.totalEvents++

	matched := b.matchLocked(stored)
	b.mu.Unlock()

	b.publishedCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", stored.Type)))

	if len(matched) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			b.deliver(ctx, stored, s)
		}(sub)
	}
	wg.Wait()
	return nil
}

// matchLocked computes the delivery set. Caller holds b.mu.
func (b *Broker) matchLocked(ev *Event) []*Subscription {
	var matched []*Subscription
	for _, sub := range b.subs {
		if !sub.Active || !sub.matchesType(ev.Type) {
			continue
		}
		if ev.Target != "" && !targetMatches(ev.Target, sub.SubscriberID) {
			continue
		}
		ok := true
		for _, f := range sub.Filters {
			if !f.Evaluate(ev) {
				ok = false
				break
			}
		}
		if ok {
			b.statsLocked(sub.SubscriberID).Published++
			matched = append(matched, sub)
		}
	}
	return matched
}

// targetMatches accepts either the bare subscriber id or a full Type:Id
// reference whose id portion matches.
func targetMatches(target, subscriberID string) bool {
	if target == subscriberID {
		return true
	}
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == ':' {
			return target[i+1:] == subscriberID
		}
	}
	return false
}

// deliver runs the per-(event, subscription) retry state machine.
func (b *Broker) deliver(ctx context.Context, ev *Event, sub *Subscription) {
	if ev.Expired(time.Now()) {
		b.logger.Debug("skipping expired event",
			zap.String("event_id", ev.ID),
			zap.String("subscription_id", sub.ID))
		return
	}

	maxRetries := sub.Metadata.MaxRetries
	var lastErr error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		res := b.invoke(ctx, ev, sub)
		elapsed := time.Since(start)

		switch res.Disposition {
		case DispositionAck:
			b.recordDelivered(ctx, sub, elapsed)
			return

		case DispositionFail:
			b.recordFailed(ctx, sub)
			b.enqueueDeadLetter(ctx, ev, sub, res.Err, attempt+1)
			return

		case DispositionRetry:
			lastErr = res.Err
			if attempt >= maxRetries {
				b.recordFailed(ctx, sub)
				b.enqueueDeadLetter(ctx, ev, sub, lastErr, attempt+1)
				return
			}
			b.recordRetried(ctx, sub)

			delay := res.RetryAfter
			if delay <= 0 {
				delay = sub.Metadata.RetryDelay
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				b.recordFailed(ctx, sub)
				b.enqueueDeadLetter(ctx, ev, sub, ctx.Err(), attempt+1)
				return
			case <-timer.C:
			}
		}
	}
}

// invoke calls the handler, converting a panic into a retryable failure so
// one bad subscriber cannot crash the publisher.
func (b *Broker) invoke(ctx context.Context, ev *Event, sub *Subscription) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				zap.String("subscription_id", sub.ID),
				zap.String("event_id", ev.ID),
				zap.Any("panic", r))
			res = Retry(0, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return sub.Handler(ctx, ev)
}

func (b *Broker) enqueueDeadLetter(ctx context.Context, ev *Event, sub *Subscription, cause error, attempts int) {
	reason := "delivery failed"
	if cause != nil {
		reason = cause.Error()
	}

	tagged := ev.clone()
	tagged.Metadata.Tags = append(tagged.Metadata.Tags, deadLetterTag)

	dl := &DeadLetter{
		Event:          tagged,
		SubscriptionID: sub.ID,
		SubscriberID:   sub.SubscriberID,
		Reason:         reason,
		Attempts:       attempts,
		QueuedAt:       time.Now(),
	}

	b.mu.Lock()
	if len(b.deadLetters) >= b.cfg.DeadLetterLimit {
		dropped := b.deadLetters[0]
		b.deadLetters = b.deadLetters[1:]
		b.logger.Warn("dead-letter queue full, dropping oldest",
			zap.String("event_id", dropped.Event.ID),
			zap.String("subscription_id", dropped.SubscriptionID))
	}
	b.deadLetters = append(b.deadLetters, dl)
	depth := len(b.deadLetters)
	b.mu.Unlock()

	deadLetterGauge.Set(float64(depth))
	b.deadLetterCtr.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subscriber.id", sub.SubscriberID)))
	b.logger.Warn("event dead-lettered",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("subscription_id", sub.ID),
		zap.Int("attempts", attempts),
		zap.String("reason", reason))
}

// DeadLetters returns a snapshot of the dead-letter queue.
func (b *Broker) DeadLetters() []*DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// ReplayDeadLetterEvents redelivers every queued dead letter to its
// originating subscription. Events that fail again are re-queued, never
// dropped. Replay is rate-limited so a large backlog cannot saturate
// subscribers. Returns the number of entries replayed successfully.
func (b *Broker) ReplayDeadLetterEvents(ctx context.Context) (int, error) {
	b.mu.Lock()
	queued := b.deadLetters
	b.deadLetters = nil
	b.mu.Unlock()
	deadLetterGauge.Set(0)

	replayed := 0
	for i, dl := range queued {
		if err := b.replayLimiter.Wait(ctx); err != nil {
			// Put the unprocessed tail back before giving up.
			b.requeue(queued[i:])
			return replayed, err
		}

		b.mu.RLock()
		sub, ok := b.subs[dl.SubscriptionID]
		b.mu.RUnlock()
		if !ok || !sub.Active {
			// Subscription is gone; the entry stays queued so it is
			// never silently lost.
			b.requeue(queued[i : i+1])
			continue
		}

		before := b.deadLetterDepth()
		b.deliver(ctx, dl.Event, sub)
		if b.deadLetterDepth() > before {
			continue // failed again, deliver already re-queued it
		}
		replayed++
	}
	return replayed, nil
}

func (b *Broker) requeue(entries []*DeadLetter) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, entries...)
	depth := len(b.deadLetters)
	b.mu.Unlock()
	deadLetterGauge.Set(float64(depth))
}

func (b *Broker) deadLetterDepth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.deadLetters)
}

// GetCorrelationChain returns all events sharing the correlation id,
// ascending by timestamp.
func (b *Broker) GetCorrelationChain(correlationID string) []*Event {
	b.mu.RLock()
	chain := append([]*Event(nil), b.correlation[correlationID]...)
	b.mu.RUnlock()
	sortByTimestamp(chain)
	return chain
}

// GetCausationChain returns all events caused by the given event id,
// ascending by timestamp.
func (b *Broker) GetCausationChain(causationID string) []*Event {
	b.mu.RLock()
	chain := append([]*Event(nil), b.causation[causationID]...)
	b.mu.RUnlock()
	sortByTimestamp(chain)
	return chain
}

func sortByTimestamp(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

// Event returns a stored event by id, or nil.
func (b *Broker) Event(id string) *Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.events[id]
}

// recordHistoryLocked appends to the bounded history ring. Caller holds b.mu.
func (b *Broker) recordHistoryLocked(ev *Event) {
	b.history[b.historyNext] = ev
	b.historyNext = (b.historyNext + 1) % len(b.history)
	if b.historyLen < len(b.history) {
		b.historyLen++
	}
}

// History returns up to limit most recent events, oldest first, optionally
// filtered by type. An empty eventType matches all.
func (b *Broker) History(eventType string, limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.historyLen {
		limit = b.historyLen
	}

	out := make([]*Event, 0, limit)
	// Walk the ring oldest-to-newest.
	start := b.historyNext - b.historyLen
	for i := 0; i < b.historyLen; i++ {
		idx := (start + i + len(b.history)) % len(b.history)
		ev := b.history[idx]
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats returns a snapshot of broker activity.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int64, len(b.typeCounts))
	for k, v := range b.typeCounts {
		counts[k] = v
	}
	return Stats{
		TotalEvents:       b.totalEvents,
		EventCounts:       counts,
		Subscriptions:     len(b.subs),
		DeadLetterDepth:   len(b.deadLetters),
		CorrelationChains: len(b.correlation),
	}
}

// Close stops accepting publishes and subscriptions. In-flight deliveries
// are allowed to finish.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
