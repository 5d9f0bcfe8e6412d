package event

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Prometheus gauges for queue depths, exposed on the daemon's /metrics
// endpoint alongside the OTLP instruments.
var (
	deadLetterGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "semanticd_broker_dead_letter_depth",
		Help: "Current number of entries in the dead-letter queue.",
	})
	subscriptionGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "semanticd_broker_subscriptions",
		Help: "Current number of registered subscriptions.",
	})
)

// SubscriberStats is a snapshot of delivery outcomes for one subscriber id.
type SubscriberStats struct {
	SubscriberID string `json:"subscriber_id"`

	// Published counts events that matched this subscriber at publish
	// time, before delivery settles.
	Published int64 `json:"published"`

	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`

	// AvgProcessingTime is a rolling average of handler latency across
	// successful deliveries.
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

func (b *Broker) initInstruments() {
	meter := otel.Meter(instrumentationName)

	b.publishedCtr = int64Counter(meter, "semanticd.broker.published",
		"Events accepted by publish", "{event}")
	b.deliveredCtr = int64Counter(meter, "semanticd.broker.delivered",
		"Successful deliveries", "{delivery}")
	b.failedCtr = int64Counter(meter, "semanticd.broker.failed",
		"Deliveries that exhausted retries or failed permanently", "{delivery}")
	b.retriedCtr = int64Counter(meter, "semanticd.broker.retried",
		"Delivery retry attempts", "{attempt}")
	b.deadLetterCtr = int64Counter(meter, "semanticd.broker.dead_lettered",
		"Events moved to the dead-letter queue", "{event}")

	hist, err := meter.Float64Histogram("semanticd.broker.delivery_duration",
		metric.WithDescription("Handler latency for successful deliveries"),
		metric.WithUnit("s"))
	if err != nil {
		hist, _ = noop.NewMeterProvider().Meter("").Float64Histogram("noop")
	}
	b.deliveryHist = hist
}

// int64Counter never fails; instrument creation errors degrade to no-op.
func int64Counter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	ctr, err := meter.Int64Counter(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit))
	if err != nil {
		ctr, _ = noop.NewMeterProvider().Meter("").Int64Counter(name)
	}
	return ctr
}

func (b *Broker) statsLocked(subscriberID string) *SubscriberStats {
	st, ok := b.stats[subscriberID]
	if !ok {
		st = &SubscriberStats{SubscriberID: subscriberID}
		b.stats[subscriberID] = st
	}
	return st
}

func (b *Broker) recordDelivered(ctx context.Context, sub *Subscription, elapsed time.Duration) {
	b.mu.Lock()
	st := b.statsLocked(sub.SubscriberID)
	st.Delivered++
	// Incremental rolling average.
	st.AvgProcessingTime += (elapsed - st.AvgProcessingTime) / time.Duration(st.Delivered)
	sub.Metadata.LastTriggered = time.Now()
	sub.Metadata.TriggerCount++
	b.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("subscriber.id", sub.SubscriberID))
	b.deliveredCtr.Add(ctx, 1, attrs)
	b.deliveryHist.Record(ctx, elapsed.Seconds(), attrs)
}

func (b *Broker) recordFailed(ctx context.Context, sub *Subscription) {
	b.mu.Lock()
	st := b.statsLocked(sub.SubscriberID)
	st.Failed++
	st.DeadLettered++
	b.mu.Unlock()

	b.failedCtr.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subscriber.id", sub.SubscriberID)))
}

func (b *Broker) recordRetried(ctx context.Context, sub *Subscription) {
	b.mu.Lock()
	b.statsLocked(sub.SubscriberID).Retried++
	b.mu.Unlock()

	b.retriedCtr.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subscriber.id", sub.SubscriberID)))
}

// SubscriberMetrics returns a snapshot of delivery stats for one subscriber.
func (b *Broker) SubscriberMetrics(subscriberID string) SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if st, ok := b.stats[subscriberID]; ok {
		return *st
	}
	return SubscriberStats{SubscriberID: subscriberID}
}

// AllSubscriberMetrics returns snapshots for every known subscriber.
func (b *Broker) AllSubscriberMetrics() []SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SubscriberStats, 0, len(b.stats))
	for _, st := range b.stats {
		out = append(out, *st)
	}
	return out
}
