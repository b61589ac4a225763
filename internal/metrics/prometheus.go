package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget. Registration errors
// are logged but never propagated.
type PrometheusSink struct {
	log zerolog.Logger

	// Event bus metrics
	eventsPublishedTotal  *prometheus.CounterVec
	publishRejectedTotal  *prometheus.CounterVec
	fanOutSize            prometheus.Histogram

	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	attemptDuration       prometheus.Histogram
	retryDelay            prometheus.Histogram
	deliveriesInFlight    prometheus.Gauge
	claimConflictsTotal   prometheus.Counter
	sweepBatchSize        prometheus.Histogram

	// Ready queue metrics
	queueDepth          prometheus.Gauge
	queueCapacity       prometheus.Gauge
	enqueueDroppedTotal prometheus.Counter

	// Housekeeping metrics
	staleRequeuedTotal     prometheus.Counter
	deliveriesPrunedTotal  prometheus.Counter

	// Registry metrics
	breakerTrippedTotal prometheus.Counter
}

// NewPrometheusSink creates a Prometheus metrics sink. If a collector
// fails to register the sink stays functional; the metric is simply
// not exported.
func NewPrometheusSink(reg prometheus.Registerer, log zerolog.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}
	s.initEventBusMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initQueueMetrics(reg)
	s.initHousekeepingMetrics(reg)
	return s
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_events_published_total",
		Help: "Total number of events published, by event type.",
	}, []string{"event_type"})
	s.publishRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_publish_rejected_total",
		Help: "Total number of publish calls rejected at validation.",
	}, []string{"reason"})
	s.fanOutSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookline_fanout_deliveries",
		Help:    "Number of deliveries created per published event.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	s.register(reg, s.eventsPublishedTotal, "hookline_events_published_total")
	s.register(reg, s.publishRejectedTotal, "hookline_publish_rejected_total")
	s.register(reg, s.fanOutSize, "hookline_fanout_deliveries")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookline_delivery_outcomes_total",
		Help: "Total number of terminal delivery outcomes.",
	}, []string{"outcome"})
	s.attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookline_delivery_attempt_duration_seconds",
		Help:    "Webhook request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.retryDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookline_retry_delay_seconds",
		Help:    "Scheduled delay before the next retry attempt.",
		Buckets: []float64{30, 60, 120, 300, 600, 1800, 3600},
	})
	s.deliveriesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hookline_deliveries_in_flight",
		Help: "Number of deliveries currently claimed by workers.",
	})
	s.claimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookline_claim_conflicts_total",
		Help: "Total number of claim attempts lost to another worker or ineligibility.",
	})
	s.sweepBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookline_sweep_batch_size",
		Help:    "Number of due deliveries enqueued per sweep.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	s.register(reg, s.deliveryAttemptsTotal, "hookline_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "hookline_delivery_outcomes_total")
	s.register(reg, s.attemptDuration, "hookline_delivery_attempt_duration_seconds")
	s.register(reg, s.retryDelay, "hookline_retry_delay_seconds")
	s.register(reg, s.deliveriesInFlight, "hookline_deliveries_in_flight")
	s.register(reg, s.claimConflictsTotal, "hookline_claim_conflicts_total")
	s.register(reg, s.sweepBatchSize, "hookline_sweep_batch_size")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hookline_ready_queue_depth",
		Help: "Current number of delivery ids buffered in the ready queue.",
	})
	s.queueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hookline_ready_queue_capacity",
		Help: "Configured capacity of the ready queue.",
	})
	s.enqueueDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookline_ready_queue_dropped_total",
		Help: "Total number of enqueue attempts dropped because the queue was full.",
	})

	s.register(reg, s.queueDepth, "hookline_ready_queue_depth")
	s.register(reg, s.queueCapacity, "hookline_ready_queue_capacity")
	s.register(reg, s.enqueueDroppedTotal, "hookline_ready_queue_dropped_total")
}

func (s *PrometheusSink) initHousekeepingMetrics(reg prometheus.Registerer) {
	s.staleRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookline_stale_claims_requeued_total",
		Help: "Total number of stale in-flight deliveries returned to retrying.",
	})
	s.deliveriesPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookline_deliveries_pruned_total",
		Help: "Total number of terminal delivery rows pruned by the janitor.",
	})
	s.breakerTrippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookline_breaker_tripped_total",
		Help: "Total number of subscriptions auto-deactivated by the circuit breaker.",
	})

	s.register(reg, s.staleRequeuedTotal, "hookline_stale_claims_requeued_total")
	s.register(reg, s.deliveriesPrunedTotal, "hookline_deliveries_pruned_total")
	s.register(reg, s.breakerTrippedTotal, "hookline_breaker_tripped_total")
}

// register attempts to register a collector, logging errors without
// propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn().Err(err).Str("metric", name).Msg("metric registration failed")
	}
}

func (s *PrometheusSink) EventPublished(eventType string) {
	s.eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) PublishRejected(reason string) {
	s.publishRejectedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) FanOutObserve(matches int) {
	s.fanOutSize.Observe(float64(matches))
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.attemptDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryScheduled(delay time.Duration) {
	s.retryDelay.Observe(delay.Seconds())
}

func (s *PrometheusSink) DeliveriesInFlightIncr() {
	s.deliveriesInFlight.Inc()
}

func (s *PrometheusSink) DeliveriesInFlightDecr() {
	s.deliveriesInFlight.Dec()
}

func (s *PrometheusSink) ClaimConflict() {
	s.claimConflictsTotal.Inc()
}

func (s *PrometheusSink) SweepCompleted(batch int) {
	s.sweepBatchSize.Observe(float64(batch))
}

func (s *PrometheusSink) QueueDepthUpdate(depth int) {
	s.queueDepth.Set(float64(depth))
}

func (s *PrometheusSink) QueueCapacitySet(capacity int) {
	s.queueCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EnqueueDropped() {
	s.enqueueDroppedTotal.Inc()
}

func (s *PrometheusSink) StaleRequeued(count int) {
	s.staleRequeuedTotal.Add(float64(count))
}

func (s *PrometheusSink) DeliveriesPruned(count int) {
	s.deliveriesPrunedTotal.Add(float64(count))
}

func (s *PrometheusSink) BreakerTripped() {
	s.breakerTrippedTotal.Inc()
}

var _ Sink = (*PrometheusSink)(nil)
var _ Sink = (*NoopSink)(nil)
