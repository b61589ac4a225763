package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventPublished(eventType string)                                           {}
func (n *NoopSink) PublishRejected(reason string)                                             {}
func (n *NoopSink) FanOutObserve(matches int)                                                 {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryScheduled(delay time.Duration)                                        {}
func (n *NoopSink) DeliveriesInFlightIncr()                                                   {}
func (n *NoopSink) DeliveriesInFlightDecr()                                                   {}
func (n *NoopSink) ClaimConflict()                                                            {}
func (n *NoopSink) SweepCompleted(batch int)                                                  {}
func (n *NoopSink) QueueDepthUpdate(depth int)                                                {}
func (n *NoopSink) QueueCapacitySet(capacity int)                                             {}
func (n *NoopSink) EnqueueDropped()                                                           {}
func (n *NoopSink) StaleRequeued(count int)                                                   {}
func (n *NoopSink) DeliveriesPruned(count int)                                                {}
func (n *NoopSink) BreakerTripped()                                                           {}
