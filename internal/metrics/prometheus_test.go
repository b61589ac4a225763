package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zerolog.Nop())
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_EventPublished(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventPublished("invoice.created")
	sink.EventPublished("invoice.created")
	sink.EventPublished("file.uploaded")

	got := getCounterVecValue(t, reg, "hookline_events_published_total", map[string]string{"event_type": "invoice.created"})
	if got != 2 {
		t.Errorf("events_published_total{invoice.created} = %v, want 2", got)
	}
}

func TestPrometheusSink_DeliveryAttemptCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted(1, StatusClass2xx, 150*time.Millisecond)
	sink.DeliveryAttemptCompleted(2, StatusClass5xx, 300*time.Millisecond)

	got := getCounterVecValue(t, reg, "hookline_delivery_attempts_total", map[string]string{"attempt": "1", "status_class": "2xx"})
	if got != 1 {
		t.Errorf("delivery_attempts_total{1,2xx} = %v, want 1", got)
	}
	got = getCounterVecValue(t, reg, "hookline_delivery_attempts_total", map[string]string{"attempt": "2", "status_class": "5xx"})
	if got != 1 {
		t.Errorf("delivery_attempts_total{2,5xx} = %v, want 1", got)
	}
}

func TestPrometheusSink_DeliveryOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryOutcome(OutcomeSuccess)
	sink.DeliveryOutcome(OutcomeFailed)
	sink.DeliveryOutcome(OutcomeFailed)

	if got := getCounterVecValue(t, reg, "hookline_delivery_outcomes_total", map[string]string{"outcome": "failed"}); got != 2 {
		t.Errorf("delivery_outcomes_total{failed} = %v, want 2", got)
	}
}

func TestPrometheusSink_InFlightGauge(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveriesInFlightIncr()
	sink.DeliveriesInFlightIncr()
	sink.DeliveriesInFlightDecr()

	if got := getGaugeValue(t, reg, "hookline_deliveries_in_flight"); got != 1 {
		t.Errorf("deliveries_in_flight = %v, want 1", got)
	}
}

func TestPrometheusSink_QueueMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.QueueCapacitySet(100)
	sink.QueueDepthUpdate(7)
	sink.EnqueueDropped()
	sink.EnqueueDropped()

	if got := getGaugeValue(t, reg, "hookline_ready_queue_capacity"); got != 100 {
		t.Errorf("queue_capacity = %v, want 100", got)
	}
	if got := getGaugeValue(t, reg, "hookline_ready_queue_depth"); got != 7 {
		t.Errorf("queue_depth = %v, want 7", got)
	}
	if got := getCounterValue(t, reg, "hookline_ready_queue_dropped_total"); got != 2 {
		t.Errorf("queue_dropped_total = %v, want 2", got)
	}
}

func TestPrometheusSink_HousekeepingCounters(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.StaleRequeued(3)
	sink.DeliveriesPruned(40)
	sink.BreakerTripped()

	if got := getCounterValue(t, reg, "hookline_stale_claims_requeued_total"); got != 3 {
		t.Errorf("stale_claims_requeued_total = %v, want 3", got)
	}
	if got := getCounterValue(t, reg, "hookline_deliveries_pruned_total"); got != 40 {
		t.Errorf("deliveries_pruned_total = %v, want 40", got)
	}
	if got := getCounterValue(t, reg, "hookline_breaker_tripped_total"); got != 1 {
		t.Errorf("breaker_tripped_total = %v, want 1", got)
	}
}

func TestPrometheusSink_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	// Second sink on the same registry must not panic; collisions are logged.
	NewPrometheusSink(reg, zerolog.Nop())
	NewPrometheusSink(reg, zerolog.Nop())
}

func TestPrometheusSink_ClassifiedAttempt(t *testing.T) {
	sink, reg := newTestSink(t)

	statusClass := ClassifyStatus(0, errors.New("context deadline exceeded"))
	sink.DeliveryAttemptCompleted(3, statusClass, time.Second)

	got := getCounterVecValue(t, reg, "hookline_delivery_attempts_total", map[string]string{"attempt": "3", "status_class": StatusClassTimeout})
	if got != 1 {
		t.Errorf("delivery_attempts_total{3,timeout} = %v, want 1", got)
	}
}
