package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWebhooks_Record(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWebhooks(registry)

	m.RecordEvent("member.created")
	m.RecordEvent("member.created")
	m.RecordDelivery("member.created", "success", "success", 120*time.Millisecond)
	m.RecordDelivery("member.created", "failed", "timeout", 5*time.Second)
	m.RecordSuspension()
	m.RecordRetryClaim()

	if got := testutil.ToFloat64(m.EventsEmitted.WithLabelValues("member.created")); got != 2 {
		t.Errorf("events emitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("member.created", "failed")); got != 1 {
		t.Errorf("failed deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EndpointsSuspended); got != 1 {
		t.Errorf("suspended = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.DeliveryDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestWebhooks_NilIsNoop(t *testing.T) {
	var m *Webhooks
	m.RecordEvent("member.created")
	m.RecordDelivery("member.created", "success", "success", time.Second)
	m.RecordSuspension()
	m.RecordRetryClaim()
}
