package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Webhooks holds the delivery pipeline metrics. A nil *Webhooks is valid and
// records nothing.
type Webhooks struct {
	EventsEmitted      *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec
	EndpointsSuspended prometheus.Counter
	RetriesClaimed     prometheus.Counter
}

func NewWebhooks(registry prometheus.Registerer) *Webhooks {
	m := &Webhooks{
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carehub_webhook_events_emitted_total",
				Help: "Total number of webhook events recorded",
			},
			[]string{"event_type"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carehub_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by outcome",
			},
			[]string{"event_type", "status"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carehub_webhook_delivery_duration_seconds",
				Help:    "Webhook delivery attempt duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		EndpointsSuspended: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "carehub_webhook_endpoints_suspended_total",
				Help: "Total number of endpoints auto-suspended after consecutive failures",
			},
		),
		RetriesClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "carehub_webhook_retries_claimed_total",
				Help: "Total number of failed deliveries claimed by the retry sweep",
			},
		),
	}

	registry.MustRegister(
		m.EventsEmitted,
		m.Deliveries,
		m.DeliveryDuration,
		m.EndpointsSuspended,
		m.RetriesClaimed,
	)

	return m
}

func (m *Webhooks) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordDelivery counts one completed attempt. outcome is "success",
// "timeout", "network_error" or "http_error".
func (m *Webhooks) RecordDelivery(eventType, status, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(eventType, status).Inc()
	m.DeliveryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Webhooks) RecordSuspension() {
	if m == nil {
		return
	}
	m.EndpointsSuspended.Inc()
}

func (m *Webhooks) RecordRetryClaim() {
	if m == nil {
		return
	}
	m.RetriesClaimed.Inc()
}
