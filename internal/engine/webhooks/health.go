package webhooks

import (
	"context"
	"time"

	"carehub/internal/platform/metrics"
	"carehub/internal/platform/models"

	"github.com/rs/zerolog/log"
)

const DefaultFailureThreshold = 10

// HealthStore persists per-endpoint delivery health.
type HealthStore interface {
	RecordSuccess(ctx context.Context, id string, at int64) error
	RecordFailure(ctx context.Context, id string, at int64, threshold int) (int, string, error)
}

// HealthTracker counts consecutive failures per endpoint and suspends the
// endpoint when the count reaches the threshold.
type HealthTracker struct {
	store     HealthStore
	threshold int
	metrics   *metrics.Webhooks
}

func NewHealthTracker(store HealthStore, threshold int, m *metrics.Webhooks) *HealthTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &HealthTracker{store: store, threshold: threshold, metrics: m}
}

// Observe records the outcome of one completed attempt.
func (h *HealthTracker) Observe(ctx context.Context, endpointID string, success bool, at time.Time) {
	if success {
		if err := h.store.RecordSuccess(ctx, endpointID, at.Unix()); err != nil {
			log.Error().Err(err).Str("endpoint_id", endpointID).Msg("Failed to record webhook success")
		}
		return
	}

	count, status, err := h.store.RecordFailure(ctx, endpointID, at.Unix(), h.threshold)
	if err != nil {
		log.Error().Err(err).Str("endpoint_id", endpointID).Msg("Failed to record webhook failure")
		return
	}
	if status == models.EndpointStatusFailed && count == h.threshold {
		log.Warn().
			Str("endpoint_id", endpointID).
			Int("failure_count", count).
			Msg("Webhook endpoint suspended after consecutive failures")
		h.metrics.RecordSuspension()
	}
}
