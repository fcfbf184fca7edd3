package webhooks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"carehub/internal/platform/metrics"
	"carehub/internal/platform/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	maxRetryDelay         = 60 * time.Minute
	DefaultRetryBatchSize = 100

	// RetryLease is how long a claim holds a failed attempt. A sweep that
	// dies before recording the next attempt loses the claim after this.
	RetryLease = 5 * time.Minute
	// StaleAttemptAge is the age after which an attempt still in flight is
	// treated as abandoned. It is well above MaxTimeoutSeconds.
	StaleAttemptAge = 5 * time.Minute
)

// RetryDelay is the wait after a failed attempt: 2^attempt minutes, capped at
// one hour.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 6 {
		return maxRetryDelay
	}
	d := time.Duration(1<<attempt) * time.Minute
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// NextRetryAt returns when the next attempt is due, or nil when attempt has
// used up the retry budget.
func NextRetryAt(now time.Time, attempt, retryCount int) *int64 {
	if attempt >= retryCount {
		return nil
	}
	at := now.Add(RetryDelay(attempt)).Unix()
	return &at
}

// RetrySource lists failed deliveries that are due, leases them, and fails
// attempts abandoned mid-flight.
type RetrySource interface {
	GetFailedDeliveriesForRetry(ctx context.Context, now int64, limit int) ([]*models.WebhookDelivery, error)
	ClaimForRetry(ctx context.Context, id string, now, leaseUntil int64) (bool, error)
	DropRetry(ctx context.Context, id string) error
	ReapStaleAttempts(ctx context.Context, staleBefore, now int64) (int64, error)
}

// EndpointStatusReader reports the current status of an endpoint.
type EndpointStatusReader interface {
	GetStatus(ctx context.Context, id string) (string, error)
}

type SweepResult struct {
	Reaped     int
	Due        int
	Claimed    int
	Dispatched int
	Dropped    int
}

// RetrySweeper re-dispatches failed deliveries whose retry time has elapsed.
// Claims are exclusive, so overlapping sweeps never retry the same row twice.
type RetrySweeper struct {
	source     RetrySource
	endpoints  EndpointStatusReader
	dispatcher *Dispatcher
	batchSize  int
	metrics    *metrics.Webhooks
	now        func() time.Time
}

func NewRetrySweeper(source RetrySource, endpoints EndpointStatusReader, dispatcher *Dispatcher, batchSize int, m *metrics.Webhooks) *RetrySweeper {
	if batchSize <= 0 {
		batchSize = DefaultRetryBatchSize
	}
	return &RetrySweeper{
		source:     source,
		endpoints:  endpoints,
		dispatcher: dispatcher,
		batchSize:  batchSize,
		metrics:    m,
		now:        time.Now,
	}
}

// Sweep fails abandoned in-flight attempts, then processes one batch of due
// retries. Endpoints that are no longer active have their retries dropped.
func (s *RetrySweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	clock := s.now()
	now := clock.Unix()

	reaped, err := s.source.ReapStaleAttempts(ctx, clock.Add(-StaleAttemptAge).Unix(), now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reap stale webhook attempts")
	} else if reaped > 0 {
		log.Warn().Int64("attempts", reaped).Msg("Failed webhook attempts abandoned in flight")
		result.Reaped = int(reaped)
	}

	due, err := s.source.GetFailedDeliveriesForRetry(ctx, now, s.batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list due webhook retries: %w", err)
	}
	result.Due = len(due)

	claimed := make([]*models.WebhookDelivery, 0, len(due))
	for _, d := range due {
		ok, err := s.source.ClaimForRetry(ctx, d.ID, now, clock.Add(RetryLease).Unix())
		if err != nil {
			log.Error().Err(err).Str("delivery_id", d.ID).Msg("Failed to claim webhook retry")
			continue
		}
		if !ok {
			continue
		}
		result.Claimed++
		s.metrics.RecordRetryClaim()

		status, err := s.endpoints.GetStatus(ctx, d.WebhookEndpointID)
		if err != nil || status != models.EndpointStatusActive {
			log.Info().Err(err).
				Str("delivery_id", d.ID).
				Str("endpoint_id", d.WebhookEndpointID).
				Str("endpoint_status", status).
				Msg("Dropping webhook retry for inactive endpoint")
			if err := s.source.DropRetry(ctx, d.ID); err != nil {
				log.Error().Err(err).Str("delivery_id", d.ID).Msg("Failed to drop webhook retry")
			}
			result.Dropped++
			continue
		}
		claimed = append(claimed, d)
	}

	var dispatched int32
	var g errgroup.Group
	g.SetLimit(s.dispatcher.maxConcurrency)
	for _, d := range claimed {
		g.Go(func() error {
			if out := s.dispatcher.Retry(ctx, d); !out.storeErr && !out.Skipped {
				atomic.AddInt32(&dispatched, 1)
			}
			return nil
		})
	}
	g.Wait()
	result.Dispatched = int(dispatched)

	return result, nil
}
