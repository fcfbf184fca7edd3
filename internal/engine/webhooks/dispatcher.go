package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"carehub/internal/platform/metrics"
	"carehub/internal/platform/models"
	"carehub/internal/platform/repositories"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxConcurrency = 16

// EventStore records emitted events.
type EventStore interface {
	Create(ctx context.Context, event *models.WebhookEvent) error
	GetByID(ctx context.Context, id string) (*models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id string, at int64) error
	ListUnprocessed(ctx context.Context, createdBefore int64, limit int) ([]*models.WebhookEvent, error)
}

// DeliveryStore is the attempt log written by the dispatcher.
type DeliveryStore interface {
	Create(ctx context.Context, d *models.WebhookDelivery) error
	Complete(ctx context.Context, d *models.WebhookDelivery) error
}

type DispatcherOptions struct {
	MaxConcurrency int
	Metrics        *metrics.Webhooks
}

// Dispatcher records events and delivers them to every subscribed endpoint.
type Dispatcher struct {
	registry       *Registry
	events         EventStore
	deliveries     DeliveryStore
	executor       *Executor
	health         *HealthTracker
	metrics        *metrics.Webhooks
	maxConcurrency int
	now            func() time.Time

	wg sync.WaitGroup
}

func NewDispatcher(registry *Registry, events EventStore, deliveries DeliveryStore, executor *Executor, health *HealthTracker, opts DispatcherOptions) *Dispatcher {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Dispatcher{
		registry:       registry,
		events:         events,
		deliveries:     deliveries,
		executor:       executor,
		health:         health,
		metrics:        opts.Metrics,
		maxConcurrency: opts.MaxConcurrency,
		now:            time.Now,
	}
}

// Outcome summarizes one attempt made during a fan-out or retry.
type Outcome struct {
	EndpointID string
	DeliveryID string
	Attempt    int
	Status     string
	// Skipped is set when the attempt row already existed.
	Skipped bool
	// Err is the delivery error for failed attempts, or the store error when
	// the attempt could not be recorded.
	Err      error
	storeErr bool
}

// EmitEvent records the event and delivers it in the background. It never
// fails the caller; problems are logged.
func (d *Dispatcher) EmitEvent(ctx context.Context, orgID string, eventType EventType, payload Payload, resource *ResourceRef) {
	event, err := d.Record(ctx, orgID, eventType, payload, resource)
	if err != nil {
		log.Error().Err(err).
			Str("organization_id", orgID).
			Str("event_type", string(eventType)).
			Msg("Failed to emit webhook event")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.FanOut(context.WithoutCancel(ctx), event)
	}()
}

// Wait blocks until background deliveries started by EmitEvent have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Record validates and stores an event with processed = false.
func (d *Dispatcher) Record(ctx context.Context, orgID string, eventType EventType, payload Payload, resource *ResourceRef) (*models.WebhookEvent, error) {
	if orgID == "" {
		return nil, &ValidationError{Field: "organization_id", Message: "is required"}
	}
	if _, err := ParseEventType(string(eventType)); err != nil {
		return nil, err
	}
	if err := checkPayload(eventType, payload); err != nil {
		return nil, err
	}

	data := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
		}
		data = b
	}

	event := &models.WebhookEvent{
		OrganizationID: orgID,
		EventType:      string(eventType),
		Payload:        data,
		CreatedAt:      d.now().Unix(),
	}
	if resource != nil {
		event.ResourceID = resource.ID
		event.ResourceType = resource.Type
	}
	if err := d.events.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}
	d.metrics.RecordEvent(event.EventType)
	return event, nil
}

// FanOut makes the first attempt for every active subscriber concurrently and
// marks the event processed once all attempts are recorded. If subscribers
// cannot be resolved or an attempt cannot be stored, the event stays
// unprocessed for the sweeper.
func (d *Dispatcher) FanOut(ctx context.Context, event *models.WebhookEvent) []Outcome {
	logger := log.With().Str("event_id", event.ID).Str("event_type", event.EventType).Logger()

	subscribers, err := d.registry.ResolveSubscribers(ctx, event.OrganizationID, EventType(event.EventType))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve webhook subscribers")
		return nil
	}

	outcomes := make([]Outcome, len(subscribers))
	var g errgroup.Group
	g.SetLimit(d.maxConcurrency)
	for i, ep := range subscribers {
		g.Go(func() error {
			delivery := &models.WebhookDelivery{
				WebhookEndpointID: ep.ID,
				OrganizationID:    event.OrganizationID,
				EventID:           event.ID,
				EventType:         event.EventType,
				Payload:           event.Payload,
				Attempt:           1,
				Status:            models.DeliveryStatusPending,
				Target:            ep.Snapshot(),
			}
			outcomes[i] = d.attempt(ctx, delivery, time.Unix(event.CreatedAt, 0))
			return nil
		})
	}
	g.Wait()

	for _, o := range outcomes {
		if o.storeErr {
			logger.Warn().Msg("Webhook event left unprocessed after store failure")
			return outcomes
		}
	}
	if err := d.events.MarkProcessed(context.WithoutCancel(ctx), event.ID, d.now().Unix()); err != nil {
		logger.Error().Err(err).Msg("Failed to mark webhook event processed")
	}
	return outcomes
}

// Retry makes the next attempt for a failed delivery using the endpoint
// snapshot stored on that delivery.
func (d *Dispatcher) Retry(ctx context.Context, prev *models.WebhookDelivery) Outcome {
	event, err := d.events.GetByID(ctx, prev.EventID)
	if err != nil {
		log.Error().Err(err).
			Str("delivery_id", prev.ID).
			Str("event_id", prev.EventID).
			Msg("Failed to load webhook event for retry")
		return Outcome{EndpointID: prev.WebhookEndpointID, Attempt: prev.Attempt + 1, Err: err, storeErr: true}
	}

	delivery := &models.WebhookDelivery{
		WebhookEndpointID: prev.WebhookEndpointID,
		OrganizationID:    prev.OrganizationID,
		EventID:           prev.EventID,
		EventType:         prev.EventType,
		Payload:           prev.Payload,
		Attempt:           prev.Attempt + 1,
		Status:            models.DeliveryStatusRetrying,
		Target:            prev.Target,
	}
	return d.attempt(ctx, delivery, time.Unix(event.CreatedAt, 0))
}

// SweepUnprocessed fans out events still unprocessed after grace. Endpoints
// that already have an attempt for the event are skipped by the attempt
// uniqueness constraint.
func (d *Dispatcher) SweepUnprocessed(ctx context.Context, grace time.Duration, limit int) (int, error) {
	cutoff := d.now().Add(-grace).Unix()
	events, err := d.events.ListUnprocessed(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}
	for _, event := range events {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.FanOut(ctx, event)
	}
	return len(events), nil
}

// attempt records, sends, and completes one delivery. Cancelling ctx aborts
// the HTTP call but not the bookkeeping, so the row is always completed and
// the retry chain continues.
func (d *Dispatcher) attempt(ctx context.Context, delivery *models.WebhookDelivery, eventCreatedAt time.Time) Outcome {
	logger := log.With().
		Str("endpoint_id", delivery.WebhookEndpointID).
		Str("event_id", delivery.EventID).
		Int("attempt", delivery.Attempt).
		Logger()
	out := Outcome{EndpointID: delivery.WebhookEndpointID, Attempt: delivery.Attempt}
	storeCtx := context.WithoutCancel(ctx)

	delivery.CreatedAt = d.now().Unix()
	if err := d.deliveries.Create(storeCtx, delivery); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			logger.Debug().Msg("Webhook attempt already recorded")
			out.Skipped = true
			return out
		}
		logger.Error().Err(err).Msg("Failed to record webhook attempt")
		out.Err = err
		out.storeErr = true
		return out
	}
	out.DeliveryID = delivery.ID

	res := d.executor.Deliver(ctx, Attempt{
		EventID:   delivery.EventID,
		EventType: delivery.EventType,
		CreatedAt: eventCreatedAt,
		Data:      delivery.Payload,
		Number:    delivery.Attempt,
		Target:    delivery.Target,
	})
	completedAt := d.now()
	interrupted := !res.Success && errors.Is(res.Err, ErrInterrupted)

	delivery.HTTPStatus = res.HTTPStatus
	delivery.ResponseBody = res.ResponseBody
	delivery.ResponseHeaders = res.ResponseHeaders
	delivery.DurationMs = res.Duration.Milliseconds()
	if res.Success {
		delivered := completedAt.Unix()
		delivery.Status = models.DeliveryStatusSuccess
		delivery.DeliveredAt = &delivered
	} else {
		delivery.Status = models.DeliveryStatusFailed
		delivery.ErrorMessage = res.Err.Error()
		delivery.NextRetryAt = NextRetryAt(completedAt, delivery.Attempt, delivery.Target.RetryCount)
		logFailure(logger, delivery, res)
	}

	if err := d.deliveries.Complete(storeCtx, delivery); err != nil {
		logger.Error().Err(err).Str("delivery_id", delivery.ID).Msg("Failed to complete webhook attempt")
	}
	// an interrupted attempt says nothing about the endpoint's health
	if !interrupted {
		d.health.Observe(storeCtx, delivery.WebhookEndpointID, res.Success, completedAt)
	}
	d.metrics.RecordDelivery(delivery.EventType, delivery.Status, res.Outcome(), res.Duration)

	out.Status = delivery.Status
	out.Err = res.Err
	return out
}

func logFailure(logger zerolog.Logger, delivery *models.WebhookDelivery, res Result) {
	e := logger.Warn().Err(res.Err).
		Str("delivery_id", delivery.ID).
		Int("http_status", res.HTTPStatus).
		Int64("duration_ms", delivery.DurationMs)
	if delivery.NextRetryAt != nil {
		e = e.Int64("next_retry_at", *delivery.NextRetryAt)
	}
	e.Msg("Webhook delivery failed")
}
