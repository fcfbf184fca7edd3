package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"carehub/internal/pkg/validator"
	"carehub/internal/platform/models"
	"carehub/internal/platform/repositories"
)

const (
	DefaultTimeoutSeconds = 30
	DefaultRetryCount     = 3
	MaxTimeoutSeconds     = 60
	MaxRetryCount         = 10

	DefaultDeliveryLimit = 50
	MaxDeliveryLimit     = 100
)

// EndpointStore persists subscriber endpoints scoped by organization.
type EndpointStore interface {
	Create(ctx context.Context, webhook *models.WebhookEndpoint) error
	GetByID(ctx context.Context, orgID, id string) (*models.WebhookEndpoint, error)
	List(ctx context.Context, orgID string) ([]*models.WebhookEndpoint, error)
	ListActive(ctx context.Context, orgID string) ([]*models.WebhookEndpoint, error)
	Update(ctx context.Context, webhook *models.WebhookEndpoint) error
	UpdateSecret(ctx context.Context, orgID, id, secret string) error
	SoftDelete(ctx context.Context, orgID, id string) error
}

// DeliveryHistory lists past attempts for an endpoint.
type DeliveryHistory interface {
	ListByEndpoint(ctx context.Context, orgID, endpointID string, limit int) ([]*models.WebhookDelivery, error)
}

type RegistryOptions struct {
	DefaultTimeoutSeconds int
	DefaultRetryCount     int
	AllowPrivateTargets   bool
}

// Registry manages endpoint configuration for the admin surface and resolves
// subscribers for the dispatcher.
type Registry struct {
	endpoints  EndpointStore
	deliveries DeliveryHistory
	opts       RegistryOptions
}

func NewRegistry(endpoints EndpointStore, deliveries DeliveryHistory, opts RegistryOptions) *Registry {
	if opts.DefaultTimeoutSeconds <= 0 {
		opts.DefaultTimeoutSeconds = DefaultTimeoutSeconds
	}
	if opts.DefaultRetryCount <= 0 {
		opts.DefaultRetryCount = DefaultRetryCount
	}
	return &Registry{endpoints: endpoints, deliveries: deliveries, opts: opts}
}

type CreateEndpointInput struct {
	OrganizationID string
	Name           string
	URL            string
	EventTypes     []string
	Headers        map[string]string
	TimeoutSeconds *int
	RetryCount     *int
	CreatedBy      string
}

// UpdateEndpointInput carries a partial update; nil fields are left unchanged.
type UpdateEndpointInput struct {
	Name           *string
	URL            *string
	EventTypes     []string
	Headers        map[string]string
	TimeoutSeconds *int
	RetryCount     *int
	Status         *string
}

// Create registers an endpoint with a freshly generated secret. The plaintext
// secret is returned here and from RotateSecret only.
func (r *Registry) Create(ctx context.Context, in CreateEndpointInput) (*models.WebhookEndpoint, string, error) {
	ep := &models.WebhookEndpoint{
		OrganizationID: in.OrganizationID,
		Name:           strings.TrimSpace(in.Name),
		URL:            strings.TrimSpace(in.URL),
		Headers:        in.Headers,
		TimeoutSeconds: r.opts.DefaultTimeoutSeconds,
		RetryCount:     r.opts.DefaultRetryCount,
		Status:         models.EndpointStatusActive,
		CreatedBy:      in.CreatedBy,
	}
	if in.TimeoutSeconds != nil {
		ep.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.RetryCount != nil {
		ep.RetryCount = *in.RetryCount
	}
	if ep.Headers == nil {
		ep.Headers = map[string]string{}
	}

	if in.OrganizationID == "" {
		return nil, "", &ValidationError{Field: "organization_id", Message: "is required"}
	}
	types, err := normalizeEventTypes(in.EventTypes)
	if err != nil {
		return nil, "", err
	}
	ep.EventTypes = types
	if err := r.validate(ep); err != nil {
		return nil, "", err
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	ep.Secret = secret

	if err := r.endpoints.Create(ctx, ep); err != nil {
		return nil, "", fmt.Errorf("failed to create webhook endpoint: %w", err)
	}
	return ep, secret, nil
}

func (r *Registry) List(ctx context.Context, orgID string) ([]*models.WebhookEndpoint, error) {
	return r.endpoints.List(ctx, orgID)
}

func (r *Registry) Get(ctx context.Context, orgID, id string) (*models.WebhookEndpoint, error) {
	ep, err := r.endpoints.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return ep, nil
}

// Update applies a partial update. Setting the status back to active clears
// the consecutive failure counter.
func (r *Registry) Update(ctx context.Context, orgID, id string, in UpdateEndpointInput) (*models.WebhookEndpoint, error) {
	ep, err := r.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		ep.Name = strings.TrimSpace(*in.Name)
	}
	if in.URL != nil {
		ep.URL = strings.TrimSpace(*in.URL)
	}
	if in.EventTypes != nil {
		types, err := normalizeEventTypes(in.EventTypes)
		if err != nil {
			return nil, err
		}
		ep.EventTypes = types
	}
	if in.Headers != nil {
		ep.Headers = in.Headers
	}
	if in.TimeoutSeconds != nil {
		ep.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.RetryCount != nil {
		ep.RetryCount = *in.RetryCount
	}
	if in.Status != nil {
		switch *in.Status {
		case models.EndpointStatusActive:
			if ep.Status != models.EndpointStatusActive {
				ep.FailureCount = 0
			}
		case models.EndpointStatusInactive, models.EndpointStatusPaused:
		default:
			return nil, &ValidationError{Field: "status", Message: "must be one of active, inactive, paused"}
		}
		ep.Status = *in.Status
	}

	if err := r.validate(ep); err != nil {
		return nil, err
	}
	if err := r.endpoints.Update(ctx, ep); err != nil {
		return nil, notFound(err)
	}
	return ep, nil
}

// Delete soft deletes the endpoint; its delivery history is kept.
func (r *Registry) Delete(ctx context.Context, orgID, id string) error {
	if err := r.endpoints.SoftDelete(ctx, orgID, id); err != nil {
		return notFound(err)
	}
	return nil
}

// RotateSecret replaces the signing secret and returns the new one. Attempts
// already recorded keep signing with the secret they were created with.
func (r *Registry) RotateSecret(ctx context.Context, orgID, id string) (string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	if err := r.endpoints.UpdateSecret(ctx, orgID, id, secret); err != nil {
		return "", notFound(err)
	}
	return secret, nil
}

// ResolveSubscribers returns the active endpoints of orgID subscribed to eventType.
func (r *Registry) ResolveSubscribers(ctx context.Context, orgID string, eventType EventType) ([]*models.WebhookEndpoint, error) {
	active, err := r.endpoints.ListActive(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active webhooks: %w", err)
	}
	subscribers := make([]*models.WebhookEndpoint, 0, len(active))
	for _, ep := range active {
		if ep.Subscribes(string(eventType)) {
			subscribers = append(subscribers, ep)
		}
	}
	return subscribers, nil
}

// ListDeliveries returns the endpoint's most recent attempts, newest first.
func (r *Registry) ListDeliveries(ctx context.Context, orgID, endpointID string, limit int) ([]*models.WebhookDelivery, error) {
	if _, err := r.Get(ctx, orgID, endpointID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultDeliveryLimit
	}
	if limit > MaxDeliveryLimit {
		limit = MaxDeliveryLimit
	}
	return r.deliveries.ListByEndpoint(ctx, orgID, endpointID, limit)
}

func (r *Registry) validate(ep *models.WebhookEndpoint) error {
	if ep.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if err := validator.WebhookURL(ep.URL, r.opts.AllowPrivateTargets); err != nil {
		return &ValidationError{Field: "url", Message: err.Error()}
	}
	if len(ep.EventTypes) == 0 {
		return &ValidationError{Field: "event_types", Message: "at least one event type is required"}
	}
	if ep.TimeoutSeconds <= 0 || ep.TimeoutSeconds > MaxTimeoutSeconds {
		return &ValidationError{Field: "timeout_seconds", Message: fmt.Sprintf("must be between 1 and %d", MaxTimeoutSeconds)}
	}
	if ep.RetryCount < 0 || ep.RetryCount > MaxRetryCount {
		return &ValidationError{Field: "retry_count", Message: fmt.Sprintf("must be between 0 and %d", MaxRetryCount)}
	}
	for name, value := range ep.Headers {
		if err := validator.HeaderName(name); err != nil {
			return &ValidationError{Field: "headers", Message: fmt.Sprintf("%s: %v", name, err)}
		}
		if err := validator.HeaderValue(value); err != nil {
			return &ValidationError{Field: "headers", Message: fmt.Sprintf("%s: %v", name, err)}
		}
	}
	return nil
}

// normalizeEventTypes checks each type against the known set and drops duplicates.
func normalizeEventTypes(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, &ValidationError{Field: "event_types", Message: "at least one event type is required"}
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		t, err := ParseEventType(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		if seen[string(t)] {
			continue
		}
		seen[string(t)] = true
		out = append(out, string(t))
	}
	return out, nil
}

func notFound(err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrEndpointNotFound
	}
	return err
}
