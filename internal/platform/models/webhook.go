package models

import "encoding/json"

const (
	EndpointStatusActive   = "active"
	EndpointStatusInactive = "inactive"
	EndpointStatusPaused   = "paused"
	EndpointStatusFailed   = "failed"
)

const (
	DeliveryStatusPending  = "pending"
	DeliveryStatusSuccess  = "success"
	DeliveryStatusFailed   = "failed"
	DeliveryStatusRetrying = "retrying"
)

// RedactedHeaderValue replaces custom header values in API output.
const RedactedHeaderValue = "[redacted]"

// HeaderMap holds endpoint configured request headers. Values often carry
// receiver credentials, so JSON output keeps the names and redacts the values.
type HeaderMap map[string]string

func (h HeaderMap) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("null"), nil
	}
	redacted := make(map[string]string, len(h))
	for k := range h {
		redacted[k] = RedactedHeaderValue
	}
	return json.Marshal(redacted)
}

// WebhookEndpoint is a subscriber registration. Secret holds the plaintext
// signing secret in memory only; it is encrypted by the repository and never
// serialized.
type WebhookEndpoint struct {
	ID                 string    `json:"id"`
	OrganizationID     string    `json:"organization_id"`
	Name               string    `json:"name"`
	URL                string    `json:"url"`
	Secret             string    `json:"-"`
	EventTypes         []string  `json:"event_types"` // JSON array in DB
	Headers            HeaderMap `json:"headers"`     // JSON object in DB
	TimeoutSeconds     int       `json:"timeout_seconds"`
	RetryCount         int       `json:"retry_count"`
	Status             string    `json:"status"`
	FailureCount       int       `json:"failure_count"`
	LastDeliveryAt     *int64    `json:"last_delivery_at,omitempty"`
	LastDeliveryStatus string    `json:"last_delivery_status,omitempty"`
	CreatedBy          string    `json:"created_by"`
	CreatedAt          int64     `json:"created_at"`
	UpdatedAt          int64     `json:"updated_at"`
	DeletedAt          *int64    `json:"deleted_at,omitempty"`
}

// Subscribes reports whether eventType is in the endpoint's subscription set.
func (e *WebhookEndpoint) Subscribes(eventType string) bool {
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Snapshot copies the delivery relevant configuration so a delivery row keeps
// what it was sent with even if the endpoint is edited later.
func (e *WebhookEndpoint) Snapshot() EndpointSnapshot {
	headers := make(HeaderMap, len(e.Headers))
	for k, v := range e.Headers {
		headers[k] = v
	}
	return EndpointSnapshot{
		URL:            e.URL,
		Secret:         e.Secret,
		Headers:        headers,
		TimeoutSeconds: e.TimeoutSeconds,
		RetryCount:     e.RetryCount,
	}
}

type EndpointSnapshot struct {
	URL            string    `json:"url"`
	Secret         string    `json:"-"`
	Headers        HeaderMap `json:"headers,omitempty"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	RetryCount     int       `json:"retry_count"`
}

// WebhookEvent is recorded once per business occurrence; fan-out happens at
// delivery time.
type WebhookEvent struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	EventType      string          `json:"event_type"`
	ResourceID     string          `json:"resource_id,omitempty"`
	ResourceType   string          `json:"resource_type,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Processed      bool            `json:"processed"`
	CreatedAt      int64           `json:"created_at"`
	ProcessedAt    *int64          `json:"processed_at,omitempty"`
}

// WebhookDelivery is one attempt to send one event to one endpoint. Rows are
// append-only: a retry is a new row with Attempt incremented.
type WebhookDelivery struct {
	ID                string            `json:"id"`
	WebhookEndpointID string            `json:"webhook_endpoint_id"`
	OrganizationID    string            `json:"organization_id"`
	EventID           string            `json:"event_id"`
	EventType         string            `json:"event_type"`
	Payload           json.RawMessage   `json:"payload"`
	Attempt           int               `json:"attempt"`
	Status            string            `json:"status"`
	HTTPStatus        int               `json:"http_status,omitempty"`
	ResponseBody      string            `json:"response_body,omitempty"`
	ResponseHeaders   map[string]string `json:"response_headers,omitempty"`
	DurationMs        int64             `json:"duration_ms"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	NextRetryAt       *int64            `json:"next_retry_at,omitempty"`
	DeliveredAt       *int64            `json:"delivered_at,omitempty"`
	CreatedAt         int64             `json:"created_at"`
	Target            EndpointSnapshot  `json:"target"`
}
