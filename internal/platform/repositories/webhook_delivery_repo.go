package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"carehub/internal/platform/models"
	"carehub/internal/platform/secrets"

	"github.com/google/uuid"
)

const deliveryColumns = `id, webhook_endpoint_id, organization_id, event_id, event_type, payload, attempt, status, http_status, response_body, response_headers, duration_ms, error_message, next_retry_at, delivered_at, created_at, target_url, target_secret, target_headers, target_timeout_seconds, target_retry_count`

// WebhookDeliveryRepository is the append-only attempt log. Each row carries a
// sealed snapshot of the endpoint it was sent to.
type WebhookDeliveryRepository struct {
	db  *sql.DB
	box *secrets.Box
}

func NewWebhookDeliveryRepository(db *sql.DB, box *secrets.Box) *WebhookDeliveryRepository {
	return &WebhookDeliveryRepository{db: db, box: box}
}

// Create inserts a new attempt row. A second row for the same
// (endpoint, event, attempt) returns ErrDuplicate.
func (r *WebhookDeliveryRepository) Create(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = "dlv_" + uuid.New().String()
	}

	sealed, err := r.box.Seal(d.Target.Secret)
	if err != nil {
		return fmt.Errorf("failed to seal delivery secret: %w", err)
	}
	targetHeaders, err := marshalHeaders(d.Target.Headers)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhook_deliveries (id, webhook_endpoint_id, organization_id, event_id, event_type, payload, attempt, status, created_at,
			target_url, target_secret, target_headers, target_timeout_seconds, target_retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query, d.ID, d.WebhookEndpointID, d.OrganizationID, d.EventID, d.EventType, string(d.Payload), d.Attempt, d.Status, d.CreatedAt,
		d.Target.URL, sealed, targetHeaders, d.Target.TimeoutSeconds, d.Target.RetryCount)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// Complete writes the outcome of the attempt. It only matches rows that are
// still in flight, so an attempt is completed exactly once.
func (r *WebhookDeliveryRepository) Complete(ctx context.Context, d *models.WebhookDelivery) error {
	var responseHeaders interface{}
	if len(d.ResponseHeaders) > 0 {
		b, err := json.Marshal(d.ResponseHeaders)
		if err != nil {
			return err
		}
		responseHeaders = string(b)
	}
	var httpStatus interface{}
	if d.HTTPStatus != 0 {
		httpStatus = d.HTTPStatus
	}

	query := `
		UPDATE webhook_deliveries
		SET status = ?, http_status = ?, response_body = ?, response_headers = ?, duration_ms = ?, error_message = ?, next_retry_at = ?, delivered_at = ?
		WHERE id = ? AND status IN ('pending', 'retrying')
	`
	res, err := r.db.ExecContext(ctx, query, d.Status, httpStatus, nullableString(d.ResponseBody), responseHeaders, d.DurationMs,
		nullableString(d.ErrorMessage), nullableInt64(d.NextRetryAt), nullableInt64(d.DeliveredAt), d.ID)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrConflict)
}

func (r *WebhookDeliveryRepository) GetByID(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	d, err := r.scanDelivery(r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListByEndpoint returns the most recent attempts first.
func (r *WebhookDeliveryRepository) ListByEndpoint(ctx context.Context, orgID, endpointID string, limit int) ([]*models.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE organization_id = ? AND webhook_endpoint_id = ? ORDER BY created_at DESC, attempt DESC, id LIMIT ?`
	return r.query(ctx, query, orgID, endpointID, limit)
}

func (r *WebhookDeliveryRepository) ListByEvent(ctx context.Context, eventID string) ([]*models.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE event_id = ? ORDER BY webhook_endpoint_id, attempt`
	return r.query(ctx, query, eventID)
}

// retryCandidate matches failed attempts that are due, not under a live claim
// lease, and not yet followed by a later attempt.
const retryCandidate = `status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
	AND (retry_lease_until IS NULL OR retry_lease_until <= ?)
	AND NOT EXISTS (
		SELECT 1 FROM webhook_deliveries AS later
		WHERE later.webhook_endpoint_id = webhook_deliveries.webhook_endpoint_id
			AND later.event_id = webhook_deliveries.event_id
			AND later.attempt = webhook_deliveries.attempt + 1
	)`

// GetFailedDeliveriesForRetry lists failed attempts whose next_retry_at has
// elapsed and that no live claim holds.
func (r *WebhookDeliveryRepository) GetFailedDeliveriesForRetry(ctx context.Context, now int64, limit int) ([]*models.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE ` + retryCandidate + ` ORDER BY next_retry_at, id LIMIT ?`
	return r.query(ctx, query, now, now, limit)
}

// ClaimForRetry leases a due failed attempt until leaseUntil. Only one caller
// can hold the lease for a given row; the others get false. A lease whose
// holder never recorded the next attempt can be claimed again once it expires.
func (r *WebhookDeliveryRepository) ClaimForRetry(ctx context.Context, id string, now, leaseUntil int64) (bool, error) {
	query := `UPDATE webhook_deliveries SET retry_claimed_at = ?, retry_lease_until = ? WHERE id = ? AND ` + retryCandidate
	res, err := r.db.ExecContext(ctx, query, now, leaseUntil, id, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DropRetry makes a failed attempt terminal by clearing its retry time.
func (r *WebhookDeliveryRepository) DropRetry(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE webhook_deliveries SET next_retry_at = NULL WHERE id = ? AND status = 'failed'`, id)
	return err
}

// ReapStaleAttempts fails attempts still pending or retrying that were created
// at or before staleBefore, which means the process making them died or lost
// its database connection. Reaped attempts with retry budget left are due
// immediately.
func (r *WebhookDeliveryRepository) ReapStaleAttempts(ctx context.Context, staleBefore, now int64) (int64, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = 'failed',
			error_message = 'delivery interrupted before completion',
			next_retry_at = CASE WHEN attempt < target_retry_count THEN ? ELSE NULL END
		WHERE status IN ('pending', 'retrying') AND created_at <= ?
	`
	res, err := r.db.ExecContext(ctx, query, now, staleBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *WebhookDeliveryRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []*models.WebhookDelivery{}
	for rows.Next() {
		d, err := r.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func (r *WebhookDeliveryRepository) scanDelivery(row rowScanner) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	var payload, sealed, targetHeaders string
	var httpStatus, durationMs, nextRetryAt, deliveredAt sql.NullInt64
	var responseBody, responseHeaders, errorMessage sql.NullString

	err := row.Scan(&d.ID, &d.WebhookEndpointID, &d.OrganizationID, &d.EventID, &d.EventType, &payload, &d.Attempt, &d.Status,
		&httpStatus, &responseBody, &responseHeaders, &durationMs, &errorMessage, &nextRetryAt, &deliveredAt, &d.CreatedAt,
		&d.Target.URL, &sealed, &targetHeaders, &d.Target.TimeoutSeconds, &d.Target.RetryCount)
	if err != nil {
		return nil, err
	}

	d.Payload = []byte(payload)
	d.HTTPStatus = int(httpStatus.Int64)
	d.DurationMs = durationMs.Int64
	d.ResponseBody = responseBody.String
	d.ErrorMessage = errorMessage.String
	if nextRetryAt.Valid {
		d.NextRetryAt = &nextRetryAt.Int64
	}
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.Int64
	}
	if responseHeaders.Valid {
		if err := json.Unmarshal([]byte(responseHeaders.String), &d.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("delivery %s: malformed response_headers: %w", d.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(targetHeaders), &d.Target.Headers); err != nil {
		return nil, fmt.Errorf("delivery %s: malformed target_headers: %w", d.ID, err)
	}

	d.Target.Secret, err = r.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("delivery %s: %w", d.ID, err)
	}
	return &d, nil
}
