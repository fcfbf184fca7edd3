package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carehub/internal/platform/models"
	"carehub/internal/platform/secrets"

	"github.com/google/uuid"
)

const endpointColumns = `id, organization_id, name, url, secret, event_types, headers, timeout_seconds, retry_count, status, failure_count, last_delivery_at, last_delivery_status, created_by, created_at, updated_at, deleted_at`

// WebhookRepository stores subscriber endpoints. Secrets are sealed with box
// before they reach the database.
type WebhookRepository struct {
	db  *sql.DB
	box *secrets.Box
}

func NewWebhookRepository(db *sql.DB, box *secrets.Box) *WebhookRepository {
	return &WebhookRepository{db: db, box: box}
}

func (r *WebhookRepository) Create(ctx context.Context, webhook *models.WebhookEndpoint) error {
	if webhook.ID == "" {
		webhook.ID = "wh_" + uuid.New().String()
	}
	now := time.Now().Unix()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	if webhook.Status == "" {
		webhook.Status = models.EndpointStatusActive
	}

	sealed, err := r.box.Seal(webhook.Secret)
	if err != nil {
		return fmt.Errorf("failed to seal webhook secret: %w", err)
	}
	eventsJSON, err := json.Marshal(webhook.EventTypes)
	if err != nil {
		return err
	}
	headersJSON, err := marshalHeaders(webhook.Headers)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhook_endpoints (id, organization_id, name, url, secret, event_types, headers, timeout_seconds, retry_count, status, failure_count, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query, webhook.ID, webhook.OrganizationID, webhook.Name, webhook.URL, sealed, string(eventsJSON), headersJSON,
		webhook.TimeoutSeconds, webhook.RetryCount, webhook.Status, webhook.CreatedBy, webhook.CreatedAt, webhook.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetByID is scoped to orgID; another tenant's endpoint is reported as ErrNotFound.
func (r *WebhookRepository) GetByID(ctx context.Context, orgID, id string) (*models.WebhookEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE id = ? AND organization_id = ? AND deleted_at IS NULL`
	w, err := r.scanEndpoint(r.db.QueryRowContext(ctx, query, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// GetStatus returns the current status of an endpoint regardless of tenant;
// deleted endpoints report inactive.
func (r *WebhookRepository) GetStatus(ctx context.Context, id string) (string, error) {
	var status string
	var deletedAt sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT status, deleted_at FROM webhook_endpoints WHERE id = ?`, id).Scan(&status, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if deletedAt.Valid {
		return models.EndpointStatusInactive, nil
	}
	return status, nil
}

func (r *WebhookRepository) List(ctx context.Context, orgID string) ([]*models.WebhookEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE organization_id = ? AND deleted_at IS NULL ORDER BY created_at DESC, id`
	return r.query(ctx, query, orgID)
}

// ListActive returns the org's active endpoints; callers filter by event type.
func (r *WebhookRepository) ListActive(ctx context.Context, orgID string) ([]*models.WebhookEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE organization_id = ? AND status = 'active' AND deleted_at IS NULL ORDER BY created_at, id`
	return r.query(ctx, query, orgID)
}

func (r *WebhookRepository) Update(ctx context.Context, webhook *models.WebhookEndpoint) error {
	eventsJSON, err := json.Marshal(webhook.EventTypes)
	if err != nil {
		return err
	}
	headersJSON, err := marshalHeaders(webhook.Headers)
	if err != nil {
		return err
	}
	webhook.UpdatedAt = time.Now().Unix()

	query := `
		UPDATE webhook_endpoints
		SET name = ?, url = ?, event_types = ?, headers = ?, timeout_seconds = ?, retry_count = ?, status = ?, failure_count = ?, updated_at = ?
		WHERE id = ? AND organization_id = ? AND deleted_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, webhook.Name, webhook.URL, string(eventsJSON), headersJSON, webhook.TimeoutSeconds, webhook.RetryCount,
		webhook.Status, webhook.FailureCount, webhook.UpdatedAt, webhook.ID, webhook.OrganizationID)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotFound)
}

func (r *WebhookRepository) UpdateSecret(ctx context.Context, orgID, id, secret string) error {
	sealed, err := r.box.Seal(secret)
	if err != nil {
		return fmt.Errorf("failed to seal webhook secret: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE webhook_endpoints SET secret = ?, updated_at = ? WHERE id = ? AND organization_id = ? AND deleted_at IS NULL`,
		sealed, time.Now().Unix(), id, orgID)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotFound)
}

// SoftDelete hides the endpoint and takes it out of rotation. The row stays
// because deliveries keep referencing it.
func (r *WebhookRepository) SoftDelete(ctx context.Context, orgID, id string) error {
	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_endpoints SET status = 'inactive', deleted_at = ?, updated_at = ? WHERE id = ? AND organization_id = ? AND deleted_at IS NULL`,
		now, now, id, orgID)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotFound)
}

func (r *WebhookRepository) RecordSuccess(ctx context.Context, id string, at int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE webhook_endpoints SET failure_count = 0, last_delivery_at = ?, last_delivery_status = 'success' WHERE id = ?`, at, id)
	return err
}

// RecordFailure increments the consecutive failure counter and forces an
// active endpoint to failed once the counter reaches threshold. Paused and
// inactive endpoints keep their status. It returns the new
// counter and status.
func (r *WebhookRepository) RecordFailure(ctx context.Context, id string, at int64, threshold int) (int, string, error) {
	query := `
		UPDATE webhook_endpoints
		SET failure_count = failure_count + 1,
			last_delivery_at = ?,
			last_delivery_status = 'failed',
			status = CASE WHEN status = 'active' AND failure_count + 1 >= ? THEN 'failed' ELSE status END
		WHERE id = ?
		RETURNING failure_count, status
	`
	var count int
	var status string
	err := r.db.QueryRowContext(ctx, query, at, threshold, id).Scan(&count, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	return count, status, err
}

func (r *WebhookRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.WebhookEndpoint, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	webhooks := []*models.WebhookEndpoint{}
	for rows.Next() {
		w, err := r.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (r *WebhookRepository) scanEndpoint(row rowScanner) (*models.WebhookEndpoint, error) {
	var w models.WebhookEndpoint
	var sealed, eventsStr, headersStr string
	var lastDeliveryAt, deletedAt sql.NullInt64
	var lastDeliveryStatus sql.NullString

	err := row.Scan(&w.ID, &w.OrganizationID, &w.Name, &w.URL, &sealed, &eventsStr, &headersStr, &w.TimeoutSeconds, &w.RetryCount,
		&w.Status, &w.FailureCount, &lastDeliveryAt, &lastDeliveryStatus, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	if lastDeliveryAt.Valid {
		w.LastDeliveryAt = &lastDeliveryAt.Int64
	}
	if lastDeliveryStatus.Valid {
		w.LastDeliveryStatus = lastDeliveryStatus.String
	}
	if deletedAt.Valid {
		w.DeletedAt = &deletedAt.Int64
	}
	if err := json.Unmarshal([]byte(eventsStr), &w.EventTypes); err != nil {
		return nil, fmt.Errorf("webhook %s: malformed event_types: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(headersStr), &w.Headers); err != nil {
		return nil, fmt.Errorf("webhook %s: malformed headers: %w", w.ID, err)
	}

	w.Secret, err = r.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", w.ID, err)
	}
	return &w, nil
}

func marshalHeaders(headers map[string]string) (string, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	b, err := json.Marshal(headers)
	return string(b), err
}

func expectOneRow(res sql.Result, notMatched error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notMatched
	}
	return nil
}
