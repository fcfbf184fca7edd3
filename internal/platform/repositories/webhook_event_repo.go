package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carehub/internal/platform/models"

	"github.com/google/uuid"
)

const eventColumns = `id, organization_id, event_type, resource_id, resource_type, payload, processed, created_at, processed_at`

type WebhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Create records the event once with processed = false.
func (r *WebhookEventRepository) Create(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == "" {
		event.ID = "evt_" + uuid.New().String()
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	event.Processed = false

	query := `
		INSERT INTO webhook_events (id, organization_id, event_type, resource_id, resource_type, payload, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`
	_, err := r.db.ExecContext(ctx, query, event.ID, event.OrganizationID, event.EventType, nullableString(event.ResourceID),
		nullableString(event.ResourceType), string(event.Payload), event.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *WebhookEventRepository) GetByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id string, at int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_events SET processed = 1, processed_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotFound)
}

// ListUnprocessed returns events recorded before createdBefore that were never
// marked processed, oldest first.
func (r *WebhookEventRepository) ListUnprocessed(ctx context.Context, createdBefore int64, limit int) ([]*models.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE processed = 0 AND created_at < ? ORDER BY created_at, id LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*models.WebhookEvent{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var resourceID, resourceType sql.NullString
	var payload string
	var processedAt sql.NullInt64

	if err := row.Scan(&e.ID, &e.OrganizationID, &e.EventType, &resourceID, &resourceType, &payload, &e.Processed, &e.CreatedAt, &processedAt); err != nil {
		return nil, err
	}
	e.ResourceID = resourceID.String
	e.ResourceType = resourceType.String
	e.Payload = []byte(payload)
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Int64
	}
	return &e, nil
}
