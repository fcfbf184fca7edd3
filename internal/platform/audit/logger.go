package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"carehub/internal/engine/webhooks"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type AuditLog struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	UserID         string                 `json:"user_id"`
	Action         string                 `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	CreatedAt      int64                  `json:"created_at"`
}

// Emitter publishes webhook events. *webhooks.Dispatcher implements it.
type Emitter interface {
	EmitEvent(ctx context.Context, orgID string, eventType webhooks.EventType, payload webhooks.Payload, resource *webhooks.ResourceRef)
}

// Logger persists admin actions and announces each one as an
// audit.log.created webhook event.
type Logger struct {
	db      *sql.DB
	emitter Emitter
}

func NewLogger(db *sql.DB, emitter Emitter) *Logger {
	return &Logger{db: db, emitter: emitter}
}

// Log records entry. Failures are logged and never reach the caller.
func (l *Logger) Log(ctx context.Context, entry *AuditLog) {
	if entry.ID == "" {
		entry.ID = "audit_" + uuid.New().String()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}

	var metadata interface{}
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			log.Error().Err(err).Str("action", entry.Action).Msg("Failed to encode audit metadata")
			return
		}
		metadata = string(b)
	}

	query := `
		INSERT INTO audit_logs (id, organization_id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, query, entry.ID, entry.OrganizationID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID,
		metadata, entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		log.Error().Err(err).
			Str("organization_id", entry.OrganizationID).
			Str("action", entry.Action).
			Msg("Failed to write audit log")
		return
	}

	if l.emitter != nil {
		l.emitter.EmitEvent(ctx, entry.OrganizationID, webhooks.EventAuditLogCreated, webhooks.AuditLogPayload{
			AuditLogID: entry.ID,
			Action:     entry.Action,
			ActorID:    entry.UserID,
			Resource:   entry.ResourceType,
			ResourceID: entry.ResourceID,
			Metadata:   entry.Metadata,
		}, &webhooks.ResourceRef{ID: entry.ID, Type: "audit_log"})
	}
}

// List returns the organization's most recent audit entries.
func (l *Logger) List(ctx context.Context, orgID string, limit int) ([]*AuditLog, error) {
	query := `
		SELECT id, organization_id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_logs WHERE organization_id = ? ORDER BY created_at DESC, id LIMIT ?
	`
	rows, err := l.db.QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	logs := []*AuditLog{}
	for rows.Next() {
		var entry AuditLog
		var metadata, ip, ua sql.NullString
		if err := rows.Scan(&entry.ID, &entry.OrganizationID, &entry.UserID, &entry.Action, &entry.ResourceType, &entry.ResourceID,
			&metadata, &ip, &ua, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("audit log %s: malformed metadata: %w", entry.ID, err)
			}
		}
		entry.IPAddress = ip.String
		entry.UserAgent = ua.String
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}
