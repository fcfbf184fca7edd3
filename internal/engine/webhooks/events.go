package webhooks

import (
	"fmt"
	"strings"
)

// EventType is one of the closed set of event names endpoints can subscribe to.
type EventType string

const (
	EventMemberCreated        EventType = "member.created"
	EventMemberRemoved        EventType = "member.removed"
	EventMemberUpdated        EventType = "member.updated"
	EventInvitationCreated    EventType = "invitation.created"
	EventInvitationAccepted   EventType = "invitation.accepted"
	EventInvitationRemoved    EventType = "invitation.removed"
	EventAPIKeyCreated        EventType = "apikey.created"
	EventAPIKeyDeleted        EventType = "apikey.deleted"
	EventTeamCreated          EventType = "team.created"
	EventTeamUpdated          EventType = "team.updated"
	EventUserUpdated          EventType = "user.updated"
	EventOrganizationUpdated  EventType = "organization.updated"
	EventSSOConnectionCreated EventType = "sso.connection.created"
	EventSSOConnectionUpdated EventType = "sso.connection.updated"
	EventSSOConnectionDeleted EventType = "sso.connection.deleted"
	EventAuditLogCreated      EventType = "audit.log.created"
	EventSecurityEventCreated EventType = "security.event.created"
)

var eventTypes = []EventType{
	EventMemberCreated,
	EventMemberRemoved,
	EventMemberUpdated,
	EventInvitationCreated,
	EventInvitationAccepted,
	EventInvitationRemoved,
	EventAPIKeyCreated,
	EventAPIKeyDeleted,
	EventTeamCreated,
	EventTeamUpdated,
	EventUserUpdated,
	EventOrganizationUpdated,
	EventSSOConnectionCreated,
	EventSSOConnectionUpdated,
	EventSSOConnectionDeleted,
	EventAuditLogCreated,
	EventSecurityEventCreated,
}

// AllEventTypes returns a copy of the supported event types.
func AllEventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

func ParseEventType(s string) (EventType, error) {
	for _, t := range eventTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "event_types", Message: fmt.Sprintf("unknown event type %q", s)}
}

func (t EventType) String() string { return string(t) }

// family is the event name without its verb: "sso.connection.updated" -> "sso.connection".
func (t EventType) family() string {
	s := string(t)
	if i := strings.LastIndex(s, "."); i > 0 {
		return s[:i]
	}
	return s
}

// Payload is the event data. Each family has its own variant; RawPayload is
// accepted for any event type so new producers are not blocked on a schema.
type Payload interface {
	family() string
}

// ResourceRef optionally names the resource an event is about.
type ResourceRef struct {
	ID   string
	Type string
}

type MemberPayload struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Role    string `json:"role,omitempty"`
	TeamID  string `json:"teamId,omitempty"`
	ActorID string `json:"actorId,omitempty"`
}

type InvitationPayload struct {
	InvitationID string `json:"invitationId"`
	Email        string `json:"email"`
	Role         string `json:"role,omitempty"`
	InvitedBy    string `json:"invitedBy,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

type APIKeyPayload struct {
	KeyID     string   `json:"keyId,omitempty"`
	Name      string   `json:"name"`
	KeyPrefix string   `json:"keyPrefix,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ActorID   string   `json:"actorId,omitempty"`
}

type TeamPayload struct {
	TeamID      string `json:"teamId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type UserPayload struct {
	UserID   string   `json:"userId"`
	Email    string   `json:"email,omitempty"`
	FullName string   `json:"fullName,omitempty"`
	Changed  []string `json:"changed,omitempty"`
}

type OrganizationPayload struct {
	OrganizationID string   `json:"organizationId"`
	Name           string   `json:"name,omitempty"`
	Changed        []string `json:"changed,omitempty"`
}

type SSOConnectionPayload struct {
	ConnectionID string `json:"connectionId"`
	Provider     string `json:"provider"`
	Domain       string `json:"domain,omitempty"`
	Enabled      bool   `json:"enabled"`
}

type AuditLogPayload struct {
	AuditLogID string                 `json:"auditLogId"`
	Action     string                 `json:"action"`
	ActorID    string                 `json:"actorId,omitempty"`
	Resource   string                 `json:"resourceType,omitempty"`
	ResourceID string                 `json:"resourceId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type SecurityEventPayload struct {
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	UserID      string `json:"userId,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
	Description string `json:"description,omitempty"`
}

// RawPayload is the untyped fallback variant.
type RawPayload map[string]interface{}

func (MemberPayload) family() string { return "member" }
func (InvitationPayload) family() string { return "invitation" }
func (APIKeyPayload) family() string { return "apikey" }
func (TeamPayload) family() string { return "team" }
func (UserPayload) family() string { return "user" }
func (OrganizationPayload) family() string { return "organization" }
func (SSOConnectionPayload) family() string { return "sso.connection" }
func (AuditLogPayload) family() string { return "audit.log" }
func (SecurityEventPayload) family() string { return "security.event" }
func (RawPayload) family() string { return "" }

// checkPayload rejects a typed payload emitted under another family's event.
func checkPayload(eventType EventType, payload Payload) error {
	if payload == nil {
		return nil
	}
	if f := payload.family(); f != "" && f != eventType.family() {
		return &ValidationError{Field: "payload", Message: fmt.Sprintf("%T cannot be used for %s", payload, eventType)}
	}
	return nil
}
