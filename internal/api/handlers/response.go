package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"carehub/internal/api/middleware"
	"carehub/internal/platform/audit"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// queryLimit parses ?limit=. Missing means 0; the caller applies its default.
func queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func newAuditEntry(r *http.Request, tenant *middleware.TenantContext, action, resourceType, resourceID string, metadata map[string]interface{}) *audit.AuditLog {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return &audit.AuditLog{
		OrganizationID: tenant.OrgID,
		UserID:         tenant.UserID,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Metadata:       metadata,
		IPAddress:      ip,
		UserAgent:      r.UserAgent(),
	}
}
