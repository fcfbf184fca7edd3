package handlers

import (
	"net/http"

	"carehub/internal/api/middleware"
	apierrors "carehub/internal/pkg/errors"
	"carehub/internal/platform/audit"

	"github.com/rs/zerolog/log"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 100
)

type AuditHandler struct {
	audit *audit.Logger
}

func NewAuditHandler(auditLogger *audit.Logger) *AuditHandler {
	return &AuditHandler{audit: auditLogger}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant, _ := middleware.TenantFrom(r.Context())

	limit, ok := queryLimit(r)
	if !ok {
		apierrors.WriteInvalidInput(w, "limit", "must be a positive integer")
		return
	}
	if limit == 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	logs, err := h.audit.List(r.Context(), tenant.OrgID, limit)
	if err != nil {
		log.Error().Err(err).Str("organization_id", tenant.OrgID).Msg("Failed to list audit logs")
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.ErrCodeInternal, "Internal server error", nil)
		return
	}

	writeJSON(w, http.StatusOK, logs)
}
