package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	apiContext "carehub/internal/api/context"
	"carehub/internal/api/middleware"
	"carehub/internal/engine/webhooks"
	apierrors "carehub/internal/pkg/errors"
	"carehub/internal/platform/audit"
	"carehub/internal/platform/models"

	"github.com/rs/zerolog/log"
)

const resourceWebhook = "webhook_endpoint"

type WebhookHandler struct {
	registry *webhooks.Registry
	audit    *audit.Logger
}

func NewWebhookHandler(registry *webhooks.Registry, auditLogger *audit.Logger) *WebhookHandler {
	return &WebhookHandler{registry: registry, audit: auditLogger}
}

// createdWebhook is the one response that carries the plaintext secret.
type createdWebhook struct {
	*models.WebhookEndpoint
	Secret string `json:"secret"`
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenant, _ := middleware.TenantFrom(r.Context())

	var req struct {
		Name           string            `json:"name"`
		URL            string            `json:"url"`
		EventTypes     []string          `json:"event_types"`
		Headers        map[string]string `json:"headers"`
		TimeoutSeconds *int              `json:"timeout_seconds"`
		RetryCount     *int              `json:"retry_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	webhook, secret, err := h.registry.Create(r.Context(), webhooks.CreateEndpointInput{
		OrganizationID: tenant.OrgID,
		Name:           req.Name,
		URL:            req.URL,
		EventTypes:     req.EventTypes,
		Headers:        req.Headers,
		TimeoutSeconds: req.TimeoutSeconds,
		RetryCount:     req.RetryCount,
		CreatedBy:      tenant.UserID,
	})
	if err != nil {
		writeWebhookError(w, err)
		return
	}

	h.audit.Log(r.Context(), newAuditEntry(r, tenant, "webhook.created", resourceWebhook, webhook.ID, map[string]interface{}{
		"url":         webhook.URL,
		"event_types": webhook.EventTypes,
	}))

	writeJSON(w, http.StatusCreated, createdWebhook{WebhookEndpoint: webhook, Secret: secret})
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant, _ := middleware.TenantFrom(r.Context())

	list, err := h.registry.List(r.Context(), tenant.OrgID)
	if err != nil {
		writeWebhookError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenant, _ := middleware.TenantFrom(r.Context())
	id := apiContext.Param(r.Context(), "webhook_id")

	webhook, err := h.registry.Get(r.Context(), tenant.OrgID, id)
	if err != nil {
		writeWebhookError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenant, _ := middleware.TenantFrom(r.Context())
	id := apiContext.Param(r.Context(), "webhook_id")

	var req struct {
		Name           *string           `json:"name"`
		URL            *string           `json:"url"`
		EventTypes     []string          `json:"event_types"`
		Headers        map[string]string `json:"headers"`
		TimeoutSeconds *int              `json:"timeout_seconds"`
		RetryCount     *int              `json:"retry_count"`
		Status         *string           `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	webhook, err := h.registry.Update(r.Context(), tenant.OrgID, id, webhooks.UpdateEndpointInput{
		Name:           req.Name,
		URL:            req.URL,
		EventTypes:     req.EventTypes,
		Headers:        req.Headers,
		TimeoutSeconds: req.TimeoutSeconds,
		RetryCount:     req.RetryCount,
		Status:         req.Status,
	})
	if err != nil {
		writeWebhookError(w, err)
		return
	}

	h.audit.Log(r.Context(), newAuditEntry(r, tenant, "webhook.updated", resourceWebhook, webhook.ID, map[string]interface{}{
		"status": webhook.Status,
	}))

	writeJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenant, _ := middleware.TenantFrom(r.Context())
	id := apiContext.Param(r.Context(), "webhook_id")

	if err := h.registry.Delete(r.Context(), tenant.OrgID, id); err != nil {
		writeWebhookError(w, err)
		return
	}

	h.audit.Log(r.Context(), newAuditEntry(r, tenant, "webhook.deleted", resourceWebhook, id, nil))

	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	tenant, _ := middleware.TenantFrom(r.Context())
	id := apiContext.Param(r.Context(), "webhook_id")

	secret, err := h.registry.RotateSecret(r.Context(), tenant.OrgID, id)
	if err != nil {
		writeWebhookError(w, err)
		return
	}

	h.audit.Log(r.Context(), newAuditEntry(r, tenant, "webhook.secret_rotated", resourceWebhook, id, nil))

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "secret": secret})
}

func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	tenant, _ := middleware.TenantFrom(r.Context())
	id := apiContext.Param(r.Context(), "webhook_id")

	limit, ok := queryLimit(r)
	if !ok {
		apierrors.WriteInvalidInput(w, "limit", "must be a positive integer")
		return
	}

	deliveries, err := h.registry.ListDeliveries(r.Context(), tenant.OrgID, id, limit)
	if err != nil {
		writeWebhookError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deliveries)
}

func writeWebhookError(w http.ResponseWriter, err error) {
	var verr *webhooks.ValidationError
	switch {
	case errors.As(err, &verr):
		apierrors.WriteInvalidInput(w, verr.Field, verr.Message)
	case errors.Is(err, webhooks.ErrEndpointNotFound):
		apierrors.WriteError(w, http.StatusNotFound, apierrors.ErrCodeNotFound, "Webhook not found", nil)
	default:
		log.Error().Err(err).Msg("Webhook request failed")
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.ErrCodeInternal, "Internal server error", nil)
	}
}
