package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"carehub/internal/api/handlers"
	"carehub/internal/api/middleware"
	"carehub/internal/engine/webhooks"
	"carehub/internal/platform/audit"
	"carehub/internal/platform/auth"
	"carehub/internal/platform/config"
	"carehub/internal/platform/database"
	"carehub/internal/platform/metrics"
	"carehub/internal/platform/models"
	"carehub/internal/platform/repositories"
	"carehub/internal/platform/secrets"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router     *httprouter.Router
	dispatcher *webhooks.Dispatcher
	tokens     *auth.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	key, _ := secrets.GenerateKey()
	box, err := secrets.NewBox(key)
	require.NoError(t, err)

	promRegistry := prometheus.NewRegistry()
	m := metrics.NewWebhooks(promRegistry)
	endpoints := repositories.NewWebhookRepository(db, box)
	deliveries := repositories.NewWebhookDeliveryRepository(db, box)
	registry := webhooks.NewRegistry(endpoints, deliveries, webhooks.RegistryOptions{
		DefaultTimeoutSeconds: 5,
		DefaultRetryCount:     3,
		AllowPrivateTargets:   true,
	})
	dispatcher := webhooks.NewDispatcher(registry, repositories.NewWebhookEventRepository(db), deliveries,
		webhooks.NewExecutor(webhooks.NewHTTPClient(true), "CareHub-Webhooks/test", 1000),
		webhooks.NewHealthTracker(endpoints, 10, m),
		webhooks.DispatcherOptions{Metrics: m})
	auditLogger := audit.NewLogger(db, dispatcher)

	tokens := auth.NewTokenService(config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour})
	router := NewRouter(&Dependencies{
		WebhookHandler:   handlers.NewWebhookHandler(registry, auditLogger),
		AuditHandler:     handlers.NewAuditHandler(auditLogger),
		HealthHandler:    handlers.NewHealthHandler(db),
		MetricsHandler:   handlers.NewMetricsHandler(promRegistry),
		AuthMiddleware:   middleware.NewAuthMiddleware(tokens),
		TenantMiddleware: middleware.NewTenantMiddleware(),
		RateLimiter:      middleware.NewRateLimiter(config.RateLimitConfig{APIReadPerMinute: 1000, APIWritePerMinute: 1000}),
	})
	t.Cleanup(dispatcher.Wait)

	return &testServer{router: router, dispatcher: dispatcher, tokens: tokens}
}

func (s *testServer) token(t *testing.T, orgID, role string) string {
	t.Helper()
	token, err := s.tokens.GenerateAccessToken("user_"+role, orgID, role, role+"@hospital.org")
	require.NoError(t, err)
	return token
}

func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func TestRouter_WebhookLifecycle(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, "org_1", "admin")
	member := s.token(t, "org_1", "member")
	otherOrg := s.token(t, "org_2", "owner")

	var received, withHeader atomic.Int32
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(webhooks.HeaderEvent) == string(webhooks.EventAuditLogCreated) {
			received.Add(1)
		}
		if r.Header.Get("X-Tenant-Key") == "tk_live_7f3a" {
			withHeader.Add(1)
		}
	}))
	defer receiver.Close()

	rr := s.do("POST", "/api/v1/webhooks", admin, map[string]interface{}{
		"name":        "Audit feed",
		"url":         receiver.URL,
		"event_types": []string{"audit.log.created", "member.created"},
		"headers":     map[string]string{"X-Tenant-Key": "tk_live_7f3a"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		ID             string   `json:"id"`
		Secret         string   `json:"secret"`
		EventTypes     []string `json:"event_types"`
		TimeoutSeconds int      `json:"timeout_seconds"`
		Status         string   `json:"status"`
	}
	decode(t, rr, &created)
	assert.True(t, strings.HasPrefix(created.Secret, "whsec_"))
	assert.Equal(t, 5, created.TimeoutSeconds)
	assert.Equal(t, "active", created.Status)
	s.dispatcher.Wait()
	assert.EqualValues(t, 1, received.Load(), "creation audit event delivered to the new endpoint")
	assert.EqualValues(t, 1, withHeader.Load(), "custom header value sent to the receiver")
	assert.NotContains(t, rr.Body.String(), "tk_live_7f3a")

	rr = s.do("POST", "/api/v1/webhooks", member, map[string]interface{}{"name": "x", "url": receiver.URL, "event_types": []string{"member.created"}})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do("POST", "/api/v1/webhooks", admin, map[string]interface{}{"name": "x", "url": receiver.URL})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var invalid struct {
		Code    string `json:"code"`
		Details struct {
			Field string `json:"field"`
		} `json:"details"`
	}
	decode(t, rr, &invalid)
	assert.Equal(t, "INVALID_INPUT", invalid.Code)
	assert.Equal(t, "event_types", invalid.Details.Field)

	rr = s.do("GET", "/api/v1/webhooks", member, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), created.Secret)
	assert.NotContains(t, rr.Body.String(), "tk_live_7f3a")
	var list []map[string]interface{}
	decode(t, rr, &list)
	require.Len(t, list, 1)
	assert.Equal(t, map[string]interface{}{"X-Tenant-Key": models.RedactedHeaderValue}, list[0]["headers"])

	rr = s.do("GET", "/api/v1/webhooks/"+created.ID, otherOrg, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "cross-tenant lookups look like missing endpoints")
	rr = s.do("DELETE", "/api/v1/webhooks/"+created.ID, otherOrg, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do("POST", "/api/v1/webhooks/"+created.ID+"/rotate-secret", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rotated map[string]string
	decode(t, rr, &rotated)
	assert.NotEqual(t, created.Secret, rotated["secret"])
	s.dispatcher.Wait()

	rr = s.do("PATCH", "/api/v1/webhooks/"+created.ID, admin, map[string]interface{}{"status": "paused"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var updated map[string]interface{}
	decode(t, rr, &updated)
	assert.Equal(t, "paused", updated["status"])
	s.dispatcher.Wait()

	rr = s.do("GET", "/api/v1/webhooks/"+created.ID+"/deliveries?limit=abc", member, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = s.do("GET", "/api/v1/webhooks/"+created.ID+"/deliveries?limit=10", member, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var history []struct {
		EventType string `json:"event_type"`
		Status    string `json:"status"`
		Attempt   int    `json:"attempt"`
	}
	decode(t, rr, &history)
	require.Len(t, history, 2, "created and rotated audit events")
	for _, d := range history {
		assert.Equal(t, "audit.log.created", d.EventType)
		assert.Equal(t, "success", d.Status)
	}
	assert.NotContains(t, rr.Body.String(), rotated["secret"])
	assert.NotContains(t, rr.Body.String(), "tk_live_7f3a")

	rr = s.do("DELETE", "/api/v1/webhooks/"+created.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = s.do("GET", "/api/v1/webhooks/"+created.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do("GET", "/api/v1/audit-logs", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var logs []struct {
		Action string `json:"action"`
	}
	decode(t, rr, &logs)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.ElementsMatch(t, []string{"webhook.created", "webhook.secret_rotated", "webhook.updated", "webhook.deleted"}, actions)

	rr = s.do("GET", "/api/v1/audit-logs", member, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRouter_RequiresAuthentication(t *testing.T) {
	s := newTestServer(t)

	rr := s.do("GET", "/api/v1/webhooks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do("GET", "/api/v1/webhooks", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rr := s.do("GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health map[string]interface{}
	decode(t, rr, &health)
	assert.Equal(t, "healthy", health["status"])

	admin := s.token(t, "org_1", "admin")
	s.do("POST", "/api/v1/webhooks", admin, map[string]interface{}{
		"name": "ops", "url": "https://hooks.example.com/in", "event_types": []string{"team.created"},
	})
	s.dispatcher.Wait()

	rr = s.do("GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `carehub_webhook_events_emitted_total{event_type="audit.log.created"} 1`)
}
