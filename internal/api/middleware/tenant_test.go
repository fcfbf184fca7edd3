package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	apiContext "carehub/internal/api/context"
	"carehub/internal/platform/auth"
)

func TestTenantMiddleware(t *testing.T) {
	middleware := NewTenantMiddleware()

	t.Run("Valid Tenant", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/", nil)

		claims := &auth.Claims{
			UserID:         "user_1",
			OrganizationID: "org_123",
			Role:           "admin",
		}
		ctx := context.WithValue(req.Context(), apiContext.Claims, claims)
		req = req.WithContext(ctx)

		rr := httptest.NewRecorder()
		handler := middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
			tenant, ok := TenantFrom(r.Context())
			if !ok {
				t.Fatal("tenant missing from context")
			}
			if tenant.OrgID != "org_123" || tenant.UserID != "user_1" || tenant.Role != "admin" {
				t.Errorf("unexpected tenant: %+v", tenant)
			}
			w.WriteHeader(http.StatusOK)
		})

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
		}
	})

	t.Run("Missing Claims", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/", nil)
		rr := httptest.NewRecorder()
		middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		}).ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusUnauthorized)
		}
	})

	t.Run("Mismatched Organization Header", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/", nil)
		req.Header.Set("X-Organization-ID", "org_999")
		ctx := context.WithValue(req.Context(), apiContext.Claims, &auth.Claims{OrganizationID: "org_123"})
		req = req.WithContext(ctx)

		rr := httptest.NewRecorder()
		middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		}).ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusForbidden)
		}
	})
}
