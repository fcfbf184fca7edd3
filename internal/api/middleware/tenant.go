package middleware

import (
	"context"
	"net/http"

	apiContext "carehub/internal/api/context"
	"carehub/internal/pkg/errors"
	"carehub/internal/platform/auth"
)

// TenantContext is the organization every handler scopes its queries to.
type TenantContext struct {
	OrgID  string
	UserID string
	Role   string
}

// TenantFrom returns the tenant set by TenantMiddleware.
func TenantFrom(ctx context.Context) (*TenantContext, bool) {
	tenant, ok := ctx.Value(apiContext.Tenant).(*TenantContext)
	return tenant, ok && tenant != nil
}

type TenantMiddleware struct{}

func NewTenantMiddleware() *TenantMiddleware {
	return &TenantMiddleware{}
}

// Handle derives the tenant from the authenticated claims. An explicit
// X-Organization-ID header must agree with the token.
func (m *TenantMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
		if !ok {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No authentication claims found", nil)
			return
		}
		if claims.OrganizationID == "" {
			errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Organization not found", nil)
			return
		}
		if requested := r.Header.Get("X-Organization-ID"); requested != "" && requested != claims.OrganizationID {
			errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Token is not valid for this organization", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Tenant, &TenantContext{
			OrgID:  claims.OrganizationID,
			UserID: claims.UserID,
			Role:   claims.Role,
		})

		next(w, r.WithContext(ctx))
	}
}
