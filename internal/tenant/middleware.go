package tenant

import (
	"net/http"
	"strings"
)

// HeaderName carries the tenant id on API requests.
const HeaderName = "X-Tenant-ID"

// Middleware establishes the tenant context from the request header. Requests
// without a tenant are rejected up front; handlers never run with a silently
// defaulted tenant.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(HeaderName))
		if tenantID == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}
