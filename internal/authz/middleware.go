package authz

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/tesfayekb/core-base/internal/grants"
	"github.com/tesfayekb/core-base/internal/platform/httpx"
	"github.com/tesfayekb/core-base/internal/resolve"
	"github.com/tesfayekb/core-base/internal/tenant"
)

// UserHeader carries the authenticated user id, asserted by the upstream
// gateway. Authentication itself lives outside this service.
const UserHeader = "X-User-ID"

// Middleware gates routes through the resolver. The engine authorizes its
// own administrative API with the same machinery it offers callers.
type Middleware struct {
	Resolver *resolve.Resolver
	Logger   *slog.Logger
}

// Require ensures the current user holds (action, resource) in the active
// tenant. Denials and resolution failures both end the request with the
// uniform denial body.
func (m Middleware) Require(action grants.Action, resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, err := tenant.FromContext(r.Context())
			if err != nil {
				httpx.AccessDenied(w)
				return
			}
			userID := strings.TrimSpace(r.Header.Get(UserHeader))
			if userID == "" {
				httpx.AccessDenied(w)
				return
			}
			allowed, err := m.Resolver.Check(r.Context(), tenantID, userID, action, resource, "")
			if err != nil && m.Logger != nil {
				m.Logger.Warn("require check", slog.Any("error", err),
					slog.String("resource", resource))
			}
			if !allowed {
				httpx.AccessDenied(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
