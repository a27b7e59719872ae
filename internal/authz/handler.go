// Package authz exposes the resolution API consumed by application
// authorization checks.
package authz

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tesfayekb/core-base/internal/grants"
	"github.com/tesfayekb/core-base/internal/platform/httpx"
	"github.com/tesfayekb/core-base/internal/resolve"
	"github.com/tesfayekb/core-base/internal/tenant"
)

// Handler serves permission checks and effective-permission listings.
type Handler struct {
	logger   *slog.Logger
	resolver *resolve.Resolver
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, resolver *resolve.Resolver) *Handler {
	return &Handler{logger: logger, resolver: resolver, validate: validator.New()}
}

// MountRoutes registers resolution routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Get("/users/{userID}/permissions", h.effectivePermissions)
}

type checkRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	Action     string `json:"action" validate:"required"`
	Resource   string `json:"resource" validate:"required"`
	ResourceID string `json:"resource_id,omitempty"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.FromContext(r.Context())
	if err != nil {
		httpx.AccessDenied(w)
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	action, err := grants.ParseAction(req.Action)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	resource, err := grants.ParseResource(req.Resource)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	allowed, err := h.resolver.Check(r.Context(), tenantID, req.UserID, action, resource, req.ResourceID)
	if err != nil {
		// Security errors surface to the audit trail; the caller only
		// learns the check did not pass.
		h.logger.Warn("check denied on security error", slog.Any("error", err))
		httpx.AccessDenied(w)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{Allowed: allowed})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.FromContext(r.Context())
	if err != nil {
		httpx.AccessDenied(w)
		return
	}
	userID := chi.URLParam(r, "userID")
	set, err := h.resolver.Resolve(r.Context(), tenantID, userID)
	if err != nil {
		switch {
		case errors.Is(err, resolve.ErrInvalidInput):
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		case errors.Is(err, tenant.ErrMissingContext), errors.Is(err, tenant.ErrContextViolation):
			httpx.AccessDenied(w)
		case errors.Is(err, resolve.ErrUnavailable):
			httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "resolution temporarily unavailable")
		default:
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": set.List()})
}
