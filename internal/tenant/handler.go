package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tesfayekb/core-base/internal/platform/httpx"
)

// Handler serves tenant lifecycle endpoints. These sit outside the
// tenant-scoped API tree: they operate on the boundary itself.
type Handler struct {
	logger *slog.Logger
	store  *Store
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, store *Store) *Handler {
	return &Handler{logger: logger, store: store}
}

// MountRoutes registers tenant routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{tenantID}", h.get)
	r.Post("/{tenantID}/suspend", h.suspend)
	r.Delete("/{tenantID}", h.delete)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("list tenants", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) suspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.store.Suspend, "suspend tenant")
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.store.Delete, "delete tenant")
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, what string) {
	if err := op(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		switch {
		case errors.Is(err, ErrTenantNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		case errors.Is(err, ErrTenantNotActive):
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		default:
			h.logger.Error(what, slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
