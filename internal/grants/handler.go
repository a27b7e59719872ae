package grants

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tesfayekb/core-base/internal/platform/httpx"
)

// Handler serves the administrative grant mutation API. Authorization for
// these routes is applied by the router through the resolver middleware.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers grant administration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/roles", h.listRoles)
	r.Post("/roles", h.createRole)
	r.Get("/roles/{roleID}", h.getRole)
	r.Put("/roles/{roleID}", h.updateRole)
	r.Delete("/roles/{roleID}", h.deleteRole)
	r.Get("/roles/{roleID}/permissions", h.rolePermissions)
	r.Put("/roles/{roleID}/permissions", h.setRolePermissions)

	r.Get("/permissions", h.listPermissions)
	r.Post("/permissions", h.ensurePermission)

	r.Get("/members", h.listMembers)

	r.Get("/users/{userID}/grants", h.userGrants)
	r.Post("/users/{userID}/roles", h.assignRole)
	r.Delete("/users/{userID}/roles/{roleID}", h.revokeRole)
	r.Post("/users/{userID}/permissions", h.grantPermission)
	r.Delete("/users/{userID}/permissions/{permissionID}", h.revokePermission)
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=512"`
}

type roleResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	System      bool   `json:"is_system_role"`
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{ID: role.ID, Name: role.Name, Description: role.Description, System: role.System}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), chi.URLParam(r, "roleID"), req.Name, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRole(r.Context(), chi.URLParam(r, "roleID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.ListRolePermissionIDs(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permission_ids": ids})
}

type setRolePermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids" validate:"required"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req setRolePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), chi.URLParam(r, "roleID"), req.PermissionIDs); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type permissionRequest struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
}

func (h *Handler) ensurePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.EnsurePermission(r.Context(), req.Resource, req.Action)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		out = append(out, map[string]any{"user_id": m.UserID, "joined_at": m.CreatedAt})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"members": out})
}

type userRoleGrantResponse struct {
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type userPermissionGrantResponse struct {
	PermissionID string     `json:"permission_id"`
	ResourceID   *string    `json:"resource_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (h *Handler) userGrants(w http.ResponseWriter, r *http.Request) {
	ug, err := h.service.ListUserGrants(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	roles := make([]userRoleGrantResponse, 0, len(ug.Roles))
	for _, ur := range ug.Roles {
		roles = append(roles, userRoleGrantResponse{RoleID: ur.RoleID, ExpiresAt: ur.ExpiresAt, CreatedAt: ur.CreatedAt})
	}
	perms := make([]userPermissionGrantResponse, 0, len(ug.Permissions))
	for _, up := range ug.Permissions {
		perms = append(perms, userPermissionGrantResponse{
			PermissionID: up.PermissionID, ResourceID: up.ResourceID,
			ExpiresAt: up.ExpiresAt, CreatedAt: up.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles, "permissions": perms})
}

type assignRoleRequest struct {
	RoleID    string     `json:"role_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.AssignRole(r.Context(), chi.URLParam(r, "userID"), req.RoleID, req.ExpiresAt); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RevokeRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantPermissionRequest struct {
	PermissionID string     `json:"permission_id" validate:"required"`
	ResourceID   *string    `json:"resource_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.GrantPermission(r.Context(), chi.URLParam(r, "userID"), req.PermissionID, req.ResourceID, req.ExpiresAt); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RevokePermission(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "permissionID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidReference), errors.Is(err, ErrInvalidAction), errors.Is(err, ErrInvalidResource):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("grant mutation", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
