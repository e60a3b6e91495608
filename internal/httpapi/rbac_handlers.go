package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"stockroom.app/internal/auth"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.svc.Roles.ListPermissions(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.Roles.ListRoles(r.Context(), requestContext(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.Roles.CreateRole(r.Context(), requestContext(r), req.Name, req.Description, req.Permissions)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.created", map[string]any{"role_id": role.ID, "name": role.Name, "permissions": role.Permissions})
	w.Header().Set("Location", "/v1/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.svc.Roles.GetRole(r.Context(), requestContext(r), chi.URLParam(r, "roleID"))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	roleID := chi.URLParam(r, "roleID")
	role, err := a.svc.Roles.UpdateRole(r.Context(), requestContext(r), roleID, auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.updated", map[string]any{"role_id": roleID, "name": role.Name})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "roleID")
	if err := a.svc.Roles.DeleteRole(r.Context(), requestContext(r), roleID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.deleted", map[string]any{"role_id": roleID})
	w.WriteHeader(http.StatusNoContent)
}

type rolePermissionsOp func(ctx context.Context, rc auth.RequestContext, roleID string, names []string) ([]string, error)

func (a *API) rolePermissions(event string, op rolePermissionsOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		roleID := chi.URLParam(r, "roleID")
		perms, err := op(r.Context(), requestContext(r), roleID, req.Permissions)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), event, map[string]any{"role_id": roleID, "permissions": req.Permissions})
		writeJSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permissions": perms})
	}
}
