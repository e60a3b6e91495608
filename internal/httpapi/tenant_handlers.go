package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"stockroom.app/internal/auth"
)

type createTenantRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type inviteMemberRequest struct {
	Email   string   `json:"email"`
	RoleIDs []string `json:"role_ids"`
}

type memberStatusRequest struct {
	Status string `json:"status"`
}

type memberRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

type tenantView struct {
	ID      string                `json:"id"`
	Name    string                `json:"name"`
	Slug    string                `json:"slug"`
	Status  auth.MembershipStatus `json:"status"`
	IsOwner bool                  `json:"is_owner"`
}

func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.svc.Tenants.CreateTenant(r.Context(), requestContext(r), req.Name, req.Slug)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "tenant.created", map[string]any{"tenant_id": created.Tenant.ID, "slug": created.Tenant.Slug})
	w.Header().Set("Location", "/v1/tenants/"+created.Tenant.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListTenants(w http.ResponseWriter, r *http.Request) {
	memberships, err := a.svc.Tenants.ListMyTenants(r.Context(), requestContext(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	out := make([]tenantView, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, tenantView{
			ID:      m.Tenant.ID,
			Name:    m.Tenant.Name,
			Slug:    m.Tenant.Slug,
			Status:  m.Membership.Status,
			IsOwner: m.Membership.IsOwner,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

func (a *API) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := a.svc.Tenants.ListMembers(r.Context(), requestContext(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if members == nil {
		members = []auth.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (a *API) handleInviteMember(w http.ResponseWriter, r *http.Request) {
	var req inviteMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	member, err := a.svc.Tenants.InviteMember(r.Context(), requestContext(r), req.Email, req.RoleIDs)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "membership.invited", map[string]any{"member_user_id": member.UserID, "role_ids": req.RoleIDs})
	writeJSON(w, http.StatusCreated, member)
}

func (a *API) handleResendInvite(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := a.svc.Tenants.ResendInvite(r.Context(), requestContext(r), userID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "membership.invite.resent", map[string]any{"member_user_id": userID})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (a *API) handleSetMemberStatus(w http.ResponseWriter, r *http.Request) {
	var req memberStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := chi.URLParam(r, "userID")
	m, err := a.svc.Tenants.SetMembershipStatus(r.Context(), requestContext(r), userID, auth.MembershipStatus(req.Status))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "membership.status.changed", map[string]any{"member_user_id": userID, "status": m.Status})
	writeJSON(w, http.StatusOK, m)
}

type memberRolesOp func(ctx context.Context, rc auth.RequestContext, userID string, roleIDs []string) ([]auth.Role, error)

func (a *API) memberRoles(event string, op memberRolesOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memberRolesRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		userID := chi.URLParam(r, "userID")
		roles, err := op(r.Context(), requestContext(r), userID, req.RoleIDs)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), event, map[string]any{"member_user_id": userID, "role_ids": req.RoleIDs})
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	}
}
