package httpapi

import (
	"context"
	"errors"
	"net/http"

	"stockroom.app/internal/audit"
	"stockroom.app/internal/auth"
	"stockroom.app/internal/obs"
)

type ownerRegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id"`
}

type forgotPasswordRequest struct {
	Email    string `json:"email"`
	TenantID string `json:"tenant_id"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type acceptInviteRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (a *API) handleOwnerRegister(w http.ResponseWriter, r *http.Request) {
	var req ownerRegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Sessions.OwnerRegister(r.Context(), req.Email, req.Password, req.Name)
	a.countLogin("owner_register", res, err)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.owner.registered", map[string]any{"user_id": res.UserID})
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleOwnerLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Sessions.OwnerLogin(r.Context(), req.Email, req.Password, req.TenantID)
	a.countLogin("owner_login", res, err)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.owner.login", map[string]any{"user_id": res.UserID, "tenant_id": res.TenantID})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleMemberLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Sessions.MemberLogin(r.Context(), req.Email, req.Password, req.TenantID)
	a.countLogin("member_login", res, err)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if !res.NeedsTenantSelection {
		a.audit(r.Context(), "auth.member.login", map[string]any{"user_id": res.UserID, "tenant_id": res.TenantID})
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := a.svc.Sessions.RequestPasswordReset(r.Context(), req.Email, req.TenantID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": msg})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.svc.Sessions.ResetPassword(r.Context(), req.Token, req.Password)
	a.countLogin("password_reset", auth.LoginResult{}, err)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.password.reset", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_updated"})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Sessions.ChangePassword(r.Context(), requestContext(r), req.CurrentPassword, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_updated"})
}

func (a *API) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req acceptInviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Tenants.AcceptInvite(r.Context(), req.Token, req.Password, req.Name)
	a.countLogin("accept_invite", res, err)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "membership.invite.accepted", map[string]any{"user_id": res.UserID, "tenant_id": res.TenantID})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	snap, err := a.svc.Sessions.CheckSession(r.Context(), requestContext(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) countLogin(flow string, res auth.LoginResult, err error) {
	outcome := "ok"
	switch {
	case err == nil && res.NeedsTenantSelection:
		outcome = "tenant_selection"
	case errors.Is(err, auth.ErrUnauthorized):
		outcome = "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		outcome = "forbidden"
	case errors.Is(err, auth.ErrValidation), errors.Is(err, auth.ErrBadRequest):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	}
	obs.LoginAttempt(flow, outcome)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		a.log.WithError(err).Warn("audit_failed")
	}
}
