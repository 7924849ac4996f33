package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/auth"
)

// --- local provider: login / register / reset-password / update-email / update-password ---

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	pair, err := s.cfg.Engine.Login(r.Context(), auditMetaFrom(r), serviceID, req.Email, req.Password, s.cfg.TTLs)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Locale   string `json:"locale"`
	Timezone string `json:"timezone"`
}

func (s *Server) handleRegisterRequest(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	if err := s.cfg.Engine.RegisterRequest(r.Context(), auditMetaFrom(r), serviceID, req.Name, req.Email, req.Locale, req.Timezone, s.cfg.TTLs.Access); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type registerConfirmRequest struct {
	Token              string  `json:"token"`
	Password           *string `json:"password"`
	PasswordAllowReset *bool   `json:"password_allow_reset"`
}

func (s *Server) handleRegisterConfirm(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req registerConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	if err := s.cfg.Engine.RegisterConfirm(r.Context(), auditMetaFrom(r), serviceID, req.Token, req.Password, req.PasswordAllowReset, s.cfg.TTLs.Revoke); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type resetPasswordRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	// ResetPassword never fails outwardly; any recoverable error past the
	// caller check still yields an empty 200.
	_ = s.cfg.Engine.ResetPassword(r.Context(), auditMetaFrom(r), serviceID, req.Email, s.cfg.TTLs.Refresh)
	writeJSON(w, http.StatusOK, struct{}{})
}

type resetPasswordConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleResetPasswordConfirm(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req resetPasswordConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	meta, err := s.cfg.Engine.ResetPasswordConfirm(r.Context(), auditMetaFrom(r), serviceID, req.Token, req.NewPassword)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		PasswordMeta auth.PasswordMeta `json:"password_meta"`
	}{meta})
}

type updateEmailRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
	NewEmail string `json:"new_email"`
}

func (s *Server) handleUpdateEmail(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req updateEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	if err := s.cfg.Engine.UpdateEmail(r.Context(), auditMetaFrom(r), serviceID, req.UserID, req.Password, req.NewEmail, s.cfg.TTLs.Revoke); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type updatePasswordRequest struct {
	UserID      string `json:"user_id"`
	Password    string `json:"password"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req updatePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	meta, err := s.cfg.Engine.UpdatePassword(r.Context(), auditMetaFrom(r), serviceID, req.UserID, req.Password, req.NewPassword, s.cfg.TTLs.Revoke)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		PasswordMeta auth.PasswordMeta `json:"password_meta"`
	}{meta})
}

type revokeRequest struct {
	RevokeToken string `json:"revoke_token"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	auditID, err := s.cfg.Engine.Revoke(r.Context(), auditMetaFrom(r), serviceID, req.RevokeToken)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, auditIDResponse{AuditID: auditID})
}

// auditIDResponse is the body every revoke endpoint returns, correlating
// the caller's request with the audit trail.
type auditIDResponse struct {
	AuditID string `json:"audit_id"`
}

// --- key / token / totp verification surface ---

type keyValueRequest struct {
	Key string `json:"key"`
	// Audit is optional caller-supplied context recorded on the operation's
	// terminal audit record.
	Audit map[string]any `json:"audit"`
}

func (s *Server) handleAuthKeyVerify(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req keyValueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	v, err := s.cfg.Engine.KeyVerify(r.Context(), auditMetaFrom(r), serviceID, req.Key, req.Audit)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAuthKeyRevoke(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req keyValueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	auditID, err := s.cfg.Engine.KeyRevoke(r.Context(), auditMetaFrom(r), serviceID, req.Key, req.Audit)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, auditIDResponse{AuditID: auditID})
}

type tokenRequest struct {
	Token string `json:"token"`
	// Audit is optional caller-supplied context recorded on the operation's
	// terminal audit record.
	Audit map[string]any `json:"audit"`
}

func (s *Server) handleAuthTokenVerify(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	v, err := s.cfg.Engine.TokenVerify(r.Context(), auditMetaFrom(r), serviceID, req.Token, req.Audit)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAuthTokenRefresh(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	pair, err := s.cfg.Engine.TokenRefresh(r.Context(), auditMetaFrom(r), serviceID, req.Token, req.Audit, s.cfg.TTLs)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleAuthTokenRevoke(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	auditID, err := s.cfg.Engine.TokenRevoke(r.Context(), auditMetaFrom(r), serviceID, req.Token, req.Audit)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, auditIDResponse{AuditID: auditID})
}

type totpVerifyRequest struct {
	UserID string `json:"user_id"`
	Totp   string `json:"totp"`
}

func (s *Server) handleTotpVerify(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req totpVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	if err := s.cfg.Engine.TotpVerify(r.Context(), auditMetaFrom(r), serviceID, req.UserID, req.Totp); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type totpEnrollRequest struct {
	UserID      string `json:"user_id"`
	AccountName string `json:"account_name"`
}

func (s *Server) handleTotpEnroll(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req totpEnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	enrollment, err := s.cfg.Engine.TotpEnroll(r.Context(), auditMetaFrom(r), serviceID, req.UserID, req.AccountName)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// --- OAuth2 provider redirect surface ---

// handleOAuth2Begin is GET /v1/auth/provider/{provider}/oauth2 — returns
// the upstream authorize URL (state included) for the calling service to
// redirect its user-agent to.
func (s *Server) handleOAuth2Begin(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	name := mux.Vars(r)["provider"]
	provider, ok := s.cfg.Providers[name]
	if !ok {
		writeError(w, r, s.cfg.logger(), apierr.NotFound())
		return
	}
	authorizeURL, err := provider.Begin(r.Context(), serviceID)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		URL string `json:"url"`
	}{authorizeURL})
}

type oauth2CompleteRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// handleOAuth2Complete is POST /v1/auth/provider/{provider}/oauth2 — the
// upstream's redirect lands the user-agent back at the caller, which then
// posts the code/state pair here to mint a session.
func (s *Server) handleOAuth2Complete(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	name := mux.Vars(r)["provider"]
	var req oauth2CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	pair, err := s.cfg.Engine.OAuth2Login(r.Context(), auditMetaFrom(r), serviceID, name, req.Code, req.State, s.cfg.TTLs)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// --- raw CSRF issue/consume, exposed for clients embedding their own forms ---

// csrfView is the wire shape of a freshly issued CSRF entry.
type csrfView struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	ServiceID  string    `json:"service_id"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int       `json:"ttl_s"`
}

// handleCsrfCreate is GET /v1/auth/csrf?expires_s=N.
func (s *Server) handleCsrfCreate(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.serviceCaller(r)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	ttl := 10 * time.Minute
	if v := r.URL.Query().Get("expires_s"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, s.cfg.logger(), apierr.BadRequest(apierr.ReasonValidation))
			return
		}
		ttl = time.Duration(n) * time.Second
	}
	entry, err := s.cfg.Csrf.Create(r.Context(), serviceID, ttl)
	if err != nil {
		writeError(w, r, s.cfg.logger(), apierr.Infrastructure(err))
		return
	}
	writeJSON(w, http.StatusOK, csrfView{
		Key:        entry.Key,
		Value:      entry.Value,
		ServiceID:  entry.ServiceID,
		CreatedAt:  entry.CreatedAt,
		TTLSeconds: int(entry.TTL / time.Second),
	})
}

type csrfConsumeRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleCsrfConsume(w http.ResponseWriter, r *http.Request) {
	if _, err := s.serviceCaller(r); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req csrfConsumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	if _, err := s.cfg.Csrf.Consume(r.Context(), req.Key); err != nil {
		writeError(w, r, s.cfg.logger(), apierr.BadRequest(apierr.ReasonCsrfNotFoundOrUsed))
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// serviceCaller authenticates r and requires it resolve to an enabled
// service identity — every /v1/auth/* endpoint's contract. A disabled
// service is rejected here so no auth flow ever runs on its behalf.
func (s *Server) serviceCaller(r *http.Request) (string, error) {
	id, err := authenticate(r, s.cfg.Keys)
	if err != nil {
		return "", err
	}
	serviceID, err := requireService(id)
	if err != nil {
		return "", err
	}
	if _, err := s.cfg.Services.Get(r.Context(), serviceID, true); err != nil {
		return "", err
	}
	return serviceID, nil
}
