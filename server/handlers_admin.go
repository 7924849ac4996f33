package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/audit"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/userstore"
)

// adminAudit records a terminal audit for a state-changing admin call.
// Failures to append are logged, not surfaced: the mutation has already
// committed, and failing the response now would leave the caller unsure
// whether to retry a non-idempotent create.
func (s *Server) adminAudit(r *http.Request, id key.Identity, typ audit.Type, subject string, data map[string]any) {
	b := audit.New(s.cfg.Audits, storage.NewID, auditMetaFrom(r))
	if id.ServiceID != nil {
		b = b.WithService(*id.ServiceID)
	}
	if _, err := b.Terminal(r.Context(), typ, subject, data, http.StatusOK); err != nil {
		s.cfg.logger().Error("admin audit append failed", "err", err, "type", string(typ))
	}
}

// keyView is a key with its value withheld — "value returned only
// on create."
type keyView struct {
	ID        string   `json:"id"`
	IsEnabled bool     `json:"is_enabled"`
	IsRevoked bool     `json:"is_revoked"`
	Type      key.Type `json:"type"`
	Name      string   `json:"name"`
	ServiceID *string  `json:"service_id,omitempty"`
	UserID    *string  `json:"user_id,omitempty"`
}

func newKeyView(k key.Key) keyView {
	return keyView{ID: k.ID, IsEnabled: k.IsEnabled, IsRevoked: k.IsRevoked, Type: k.Type, Name: k.Name, ServiceID: k.ServiceID, UserID: k.UserID}
}

type keyCreateView struct {
	keyView
	Value string `json:"value"`
}

func newKeyCreateView(k key.Key) keyCreateView {
	return keyCreateView{keyView: newKeyView(k), Value: k.Value}
}

type createKeyRequest struct {
	ServiceID string   `json:"service_id"`
	UserID    string   `json:"user_id"`
	Type      key.Type `json:"type"`
	Name      string   `json:"name"`
	IsEnabled *bool    `json:"is_enabled"`
}

// handleKeyCreate is POST /v1/key. A root caller provisions a service key
// (service_id, no user_id); a service caller (or root on its behalf)
// provisions a user key (user_id, within that service) — two
// non-root create contracts.
func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	id, err := authenticate(r, s.cfg.Keys)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	isEnabled := true
	if req.IsEnabled != nil {
		isEnabled = *req.IsEnabled
	}

	var created key.Key
	switch {
	case req.UserID != "":
		serviceID := req.ServiceID
		if id.ServiceID != nil {
			serviceID = *id.ServiceID
		} else if serviceID == "" {
			writeError(w, r, s.cfg.logger(), apierr.BadRequest(apierr.ReasonValidation))
			return
		}
		typ := req.Type
		if typ == "" {
			typ = key.TypeKey
		}
		created, err = s.cfg.Keys.CreateUser(r.Context(), serviceID, req.UserID, typ, req.Name, isEnabled)
	default:
		if err := requireRoot(id); err != nil {
			writeError(w, r, s.cfg.logger(), err)
			return
		}
		if req.ServiceID == "" {
			writeError(w, r, s.cfg.logger(), apierr.BadRequest(apierr.ReasonValidation))
			return
		}
		created, err = s.cfg.Keys.CreateService(r.Context(), req.ServiceID, req.Name)
	}
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	s.adminAudit(r, id, audit.TypeKeyCreate, created.ID, map[string]any{"key_type": string(created.Type), "name": created.Name})
	writeJSON(w, http.StatusOK, newKeyCreateView(created))
}

// handleKeyGet is GET /v1/key/{id}.
func (s *Server) handleKeyGet(w http.ResponseWriter, r *http.Request) {
	if _, err := authenticate(r, s.cfg.Keys); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	k, err := s.cfg.Keys.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, newKeyView(k))
}

// handleKeyRevoke is PATCH /v1/key/{id} — the only mutation a key supports
// once created (revoke is idempotent, values never change).
func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := authenticate(r, s.cfg.Keys)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	k, err := s.cfg.Keys.Revoke(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	s.adminAudit(r, id, audit.TypeKeyRevoke, k.ID, nil)
	writeJSON(w, http.StatusOK, newKeyView(k))
}

// handleKeyList is GET /v1/key?service_id=&user_id= — scoped listing
// (the façade has no unscoped list; admin tooling asks for one user's keys
// at a time, the way key.Manager.ListUserKeys is shaped).
func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	if _, err := authenticate(r, s.cfg.Keys); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	serviceID := r.URL.Query().Get("service_id")
	userID := r.URL.Query().Get("user_id")
	if serviceID == "" || userID == "" {
		writeError(w, r, s.cfg.logger(), apierr.BadRequest(apierr.ReasonValidation))
		return
	}
	ks, err := s.cfg.Keys.ListUserKeys(r.Context(), serviceID, userID)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	views := make([]keyView, 0, len(ks))
	for _, k := range ks {
		views = append(views, newKeyView(k))
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Service CRUD (root-only writes) ---

type serviceRequest struct {
	Name              string `json:"name"`
	URL               string `json:"url"`
	UserAllowRegister bool   `json:"user_allow_register"`
	IsEnabled         *bool  `json:"is_enabled"`
}

func (s *Server) handleServiceCreate(w http.ResponseWriter, r *http.Request) {
	id, err := authenticate(r, s.cfg.Keys)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	if err := requireRoot(id); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req serviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	isEnabled := true
	if req.IsEnabled != nil {
		isEnabled = *req.IsEnabled
	}
	created, err := s.cfg.Services.Create(r.Context(), servicestore.Service{
		IsEnabled:         isEnabled,
		Name:              req.Name,
		URL:               req.URL,
		UserAllowRegister: req.UserAllowRegister,
	})
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	s.adminAudit(r, id, audit.TypeServiceCreate, created.ID, map[string]any{"name": created.Name})
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleServiceGet(w http.ResponseWriter, r *http.Request) {
	if _, err := authenticate(r, s.cfg.Keys); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	svc, err := s.cfg.Services.Get(r.Context(), mux.Vars(r)["id"], false)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleServiceUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := authenticate(r, s.cfg.Keys)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	if err := requireRoot(id); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req serviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	updated, err := s.cfg.Services.Update(r.Context(), mux.Vars(r)["id"], func(svc servicestore.Service) (servicestore.Service, error) {
		if req.Name != "" {
			svc.Name = req.Name
		}
		if req.URL != "" {
			svc.URL = req.URL
		}
		if req.IsEnabled != nil {
			svc.IsEnabled = *req.IsEnabled
		}
		svc.UserAllowRegister = req.UserAllowRegister
		return svc, nil
	})
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	s.adminAudit(r, id, audit.TypeServiceUpdate, updated.ID, map[string]any{"is_enabled": updated.IsEnabled})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleServiceList(w http.ResponseWriter, r *http.Request) {
	id, err := authenticate(r, s.cfg.Keys)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	includeDisabled := id.ServiceID == nil
	svcs, err := s.cfg.Services.List(r.Context(), includeDisabled)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, svcs)
}

// --- User CRUD ---

// userView is the wire shape of a user. The password hash never crosses
// the wire: it has no field here at all.
type userView struct {
	ID                    string    `json:"id"`
	IsEnabled             bool      `json:"is_enabled"`
	Name                  string    `json:"name"`
	Email                 string    `json:"email"`
	Locale                string    `json:"locale,omitempty"`
	Timezone              string    `json:"timezone,omitempty"`
	PasswordAllowReset    bool      `json:"password_allow_reset"`
	PasswordRequireUpdate bool      `json:"password_require_update"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func newUserView(u userstore.User) userView {
	return userView{
		ID:                    u.ID,
		IsEnabled:             u.IsEnabled,
		Name:                  u.Name,
		Email:                 u.Email,
		Locale:                u.Locale,
		Timezone:              u.Timezone,
		PasswordAllowReset:    u.PasswordAllowReset,
		PasswordRequireUpdate: u.PasswordRequireUpdate,
		CreatedAt:             u.CreatedAt,
		UpdatedAt:             u.UpdatedAt,
	}
}

type userRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Locale   string `json:"locale"`
	Timezone string `json:"timezone"`
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	id, err := authenticate(r, s.cfg.Keys)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	created, err := s.cfg.Users.Create(r.Context(), req.Name, req.Email, req.Locale, req.Timezone)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	s.adminAudit(r, id, audit.TypeUserCreate, created.ID, map[string]any{"email": created.Email})
	writeJSON(w, http.StatusOK, newUserView(created))
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	if _, err := authenticate(r, s.cfg.Keys); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	u, err := s.cfg.Users.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, newUserView(u))
}

type userPatchRequest struct {
	Name      string `json:"name"`
	Locale    string `json:"locale"`
	Timezone  string `json:"timezone"`
	IsEnabled *bool  `json:"is_enabled"`
}

func (s *Server) handleUserPatch(w http.ResponseWriter, r *http.Request) {
	callerID, err := authenticate(r, s.cfg.Keys)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req userPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	id := mux.Vars(r)["id"]
	u, err := s.cfg.Users.UpdateProfile(r.Context(), id, req.Name, req.Locale, req.Timezone)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	if req.IsEnabled != nil && !*req.IsEnabled {
		u, err = s.cfg.Users.Disable(r.Context(), id)
		if err != nil {
			writeError(w, r, s.cfg.logger(), err)
			return
		}
	}
	s.adminAudit(r, callerID, audit.TypeUserUpdate, u.ID, map[string]any{"is_enabled": u.IsEnabled})
	writeJSON(w, http.StatusOK, newUserView(u))
}

// --- Audit read/write (GET list, POST create, GET/PATCH by id) ---

type createAuditRequest struct {
	Type      audit.Type     `json:"type"`
	Data      map[string]any `json:"data"`
	UserID    string         `json:"user_id"`
	UserKeyID string         `json:"user_key_id"`
}

func (s *Server) handleAuditCreate(w http.ResponseWriter, r *http.Request) {
	id, err := authenticate(r, s.cfg.Keys)
	if err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req createAuditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	rec := audit.Record{
		ID:            storage.NewID(),
		CreatedAt:     s.cfg.now(),
		CorrelationID: storage.NewID(),
		ServiceID:     id.ServiceID,
		Type:          req.Type,
		Path:          r.URL.Path,
		Data:          req.Data,
		StatusCode:    http.StatusOK,
		Terminal:      true,
	}
	if req.UserID != "" {
		rec.UserID = &req.UserID
	}
	if req.UserKeyID != "" {
		rec.UserKeyID = &req.UserKeyID
	}
	if err := s.cfg.Audits.Append(r.Context(), rec); err != nil {
		writeError(w, r, s.cfg.logger(), apierr.Infrastructure(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	if _, err := authenticate(r, s.cfg.Keys); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	rec, err := s.cfg.Audits.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, s.cfg.logger(), apierr.NotFound())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type auditPatchRequest struct {
	Subject *string        `json:"subject"`
	Data    map[string]any `json:"data"`
}

func (s *Server) handleAuditPatch(w http.ResponseWriter, r *http.Request) {
	if _, err := authenticate(r, s.cfg.Keys); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	var req auditPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	rec, err := s.cfg.Audits.Patch(r.Context(), mux.Vars(r)["id"], req.Subject, req.Data)
	if err != nil {
		writeError(w, r, s.cfg.logger(), apierr.Infrastructure(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if _, err := authenticate(r, s.cfg.Keys); err != nil {
		writeError(w, r, s.cfg.logger(), err)
		return
	}
	q := r.URL.Query()
	f := audit.ListFilter{OffsetID: q.Get("offset_id")}
	if v := q.Get("ge"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Ge = &t
		}
	}
	if v := q.Get("le"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Le = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	for _, v := range q["type"] {
		f.Types = append(f.Types, audit.Type(v))
	}
	f.ServiceIDs = q["service_id"]
	f.UserIDs = q["user_id"]

	records, err := s.cfg.Audits.List(r.Context(), f)
	if err != nil {
		writeError(w, r, s.cfg.logger(), apierr.Infrastructure(err))
		return
	}
	writeJSON(w, http.StatusOK, records)
}
