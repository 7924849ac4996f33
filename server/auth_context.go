package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/audit"
	"github.com/ssocore/ssocore/key"
)

// presentedCredential reads the Authorization header, which carries either
// a bare credential ("Authorization: key_value") or a labeled one
// ("Authorization: key value" / "Authorization: token value"). The label is
// split off on the first space character; either way what remains is the
// presented secret key.Manager resolves.
func presentedCredential(r *http.Request) (string, bool) {
	v := r.Header.Get(Header)
	if v == "" {
		return "", false
	}
	if i := strings.IndexByte(v, ' '); i >= 0 {
		return v[i+1:], true
	}
	return v, true
}

// authenticate resolves the request's Authorization header to a caller
// identity via key.Manager.Authenticate — the boundary every
// admin and auth endpoint sits behind.
func authenticate(r *http.Request, keys *key.Manager) (key.Identity, error) {
	presented, ok := presentedCredential(r)
	if !ok {
		return key.Identity{}, apierr.Unauthorised(apierr.ReasonNone)
	}
	return keys.Authenticate(r.Context(), presented)
}

// requireService resolves the caller's service_id, rejecting a root caller:
// every auth-engine operation needs a service context.
func requireService(id key.Identity) (string, error) {
	if id.ServiceID == nil {
		return "", apierr.Forbidden(apierr.ReasonNone)
	}
	return *id.ServiceID, nil
}

// requireRoot rejects anything but a root caller; service CRUD writes are
// root-only.
func requireRoot(id key.Identity) error {
	if id.ServiceID != nil {
		return apierr.Forbidden(apierr.ReasonNone)
	}
	return nil
}

type requestContextKey int

const auditMetaKey requestContextKey = iota

// withAuditMeta stashes the provenance Meta needs, captured
// once at the edge of the request before any handler runs.
func withAuditMeta(r *http.Request) *http.Request {
	m := audit.Meta{
		RemoteAddr:   r.RemoteAddr,
		UserAgent:    r.UserAgent(),
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		Path:         r.URL.Path,
	}
	return r.WithContext(context.WithValue(r.Context(), auditMetaKey, m))
}

func auditMetaFrom(r *http.Request) audit.Meta {
	if m, ok := r.Context().Value(auditMetaKey).(audit.Meta); ok {
		return m
	}
	return audit.Meta{Path: r.URL.Path}
}
