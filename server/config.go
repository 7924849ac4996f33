// Package server implements HTTP transport: the wire API in front of the
// auth/key/userstore/servicestore/storage core. A Config carries everything
// the process assembles at startup (storage, TTLs, CORS policy, logger,
// metrics registry); Server owns the gorilla/mux router built once from it.
// Every handler follows the same shape: resolve the caller's identity,
// decode and validate the request, call the core, write the response.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ssocore/ssocore/auth"
	"github.com/ssocore/ssocore/csrf"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/oauth2provider"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/userstore"
)

// Config holds everything needed to build a Server. Multiple Servers
// sharing the same Storage are expected to be configured identically.
type Config struct {
	Engine    *auth.Engine
	Keys      *key.Manager
	Users     *userstore.Facade
	Services  *servicestore.Facade
	Audits    storage.AuditStore
	Csrf      csrf.Store
	Providers map[string]oauth2provider.Provider

	TTLs auth.TTLs

	// AllowedOrigins/AllowedHeaders drive the CORS middleware on the
	// browser-facing routes; empty disables CORS entirely.
	AllowedOrigins []string
	AllowedHeaders []string

	Logger             *slog.Logger
	PrometheusRegistry *prometheus.Registry

	// Now lets tests freeze time for token expiry assertions; defaults to
	// time.Now.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Header is caller credential header.
const Header = "Authorization"

var _ http.Handler = (*Server)(nil)
