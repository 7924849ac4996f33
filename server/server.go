package server

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the top-level HTTP handler: a single gorilla/mux router built
// once from Config.
type Server struct {
	cfg Config
	mux http.Handler
}

var _ http.Handler = (*Server)(nil)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// NewServer builds the route table.
func NewServer(cfg Config) (*Server, error) {
	s := &Server{cfg: cfg}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.NotFoundHandler = http.NotFoundHandler()

	handleFunc := func(p string, h http.HandlerFunc) {
		r.Handle(p, withAuditMetaHandler(h))
	}
	handleWithCORS := func(p string, h http.HandlerFunc) {
		var handler http.Handler = withAuditMetaHandler(h)
		if len(cfg.AllowedOrigins) > 0 {
			cors := handlers.CORS(
				handlers.AllowedOrigins(cfg.AllowedOrigins),
				handlers.AllowedHeaders(cfg.AllowedHeaders),
			)
			handler = cors(handler)
		}
		r.Handle(p, handler)
	}

	r.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("pong"))
	}).Methods(http.MethodGet)

	if cfg.PrometheusRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.PrometheusRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Admin: keys
	handleFunc("/v1/key", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleKeyCreate(w, r)
		case http.MethodGet:
			s.handleKeyList(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	handleFunc("/v1/key/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleKeyGet(w, r)
		case http.MethodPatch:
			s.handleKeyRevoke(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	// Admin: services
	handleWithCORS("/v1/service", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleServiceCreate(w, r)
		case http.MethodGet:
			s.handleServiceList(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	handleFunc("/v1/service/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleServiceGet(w, r)
		case http.MethodPatch:
			s.handleServiceUpdate(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	// Admin: users
	handleFunc("/v1/user", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleUserCreate(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	handleFunc("/v1/user/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleUserGet(w, r)
		case http.MethodPatch:
			s.handleUserPatch(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	// Admin: audits
	handleFunc("/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleAuditCreate(w, r)
		case http.MethodGet:
			s.handleAuditList(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	handleFunc("/v1/audit/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleAuditGet(w, r)
		case http.MethodPatch:
			s.handleAuditPatch(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	// Auth: local provider
	handleWithCORS("/v1/auth/provider/local/login", s.handleLogin)
	handleWithCORS("/v1/auth/provider/local/register", s.handleRegisterRequest)
	handleWithCORS("/v1/auth/provider/local/register/confirm", s.handleRegisterConfirm)
	handleWithCORS("/v1/auth/provider/local/reset-password", s.handleResetPassword)
	handleWithCORS("/v1/auth/provider/local/reset-password/confirm", s.handleResetPasswordConfirm)
	handleWithCORS("/v1/auth/provider/local/update-email", s.handleUpdateEmail)
	handleWithCORS("/v1/auth/provider/local/update-email/revoke", s.handleRevoke)
	handleWithCORS("/v1/auth/provider/local/update-password", s.handleUpdatePassword)
	handleWithCORS("/v1/auth/provider/local/update-password/revoke", s.handleRevoke)

	// Auth: OAuth2 upstreams
	handleFunc("/v1/auth/provider/{provider}/oauth2", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleOAuth2Begin(w, r)
		case http.MethodPost:
			s.handleOAuth2Complete(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	// Auth: key/token/totp verification surface
	handleWithCORS("/v1/auth/key/verify", s.handleAuthKeyVerify)
	handleWithCORS("/v1/auth/key/revoke", s.handleAuthKeyRevoke)
	handleWithCORS("/v1/auth/token/verify", s.handleAuthTokenVerify)
	handleWithCORS("/v1/auth/token/refresh", s.handleAuthTokenRefresh)
	handleWithCORS("/v1/auth/token/revoke", s.handleAuthTokenRevoke)
	handleWithCORS("/v1/auth/totp", s.handleTotpVerify)
	handleWithCORS("/v1/auth/totp/enroll", s.handleTotpEnroll)

	// Auth: raw CSRF issue/consume
	handleFunc("/v1/auth/csrf", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleCsrfCreate(w, r)
		case http.MethodPost:
			s.handleCsrfConsume(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	var handler http.Handler = r
	if cfg.PrometheusRegistry != nil {
		handler = wrapWithMetrics(handler, cfg.PrometheusRegistry)
	}
	s.mux = handler
	return s, nil
}

func withAuditMetaHandler(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, withAuditMeta(r))
	}
}
