package oauth2provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/csrf"
)

func newFixtureSSO(t *testing.T, userinfo map[string]any) (*ssoProvider, *csrf.MemStore, func()) {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"userinfo_endpoint":      srv.URL + "/userinfo",
			"jwks_uri":               srv.URL + "/keys",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-789",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-789", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(userinfo)
	})

	states := csrf.NewMemStore()
	p := &ssoProvider{
		cfg: SSOConfig{
			IssuerURL:    srv.URL,
			ClientID:     "cid",
			ClientSecret: "csecret",
			RedirectURI:  "https://app.example/callback",
		},
		states: states,
	}
	return p, states, srv.Close
}

func TestSSOBeginDiscoversIssuerAndProducesAuthorizeURL(t *testing.T) {
	p, states, closeSrv := newFixtureSSO(t, map[string]any{"sub": "abc", "email": "sso-user@example.com"})
	defer closeSrv()

	redirect, err := p.Begin(context.Background(), "svc-1")
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	entry, err := states.Consume(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, "svc-1", entry.ServiceID)
}

func TestSSOCompleteReturnsVerifiedEmail(t *testing.T) {
	p, _, closeSrv := newFixtureSSO(t, map[string]any{"sub": "abc", "email": "sso-user@example.com"})
	defer closeSrv()

	redirect, err := p.Begin(context.Background(), "svc-1")
	require.NoError(t, err)
	u, _ := url.Parse(redirect)
	state := u.Query().Get("state")

	email, err := p.Complete(context.Background(), "code-abc", state)
	require.NoError(t, err)
	require.Equal(t, "sso-user@example.com", email)
}

func TestSSOCompleteRejectsMissingEmail(t *testing.T) {
	p, _, closeSrv := newFixtureSSO(t, map[string]any{"sub": "abc"})
	defer closeSrv()

	redirect, _ := p.Begin(context.Background(), "svc-1")
	u, _ := url.Parse(redirect)
	state := u.Query().Get("state")

	_, err := p.Complete(context.Background(), "code-abc", state)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonProviderEmailUnverified, apiErr.Reason)
}

func TestSSOCompleteRejectsUnknownState(t *testing.T) {
	p, _, closeSrv := newFixtureSSO(t, map[string]any{})
	defer closeSrv()

	_, err := p.Complete(context.Background(), "code-abc", "never-issued")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonStateNotFoundOrExpired, apiErr.Reason)
}
