// Package oauth2provider implements the OAuth2 provider adapter contract
// (begin/complete) shared by the GitHub, Microsoft and chained-SSO login
// strategies. An adapter never federates identity groups or claims — it
// only needs one verified email address back from the upstream.
package oauth2provider

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/csrf"
)

// Provider is the begin/complete contract every OAuth2 adapter satisfies.
// One value per configured upstream (github, microsoft, ...); the auth
// engine looks one up by name per service.
type Provider interface {
	// Begin generates a CSRF-bound state, persists it, and returns the
	// provider's authorize URL the caller should redirect the user-agent to.
	Begin(ctx context.Context, serviceID string) (redirectURL string, err error)
	// Complete consumes the state, exchanges code for a token, and returns
	// the verified email address of the authenticated upstream user.
	Complete(ctx context.Context, code, state string) (email string, err error)
}

// StateTTL bounds how long a Begin-issued state remains valid for a
// matching Complete call.
const StateTTL = 10 * time.Minute

// withHTTPClient routes the oauth2 package's token exchange and API calls
// through client when one was injected (fixture servers in tests, custom
// transports in deployments); a nil client leaves the default in place.
func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// stateStore is the subset of csrf.Store an adapter needs; adapters depend
// on this rather than *csrf.MemStore so the wiring can be swapped for a
// SQL-backed csrf.Store without touching this package.
type stateStore interface {
	Create(ctx context.Context, serviceID string, ttl time.Duration) (csrf.Entry, error)
	Consume(ctx context.Context, key string) (csrf.Entry, error)
	Bind(ctx context.Context, key, value string) error
}

// stateNotFoundOrExpired maps csrf.ErrNotFoundOrUsed onto the
// provider-adapter's own named failure mode.
func stateNotFoundOrExpired() error {
	return apierr.BadRequest(apierr.ReasonStateNotFoundOrExpired)
}
