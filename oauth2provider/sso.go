package oauth2provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/csrf"
	tracepkg "github.com/ssocore/ssocore/pkg/otel"
)

// SSOConfig configures the third login strategy alongside GitHub and
// Microsoft: a chained SSO — another OIDC-compliant identity provider
// fronting a service's users, most often another instance of this same
// system. Unlike GitHub/Microsoft, whose endpoints are fixed, a chained
// SSO's authorize/token/userinfo endpoints are discovered from IssuerURL's
// OIDC discovery document.
type SSOConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type ssoProvider struct {
	cfg    SSOConfig
	states stateStore

	mu       sync.Mutex
	provider *oidc.Provider
}

// NewSSO returns a chained-SSO Provider. Discovery is deferred to first use
// (Begin or Complete) rather than performed here, since every adapter
// constructor in this package is error-free by convention — a misconfigured
// or unreachable issuer therefore surfaces as a ProviderFault on first call
// instead of a construction-time error.
func NewSSO(cfg SSOConfig, states stateStore) Provider {
	return &ssoProvider{cfg: cfg, states: states}
}

func (p *ssoProvider) discover(ctx context.Context) (*oidc.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provider != nil {
		return p.provider, nil
	}
	provider, err := oidc.NewProvider(ctx, p.cfg.IssuerURL)
	if err != nil {
		return nil, apierr.ProviderFault(fmt.Sprintf("sso: discover %s: %v", p.cfg.IssuerURL, err))
	}
	p.provider = provider
	return provider, nil
}

func (p *ssoProvider) oauth2Config(provider *oidc.Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURI,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
}

// Begin discovers the issuer (first call only) and builds its authorize
// URL keyed by a CSRF-store state, same shape as the GitHub/Microsoft
// adapters' Begin.
func (p *ssoProvider) Begin(ctx context.Context, serviceID string) (string, error) {
	provider, err := p.discover(ctx)
	if err != nil {
		return "", err
	}
	entry, err := p.states.Create(ctx, serviceID, StateTTL)
	if err != nil {
		return "", apierr.Infrastructure(err)
	}
	return p.oauth2Config(provider).AuthCodeURL(entry.Key), nil
}

// Complete consumes the state, exchanges code for a token, and fetches the
// verified email from the discovered provider's userinfo endpoint — routed
// through go-oidc's Provider.UserInfo rather than a hand-rolled GET, since
// discovery already gives us a *oidc.Provider.
func (p *ssoProvider) Complete(ctx context.Context, code, state string) (string, error) {
	ctx, span := tracepkg.InstrumentationTracer(ctx, "oauth2provider.sso.Complete")
	defer span.End()

	provider, err := p.discover(ctx)
	if err != nil {
		return "", err
	}
	if _, err := p.states.Consume(ctx, state); err != nil {
		if errors.Is(err, csrf.ErrNotFoundOrUsed) {
			return "", stateNotFoundOrExpired()
		}
		return "", apierr.Infrastructure(err)
	}

	token, err := p.oauth2Config(provider).Exchange(ctx, code)
	if err != nil {
		return "", apierr.ProviderFault(fmt.Sprintf("sso: token exchange: %v", err))
	}

	userInfo, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return "", apierr.ProviderFault(fmt.Sprintf("sso: fetch userinfo: %v", err))
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := userInfo.Claims(&claims); err != nil {
		return "", apierr.ProviderFault(fmt.Sprintf("sso: decode userinfo: %v", err))
	}
	if claims.Email == "" {
		return "", apierr.BadRequest(apierr.ReasonProviderEmailUnverified)
	}
	return claims.Email, nil
}
