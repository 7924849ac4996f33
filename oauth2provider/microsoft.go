package oauth2provider

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/csrf"
	tracepkg "github.com/ssocore/ssocore/pkg/otel"
)

// MicrosoftConfig carries the Azure AD app credentials and OIDC endpoints.
// No group filtering: only the email-bearing userinfo claims are read.
type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Tenant       string // defaults to "common"
	// AuthURL/TokenURL/UserinfoURL default to the v2.0 endpoints for Tenant.
	AuthURL     string
	TokenURL    string
	UserinfoURL string
}

type microsoftProvider struct {
	cfg    MicrosoftConfig
	states stateStore
	client *http.Client
}

func NewMicrosoft(cfg MicrosoftConfig, states stateStore) Provider {
	if cfg.Tenant == "" {
		cfg.Tenant = "common"
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://login.microsoftonline.com/" + cfg.Tenant + "/oauth2/v2.0/authorize"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://login.microsoftonline.com/" + cfg.Tenant + "/oauth2/v2.0/token"
	}
	if cfg.UserinfoURL == "" {
		cfg.UserinfoURL = "https://graph.microsoft.com/oidc/userinfo"
	}
	return &microsoftProvider{cfg: cfg, states: states, client: http.DefaultClient}
}

func (p *microsoftProvider) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.cfg.AuthURL,
			TokenURL: p.cfg.TokenURL,
		},
		Scopes: []string{"openid", "profile", "email"},
	}
}

// newPKCEVerifier returns a random 43-char URL-safe verifier per RFC 7636.
func newPKCEVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Begin generates state and a PKCE verifier, persists the verifier inside
// the CSRF entry's Value field alongside the state, and builds the
// authorize URL with the verifier's S256 challenge.
func (p *microsoftProvider) Begin(ctx context.Context, serviceID string) (string, error) {
	verifier, err := newPKCEVerifier()
	if err != nil {
		return "", apierr.Infrastructure(err)
	}
	entry, err := p.states.Create(ctx, serviceID, StateTTL)
	if err != nil {
		return "", apierr.Infrastructure(err)
	}
	if err := p.states.Bind(ctx, entry.Key, verifier); err != nil {
		return "", apierr.Infrastructure(err)
	}

	url := p.oauth2Config().AuthCodeURL(entry.Key,
		oauth2.SetAuthURLParam("code_challenge", pkceChallengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return url, nil
}

func (p *microsoftProvider) Complete(ctx context.Context, code, state string) (string, error) {
	ctx, span := tracepkg.InstrumentationTracer(ctx, "oauth2provider.microsoft.Complete")
	defer span.End()

	entry, err := p.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, csrf.ErrNotFoundOrUsed) {
			return "", stateNotFoundOrExpired()
		}
		return "", apierr.Infrastructure(err)
	}

	ctx = withHTTPClient(ctx, p.client)
	token, err := p.oauth2Config().Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", entry.Value),
	)
	if err != nil {
		return "", apierr.ProviderFault(fmt.Sprintf("microsoft: token exchange: %v", err))
	}

	client := p.oauth2Config().Client(ctx, token)
	return p.verifiedEmail(ctx, client)
}

type msUserinfo struct {
	Sub               string `json:"sub"`
	Email             string `json:"email"`
	UserPrincipalName string `json:"preferred_username"`
}

func (p *microsoftProvider) verifiedEmail(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserinfoURL, nil)
	if err != nil {
		return "", apierr.Infrastructure(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", apierr.ProviderFault(fmt.Sprintf("microsoft: fetch userinfo: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", apierr.ProviderFault(fmt.Sprintf("microsoft: userinfo status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", apierr.ProviderFault(fmt.Sprintf("microsoft: userinfo rejected request: %d", resp.StatusCode))
	}

	var u msUserinfo
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return "", apierr.ProviderFault(fmt.Sprintf("microsoft: decode userinfo: %v", err))
	}

	// "sub + userPrincipalName/mail from OIDC userinfo" — prefer
	// the explicit email claim, fall back to the principal name (which for
	// Azure AD accounts is itself an email-shaped UPN).
	if u.Email != "" {
		return u.Email, nil
	}
	if u.UserPrincipalName != "" {
		return u.UserPrincipalName, nil
	}
	return "", apierr.BadRequest(apierr.ReasonProviderEmailUnverified)
}
