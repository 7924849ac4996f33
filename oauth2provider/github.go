package oauth2provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"golang.org/x/oauth2"
	xgithub "golang.org/x/oauth2/github"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/csrf"
	tracepkg "github.com/ssocore/ssocore/pkg/otel"
)

// GitHubConfig carries the GitHub OAuth2 app credentials. No org/team
// filtering: this system has no group claims, it only needs one verified
// email address back.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// APIURL defaults to https://api.github.com; overridable for GitHub
	// Enterprise.
	APIURL string
	// AuthURL/TokenURL default to golang.org/x/oauth2/github's Endpoint;
	// overridable so tests can point the adapter at a fixture server.
	AuthURL  string
	TokenURL string
}

// scopeEmail is required to read /user/emails.
const scopeEmail = "user:email"

type gitHubProvider struct {
	cfg    GitHubConfig
	states stateStore
	client *http.Client
}

func NewGitHub(cfg GitHubConfig, states stateStore) Provider {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.github.com"
	}
	return &gitHubProvider{cfg: cfg, states: states, client: http.DefaultClient}
}

func (p *gitHubProvider) oauth2Config() *oauth2.Config {
	endpoint := xgithub.Endpoint
	if p.cfg.AuthURL != "" {
		endpoint.AuthURL = p.cfg.AuthURL
	}
	if p.cfg.TokenURL != "" {
		endpoint.TokenURL = p.cfg.TokenURL
	}
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       []string{scopeEmail},
	}
}

func (p *gitHubProvider) Begin(ctx context.Context, serviceID string) (string, error) {
	entry, err := p.states.Create(ctx, serviceID, StateTTL)
	if err != nil {
		return "", apierr.Infrastructure(err)
	}
	return p.oauth2Config().AuthCodeURL(entry.Key), nil
}

func (p *gitHubProvider) Complete(ctx context.Context, code, state string) (string, error) {
	ctx, span := tracepkg.InstrumentationTracer(ctx, "oauth2provider.github.Complete")
	defer span.End()

	if _, err := p.states.Consume(ctx, state); err != nil {
		if errors.Is(err, csrf.ErrNotFoundOrUsed) {
			return "", stateNotFoundOrExpired()
		}
		return "", apierr.Infrastructure(err)
	}

	ctx = withHTTPClient(ctx, p.client)
	token, err := p.oauth2Config().Exchange(ctx, code)
	if err != nil {
		return "", apierr.ProviderFault(fmt.Sprintf("github: token exchange: %v", err))
	}

	client := p.oauth2Config().Client(ctx, token)
	return p.primaryVerifiedEmail(ctx, client)
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// primaryVerifiedEmail GETs /user/emails and picks the primary verified
// address.
func (p *gitHubProvider) primaryVerifiedEmail(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.APIURL+"/user/emails", nil)
	if err != nil {
		return "", apierr.Infrastructure(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", apierr.ProviderFault(fmt.Sprintf("github: fetch emails: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", apierr.ProviderFault(fmt.Sprintf("github: emails endpoint status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", apierr.ProviderFault(fmt.Sprintf("github: emails endpoint rejected request: %d", resp.StatusCode))
	}

	var emails []githubEmail
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", apierr.ProviderFault(fmt.Sprintf("github: decode emails: %v", err))
	}

	// Deterministic in case more than one qualifies: primary first, else
	// lexicographically smallest verified address.
	sort.Slice(emails, func(i, j int) bool {
		if emails[i].Primary != emails[j].Primary {
			return emails[i].Primary
		}
		return emails[i].Email < emails[j].Email
	})
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}
	return "", apierr.BadRequest(apierr.ReasonProviderEmailUnverified)
}
