// Package servicestore implements the service façade: enabled/disabled
// services with provider URLs. Writes are root-only, enforced by the
// caller (auth engine / server middleware) checking key.Identity.ServiceID
// == nil before calling mutating methods here — this package itself only
// encodes the read-side
// filtering (disabled services hidden from OAuth2 provider URL responses).
package servicestore

import (
	"context"
	"errors"
	"time"

	"github.com/ssocore/ssocore/apierr"
)

// Service is the service entity: a backend that authenticates its users
// through this system.
type Service struct {
	ID                         string    `json:"id"`
	IsEnabled                  bool      `json:"is_enabled"`
	Name                       string    `json:"name"`
	URL                        string    `json:"url"`
	ProviderLocalURL           string    `json:"provider_local_url,omitempty"`
	ProviderGithubOAuth2URL    string    `json:"provider_github_oauth2_url,omitempty"`
	ProviderMicrosoftOAuth2URL string    `json:"provider_microsoft_oauth2_url,omitempty"`
	UserAllowRegister          bool      `json:"user_allow_register"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

var ErrNotFound = errors.New("servicestore: not found")

type Store interface {
	Get(ctx context.Context, id string) (Service, error)
	Create(ctx context.Context, s Service) (Service, error)
	Update(ctx context.Context, id string, updater func(Service) (Service, error)) (Service, error)
	List(ctx context.Context) ([]Service, error)
}

type Facade struct {
	store Store
}

func NewFacade(store Store) *Facade {
	return &Facade{store: store}
}

// Get returns the service, failing with apierr.NotFound if absent, or
// apierr.BadRequest(ReasonServiceDisabled) if requireEnabled is set and the
// service is disabled — every auth operation passes requireEnabled=true
// ("a disabled service must reject every authentication attempt
// citing it").
func (f *Facade) Get(ctx context.Context, id string, requireEnabled bool) (Service, error) {
	s, err := f.store.Get(ctx, id)
	if err != nil {
		return Service{}, apierr.NotFound()
	}
	if requireEnabled && !s.IsEnabled {
		return Service{}, apierr.BadRequest(apierr.ReasonServiceDisabled)
	}
	return s, nil
}

func (f *Facade) Create(ctx context.Context, s Service) (Service, error) {
	created, err := f.store.Create(ctx, s)
	if err != nil {
		return Service{}, apierr.Infrastructure(err)
	}
	return created, nil
}

func (f *Facade) Update(ctx context.Context, id string, updater func(Service) (Service, error)) (Service, error) {
	updated, err := f.store.Update(ctx, id, updater)
	if err != nil {
		return Service{}, apierr.Infrastructure(err)
	}
	return updated, nil
}

// List filters disabled services out of the response.
func (f *Facade) List(ctx context.Context, includeDisabled bool) ([]Service, error) {
	all, err := f.store.List(ctx)
	if err != nil {
		return nil, apierr.Infrastructure(err)
	}
	if includeDisabled {
		return all, nil
	}
	out := make([]Service, 0, len(all))
	for _, s := range all {
		if s.IsEnabled {
			out = append(out, s)
		}
	}
	return out, nil
}
