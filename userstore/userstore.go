// Package userstore implements the user façade. Email lookup is
// case-insensitive (ASCII-fold of local part and domain);
// password_hash is never exposed and can only be mutated through a
// hasher.Hasher, never assigned directly — the façade has no
// SetPasswordHash(string) method on purpose.
package userstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/hasher"
)

// User is the user entity. PasswordHash never crosses the wire (the server
// layer maps User onto a view type without that field) and is write-only
// within this package: the façade only ever stores a hash produced by
// hasher.Hasher.Hash, never a caller-supplied string.
type User struct {
	ID                    string
	IsEnabled             bool
	Name                  string
	Email                 string
	Locale                string
	Timezone              string
	PasswordHash          string
	PasswordAllowReset    bool
	PasswordRequireUpdate bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// normalizeEmail produces the case-insensitive lookup key for an email.
// The stored User.Email always keeps the caller's original case; only
// comparisons fold. ASCII casefolding is sufficient for the addresses this
// system issues credentials against; full Unicode casefold is left to the
// transport-level validator, out of core scope.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var ErrNotFound = errors.New("userstore: not found")

// Store is the persistence contract. storage/memory and storage/sql each
// implement it.
type Store interface {
	Get(ctx context.Context, id string) (User, error)
	// GetByEmail looks a user up by their globally unique, normalized email
	// ("email (unique)" — the uniqueness constraint is global, not
	// per-service; a service-scoped login additionally checks the user owns
	// a Token-type key for that service, a separate check in key.Manager).
	GetByEmail(ctx context.Context, normalizedEmail string) (User, error)
	Create(ctx context.Context, u User) (User, error)
	Update(ctx context.Context, id string, updater func(User) (User, error)) (User, error)
}

// Facade is the user store façade.
type Facade struct {
	store  Store
	hasher *hasher.Hasher
}

func NewFacade(store Store, h *hasher.Hasher) *Facade {
	return &Facade{store: store, hasher: h}
}

func (f *Facade) Get(ctx context.Context, id string) (User, error) {
	u, err := f.store.Get(ctx, id)
	if err != nil {
		return User{}, apierr.NotFound()
	}
	return u, nil
}

func (f *Facade) GetByEmail(ctx context.Context, email string) (User, error) {
	u, err := f.store.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return User{}, apierr.NotFound()
	}
	return u, nil
}

// Create inserts a new user. Returns apierr.BadRequest(ReasonEmailInUse) on
// a uniqueness collision; the collision check folds case, the stored email
// does not.
func (f *Facade) Create(ctx context.Context, name, email, locale, timezone string) (User, error) {
	if _, err := f.store.GetByEmail(ctx, normalizeEmail(email)); err == nil {
		return User{}, apierr.BadRequest(apierr.ReasonEmailInUse)
	}
	u := User{
		IsEnabled:          true,
		Name:               name,
		Email:              strings.TrimSpace(email),
		Locale:             locale,
		Timezone:           timezone,
		PasswordAllowReset: true,
	}
	created, err := f.store.Create(ctx, u)
	if err != nil {
		return User{}, apierr.Infrastructure(err)
	}
	return created, nil
}

// SetPassword is the only path by which PasswordHash may change; plaintext
// never leaves this call.
func (f *Facade) SetPassword(ctx context.Context, id, plaintext string) (User, error) {
	hash, err := f.hasher.Hash(plaintext)
	if err != nil {
		return User{}, apierr.Infrastructure(err)
	}
	return f.store.Update(ctx, id, func(u User) (User, error) {
		u.PasswordHash = hash
		u.PasswordRequireUpdate = false
		return u, nil
	})
}

// VerifyPassword checks plaintext against u's stored hash, transparently
// rehashing and persisting if the stored hash is stale. Returns
// apierr.BadRequest(ReasonPasswordIncorrect) on mismatch or
// apierr.Unauthorised if no password is set.
func (f *Facade) VerifyPassword(ctx context.Context, u User, plaintext string) error {
	needsRehash, err := f.hasher.Verify(u.PasswordHash, plaintext)
	if err != nil {
		switch {
		case errors.Is(err, hasher.ErrPasswordUndefined):
			return apierr.BadRequest(apierr.ReasonPasswordIncorrect)
		case errors.Is(err, hasher.ErrPasswordIncorrect):
			return apierr.BadRequest(apierr.ReasonPasswordIncorrect)
		default:
			return apierr.Infrastructure(err)
		}
	}
	if needsRehash {
		newHash, err := f.hasher.Hash(plaintext)
		if err == nil {
			_, _ = f.store.Update(ctx, u.ID, func(cur User) (User, error) {
				cur.PasswordHash = newHash
				return cur, nil
			})
		}
	}
	return nil
}

func (f *Facade) SetEmail(ctx context.Context, id, newEmail string) (User, error) {
	if existing, err := f.store.GetByEmail(ctx, normalizeEmail(newEmail)); err == nil && existing.ID != id {
		return User{}, apierr.BadRequest(apierr.ReasonEmailInUse)
	}
	return f.store.Update(ctx, id, func(u User) (User, error) {
		u.Email = strings.TrimSpace(newEmail)
		return u, nil
	})
}

// Disable sets is_enabled=false — the terminal state after any *_revoke
// flow.
func (f *Facade) Disable(ctx context.Context, id string) (User, error) {
	return f.store.Update(ctx, id, func(u User) (User, error) {
		u.IsEnabled = false
		return u, nil
	})
}

func (f *Facade) SetPasswordAllowReset(ctx context.Context, id string, allow bool) (User, error) {
	return f.store.Update(ctx, id, func(u User) (User, error) {
		u.PasswordAllowReset = allow
		return u, nil
	})
}

// UpdateProfile is the admin-facing edit path for the fields none of the
// security-sensitive setters above touch. Empty strings leave the current
// value unchanged, so a partial PATCH body only needs to carry what changed.
func (f *Facade) UpdateProfile(ctx context.Context, id, name, locale, timezone string) (User, error) {
	return f.store.Update(ctx, id, func(u User) (User, error) {
		if name != "" {
			u.Name = name
		}
		if locale != "" {
			u.Locale = locale
		}
		if timezone != "" {
			u.Timezone = timezone
		}
		return u, nil
	})
}

// SetPasswordRequireUpdate forces (or clears) the gate login checks before
// issuing a token pair. An admin sets this out-of-band (e.g. after a breach
// notification); SetPassword and ResetPasswordConfirm already clear it as a
// side effect of a successful password change.
func (f *Facade) SetPasswordRequireUpdate(ctx context.Context, id string, require bool) (User, error) {
	return f.store.Update(ctx, id, func(u User) (User, error) {
		u.PasswordRequireUpdate = require
		return u, nil
	})
}
