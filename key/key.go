// Package key implements the tri-role key model and the manager that
// creates, reads, revokes and resolves credentials.
//
// Key is modeled as a tagged variant over
// {Root, Service(service_id), User(service_id, user_id)} rather than three
// nullable foreign keys with ad-hoc invariants. Authenticate dispatches on
// the variant directly instead of checking which fields happen to be nil.
package key

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/ssocore/ssocore/apierr"
)

// Role is the tagged variant over a key's three shapes.
type Role int

const (
	RoleRoot Role = iota
	RoleService
	RoleUser
)

// Type distinguishes how a User-role key is used: Token keys sign that
// user's JWTs (at most one enabled+non-revoked per service);
// Key-type keys are presented directly as bearer API keys (a user may hold
// several); Totp keys store a user's enrolled TOTP secret (tied to key
// lifecycle, so revoke kills TOTP too).
type Type string

const (
	TypeKey   Type = "Key"
	TypeToken Type = "Token"
	TypeTotp  Type = "Totp"
)

// Key is the key entity: an opaque, high-entropy credential bound to
// one of the three roles above.
type Key struct {
	ID         string
	IsEnabled  bool
	IsRevoked  bool
	Type       Type
	Name       string
	Value      string
	ServiceID  *string
	UserID     *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Role reports which of the three shapes k satisfies.
func (k Key) Role() Role {
	switch {
	case k.ServiceID == nil:
		return RoleRoot
	case k.UserID == nil:
		return RoleService
	default:
		return RoleUser
	}
}

// Usable reports whether k may currently authenticate anything.
func (k Key) Usable() bool { return k.IsEnabled && !k.IsRevoked }

// Store is the persistence contract key.Manager needs; storage/memory and
// storage/sql each provide one.
type Store interface {
	Create(ctx context.Context, k Key) (Key, error)
	Get(ctx context.Context, id string) (Key, error)
	// GetByValue resolves a bare bearer value to a Key (the "id.secret"
	// composite goes through Get instead, see ReadByValue). storage/memory
	// and storage/sql match the value with an ordinary equality lookup,
	// not a constant-time comparison.
	GetByValue(ctx context.Context, value string) (Key, error)
	// GetUserKey looks up the (service, user, type) key, if any. Used to
	// enforce the at-most-one-enabled-Token-per-service invariant and to
	// find a user's signing secret.
	GetUserKey(ctx context.Context, serviceID, userID string, typ Type) (Key, error)
	ListUserKeys(ctx context.Context, serviceID, userID string) ([]Key, error)
	Update(ctx context.Context, id string, updater func(Key) (Key, error)) (Key, error)
}

var ErrNotFound = errors.New("key: not found")

// NewValue generates a cryptographically random key value, >= 32 bytes,
// hex-encoded.
func NewValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// splitComposite splits an "id.secret" presented value into its parts at the
// first dot. A value with no dot, or with an empty part on either side of
// that dot, is reported as not composite (ok false) so the caller falls back
// to a direct value lookup, letting revokable API keys be presented either
// way.
func splitComposite(presented string) (id, secret string, ok bool) {
	parts := strings.SplitN(presented, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Manager is the key manager: create/read/update/revoke credentials of
// the three roles, and resolve a presented secret to a caller identity.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// CreateRoot produces a root key. Callers must already have verified the
// process-operator boundary (root key minting is operator-only); Manager
// does not re-check that here since it has no notion of "operator" below
// the key layer.
func (m *Manager) CreateRoot(ctx context.Context, name string) (Key, error) {
	value, err := NewValue()
	if err != nil {
		return Key{}, apierr.Infrastructure(err)
	}
	return m.store.Create(ctx, Key{
		IsEnabled: true,
		Type:      TypeKey,
		Name:      name,
		Value:     value,
	})
}

// CreateService requires a root caller, enforced by the server's admin key
// handler (requireRoot) before it calls here; Manager trusts it.
func (m *Manager) CreateService(ctx context.Context, serviceID, name string) (Key, error) {
	value, err := NewValue()
	if err != nil {
		return Key{}, apierr.Infrastructure(err)
	}
	return m.store.Create(ctx, Key{
		IsEnabled: true,
		Type:      TypeKey,
		Name:      name,
		Value:     value,
		ServiceID: &serviceID,
	})
}

// CreateUser requires a service caller for the same service, or root.
func (m *Manager) CreateUser(ctx context.Context, serviceID, userID string, typ Type, name string, isEnabled bool) (Key, error) {
	if typ == TypeToken {
		existing, err := m.store.GetUserKey(ctx, serviceID, userID, TypeToken)
		if err == nil && existing.Usable() {
			return Key{}, apierr.BadRequest(apierr.ReasonValidation)
		}
	}
	value, err := NewValue()
	if err != nil {
		return Key{}, apierr.Infrastructure(err)
	}
	return m.store.Create(ctx, Key{
		IsEnabled: isEnabled,
		Type:      typ,
		Name:      name,
		Value:     value,
		ServiceID: &serviceID,
		UserID:    &userID,
	})
}

// CreateUserWithValue is CreateUser for callers that must control the
// stored value themselves, namely TOTP enrollment, where value is the
// base32 secret totp.Generate already produced and handed to the caller as
// an otpauth:// URI; generating a second, different value here would make
// the enrolled QR code useless against the stored key.
func (m *Manager) CreateUserWithValue(ctx context.Context, serviceID, userID string, typ Type, name, value string, isEnabled bool) (Key, error) {
	return m.store.Create(ctx, Key{
		IsEnabled: isEnabled,
		Type:      typ,
		Name:      name,
		Value:     value,
		ServiceID: &serviceID,
		UserID:    &userID,
	})
}

// GetOrCreateUserToken returns the user's enabled, non-revoked Token-type
// key for serviceID, creating one if absent: registration must never fail
// just because a key hasn't been provisioned yet for a first-time user.
func (m *Manager) GetOrCreateUserToken(ctx context.Context, serviceID, userID string) (Key, error) {
	existing, err := m.store.GetUserKey(ctx, serviceID, userID, TypeToken)
	if err == nil && existing.Usable() {
		return existing, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Key{}, apierr.Infrastructure(err)
	}
	return m.CreateUser(ctx, serviceID, userID, TypeToken, "token", true)
}

// GetUsableUserToken resolves (service, user)'s Token-type key, requiring it
// to be enabled and not revoked. This is the checked load every flow performs
// before trusting a signing secret.
func (m *Manager) GetUsableUserToken(ctx context.Context, serviceID, userID string) (Key, error) {
	k, err := m.store.GetUserKey(ctx, serviceID, userID, TypeToken)
	if err != nil {
		return Key{}, apierr.Unauthorised(apierr.ReasonNone)
	}
	if !k.Usable() {
		return Key{}, apierr.Unauthorised(apierr.ReasonKeyRevoked)
	}
	return k, nil
}

// GetUserTokenUnchecked resolves (service, user)'s Token-type key without
// requiring it to be enabled or unrevoked. A revoke must still work (or
// no-op cleanly) on an already-disabled key.
func (m *Manager) GetUserTokenUnchecked(ctx context.Context, serviceID, userID string) (Key, error) {
	k, err := m.store.GetUserKey(ctx, serviceID, userID, TypeToken)
	if err != nil {
		return Key{}, apierr.Unauthorised(apierr.ReasonNone)
	}
	return k, nil
}

// Get resolves a key by its opaque id, for the admin /v1/key/{id} read path.
func (m *Manager) Get(ctx context.Context, id string) (Key, error) {
	k, err := m.store.Get(ctx, id)
	if err != nil {
		return Key{}, apierr.NotFound()
	}
	return k, nil
}

// ListUserKeys exposes Store.ListUserKeys through the façade, for the admin
// /v1/key listing path scoped to a (service, user) pair.
func (m *Manager) ListUserKeys(ctx context.Context, serviceID, userID string) ([]Key, error) {
	ks, err := m.store.ListUserKeys(ctx, serviceID, userID)
	if err != nil {
		return nil, apierr.Infrastructure(err)
	}
	return ks, nil
}

// GetUserKeyByType resolves (service, user)'s key of the given type
// unchecked, to find a user's enrolled Totp key.
func (m *Manager) GetUserKeyByType(ctx context.Context, serviceID, userID string, typ Type) (Key, error) {
	k, err := m.store.GetUserKey(ctx, serviceID, userID, typ)
	if err != nil {
		return Key{}, ErrNotFound
	}
	return k, nil
}

// ReadByValue resolves a presented secret to a Key, accepting either the
// bare value or an "id.secret" composite. For the composite form the secret
// is compared with the stored value in constant time; a bare value is
// resolved by Store.GetByValue, whose lookup in storage/memory and
// storage/sql is not constant-time.
func (m *Manager) ReadByValue(ctx context.Context, presented string) (Key, error) {
	if id, secret, ok := splitComposite(presented); ok {
		k, err := m.store.Get(ctx, id)
		if err != nil {
			return Key{}, ErrNotFound
		}
		if subtle.ConstantTimeCompare([]byte(k.Value), []byte(secret)) != 1 {
			return Key{}, ErrNotFound
		}
		return k, nil
	}
	k, err := m.store.GetByValue(ctx, presented)
	if err != nil {
		return Key{}, ErrNotFound
	}
	return k, nil
}

// Identity is what Authenticate resolves a presented secret to: either a
// root caller (ServiceID == nil) or a caller bound to a specific service.
type Identity struct {
	ServiceID *string
	Key       Key
}

// ErrUserKeyNotAllowed is returned by Authenticate when the presented
// secret resolves to a User-role key. Those only authenticate through the
// dedicated /v1/auth/* endpoints, never the generic caller boundary.
var ErrUserKeyNotAllowed = apierr.Unauthorised(apierr.ReasonNone)

// Authenticate resolves a presented secret to a caller identity for the
// generic (non-auth) API boundary.
func (m *Manager) Authenticate(ctx context.Context, presented string) (Identity, error) {
	k, err := m.ReadByValue(ctx, presented)
	if err != nil {
		return Identity{}, apierr.Unauthorised(apierr.ReasonNone)
	}
	if !k.Usable() {
		return Identity{}, apierr.Unauthorised(apierr.ReasonKeyRevoked)
	}
	switch k.Role() {
	case RoleRoot:
		return Identity{ServiceID: nil, Key: k}, nil
	case RoleService:
		return Identity{ServiceID: k.ServiceID, Key: k}, nil
	default:
		return Identity{}, ErrUserKeyNotAllowed
	}
}

// Revoke sets is_enabled=false, is_revoked=true. Idempotent.
func (m *Manager) Revoke(ctx context.Context, id string) (Key, error) {
	return m.store.Update(ctx, id, func(k Key) (Key, error) {
		k.IsEnabled = false
		k.IsRevoked = true
		return k, nil
	})
}

// RevokeAllForUser revokes every key belonging to (serviceID, userID), the tail of the user-revoke flow, which kills bearer keys, the token
// signing key, and any enrolled TOTP secret in one sweep.
func (m *Manager) RevokeAllForUser(ctx context.Context, serviceID, userID string) error {
	keys, err := m.store.ListUserKeys(ctx, serviceID, userID)
	if err != nil {
		return apierr.Infrastructure(err)
	}
	for _, k := range keys {
		if _, err := m.Revoke(ctx, k.ID); err != nil {
			return err
		}
	}
	return nil
}
