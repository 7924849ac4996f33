package userstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/hasher"
)

func newFacade() *Facade {
	return NewFacade(newMemStore(), hasher.New(hasher.DefaultParams))
}

// Email is case-preserving on store and case-insensitive on lookup.
func TestCreateAndLookupCaseInsensitive(t *testing.T) {
	f := newFacade()
	ctx := context.Background()

	u, err := f.Create(ctx, "Ada", "Ada@Example.com", "en-US", "UTC")
	require.NoError(t, err)
	require.Equal(t, "Ada@Example.com", u.Email)

	got, err := f.GetByEmail(ctx, "ADA@EXAMPLE.COM")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)
	require.Equal(t, "Ada@Example.com", got.Email)
}

func TestCreateEmailInUse(t *testing.T) {
	f := newFacade()
	ctx := context.Background()

	_, err := f.Create(ctx, "Ada", "a@b.com", "", "")
	require.NoError(t, err)

	_, err = f.Create(ctx, "Ada2", "a@b.com", "", "")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonEmailInUse, apiErr.Reason)

	// Uniqueness folds case even though storage doesn't.
	_, err = f.Create(ctx, "Ada3", "A@B.com", "", "")
	apiErr, ok = apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonEmailInUse, apiErr.Reason)
}

func TestSetPasswordAndVerify(t *testing.T) {
	f := newFacade()
	ctx := context.Background()

	u, err := f.Create(ctx, "Ada", "a@b.com", "", "")
	require.NoError(t, err)

	u, err = f.SetPassword(ctx, u.ID, "hunter2pass")
	require.NoError(t, err)
	require.False(t, u.PasswordRequireUpdate)

	require.NoError(t, f.VerifyPassword(ctx, u, "hunter2pass"))

	err = f.VerifyPassword(ctx, u, "wrong")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonPasswordIncorrect, apiErr.Reason)
}

func TestVerifyPasswordUndefined(t *testing.T) {
	f := newFacade()
	ctx := context.Background()

	u, err := f.Create(ctx, "Ada", "a@b.com", "", "")
	require.NoError(t, err)

	err = f.VerifyPassword(ctx, u, "anything")
	require.Error(t, err)
}

// A successful verify against a stale hash transparently re-hashes and
// persists, so the stored credential upgrades on next login.
func TestVerifyPasswordRehashesLegacyHash(t *testing.T) {
	s := newMemStore()
	f := NewFacade(s, hasher.New(hasher.DefaultParams))
	ctx := context.Background()

	u, err := f.Create(ctx, "Ada", "a@b.com", "", "")
	require.NoError(t, err)

	legacy, err := hasher.HashBcrypt("old-password-123")
	require.NoError(t, err)
	u, err = s.Update(ctx, u.ID, func(cur User) (User, error) {
		cur.PasswordHash = legacy
		return cur, nil
	})
	require.NoError(t, err)

	require.NoError(t, f.VerifyPassword(ctx, u, "old-password-123"))

	upgraded, err := s.Get(ctx, u.ID)
	require.NoError(t, err)
	require.NotEqual(t, legacy, upgraded.PasswordHash)
	require.NoError(t, f.VerifyPassword(ctx, upgraded, "old-password-123"))
}

func TestSetEmailRejectsCollision(t *testing.T) {
	f := newFacade()
	ctx := context.Background()

	_, err := f.Create(ctx, "A", "a@b.com", "", "")
	require.NoError(t, err)
	u2, err := f.Create(ctx, "B", "b@b.com", "", "")
	require.NoError(t, err)

	_, err = f.SetEmail(ctx, u2.ID, "a@b.com")
	require.Error(t, err)
}

func TestDisableUser(t *testing.T) {
	f := newFacade()
	ctx := context.Background()

	u, err := f.Create(ctx, "A", "a@b.com", "", "")
	require.NoError(t, err)

	u, err = f.Disable(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, u.IsEnabled)
}
