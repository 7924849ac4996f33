package key

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssocore/ssocore/apierr"
)

func TestCreateRootServiceUser(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	root, err := m.CreateRoot(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, RoleRoot, root.Role())

	svc, err := m.CreateService(ctx, "svc-1", "svc key")
	require.NoError(t, err)
	require.Equal(t, RoleService, svc.Role())

	usr, err := m.CreateUser(ctx, "svc-1", "u-1", TypeKey, "api key", true)
	require.NoError(t, err)
	require.Equal(t, RoleUser, usr.Role())
}

// At most one enabled, non-revoked Token key may exist per (service, user).
func TestSingleEnabledTokenKeyPerServiceUser(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	_, err := m.CreateUser(ctx, "svc-1", "u-1", TypeToken, "token", true)
	require.NoError(t, err)

	_, err = m.CreateUser(ctx, "svc-1", "u-1", TypeToken, "token-2", true)
	require.Error(t, err)

	// Multiple Key-type keys are fine.
	_, err = m.CreateUser(ctx, "svc-1", "u-1", TypeKey, "api-1", true)
	require.NoError(t, err)
	_, err = m.CreateUser(ctx, "svc-1", "u-1", TypeKey, "api-2", true)
	require.NoError(t, err)
}

func TestGetOrCreateUserToken(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	k1, err := m.GetOrCreateUserToken(ctx, "svc-1", "u-1")
	require.NoError(t, err)

	k2, err := m.GetOrCreateUserToken(ctx, "svc-1", "u-1")
	require.NoError(t, err)
	require.Equal(t, k1.ID, k2.ID, "must reuse the existing enabled token key")
}

func TestAuthenticateDispatchesOnRole(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	root, err := m.CreateRoot(ctx, "root")
	require.NoError(t, err)
	id, err := m.Authenticate(ctx, root.Value)
	require.NoError(t, err)
	require.Nil(t, id.ServiceID)

	svc, err := m.CreateService(ctx, "svc-1", "svc")
	require.NoError(t, err)
	id, err = m.Authenticate(ctx, svc.Value)
	require.NoError(t, err)
	require.Equal(t, "svc-1", *id.ServiceID)

	usr, err := m.CreateUser(ctx, "svc-1", "u-1", TypeKey, "api", true)
	require.NoError(t, err)
	_, err = m.Authenticate(ctx, usr.Value)
	require.Error(t, err, "user keys must not authenticate at the generic boundary")
}

func TestAuthenticateRejectsUnknownOrRevoked(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	_, err := m.Authenticate(ctx, "not-a-real-value")
	require.Error(t, err)

	svc, err := m.CreateService(ctx, "svc-1", "svc")
	require.NoError(t, err)
	_, err = m.Revoke(ctx, svc.ID)
	require.NoError(t, err)

	_, err = m.Authenticate(ctx, svc.Value)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindUnauthorised, apiErr.Kind)
}

// After Revoke, the key is disabled and marked revoked, and revoking it a
// second time still succeeds.
func TestRevokeIsTerminal(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	usr, err := m.CreateUser(ctx, "svc-1", "u-1", TypeToken, "token", true)
	require.NoError(t, err)

	revoked, err := m.Revoke(ctx, usr.ID)
	require.NoError(t, err)
	require.False(t, revoked.IsEnabled)
	require.True(t, revoked.IsRevoked)

	again, err := m.Revoke(ctx, usr.ID)
	require.NoError(t, err)
	require.True(t, again.IsRevoked)
}

func TestReadByValueCompositeForm(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	usr, err := m.CreateUser(ctx, "svc-1", "u-1", TypeKey, "api", true)
	require.NoError(t, err)

	composite := usr.ID + "." + usr.Value
	got, err := m.ReadByValue(ctx, composite)
	require.NoError(t, err)
	require.Equal(t, usr.ID, got.ID)

	_, err = m.ReadByValue(ctx, usr.ID+".wrong-secret")
	require.ErrorIs(t, err, ErrNotFound)
}
