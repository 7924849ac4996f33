// Package conformance provides a storage.Storage test suite shared by
// storage/memory and storage/sql: one suite exercised against every
// backend, so adding a new backend only means calling RunTests, not
// re-deriving the cases.
package conformance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssocore/ssocore/audit"
	"github.com/ssocore/ssocore/csrf"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/userstore"
)

// RunTests exercises every entity's Store contract against a freshly
// constructed backend. newStorage must return an empty, ready-to-use
// storage.Storage each time it's called.
func RunTests(t *testing.T, newStorage func() storage.Storage) {
	t.Run("Service", func(t *testing.T) { testService(t, newStorage()) })
	t.Run("User", func(t *testing.T) { testUser(t, newStorage()) })
	t.Run("Key", func(t *testing.T) { testKey(t, newStorage()) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStorage()) })
	t.Run("Csrf", func(t *testing.T) { testNonce(t, newStorage().Csrfs()) })
	t.Run("OAuth2Code", func(t *testing.T) { testNonce(t, newStorage().OAuth2Codes()) })
	t.Run("GarbageCollect", func(t *testing.T) { testGarbageCollect(t, newStorage()) })
}

func testService(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	store := s.Services()

	created, err := store.Create(ctx, servicestore.Service{Name: "svc-a", IsEnabled: true})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.CreatedAt.IsZero())

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Name, got.Name)

	_, err = store.Get(ctx, "does-not-exist")
	require.ErrorIs(t, err, storage.ErrNotFound)

	updated, err := store.Update(ctx, created.ID, func(svc servicestore.Service) (servicestore.Service, error) {
		svc.IsEnabled = false
		return svc, nil
	})
	require.NoError(t, err)
	require.False(t, updated.IsEnabled)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func testUser(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	store := s.Users()

	created, err := store.Create(ctx, userstore.User{Name: "Ada", Email: "Ada@Example.com", IsEnabled: true})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	// Lookup folds case; the stored value keeps the caller's case.
	got, err := store.GetByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, "Ada@Example.com", got.Email)

	got2, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Email, got2.Email)

	updated, err := store.Update(ctx, created.ID, func(u userstore.User) (userstore.User, error) {
		u.Email = "ada2@example.com"
		return u, nil
	})
	require.NoError(t, err)

	_, err = store.GetByEmail(ctx, "ada@example.com")
	require.ErrorIs(t, err, storage.ErrNotFound)
	again, err := store.GetByEmail(ctx, "ada2@example.com")
	require.NoError(t, err)
	require.Equal(t, updated.ID, again.ID)
}

func testKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	store := s.Keys()

	serviceID, userID := "svc-1", "user-1"
	created, err := store.Create(ctx, key.Key{
		IsEnabled: true,
		Type:      key.TypeToken,
		Name:      "token",
		Value:     "abc123",
		ServiceID: &serviceID,
		UserID:    &userID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	byValue, err := store.GetByValue(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, created.ID, byValue.ID)

	userKey, err := store.GetUserKey(ctx, serviceID, userID, key.TypeToken)
	require.NoError(t, err)
	require.Equal(t, created.ID, userKey.ID)

	list, err := store.ListUserKeys(ctx, serviceID, userID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	revoked, err := store.Update(ctx, created.ID, func(k key.Key) (key.Key, error) {
		k.IsEnabled = false
		k.IsRevoked = true
		return k, nil
	})
	require.NoError(t, err)
	require.True(t, revoked.IsRevoked)

	// A revoked key must still resolve: revocation flows look a user's token
	// key up after it may already be dead. Usability is the caller's check.
	dead, err := store.GetUserKey(ctx, serviceID, userID, key.TypeToken)
	require.NoError(t, err)
	require.Equal(t, created.ID, dead.ID)
	require.False(t, dead.Usable())

	// Once a replacement live key exists, it wins over the dead one.
	replacement, err := store.Create(ctx, key.Key{
		IsEnabled: true,
		Type:      key.TypeToken,
		Name:      "token",
		Value:     "def456",
		ServiceID: &serviceID,
		UserID:    &userID,
	})
	require.NoError(t, err)
	live, err := store.GetUserKey(ctx, serviceID, userID, key.TypeToken)
	require.NoError(t, err)
	require.Equal(t, replacement.ID, live.ID)
}

func testAudit(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	store := s.Audits()

	serviceID := "svc-1"
	r := audit.Record{
		ID:         "audit-1",
		CreatedAt:  time.Now(),
		ServiceID:  &serviceID,
		Type:       audit.TypeAuthLocalLogin,
		StatusCode: 200,
		Terminal:   true,
	}
	require.NoError(t, store.Append(ctx, r))

	got, err := store.Get(ctx, "audit-1")
	require.NoError(t, err)
	require.Equal(t, r.Type, got.Type)

	list, err := store.List(ctx, audit.ListFilter{ServiceIDs: []string{serviceID}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	subj := "user-1"
	patched, err := store.Patch(ctx, "audit-1", &subj, map[string]any{"note": "x"})
	require.NoError(t, err)
	require.Equal(t, "user-1", *patched.Subject)
}

// testNonce exercises the single-use nonce contract both the csrf and
// oauth2_code tables must satisfy: create, bind, consume-once, expiry.
func testNonce(t *testing.T, store csrf.Store) {
	ctx := context.Background()

	e, err := store.Create(ctx, "svc-1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, e.Key)

	require.NoError(t, store.Bind(ctx, e.Key, "verifier-1"))

	got, err := store.Consume(ctx, e.Key)
	require.NoError(t, err)
	require.Equal(t, "svc-1", got.ServiceID)
	require.Equal(t, "verifier-1", got.Value)

	// Consume is read-once: the second attempt fails.
	_, err = store.Consume(ctx, e.Key)
	require.ErrorIs(t, err, csrf.ErrNotFoundOrUsed)

	_, err = store.Consume(ctx, "never-issued")
	require.ErrorIs(t, err, csrf.ErrNotFoundOrUsed)

	require.ErrorIs(t, store.Bind(ctx, "never-issued", "v"), csrf.ErrNotFoundOrUsed)

	// An entry past its TTL behaves exactly like a consumed one.
	expired, err := store.Create(ctx, "svc-1", -time.Second)
	require.NoError(t, err)
	_, err = store.Consume(ctx, expired.Key)
	require.ErrorIs(t, err, csrf.ErrNotFoundOrUsed)
}

func testGarbageCollect(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.Csrfs().Create(ctx, "svc-1", -time.Second)
	require.NoError(t, err)
	_, err = s.OAuth2Codes().Create(ctx, "svc-1", -time.Second)
	require.NoError(t, err)
	live, err := s.Csrfs().Create(ctx, "svc-1", time.Hour)
	require.NoError(t, err)

	result, err := s.GarbageCollect(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, result.CsrfEntries)
	require.Equal(t, 1, result.OAuth2Codes)

	_, err = s.Csrfs().Consume(ctx, live.Key)
	require.NoError(t, err)
}
