package jwtcodec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c := New()
	secret := []byte("user-key-value-1")

	token, exp, err := c.Encode("svc-1", "u-1", AccessToken, time.Minute, secret)
	require.NoError(t, err)
	require.False(t, exp.IsZero())

	gotExp, csrf, err := c.Decode("svc-1", "u-1", AccessToken, secret, token)
	require.NoError(t, err)
	require.Empty(t, csrf)
	require.WithinDuration(t, exp, gotExp, time.Second)
}

func TestRoundTripWithCsrf(t *testing.T) {
	c := New()
	secret := []byte("user-key-value-1")

	token, _, err := c.EncodeWithCsrf("svc-1", "u-1", RefreshToken, time.Hour, "csrf-key-abc", secret)
	require.NoError(t, err)

	_, csrf, err := c.Decode("svc-1", "u-1", RefreshToken, secret, token)
	require.NoError(t, err)
	require.Equal(t, "csrf-key-abc", csrf)
}

// Flipping any bit, or changing any of service_id/user_id/type/secret,
// must cause ErrInvalidOrExpired.
func TestMutationsFailDecode(t *testing.T) {
	c := New()
	secret := []byte("user-key-value-1")
	token, _, err := c.Encode("svc-1", "u-1", AccessToken, time.Minute, secret)
	require.NoError(t, err)

	_, _, err = c.Decode("svc-2", "u-1", AccessToken, secret, token)
	require.ErrorIs(t, err, ErrInvalidOrExpired, "wrong service_id")

	_, _, err = c.Decode("svc-1", "u-2", AccessToken, secret, token)
	require.ErrorIs(t, err, ErrInvalidOrExpired, "wrong user_id")

	_, _, err = c.Decode("svc-1", "u-1", RefreshToken, secret, token)
	require.ErrorIs(t, err, ErrInvalidOrExpired, "wrong type")

	_, _, err = c.Decode("svc-1", "u-1", AccessToken, []byte("different-secret"), token)
	require.ErrorIs(t, err, ErrInvalidOrExpired, "wrong secret")

	mutated := flipLastSignatureByte(token)
	_, _, err = c.Decode("svc-1", "u-1", AccessToken, secret, mutated)
	require.ErrorIs(t, err, ErrInvalidOrExpired, "bit flip in signature")
}

func TestExpiredTokenFails(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Codec{Now: func() time.Time { return base }}
	secret := []byte("secret")

	token, _, err := c.Encode("svc-1", "u-1", AccessToken, time.Second, secret)
	require.NoError(t, err)

	c.Now = func() time.Time { return base.Add(time.Hour) }
	_, _, err = c.Decode("svc-1", "u-1", AccessToken, secret, token)
	require.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestDecodeUnsafe(t *testing.T) {
	c := New()
	secret := []byte("secret")
	token, _, err := c.EncodeWithCsrf("svc-1", "u-42", RegisterToken, time.Minute, "k", secret)
	require.NoError(t, err)

	userID, typ, err := c.DecodeUnsafe("svc-1", token)
	require.NoError(t, err)
	require.Equal(t, "u-42", userID)
	require.Equal(t, RegisterToken, typ)

	_, _, err = c.DecodeUnsafe("svc-wrong", token)
	require.ErrorIs(t, err, ErrInvalidOrExpired)
}

func flipLastSignatureByte(token string) string {
	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[len(sig)-1] == 'A' {
		sig[len(sig)-1] = 'E'
	} else {
		sig[len(sig)-1] = 'A'
	}
	parts[2] = string(sig)
	return strings.Join(parts, ".")
}
