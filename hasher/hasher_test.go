package hasher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashVerifyRoundTrip(t *testing.T) {
	h := New(DefaultParams)

	hash, err := h.Hash("hunter2pass")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	needsRehash, err := h.Verify(hash, "hunter2pass")
	require.NoError(t, err)
	require.False(t, needsRehash)
}

func TestVerifyWrongPassword(t *testing.T) {
	h := New(DefaultParams)

	hash, err := h.Hash("correct-horse-battery")
	require.NoError(t, err)

	_, err = h.Verify(hash, "wrong-password")
	require.ErrorIs(t, err, ErrPasswordIncorrect)
}

func TestVerifyUndefined(t *testing.T) {
	h := New(DefaultParams)

	_, err := h.Verify("", "anything")
	require.ErrorIs(t, err, ErrPasswordUndefined)
}

func TestHashLengthBounds(t *testing.T) {
	h := New(DefaultParams)

	_, err := h.Hash("short")
	require.ErrorIs(t, err, ErrPasswordLength)

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	_, err = h.Hash(string(long))
	require.ErrorIs(t, err, ErrPasswordLength)
}

func TestLegacyBcryptUpgrade(t *testing.T) {
	legacy, err := HashBcrypt("old-password-123")
	require.NoError(t, err)

	h := New(DefaultParams)
	needsRehash, err := h.Verify(legacy, "old-password-123")
	require.NoError(t, err)
	require.True(t, needsRehash, "a bcrypt-tagged hash must signal an upgrade")

	_, err = h.Verify(legacy, "wrong")
	require.ErrorIs(t, err, ErrPasswordIncorrect)
}

func TestVerifyFlagsStaleCostParams(t *testing.T) {
	old := New(Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1})
	hash, err := old.Hash("some-password")
	require.NoError(t, err)

	current := New(DefaultParams)
	needsRehash, err := current.Verify(hash, "some-password")
	require.NoError(t, err)
	require.True(t, needsRehash)
}
