package csrf

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateConsume(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	e, err := s.Create(ctx, "svc-1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, e.Key)
	require.Equal(t, e.Key, e.Value)

	got, err := s.Consume(ctx, e.Key)
	require.NoError(t, err)
	require.Equal(t, e.Key, got.Key)
}

// The second consume of a key fails.
func TestSingleUse(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	e, err := s.Create(ctx, "svc-1", time.Minute)
	require.NoError(t, err)

	_, err = s.Consume(ctx, e.Key)
	require.NoError(t, err)

	_, err = s.Consume(ctx, e.Key)
	require.ErrorIs(t, err, ErrNotFoundOrUsed)
}

func TestConsumeUnknownKey(t *testing.T) {
	s := NewMemStore()
	_, err := s.Consume(context.Background(), "never-issued")
	require.ErrorIs(t, err, ErrNotFoundOrUsed)
}

func TestExpiredEntryBehavesAsUsed(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	e, err := s.Create(ctx, "svc-1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = s.Consume(ctx, e.Key)
	require.ErrorIs(t, err, ErrNotFoundOrUsed)
}

func TestGCReapsExpiredOnly(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.Create(ctx, "svc-1", time.Millisecond)
	require.NoError(t, err)
	fresh, err := s.Create(ctx, "svc-1", time.Hour)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	reaped := s.GC(ctx, time.Now())
	require.Equal(t, 1, reaped)

	_, err = s.Consume(ctx, fresh.Key)
	require.NoError(t, err)
}

func TestBindAttachesValueReadBackOnConsume(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	e, err := s.Create(ctx, "svc-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Bind(ctx, e.Key, "pkce-verifier-xyz"))

	got, err := s.Consume(ctx, e.Key)
	require.NoError(t, err)
	require.Equal(t, "pkce-verifier-xyz", got.Value)
}

func TestBindUnknownKeyFails(t *testing.T) {
	s := NewMemStore()
	err := s.Bind(context.Background(), "never-issued", "v")
	require.ErrorIs(t, err, ErrNotFoundOrUsed)
}

// Concurrent consumers of the same key: exactly one succeeds.
func TestConcurrentConsumeExactlyOneWinner(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	e, err := s.Create(ctx, "svc-1", time.Minute)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Consume(ctx, e.Key)
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	require.Equal(t, 1, count)
}
