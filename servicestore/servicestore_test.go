package servicestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssocore/ssocore/apierr"
)

func TestGetRequiresEnabled(t *testing.T) {
	f := NewFacade(newMemStore())
	ctx := context.Background()

	s, err := f.Create(ctx, Service{IsEnabled: false, Name: "svc"})
	require.NoError(t, err)

	_, err = f.Get(ctx, s.ID, true)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonServiceDisabled, apiErr.Reason)

	got, err := f.Get(ctx, s.ID, false)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
}

func TestListFiltersDisabled(t *testing.T) {
	f := NewFacade(newMemStore())
	ctx := context.Background()

	_, err := f.Create(ctx, Service{IsEnabled: true, Name: "a"})
	require.NoError(t, err)
	_, err = f.Create(ctx, Service{IsEnabled: false, Name: "b"})
	require.NoError(t, err)

	enabledOnly, err := f.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, enabledOnly, 1)

	all, err := f.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
