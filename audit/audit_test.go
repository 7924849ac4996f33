package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *memSink) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func sequentialIDs() IDGenerator {
	n := 0
	return func() string {
		n++
		return "id-" + string(rune('a'+n))
	}
}

func TestTerminalReturnsID(t *testing.T) {
	sink := &memSink{}
	b := New(sink, sequentialIDs(), Meta{Path: "/v1/auth/provider/local/login"})

	id, err := b.Terminal(context.Background(), TypeAuthLocalLogin, "u-1", map[string]any{"email": "a@b"}, 200)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, sink.records, 1)
	require.True(t, sink.records[0].Terminal)
	require.Equal(t, 200, sink.records[0].StatusCode)
}

func TestInternalAndTerminalShareCorrelation(t *testing.T) {
	sink := &memSink{}
	b := New(sink, sequentialIDs(), Meta{})

	require.NoError(t, b.Internal(context.Background(), TypeAuthLocalRegister, nil))
	_, err := b.Terminal(context.Background(), TypeAuthLocalRegisterConfirm, "u-1", nil, 200)
	require.NoError(t, err)

	require.Len(t, sink.records, 2)
	require.Equal(t, sink.records[0].CorrelationID, sink.records[1].CorrelationID)
	require.False(t, sink.records[0].Terminal)
	require.True(t, sink.records[1].Terminal)
}

func TestWithServiceAndUserPropagate(t *testing.T) {
	sink := &memSink{}
	b := New(sink, sequentialIDs(), Meta{}).WithService("svc-1").WithUser("u-1").WithUserKey("k-1")

	_, err := b.Terminal(context.Background(), TypeAuthKeyVerify, "k-1", nil, 200)
	require.NoError(t, err)

	r := sink.records[0]
	require.Equal(t, "svc-1", *r.ServiceID)
	require.Equal(t, "u-1", *r.UserID)
	require.Equal(t, "k-1", *r.UserKeyID)
}
