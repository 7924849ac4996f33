//go:build cgo

// mattn/go-sqlite3 is cgo-only; the build tag keeps `go test ./...`
// building the rest of the module when cgo is disabled.
package sql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/storage/conformance"
)

func TestSQLite3Storage(t *testing.T) {
	conformance.RunTests(t, func() storage.Storage {
		cfg := &SQLite3{File: ":memory:"}
		s, err := cfg.Open(context.Background())
		require.NoError(t, err)
		return s
	})
}
