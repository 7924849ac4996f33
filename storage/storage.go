// Package storage defines the persistence contract the rest of this module
// is built against, and the shared pieces (ID generation, garbage
// collection result, error sentinels) every concrete backend needs. The
// persisted entities are service, user, key, csrf, audit and oauth2_code;
// the two single-use nonce tables (csrf, oauth2_code) are exposed through
// the csrf.Store contract so consume stays atomic in the same database as
// the key mutations it gates.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ssocore/ssocore/audit"
	"github.com/ssocore/ssocore/csrf"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/userstore"
)

// ErrNotFound is returned by backends for any entity lookup miss; the
// façade packages (key, userstore, servicestore) translate it into their
// own not-found sentinels, so backends never need to know about apierr.
var ErrNotFound = errors.New("storage: not found")

// NewID returns the opaque 128-bit identifier every entity carries,
// hex-encoded.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a process-fatal condition on every
		// platform Go supports.
		panic("storage: crypto/rand failure: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// GCResult tallies what a garbage-collection pass reaped.
type GCResult struct {
	CsrfEntries int
	OAuth2Codes int
}

// AuditStore combines the two audit-facing contracts (write-only Sink, the
// read/pagination Reader) that a single backing table naturally satisfies
// together, without colliding on method names the way the entity stores
// below would if embedded directly.
type AuditStore interface {
	audit.Sink
	audit.Reader
}

// Storage is the aggregate persistence contract satisfied by storage/memory
// and storage/sql. It cannot simply embed key.Store, userstore.Store and
// servicestore.Store directly — all three declare a same-named Get/Create/
// Update with different signatures, which Go forbids on one method set — so
// each entity gets its own accessor returning the narrower interface the
// corresponding façade (key.Manager, userstore.Facade, servicestore.Facade)
// actually depends on.
type Storage interface {
	Keys() key.Store
	Users() userstore.Store
	Services() servicestore.Store
	Audits() AuditStore

	// Csrfs backs the reset/update/register/refresh single-use nonces;
	// OAuth2Codes the in-progress provider state a login callback resolves.
	// Same contract, separate tables, so a provider state can never be
	// replayed as a refresh CSRF or vice versa.
	Csrfs() csrf.Store
	OAuth2Codes() csrf.Store

	// GarbageCollect reaps expired nonce rows. Safe to call on a timer;
	// correctness never depends on it running (Consume checks expiry
	// itself).
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)

	Close() error
}

// Opener constructs a Storage from a backend-specific configuration; every
// storage/sql dialect satisfies it. storage/memory is constructed directly
// and has no Opener.
type Opener interface {
	Open(ctx context.Context) (Storage, error)
}
