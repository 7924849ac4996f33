// Package memory provides an in-memory implementation of storage.Storage:
// one mutex, plain maps per entity, no sharding. Correctness over
// throughput; this is the reference backend the conformance suite runs
// against.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssocore/ssocore/audit"
	"github.com/ssocore/ssocore/csrf"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/userstore"
)

var _ storage.Storage = (*Storage)(nil)

// Storage is the in-memory backend, suitable for single-instance
// deployments and tests. Its four Go interfaces
// (key.Store, userstore.Store, servicestore.Store, storage.AuditStore)
// collide on method names (Get, Create, Update all appear more than once
// with different signatures), so they're exposed as distinct view types
// below rather than directly on Storage — see storage.Storage's doc
// comment.
type Storage struct {
	mu sync.Mutex

	keys         map[string]key.Key
	keysByValue  map[string]string // value -> key id
	users        map[string]userstore.User
	usersByEmail map[string]string // normalized email -> user id
	services     map[string]servicestore.Service
	audits       map[string]audit.Record

	csrfs       *csrf.MemStore
	oauth2Codes *csrf.MemStore

	logger logrus.FieldLogger
}

// New returns an in-memory storage.Storage.
func New(logger logrus.FieldLogger) *Storage {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Storage{
		keys:         make(map[string]key.Key),
		keysByValue:  make(map[string]string),
		users:        make(map[string]userstore.User),
		usersByEmail: make(map[string]string),
		services:     make(map[string]servicestore.Service),
		audits:       make(map[string]audit.Record),
		csrfs:        csrf.NewMemStore(),
		oauth2Codes:  csrf.NewMemStore(),
		logger:       logger,
	}
}

func (s *Storage) Close() error { return nil }

func (s *Storage) Keys() key.Store { return (*keyView)(s) }
func (s *Storage) Users() userstore.Store { return (*userView)(s) }
func (s *Storage) Services() servicestore.Store { return (*serviceView)(s) }
func (s *Storage) Audits() storage.AuditStore { return (*auditView)(s) }
func (s *Storage) Csrfs() csrf.Store { return s.csrfs }
func (s *Storage) OAuth2Codes() csrf.Store { return s.oauth2Codes }

func (s *Storage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

// GarbageCollect reaps expired nonce entries from both stores.
func (s *Storage) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	return storage.GCResult{
		CsrfEntries: s.csrfs.GC(ctx, now),
		OAuth2Codes: s.oauth2Codes.GC(ctx, now),
	}, nil
}

// --- key.Store, via keyView ---

type keyView Storage

func (v *keyView) Create(_ context.Context, k key.Key) (key.Key, error) {
	s := (*Storage)(v)
	var created key.Key
	s.tx(func() {
		now := time.Now()
		k.ID = storage.NewID()
		k.CreatedAt = now
		k.UpdatedAt = now
		s.keys[k.ID] = k
		s.keysByValue[k.Value] = k.ID
		created = k
	})
	return created, nil
}

func (v *keyView) Get(_ context.Context, id string) (key.Key, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return key.Key{}, storage.ErrNotFound
	}
	return k, nil
}

func (v *keyView) GetByValue(_ context.Context, value string) (key.Key, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keysByValue[value]
	if !ok {
		return key.Key{}, storage.ErrNotFound
	}
	return s.keys[id], nil
}

// GetUserKey returns the live (service, user, type) key if one exists, else
// the most recently created dead one. Revoked keys must still resolve here:
// revocation flows load a user's token key precisely when it may already be
// disabled. Callers that need a usable key check Key.Usable() themselves.
func (v *keyView) GetUserKey(_ context.Context, serviceID, userID string, typ key.Type) (key.Key, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var best key.Key
	found := false
	for _, k := range s.keys {
		if k.ServiceID == nil || *k.ServiceID != serviceID ||
			k.UserID == nil || *k.UserID != userID || k.Type != typ {
			continue
		}
		switch {
		case !found:
			best, found = k, true
		case k.Usable() && !best.Usable():
			best = k
		case k.Usable() == best.Usable() && k.CreatedAt.After(best.CreatedAt):
			best = k
		}
	}
	if !found {
		return key.Key{}, storage.ErrNotFound
	}
	return best, nil
}

func (v *keyView) ListUserKeys(_ context.Context, serviceID, userID string) ([]key.Key, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []key.Key
	for _, k := range s.keys {
		if k.ServiceID != nil && *k.ServiceID == serviceID &&
			k.UserID != nil && *k.UserID == userID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *keyView) Update(_ context.Context, id string, updater func(key.Key) (key.Key, error)) (key.Key, error) {
	s := (*Storage)(v)
	var updated key.Key
	var err error
	s.tx(func() {
		cur, ok := s.keys[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		next, uerr := updater(cur)
		if uerr != nil {
			err = uerr
			return
		}
		next.ID = id
		next.UpdatedAt = time.Now()
		if next.Value != cur.Value {
			delete(s.keysByValue, cur.Value)
			s.keysByValue[next.Value] = id
		}
		s.keys[id] = next
		updated = next
	})
	return updated, err
}

// --- userstore.Store, via userView ---

type userView Storage

func (v *userView) Get(_ context.Context, id string) (userstore.User, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return userstore.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (v *userView) GetByEmail(_ context.Context, normalizedEmail string) (userstore.User, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByEmail[strings.ToLower(normalizedEmail)]
	if !ok {
		return userstore.User{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

func (v *userView) Create(_ context.Context, u userstore.User) (userstore.User, error) {
	s := (*Storage)(v)
	var created userstore.User
	var err error
	s.tx(func() {
		if _, exists := s.usersByEmail[strings.ToLower(u.Email)]; exists {
			// userstore.Facade already checks uniqueness before calling
			// Create; this is a second line of defense against a race
			// between two concurrent Create calls for the same email.
			err = storage.ErrNotFound
			return
		}
		now := time.Now()
		u.ID = storage.NewID()
		u.CreatedAt = now
		u.UpdatedAt = now
		s.users[u.ID] = u
		s.usersByEmail[strings.ToLower(u.Email)] = u.ID
		created = u
	})
	return created, err
}

func (v *userView) Update(_ context.Context, id string, updater func(userstore.User) (userstore.User, error)) (userstore.User, error) {
	s := (*Storage)(v)
	var updated userstore.User
	var err error
	s.tx(func() {
		cur, ok := s.users[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		next, uerr := updater(cur)
		if uerr != nil {
			err = uerr
			return
		}
		next.ID = id
		next.UpdatedAt = time.Now()
		if !strings.EqualFold(next.Email, cur.Email) {
			delete(s.usersByEmail, strings.ToLower(cur.Email))
			s.usersByEmail[strings.ToLower(next.Email)] = id
		}
		s.users[id] = next
		updated = next
	})
	return updated, err
}

// --- servicestore.Store, via serviceView ---

type serviceView Storage

func (v *serviceView) Get(_ context.Context, id string) (servicestore.Service, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return servicestore.Service{}, storage.ErrNotFound
	}
	return svc, nil
}

func (v *serviceView) Create(_ context.Context, svc servicestore.Service) (servicestore.Service, error) {
	s := (*Storage)(v)
	var created servicestore.Service
	s.tx(func() {
		now := time.Now()
		if svc.ID == "" {
			svc.ID = storage.NewID()
		}
		svc.CreatedAt = now
		svc.UpdatedAt = now
		s.services[svc.ID] = svc
		created = svc
	})
	return created, nil
}

func (v *serviceView) Update(_ context.Context, id string, updater func(servicestore.Service) (servicestore.Service, error)) (servicestore.Service, error) {
	s := (*Storage)(v)
	var updated servicestore.Service
	var err error
	s.tx(func() {
		cur, ok := s.services[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		next, uerr := updater(cur)
		if uerr != nil {
			err = uerr
			return
		}
		next.ID = id
		next.UpdatedAt = time.Now()
		s.services[id] = next
		updated = next
	})
	return updated, err
}

func (v *serviceView) List(_ context.Context) ([]servicestore.Service, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]servicestore.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- storage.AuditStore (audit.Sink + audit.Reader), via auditView ---

type auditView Storage

func (v *auditView) Append(_ context.Context, r audit.Record) error {
	s := (*Storage)(v)
	s.tx(func() {
		s.audits[r.ID] = r
	})
	return nil
}

func (v *auditView) List(_ context.Context, f audit.ListFilter) ([]audit.Record, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()

	typeSet := make(map[audit.Type]bool, len(f.Types))
	for _, t := range f.Types {
		typeSet[t] = true
	}
	svcSet := make(map[string]bool, len(f.ServiceIDs))
	for _, id := range f.ServiceIDs {
		svcSet[id] = true
	}
	userSet := make(map[string]bool, len(f.UserIDs))
	for _, id := range f.UserIDs {
		userSet[id] = true
	}

	var out []audit.Record
	for _, r := range s.audits {
		if f.Ge != nil && r.CreatedAt.Before(*f.Ge) {
			continue
		}
		if f.Le != nil && r.CreatedAt.After(*f.Le) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[r.Type] {
			continue
		}
		if len(svcSet) > 0 && (r.ServiceID == nil || !svcSet[*r.ServiceID]) {
			continue
		}
		if len(userSet) > 0 && (r.UserID == nil || !userSet[*r.UserID]) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if f.OffsetID != "" {
		for i, r := range out {
			if r.ID == f.OffsetID {
				out = out[i+1:]
				break
			}
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (v *auditView) Get(_ context.Context, id string) (audit.Record, error) {
	s := (*Storage)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.audits[id]
	if !ok {
		return audit.Record{}, storage.ErrNotFound
	}
	return r, nil
}

func (v *auditView) Patch(_ context.Context, id string, subject *string, data map[string]any) (audit.Record, error) {
	s := (*Storage)(v)
	var updated audit.Record
	var err error
	s.tx(func() {
		r, ok := s.audits[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if subject != nil {
			r.Subject = subject
		}
		if data != nil {
			r.Data = data
		}
		s.audits[id] = r
		updated = r
	})
	return updated, err
}
