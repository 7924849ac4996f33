package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ssocore/ssocore/audit"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/userstore"
)

// The stores below are minimal in-memory fixtures for the auth engine's own
// tests — engine tests exercise the full stack end to end (key + userstore +
// servicestore + csrf + audit), so they need a concrete Store per façade
// rather than a single-package test double.

type keyMemStore struct {
	mu   sync.Mutex
	keys map[string]key.Key
}

func newKeyMemStore() *keyMemStore { return &keyMemStore{keys: make(map[string]key.Key)} }

func (s *keyMemStore) Create(_ context.Context, k key.Key) (key.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.ID = uuid.NewString()
	s.keys[k.ID] = k
	return k, nil
}

func (s *keyMemStore) Get(_ context.Context, id string) (key.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return key.Key{}, key.ErrNotFound
	}
	return k, nil
}

func (s *keyMemStore) GetByValue(_ context.Context, value string) (key.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Value == value {
			return k, nil
		}
	}
	return key.Key{}, key.ErrNotFound
}

func (s *keyMemStore) GetUserKey(_ context.Context, serviceID, userID string, typ key.Type) (key.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ServiceID != nil && *k.ServiceID == serviceID &&
			k.UserID != nil && *k.UserID == userID && k.Type == typ {
			return k, nil
		}
	}
	return key.Key{}, key.ErrNotFound
}

func (s *keyMemStore) ListUserKeys(_ context.Context, serviceID, userID string) ([]key.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []key.Key
	for _, k := range s.keys {
		if k.ServiceID != nil && *k.ServiceID == serviceID &&
			k.UserID != nil && *k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *keyMemStore) Update(_ context.Context, id string, updater func(key.Key) (key.Key, error)) (key.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return key.Key{}, key.ErrNotFound
	}
	updated, err := updater(k)
	if err != nil {
		return key.Key{}, err
	}
	s.keys[id] = updated
	return updated, nil
}

type userMemStore struct {
	mu    sync.Mutex
	users map[string]userstore.User
}

func newUserMemStore() *userMemStore { return &userMemStore{users: make(map[string]userstore.User)} }

func (s *userMemStore) Get(_ context.Context, id string) (userstore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return userstore.User{}, userstore.ErrNotFound
	}
	return u, nil
}

func (s *userMemStore) GetByEmail(_ context.Context, normalizedEmail string) (userstore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, normalizedEmail) {
			return u, nil
		}
	}
	return userstore.User{}, userstore.ErrNotFound
}

func (s *userMemStore) Create(_ context.Context, u userstore.User) (userstore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = uuid.NewString()
	s.users[u.ID] = u
	return u, nil
}

func (s *userMemStore) Update(_ context.Context, id string, updater func(userstore.User) (userstore.User, error)) (userstore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return userstore.User{}, userstore.ErrNotFound
	}
	updated, err := updater(u)
	if err != nil {
		return userstore.User{}, err
	}
	s.users[id] = updated
	return updated, nil
}

type serviceMemStore struct {
	mu       sync.Mutex
	services map[string]servicestore.Service
}

func newServiceMemStore() *serviceMemStore {
	return &serviceMemStore{services: make(map[string]servicestore.Service)}
}

func (s *serviceMemStore) Get(_ context.Context, id string) (servicestore.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return servicestore.Service{}, servicestore.ErrNotFound
	}
	return svc, nil
}

func (s *serviceMemStore) Create(_ context.Context, svc servicestore.Service) (servicestore.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	s.services[svc.ID] = svc
	return svc, nil
}

func (s *serviceMemStore) Update(_ context.Context, id string, updater func(servicestore.Service) (servicestore.Service, error)) (servicestore.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return servicestore.Service{}, servicestore.ErrNotFound
	}
	updated, err := updater(svc)
	if err != nil {
		return servicestore.Service{}, err
	}
	s.services[id] = updated
	return updated, nil
}

func (s *serviceMemStore) List(_ context.Context) ([]servicestore.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]servicestore.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	return out, nil
}

// auditMemSink records every append in order, so tests can assert exactly
// one terminal record was produced.
type auditMemSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func newAuditMemSink() *auditMemSink { return &auditMemSink{} }

func (s *auditMemSink) Append(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *auditMemSink) all() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *auditMemSink) terminalsOfType(typ audit.Type) []audit.Record {
	var out []audit.Record
	for _, r := range s.all() {
		if r.Terminal && r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func newAuditID() string { return uuid.NewString() }
