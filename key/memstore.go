package key

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// memStore is a minimal in-process Store used by this package's own tests.
// storage/memory provides the one wired into the rest of the application;
// this one stays local so key's tests don't import storage (which in turn
// imports key) and create a cycle.
type memStore struct {
	mu   sync.Mutex
	keys map[string]Key
}

func newMemStore() *memStore {
	return &memStore{keys: make(map[string]Key)}
}

func (s *memStore) Create(_ context.Context, k Key) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.ID = uuid.NewString()
	s.keys[k.ID] = k
	return k, nil
}

func (s *memStore) Get(_ context.Context, id string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	return k, nil
}

func (s *memStore) GetByValue(_ context.Context, value string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Value == value {
			return k, nil
		}
	}
	return Key{}, ErrNotFound
}

func (s *memStore) GetUserKey(_ context.Context, serviceID, userID string, typ Type) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ServiceID != nil && *k.ServiceID == serviceID &&
			k.UserID != nil && *k.UserID == userID && k.Type == typ {
			return k, nil
		}
	}
	return Key{}, ErrNotFound
}

func (s *memStore) ListUserKeys(_ context.Context, serviceID, userID string) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Key
	for _, k := range s.keys {
		if k.ServiceID != nil && *k.ServiceID == serviceID &&
			k.UserID != nil && *k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *memStore) Update(_ context.Context, id string, updater func(Key) (Key, error)) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	updated, err := updater(k)
	if err != nil {
		return Key{}, err
	}
	s.keys[id] = updated
	return updated, nil
}
