package userstore

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// memStore is a minimal Store used only by this package's own tests; see
// the analogous comment in key/memstore.go.
type memStore struct {
	mu    sync.Mutex
	users map[string]User
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]User)}
}

func (s *memStore) Get(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *memStore) GetByEmail(_ context.Context, normalizedEmail string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, normalizedEmail) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *memStore) Create(_ context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = uuid.NewString()
	s.users[u.ID] = u
	return u, nil
}

func (s *memStore) Update(_ context.Context, id string, updater func(User) (User, error)) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	updated, err := updater(u)
	if err != nil {
		return User{}, err
	}
	s.users[id] = updated
	return updated, nil
}
