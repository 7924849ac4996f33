package servicestore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type memStore struct {
	mu       sync.Mutex
	services map[string]Service
}

func newMemStore() *memStore {
	return &memStore{services: make(map[string]Service)}
}

func (s *memStore) Get(_ context.Context, id string) (Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return Service{}, ErrNotFound
	}
	return svc, nil
}

func (s *memStore) Create(_ context.Context, svc Service) (Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	s.services[svc.ID] = svc
	return svc, nil
}

func (s *memStore) Update(_ context.Context, id string, updater func(Service) (Service, error)) (Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return Service{}, ErrNotFound
	}
	updated, err := updater(svc)
	if err != nil {
		return Service{}, err
	}
	s.services[id] = updated
	return updated, nil
}

func (s *memStore) List(_ context.Context) ([]Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	return out, nil
}
