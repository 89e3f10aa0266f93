package permissions

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/donna/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.PermissionRequest
}

// NewMemoryStore creates an empty in-memory permission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.PermissionRequest)}
}

func (s *MemoryStore) Create(ctx context.Context, req *models.PermissionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	clone := *req
	return &clone, nil
}

func (s *MemoryStore) Update(ctx context.Context, req *models.PermissionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return ErrNotFound
	}
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*models.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PermissionRequest
	for _, req := range s.requests {
		if req.Status != models.PermissionPending {
			continue
		}
		clone := *req
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListByEndpoint(ctx context.Context, endpoint string) ([]*models.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PermissionRequest
	for _, req := range s.requests {
		if req.Endpoint != endpoint {
			continue
		}
		clone := *req
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
