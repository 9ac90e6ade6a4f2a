package repository

import (
	"context"
	"sync"
	"time"

	"probooking/internal/models"
)

type memoryResponse struct {
	resp      *models.StoredResponse
	expiresAt time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryRequestStore keeps responses and counters in process memory.
type MemoryRequestStore struct {
	mu         sync.Mutex
	responses  map[string]memoryResponse
	rateLimits map[string]*rateLimitEntry
	now        func() time.Time
}

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		responses:  make(map[string]memoryResponse),
		rateLimits: make(map[string]*rateLimitEntry),
		now:        time.Now,
	}
}

func (r *MemoryRequestStore) GetResponse(_ context.Context, key string) (*models.StoredResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.responses[key]
	if !ok {
		return nil, nil
	}
	if r.now().After(entry.expiresAt) {
		delete(r.responses, key)
		return nil, nil
	}
	return entry.resp, nil
}

func (r *MemoryRequestStore) SaveResponse(_ context.Context, key string, resp *models.StoredResponse, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.responses[key]; ok && now.Before(existing.expiresAt) {
		return nil
	}
	r.responses[key] = memoryResponse{resp: resp, expiresAt: now.Add(ttl)}
	return nil
}

func (r *MemoryRequestStore) CheckRateLimit(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.rateLimits[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &rateLimitEntry{count: 0, expiresAt: now.Add(window)}
		r.rateLimits[key] = entry
	}
	entry.count++
	return entry.count <= limit, nil
}
