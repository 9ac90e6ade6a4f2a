package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"probooking/internal/domain"
	"probooking/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverRequestStore uses primary (redis) until it errors, then serves from fallback
// and probes primary again once per recoveryInterval.
type FailoverRequestStore struct {
	primary  domain.IdempotencyStore
	fallback domain.IdempotencyStore
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverRequestStore(primary, fallback domain.IdempotencyStore, logger *zerolog.Logger) *FailoverRequestStore {
	return &FailoverRequestStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// usePrimary reports whether the call should go to primary.
func (r *FailoverRequestStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastCheck) > recoveryInterval
}

func (r *FailoverRequestStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary request store failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

func (r *FailoverRequestStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary request store recovered")
	}
}

func (r *FailoverRequestStore) GetResponse(ctx context.Context, key string) (*models.StoredResponse, error) {
	if r.usePrimary() {
		resp, err := r.primary.GetResponse(ctx, key)
		if err == nil {
			r.markUp()
			return resp, nil
		}
		r.markDown(err)
	}
	return r.fallback.GetResponse(ctx, key)
}

func (r *FailoverRequestStore) SaveResponse(ctx context.Context, key string, resp *models.StoredResponse, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.SaveResponse(ctx, key, resp, ttl)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.SaveResponse(ctx, key, resp, ttl)
}

func (r *FailoverRequestStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, key, limit, window)
		if err == nil {
			r.markUp()
			return allowed, nil
		}
		r.markDown(err)
	}
	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}
