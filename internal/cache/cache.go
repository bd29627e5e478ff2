package cache

import (
	"context"
	"time"

	"ventapos/backend/internal/domain"
)

// AvailabilityCache holds computed product availability between stock
// movements. Every engine operation that touches ingredient stock must
// invalidate it.
type AvailabilityCache interface {
	Get(ctx context.Context, key string) ([]domain.ProductAvailability, bool, error)
	Set(ctx context.Context, key string, value []domain.ProductAvailability, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopAvailabilityCache struct{}

func (NoopAvailabilityCache) Get(_ context.Context, _ string) ([]domain.ProductAvailability, bool, error) {
	return nil, false, nil
}

func (NoopAvailabilityCache) Set(_ context.Context, _ string, _ []domain.ProductAvailability, _ time.Duration) error {
	return nil
}

func (NoopAvailabilityCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
