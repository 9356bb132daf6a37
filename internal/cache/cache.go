package cache

import (
	"context"
	"time"

	"meelike/backend/internal/domain"
)

type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.BillSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.BillSummary, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.BillSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.BillSummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Delete(_ context.Context, _ string) error {
	return nil
}
