package cache

import (
	"context"
	"fmt"
	"time"

	"kitchenstock/backend/internal/domain"
)

// InventoryCache stores holder inventory snapshots keyed by the holder's
// ledger version, so a bumped version makes older entries unreachable.
type InventoryCache interface {
	Get(ctx context.Context, holderID string, version int64) (*domain.InventoryResponse, bool, error)
	Set(ctx context.Context, holderID string, version int64, value *domain.InventoryResponse, ttl time.Duration) error
}

func Key(holderID string, version int64) string {
	return fmt.Sprintf("inventory:%s:v%d", holderID, version)
}

type NoopInventoryCache struct{}

func (NoopInventoryCache) Get(_ context.Context, _ string, _ int64) (*domain.InventoryResponse, bool, error) {
	return nil, false, nil
}

func (NoopInventoryCache) Set(_ context.Context, _ string, _ int64, _ *domain.InventoryResponse, _ time.Duration) error {
	return nil
}
