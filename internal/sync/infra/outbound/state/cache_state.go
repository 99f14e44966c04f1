package state

import (
	"context"
	"fmt"

	"github.com/davicafu/offlinesync/internal/shared/infra/platform/cache"
	"github.com/davicafu/offlinesync/internal/sync/domain"
)

// CacheStateStore guarda el estado de sync (device id, cursor) en un cache.Cache sin expiración.
// Con Redis permite que varios procesos del mismo host compartan device id.
type CacheStateStore struct {
	cache cache.Cache
}

func NewCacheStateStore(c cache.Cache) *CacheStateStore {
	return &CacheStateStore{cache: c}
}

func (s *CacheStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	found, err := s.cache.Get(ctx, key, &value)
	if err != nil {
		return "", false, fmt.Errorf("state get %s: %w", key, err)
	}
	return value, found, nil
}

func (s *CacheStateStore) Set(ctx context.Context, key, value string) error {
	if err := s.cache.Set(ctx, key, value, 0); err != nil {
		return fmt.Errorf("state set %s: %w", key, err)
	}
	return nil
}

var _ domain.StateStore = (*CacheStateStore)(nil)
