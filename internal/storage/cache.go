package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

type CacheConfig struct {
	TTL       time.Duration
	MaxSizeMB int
}

// CachedStore puts a capacity and TTL bounded cache in front of a
// StrategyStore. Writes go through to the backend and drop the cached entry.
type CachedStore struct {
	backend StrategyStore
	cache   *bigcache.BigCache
}

func NewCachedStore(ctx context.Context, backend StrategyStore, cfg CacheConfig) (*CachedStore, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}

	bc := bigcache.DefaultConfig(cfg.TTL)
	bc.Shards = 64
	bc.CleanWindow = cfg.TTL
	bc.MaxEntriesInWindow = 1024
	bc.MaxEntrySize = 4096
	bc.HardMaxCacheSize = cfg.MaxSizeMB
	bc.Verbose = false

	cache, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("failed to create strategy cache: %w", err)
	}
	return &CachedStore{backend: backend, cache: cache}, nil
}

func (c *CachedStore) Get(ctx context.Context, id string) (*types.Strategy, error) {
	data, resp, err := c.cache.GetWithInfo(id)
	if err == nil && resp.EntryStatus != bigcache.Expired {
		var s types.Strategy
		uerr := json.Unmarshal(data, &s)
		if uerr == nil {
			return &s, nil
		}
		log.Warn().Err(uerr).Str("strategy", id).Msg("Dropping unreadable cache entry")
		_ = c.cache.Delete(id)
	} else if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		log.Warn().Err(err).Str("strategy", id).Msg("Strategy cache read failed")
	}

	s, err := c.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(s)
	return s, nil
}

func (c *CachedStore) Update(ctx context.Context, strategy *types.Strategy) error {
	if err := c.backend.Update(ctx, strategy); err != nil {
		return err
	}
	c.Invalidate(strategy.ID)
	return nil
}

func (c *CachedStore) ListActive(ctx context.Context) ([]types.Strategy, error) {
	strategies, err := c.backend.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for i := range strategies {
		c.store(&strategies[i])
	}
	return strategies, nil
}

// Invalidate drops the cached copy of a strategy.
func (c *CachedStore) Invalidate(id string) {
	if err := c.cache.Delete(id); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		log.Warn().Err(err).Str("strategy", id).Msg("Strategy cache invalidation failed")
	}
}

func (c *CachedStore) Close() error {
	return c.cache.Close()
}

func (c *CachedStore) store(s *types.Strategy) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.cache.Set(s.ID, data); err != nil {
		log.Warn().Err(err).Str("strategy", s.ID).Msg("Strategy cache write failed")
	}
}
