package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairvest/execution-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Accounts and queue
// entries are never cached: the ledger and the queue read-modify-write them.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) CreatePlan(ctx context.Context, p *model.Plan) error {
	if err := s.Store.CreatePlan(ctx, p); err != nil {
		return err
	}
	s.cachePlan(ctx, p)
	return nil
}

func (s *CachedStore) UpdatePlan(ctx context.Context, p *model.Plan) error {
	if err := s.Store.UpdatePlan(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, planKey(p.ID))
	return nil
}

func (s *CachedStore) InsertFills(ctx context.Context, fills []model.Fill) error {
	if err := s.Store.InsertFills(ctx, fills); err != nil {
		return err
	}
	owners := make(map[string]struct{})
	for _, f := range fills {
		owners[f.Owner] = struct{}{}
	}
	for owner := range owners {
		s.rdb.Del(ctx, holdingsKey(owner))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPlan(ctx context.Context, id uint64) (*model.Plan, error) {
	data, err := s.rdb.Get(ctx, planKey(id)).Bytes()
	if err == nil {
		var p model.Plan
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.Store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePlan(ctx, p)
	return p, nil
}

func (s *CachedStore) GetHoldings(ctx context.Context, owner string) ([]model.Holding, error) {
	data, err := s.rdb.Get(ctx, holdingsKey(owner)).Bytes()
	if err == nil {
		var holdings []model.Holding
		if json.Unmarshal(data, &holdings) == nil {
			return holdings, nil
		}
	}

	holdings, err := s.Store.GetHoldings(ctx, owner)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(holdings); err == nil {
		s.rdb.Set(ctx, holdingsKey(owner), data, s.ttl)
	}
	return holdings, nil
}

// --- Cache helpers ---

func (s *CachedStore) cachePlan(ctx context.Context, p *model.Plan) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, planKey(p.ID), data, s.ttl)
	}
}

func planKey(id uint64) string        { return fmt.Sprintf("plan:%d", id) }
func holdingsKey(owner string) string { return fmt.Sprintf("holdings:%s", owner) }
