package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fairvest/execution-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	plans       map[uint64]*model.Plan
	accounts    map[string]*model.Account
	investments map[uint64]*model.Investment
	queue       map[uint64]*model.QueueEntry
	fills       []model.Fill
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:       make(map[uint64]*model.Plan),
		accounts:    make(map[string]*model.Account),
		investments: make(map[uint64]*model.Investment),
		queue:       make(map[uint64]*model.QueueEntry),
	}
}

func (s *MemoryStore) CreatePlan(_ context.Context, p *model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[p.ID]; ok {
		return errConflict("plan", p.ID)
	}
	s.plans[p.ID] = copyPlan(p)
	return nil
}

func (s *MemoryStore) UpdatePlan(_ context.Context, p *model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[p.ID]; !ok {
		return ErrNotFound
	}
	s.plans[p.ID] = copyPlan(p)
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id uint64) (*model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPlan(p), nil
}

func (s *MemoryStore) ListPlans(_ context.Context) ([]model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]model.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, *copyPlan(p))
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, owner string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[owner]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, acct *model.Account, inv *model.Investment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *acct
	s.accounts[acct.Owner] = &a
	if inv != nil {
		i := *inv
		s.investments[inv.ID] = &i
	}
	return nil
}

func (s *MemoryStore) GetInvestment(_ context.Context, id uint64) (*model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.investments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) ListInvestmentsByOwner(_ context.Context, owner string) ([]model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Investment
	for _, inv := range s.investments {
		if inv.Owner == owner {
			result = append(result, *inv)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) InsertFills(_ context.Context, fills []model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fills = append(s.fills, fills...)
	return nil
}

func (s *MemoryStore) GetFillsByInvestment(_ context.Context, investmentID uint64) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for _, f := range s.fills {
		if f.InvestmentID == investmentID {
			result = append(result, f)
		}
	}
	return result, nil
}

// GetHoldings aggregates fills into one holding per output asset.
func (s *MemoryStore) GetHoldings(_ context.Context, owner string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[string]*model.Holding)
	for _, f := range s.fills {
		if f.Owner != owner {
			continue
		}
		h, ok := agg[f.OutputAsset]
		if !ok {
			h = &model.Holding{Asset: f.OutputAsset}
			agg[f.OutputAsset] = h
		}
		h.Amount = h.Amount.Add(f.AmountOut)
		h.CostBasis = h.CostBasis.Add(f.AmountIn)
	}

	holdings := make([]model.Holding, 0, len(agg))
	for _, h := range agg {
		holdings = append(holdings, *h)
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Asset < holdings[j].Asset })
	return holdings, nil
}

func (s *MemoryStore) InsertQueueEntry(_ context.Context, e *model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queue[e.ID]; ok {
		return errConflict("queue entry", e.ID)
	}
	cp := *e
	s.queue[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetQueueEntry(_ context.Context, id uint64) (*model.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) TransitionQueueEntry(_ context.Context, id uint64, from, to model.QueueStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	closed := at
	e.ClosedAt = &closed
	return true, nil
}

func (s *MemoryStore) ListQueueEntries(_ context.Context, status model.QueueStatus, before time.Time) ([]model.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.QueueEntry
	for _, e := range s.queue {
		if e.Status == status && e.EnqueuedAt.Before(before) {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) CountQueueEntries(_ context.Context, status model.QueueStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.queue {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LastIDs(_ context.Context) (LastIDs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids LastIDs
	for id := range s.plans {
		ids.Plan = max(ids.Plan, id)
	}
	for id := range s.investments {
		ids.Investment = max(ids.Investment, id)
	}
	for id := range s.queue {
		ids.Queue = max(ids.Queue, id)
	}
	return ids, nil
}

// copyPlan deep-copies the allocation slice so callers cannot mutate
// stored state.
func copyPlan(p *model.Plan) *model.Plan {
	cp := *p
	cp.Allocations = append([]model.Allocation(nil), p.Allocations...)
	return &cp
}
