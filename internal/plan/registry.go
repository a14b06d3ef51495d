package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairvest/execution-engine/internal/apperrors"
	"github.com/fairvest/execution-engine/internal/model"
	"github.com/fairvest/execution-engine/internal/sequence"
	"github.com/fairvest/execution-engine/internal/store"
)

var (
	ErrPlanNotFound    = apperrors.New(apperrors.KindNotFound, "plan: not found")
	ErrPlanInactive    = apperrors.New(apperrors.KindConflict, "plan: inactive")
	ErrInvalidName     = apperrors.New(apperrors.KindValidation, "plan: name is required")
	ErrInvalidCategory = apperrors.New(apperrors.KindValidation, "plan: unknown category")
)

// Registry owns plan creation and updates. Writes are serialized so an
// update never interleaves with another update of the same plan.
type Registry struct {
	store store.Store
	risk  *RiskTable
	ids   *sequence.Sequence
	mu    sync.Mutex
	now   func() time.Time
}

// NewRegistry creates a plan registry. ids issues plan ids.
func NewRegistry(st store.Store, risk *RiskTable, ids *sequence.Sequence) *Registry {
	return &Registry{
		store: st,
		risk:  risk,
		ids:   ids,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Risk exposes the factor table for operator updates.
func (r *Registry) Risk() *RiskTable { return r.risk }

// Create validates, scores and persists a new active plan.
func (r *Registry) Create(ctx context.Context, category model.Category, name string, allocations []model.Allocation) (*model.Plan, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	allocs, score, err := r.prepare(allocations)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p := &model.Plan{
		ID:          r.ids.Next(),
		Category:    category,
		Name:        name,
		Allocations: allocs,
		RiskScore:   score,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}

	slog.Info("plan created",
		"plan_id", p.ID,
		"category", p.Category,
		"allocations", len(p.Allocations),
		"risk_score", p.RiskScore,
	)
	return p, nil
}

// Update replaces a plan's allocations wholesale and re-snapshots its risk
// score. Partial patches are not supported.
func (r *Registry) Update(ctx context.Context, id uint64, allocations []model.Allocation) (*model.Plan, error) {
	allocs, score, err := r.prepare(allocations)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Allocations = allocs
	p.RiskScore = score
	p.UpdatedAt = r.now()

	if err := r.store.UpdatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("update plan %d: %w", id, err)
	}

	slog.Info("plan updated", "plan_id", id, "allocations", len(allocs), "risk_score", score)
	return p, nil
}

// Deactivate hides a plan from new investments. Plans are never deleted.
func (r *Registry) Deactivate(ctx context.Context, id uint64) (*model.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return p, nil
	}
	p.IsActive = false
	p.UpdatedAt = r.now()

	if err := r.store.UpdatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("deactivate plan %d: %w", id, err)
	}

	slog.Info("plan deactivated", "plan_id", id)
	return p, nil
}

// Get returns a plan regardless of its active flag.
func (r *Registry) Get(ctx context.Context, id uint64) (*model.Plan, error) {
	p, err := r.store.GetPlan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Active returns a plan only when it accepts new investments.
func (r *Registry) Active(ctx context.Context, id uint64) (*model.Plan, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: %d", ErrPlanInactive, id)
	}
	return p, nil
}

// ListActive returns active plans ordered by id.
func (r *Registry) ListActive(ctx context.Context) ([]model.Plan, error) {
	plans, err := r.store.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]model.Plan, 0, len(plans))
	for _, p := range plans {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active, nil
}

// prepare validates, normalizes target addresses and scores.
func (r *Registry) prepare(allocations []model.Allocation) ([]model.Allocation, int, error) {
	if err := Validate(allocations); err != nil {
		return nil, 0, err
	}
	allocs := make([]model.Allocation, len(allocations))
	for i, a := range allocations {
		a.TargetAsset = NormalizeAsset(a.TargetAsset)
		allocs[i] = a
	}
	score, err := r.risk.Score(allocs)
	if err != nil {
		return nil, 0, err
	}
	return allocs, score, nil
}
