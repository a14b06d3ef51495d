package plan

import (
	"fmt"
	"sync"

	"github.com/fairvest/execution-engine/internal/apperrors"
	"github.com/fairvest/execution-engine/internal/model"
)

const (
	MinRiskFactor = 1
	MaxRiskFactor = 10
)

var (
	// ErrNoWeight is returned when the allocations carry zero total weight.
	ErrNoWeight = apperrors.New(apperrors.KindValidation, "plan: allocations carry no weight")

	// ErrInvalidRiskFactor is returned for factors outside [1, 10] or for
	// asset classes the table does not know.
	ErrInvalidRiskFactor = apperrors.New(apperrors.KindValidation, "plan: invalid risk factor")
)

// DefaultRiskFactors is the table used when the operator configures none.
var DefaultRiskFactors = map[model.AssetClass]int{
	model.AssetClassStablecoin:  1,
	model.AssetClassBlueChip:    3,
	model.AssetClassLayer2:      5,
	model.AssetClassDeFi:        6,
	model.AssetClassEmerging:    8,
	model.AssetClassSpeculative: 10,
}

// RiskTable holds the operator-configurable risk factor per asset class.
// Changing a factor never rescores existing plans.
type RiskTable struct {
	mu      sync.RWMutex
	factors map[model.AssetClass]int
}

// NewRiskTable starts from DefaultRiskFactors and applies overrides.
func NewRiskTable(overrides map[model.AssetClass]int) (*RiskTable, error) {
	t := &RiskTable{factors: make(map[model.AssetClass]int, len(DefaultRiskFactors))}
	for c, f := range DefaultRiskFactors {
		t.factors[c] = f
	}
	for c, f := range overrides {
		if err := t.Set(c, f); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Set changes one factor.
func (t *RiskTable) Set(class model.AssetClass, factor int) error {
	if !knownClass(class) {
		return fmt.Errorf("%w: unknown asset class %q", ErrInvalidRiskFactor, class)
	}
	if factor < MinRiskFactor || factor > MaxRiskFactor {
		return fmt.Errorf("%w: %d out of [%d, %d]", ErrInvalidRiskFactor, factor, MinRiskFactor, MaxRiskFactor)
	}
	t.mu.Lock()
	t.factors[class] = factor
	t.mu.Unlock()
	return nil
}

// Factor returns the current factor for a class.
func (t *RiskTable) Factor(class model.AssetClass) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.factors[class]
	return f, ok
}

// Factors returns a copy of the table.
func (t *RiskTable) Factors() map[model.AssetClass]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.AssetClass]int, len(t.factors))
	for c, f := range t.factors {
		out[c] = f
	}
	return out
}

// Score returns the target-weighted average risk factor, rounded half up
// and clamped to [1, 10]. Zero total weight is an error rather than a
// silent score of 1.
func (t *RiskTable) Score(allocations []model.Allocation) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var weighted, total uint64
	for _, a := range allocations {
		f, ok := t.factors[a.AssetClass]
		if !ok {
			return 0, fmt.Errorf("%w: unknown asset class %q", ErrInvalidRiskFactor, a.AssetClass)
		}
		weighted += uint64(f) * uint64(a.TargetPercentage)
		total += uint64(a.TargetPercentage)
	}
	if total == 0 {
		return 0, ErrNoWeight
	}

	score := int((weighted + total/2) / total)
	if score < MinRiskFactor {
		score = MinRiskFactor
	}
	if score > MaxRiskFactor {
		score = MaxRiskFactor
	}
	return score, nil
}
