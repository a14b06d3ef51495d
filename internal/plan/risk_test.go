package plan

import (
	"errors"
	"testing"

	"github.com/fairvest/execution-engine/internal/model"
)

func TestScore_WeightedAverage(t *testing.T) {
	table, _ := NewRiskTable(nil)

	// 0.5*3 + 0.3*5 + 0.2*6 = 4.2 -> 4
	score, err := table.Score(fiftyThirtyTwenty())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 4 {
		t.Errorf("expected score 4, got %d", score)
	}
}

func TestScore_RoundsHalfUp(t *testing.T) {
	table, _ := NewRiskTable(nil)

	// 0.5*1 + 0.5*10 = 5.5 -> 6
	allocs := []model.Allocation{
		alloc(model.AssetClassStablecoin, 1, 5000),
		alloc(model.AssetClassSpeculative, 2, 5000),
	}
	score, err := table.Score(allocs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 6 {
		t.Errorf("expected score 6, got %d", score)
	}
}

func TestScore_Bounds(t *testing.T) {
	table, _ := NewRiskTable(nil)

	low, _ := table.Score([]model.Allocation{alloc(model.AssetClassStablecoin, 1, 10000)})
	high, _ := table.Score([]model.Allocation{alloc(model.AssetClassSpeculative, 1, 10000)})
	if low != 1 || high != 10 {
		t.Errorf("expected scores 1 and 10, got %d and %d", low, high)
	}
}

func TestScore_NoWeight(t *testing.T) {
	table, _ := NewRiskTable(nil)

	allocs := []model.Allocation{alloc(model.AssetClassBlueChip, 1, 0)}
	if _, err := table.Score(allocs); !errors.Is(err, ErrNoWeight) {
		t.Errorf("expected ErrNoWeight, got %v", err)
	}
	if _, err := table.Score(nil); !errors.Is(err, ErrNoWeight) {
		t.Errorf("expected ErrNoWeight for empty input, got %v", err)
	}
}

func TestSet_Bounds(t *testing.T) {
	table, _ := NewRiskTable(nil)

	if err := table.Set(model.AssetClassDeFi, 0); !errors.Is(err, ErrInvalidRiskFactor) {
		t.Errorf("expected ErrInvalidRiskFactor for 0, got %v", err)
	}
	if err := table.Set(model.AssetClassDeFi, 11); !errors.Is(err, ErrInvalidRiskFactor) {
		t.Errorf("expected ErrInvalidRiskFactor for 11, got %v", err)
	}
	if err := table.Set("memecoin", 5); !errors.Is(err, ErrInvalidRiskFactor) {
		t.Errorf("expected ErrInvalidRiskFactor for unknown class, got %v", err)
	}
	if err := table.Set(model.AssetClassDeFi, 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f, _ := table.Factor(model.AssetClassDeFi); f != 9 {
		t.Errorf("expected factor 9, got %d", f)
	}
}

func TestNewRiskTable_RejectsBadOverride(t *testing.T) {
	_, err := NewRiskTable(map[model.AssetClass]int{model.AssetClassBlueChip: 42})
	if !errors.Is(err, ErrInvalidRiskFactor) {
		t.Errorf("expected ErrInvalidRiskFactor, got %v", err)
	}
}
