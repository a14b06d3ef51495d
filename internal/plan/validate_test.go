package plan

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fairvest/execution-engine/internal/model"
)

// asset returns a digits-only address, which is already in checksum form.
func asset(n int) string {
	return fmt.Sprintf("0x%040d", n)
}

func alloc(class model.AssetClass, n int, target uint32) model.Allocation {
	return model.Allocation{
		AssetClass:       class,
		TargetAsset:      asset(n),
		TargetPercentage: target,
		MinPercentage:    0,
		MaxPercentage:    model.BasisPoints,
	}
}

func fiftyThirtyTwenty() []model.Allocation {
	return []model.Allocation{
		alloc(model.AssetClassBlueChip, 1, 5000),
		alloc(model.AssetClassLayer2, 2, 3000),
		alloc(model.AssetClassDeFi, 3, 2000),
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := Validate(fiftyThirtyTwenty()); err != nil {
		t.Fatalf("expected valid plan, got %v", err)
	}
}

func TestValidate_SingleFullAllocation(t *testing.T) {
	allocs := []model.Allocation{alloc(model.AssetClassStablecoin, 1, 10000)}
	if err := Validate(allocs); err != nil {
		t.Fatalf("expected valid plan, got %v", err)
	}
}

func TestValidate_Empty(t *testing.T) {
	if err := Validate(nil); !errors.Is(err, ErrEmptyPlan) {
		t.Errorf("expected ErrEmptyPlan, got %v", err)
	}
}

func TestValidate_Incomplete(t *testing.T) {
	allocs := fiftyThirtyTwenty()
	allocs[2].TargetPercentage = 1999
	if err := Validate(allocs); !errors.Is(err, ErrIncompleteAllocation) {
		t.Errorf("expected ErrIncompleteAllocation, got %v", err)
	}

	allocs[2].TargetPercentage = 2001
	if err := Validate(allocs); !errors.Is(err, ErrIncompleteAllocation) {
		t.Errorf("expected ErrIncompleteAllocation for overshoot, got %v", err)
	}
}

func TestValidate_InvalidEntries(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a []model.Allocation)
	}{
		{"zero target", func(a []model.Allocation) { a[0].TargetPercentage = 0 }},
		{"target above 10000", func(a []model.Allocation) { a[0].TargetPercentage = 10001 }},
		{"min above target", func(a []model.Allocation) { a[0].MinPercentage = 5001 }},
		{"max below target", func(a []model.Allocation) { a[0].MaxPercentage = 4999 }},
		{"max above 10000", func(a []model.Allocation) { a[0].MaxPercentage = 10001 }},
		{"zero address", func(a []model.Allocation) { a[1].TargetAsset = asset(0) }},
		{"empty address", func(a []model.Allocation) { a[1].TargetAsset = "" }},
		{"not an address", func(a []model.Allocation) { a[1].TargetAsset = "WETH" }},
		{"unknown class", func(a []model.Allocation) { a[2].AssetClass = "memecoin" }},
		{"duplicate asset", func(a []model.Allocation) { a[2].TargetAsset = a[0].TargetAsset }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allocs := fiftyThirtyTwenty()
			tt.mutate(allocs)
			if err := Validate(allocs); !errors.Is(err, ErrInvalidAllocation) {
				t.Errorf("expected ErrInvalidAllocation, got %v", err)
			}
		})
	}
}

func TestValidate_DuplicateAcrossCase(t *testing.T) {
	allocs := []model.Allocation{
		{AssetClass: model.AssetClassBlueChip, TargetAsset: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", TargetPercentage: 5000, MaxPercentage: 10000},
		{AssetClass: model.AssetClassBlueChip, TargetAsset: "0xC02AAA39B223FE8D0A0E5C4F27EAD9083C756CC2", TargetPercentage: 5000, MaxPercentage: 10000},
	}
	if err := Validate(allocs); !errors.Is(err, ErrInvalidAllocation) {
		t.Errorf("expected duplicate detection across case, got %v", err)
	}
}

func TestNormalizeAsset(t *testing.T) {
	got := NormalizeAsset("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	if got != "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2" {
		t.Errorf("expected checksum address, got %s", got)
	}
	if NormalizeAsset("nope") != "nope" {
		t.Error("invalid input should pass through unchanged")
	}
}
