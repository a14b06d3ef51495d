// Package plan implements allocation plans: validation of the target asset
// mix, the risk score snapshot, and the operator-facing registry.
//
// Percentages are basis points; a valid plan's targets sum to exactly 10000.
package plan

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fairvest/execution-engine/internal/apperrors"
	"github.com/fairvest/execution-engine/internal/model"
)

var (
	// ErrEmptyPlan is returned when a plan has no allocations.
	ErrEmptyPlan = apperrors.New(apperrors.KindValidation, "plan: no allocations")

	// ErrInvalidAllocation is returned when an entry violates
	// 0 < min <= target <= max <= 10000, names no valid target asset,
	// repeats a target asset, or uses an unknown asset class.
	ErrInvalidAllocation = apperrors.New(apperrors.KindValidation, "plan: invalid allocation")

	// ErrIncompleteAllocation is returned when targets do not sum to 10000.
	ErrIncompleteAllocation = apperrors.New(apperrors.KindValidation, "plan: allocations must sum to 10000 bps")
)

// Validate enforces the plan shape invariants. It does not modify its input.
func Validate(allocations []model.Allocation) error {
	if len(allocations) == 0 {
		return ErrEmptyPlan
	}

	seen := make(map[common.Address]int, len(allocations))
	var total uint64

	for i, a := range allocations {
		if !knownClass(a.AssetClass) {
			return fmt.Errorf("%w: entry %d: unknown asset class %q", ErrInvalidAllocation, i, a.AssetClass)
		}
		if a.TargetPercentage == 0 || a.TargetPercentage > model.BasisPoints {
			return fmt.Errorf("%w: entry %d: target %d out of (0, 10000]", ErrInvalidAllocation, i, a.TargetPercentage)
		}
		if a.MinPercentage > a.TargetPercentage || a.TargetPercentage > a.MaxPercentage || a.MaxPercentage > model.BasisPoints {
			return fmt.Errorf("%w: entry %d: require min %d <= target %d <= max %d <= 10000",
				ErrInvalidAllocation, i, a.MinPercentage, a.TargetPercentage, a.MaxPercentage)
		}

		addr, err := ParseAsset(a.TargetAsset)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrInvalidAllocation, i, err)
		}
		if prev, dup := seen[addr]; dup {
			return fmt.Errorf("%w: entry %d repeats target asset of entry %d", ErrInvalidAllocation, i, prev)
		}
		seen[addr] = i

		total += uint64(a.TargetPercentage)
	}

	if total != model.BasisPoints {
		return fmt.Errorf("%w: got %d", ErrIncompleteAllocation, total)
	}
	return nil
}

// ParseAsset parses a 0x-prefixed token address. The zero address is
// rejected: it is how an unset asset looks on the wire.
func ParseAsset(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("target asset %q is not an address", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("target asset is the zero address")
	}
	return addr, nil
}

// NormalizeAsset returns the checksummed form of a valid address, or s
// unchanged when it does not parse.
func NormalizeAsset(s string) string {
	addr, err := ParseAsset(s)
	if err != nil {
		return s
	}
	return addr.Hex()
}

func knownClass(c model.AssetClass) bool {
	for _, k := range model.AssetClasses {
		if k == c {
			return true
		}
	}
	return false
}
