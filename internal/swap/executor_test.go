package swap

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairvest/execution-engine/internal/model"
	"github.com/fairvest/execution-engine/internal/pricefeed"
)

func d(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func addr(n int) string {
	return fmt.Sprintf("0x%040d", n)
}

var (
	baseAsset = addr(1)
	assetA    = addr(10)
	assetB    = addr(11)
	assetC    = addr(12)
)

func testPlan(allocs ...model.Allocation) *model.Plan {
	return &model.Plan{ID: 1, Category: model.CategoryBalanced, Name: "test", Allocations: allocs, IsActive: true}
}

func alloc(asset string, bps uint32) model.Allocation {
	return model.Allocation{
		AssetClass:       model.AssetClassBlueChip,
		TargetAsset:      asset,
		TargetPercentage: bps,
		MinPercentage:    0,
		MaxPercentage:    model.BasisPoints,
	}
}

// failingVenue fails for the listed assets and converts 1:1 otherwise.
func failingVenue(calls *atomic.Int32, fail ...string) Venue {
	return VenueFunc(func(_ context.Context, req ConvertRequest) Result {
		if calls != nil {
			calls.Add(1)
		}
		for _, f := range fail {
			if strings.EqualFold(f, req.TargetAsset) {
				return Failed("illiquid", nil)
			}
		}
		return Converted(req.AmountIn)
	})
}

func TestExecuteAllocation_ConcreteScenario(t *testing.T) {
	ex := NewExecutor(Identity, baseAsset, 0)
	p := testPlan(alloc(assetA, 5000), alloc(assetB, 3000), alloc(assetC, 2000))

	exec := ex.ExecuteAllocation(context.Background(), d(8000), p, "alice")

	require.Len(t, exec.Outcomes, 3)
	want := []int64{4000, 2400, 1600}
	for i, o := range exec.Outcomes {
		assert.Equal(t, model.BranchConverted, o.Branch)
		assert.True(t, o.AmountIn.Equal(d(want[i])), "allocation %d in = %s", i, o.AmountIn)
		assert.True(t, o.AmountOut.Equal(d(want[i])), "allocation %d out = %s", i, o.AmountOut)
		assert.Equal(t, p.Allocations[i].TargetAsset, o.OutputAsset)
	}
	assert.True(t, exec.Allocated.Equal(d(8000)))
	assert.True(t, exec.Remainder.IsZero())
	assert.Equal(t, 0, exec.Fallbacks())
}

func TestExecuteAllocation_FallbackIsolated(t *testing.T) {
	ex := NewExecutor(failingVenue(nil, assetC), baseAsset, 0)
	p := testPlan(alloc(assetA, 5000), alloc(assetB, 3000), alloc(assetC, 2000))

	exec := ex.ExecuteAllocation(context.Background(), d(10000), p, "alice")

	require.Len(t, exec.Outcomes, 3)
	assert.Equal(t, model.BranchConverted, exec.Outcomes[0].Branch)
	assert.Equal(t, model.BranchConverted, exec.Outcomes[1].Branch)

	c := exec.Outcomes[2]
	assert.Equal(t, model.BranchFallback, c.Branch)
	assert.Equal(t, baseAsset, c.OutputAsset)
	assert.True(t, c.AmountOut.Equal(d(2000)), "fallback releases the untouched base amount")
	assert.Contains(t, c.Failure, "illiquid")

	assert.True(t, exec.Allocated.Equal(d(10000)))
	assert.Equal(t, 1, exec.Fallbacks())
}

func TestExecuteAllocation_DirectSkipsVenue(t *testing.T) {
	var calls atomic.Int32
	ex := NewExecutor(failingVenue(&calls), baseAsset, 0)
	p := testPlan(alloc(baseAsset, 6000), alloc(assetA, 4000))

	exec := ex.ExecuteAllocation(context.Background(), d(1000), p, "alice")

	assert.Equal(t, model.BranchDirect, exec.Outcomes[0].Branch)
	assert.True(t, exec.Outcomes[0].AmountOut.Equal(d(600)))
	assert.Equal(t, baseAsset, exec.Outcomes[0].OutputAsset)
	assert.Equal(t, model.BranchConverted, exec.Outcomes[1].Branch)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteAllocation_TruncationRemainder(t *testing.T) {
	ex := NewExecutor(Identity, baseAsset, 0)
	p := testPlan(alloc(assetA, 3333), alloc(assetB, 3333), alloc(assetC, 3334))

	exec := ex.ExecuteAllocation(context.Background(), d(99), p, "alice")

	assert.True(t, exec.Outcomes[0].AmountIn.Equal(d(32)))
	assert.True(t, exec.Outcomes[1].AmountIn.Equal(d(32)))
	assert.True(t, exec.Outcomes[2].AmountIn.Equal(d(33)))
	assert.True(t, exec.Allocated.Equal(d(97)))
	assert.True(t, exec.Remainder.Equal(d(2)))
}

func TestExecuteAllocation_ZeroAmountSkipsVenue(t *testing.T) {
	var calls atomic.Int32
	ex := NewExecutor(failingVenue(&calls), baseAsset, 0)
	p := testPlan(alloc(assetA, 9999), alloc(assetB, 1))

	exec := ex.ExecuteAllocation(context.Background(), d(5000), p, "alice")

	assert.Equal(t, model.BranchSkipped, exec.Outcomes[1].Branch)
	assert.Empty(t, exec.Outcomes[1].Failure)
	assert.True(t, exec.Outcomes[1].AmountIn.IsZero())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, exec.Fallbacks())
	assert.True(t, exec.Remainder.Equal(d(1)))
}

func TestExecuteAllocation_TimeoutCountsAsFailure(t *testing.T) {
	hung := VenueFunc(func(ctx context.Context, _ ConvertRequest) Result {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Converted(d(1))
	})
	ex := NewExecutor(hung, baseAsset, 20*time.Millisecond)
	p := testPlan(alloc(assetA, 10000))

	exec := ex.ExecuteAllocation(context.Background(), d(100), p, "alice")

	require.Len(t, exec.Outcomes, 1)
	assert.Equal(t, model.BranchFallback, exec.Outcomes[0].Branch)
	assert.Contains(t, exec.Outcomes[0].Failure, "timeout")
}

func TestExecuteAllocation_PanicAndBadOutput(t *testing.T) {
	v := VenueFunc(func(_ context.Context, req ConvertRequest) Result {
		if req.TargetAsset == assetA {
			panic("venue exploded")
		}
		return Converted(decimal.Zero)
	})
	ex := NewExecutor(v, baseAsset, 0)
	p := testPlan(alloc(assetA, 5000), alloc(assetB, 5000))

	exec := ex.ExecuteAllocation(context.Background(), d(100), p, "alice")

	assert.Contains(t, exec.Outcomes[0].Failure, "panic")
	assert.Contains(t, exec.Outcomes[1].Failure, "invalid_output")
	assert.Equal(t, 2, exec.Fallbacks())
}

func TestAllocationAmount(t *testing.T) {
	assert.True(t, AllocationAmount(d(8000), 5000).Equal(d(4000)))
	assert.True(t, AllocationAmount(d(1), 9999).IsZero())
	assert.True(t, AllocationAmount(d(10001), 10000).Equal(d(10001)))
}

func TestSimVenue(t *testing.T) {
	feed := pricefeed.NewMemoryFeed(decimal.Zero)
	_, err := feed.Publish(context.Background(), pricefeed.Update{Prices: []pricefeed.Price{
		{Symbol: baseAsset, Value: d(1)},
		{Symbol: assetA, Value: d(4)},
	}})
	require.NoError(t, err)

	v := NewSimVenue(feed, time.Minute, assetB)

	res := v.Convert(context.Background(), ConvertRequest{BaseAsset: baseAsset, TargetAsset: assetA, AmountIn: d(4002)})
	require.True(t, res.OK())
	assert.True(t, res.AmountOut.Equal(d(1000)))

	res = v.Convert(context.Background(), ConvertRequest{BaseAsset: baseAsset, TargetAsset: assetB, AmountIn: d(10)})
	require.False(t, res.OK())
	assert.Equal(t, "illiquid", res.Failure.Reason)

	res = v.Convert(context.Background(), ConvertRequest{BaseAsset: baseAsset, TargetAsset: assetC, AmountIn: d(10)})
	require.False(t, res.OK())
	assert.Equal(t, "no_price", res.Failure.Reason)

	res = v.Convert(context.Background(), ConvertRequest{BaseAsset: baseAsset, TargetAsset: assetA, AmountIn: d(3)})
	require.False(t, res.OK())
	assert.Equal(t, "slippage", res.Failure.Reason)

	v.SetIlliquid(assetB, false)
	feed.Publish(context.Background(), pricefeed.Update{Prices: []pricefeed.Price{{Symbol: assetB, Value: d(2)}}})
	res = v.Convert(context.Background(), ConvertRequest{BaseAsset: baseAsset, TargetAsset: assetB, AmountIn: d(10)})
	require.True(t, res.OK())
	assert.True(t, res.AmountOut.Equal(d(5)))
}
