// Package swap converts a base-asset amount into a plan's target assets,
// one allocation at a time. A venue failure on one allocation releases
// that allocation's base amount to the recipient and execution continues.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/fairvest/execution-engine/internal/metrics"
	"github.com/fairvest/execution-engine/internal/model"
)

var bps = decimal.NewFromInt(model.BasisPoints)

// Outcome is the result of one allocation.
type Outcome struct {
	AssetClass  model.AssetClass `json:"asset_class"`
	TargetAsset string           `json:"target_asset"`
	Bps         uint32           `json:"bps"`
	AmountIn    decimal.Decimal  `json:"amount_in"`
	AmountOut   decimal.Decimal  `json:"amount_out"`
	OutputAsset string           `json:"output_asset"`
	Branch      model.Branch     `json:"branch"`
	Failure     string           `json:"failure,omitempty"`
}

// Execution is the result of a whole plan. Allocated is the sum of the
// truncated allocation amounts; Remainder is baseAmount - Allocated and
// is never delivered.
type Execution struct {
	Outcomes  []Outcome       `json:"outcomes"`
	Allocated decimal.Decimal `json:"allocated"`
	Remainder decimal.Decimal `json:"remainder"`
}

// Fallbacks counts allocations that fell back to the base asset.
func (e Execution) Fallbacks() int {
	n := 0
	for _, o := range e.Outcomes {
		if o.Branch == model.BranchFallback {
			n++
		}
	}
	return n
}

// Executor is safe for concurrent use.
type Executor struct {
	venue     Venue
	baseAsset common.Address
	timeout   time.Duration
}

// NewExecutor creates an executor for baseAsset. A positive timeout bounds
// each venue call; a call exceeding it counts as a venue failure.
func NewExecutor(venue Venue, baseAsset string, timeout time.Duration) *Executor {
	return &Executor{
		venue:     venue,
		baseAsset: common.HexToAddress(baseAsset),
		timeout:   timeout,
	}
}

// BaseAsset returns the checksummed base asset address.
func (e *Executor) BaseAsset() string { return e.baseAsset.Hex() }

// AllocationAmount is baseAmount * bps / 10000, truncated toward zero.
func AllocationAmount(baseAmount decimal.Decimal, targetBps uint32) decimal.Decimal {
	return baseAmount.Mul(decimal.NewFromInt(int64(targetBps))).Div(bps).Truncate(0)
}

// ExecuteAllocation runs every allocation of p for baseAmount. It never
// fails as a whole: venue problems are reported per outcome.
func (e *Executor) ExecuteAllocation(ctx context.Context, baseAmount decimal.Decimal, p *model.Plan, recipient string) Execution {
	exec := Execution{
		Outcomes:  make([]Outcome, 0, len(p.Allocations)),
		Allocated: decimal.Zero,
	}
	base := e.baseAsset.Hex()

	for _, a := range p.Allocations {
		amount := AllocationAmount(baseAmount, a.TargetPercentage)
		out := Outcome{
			AssetClass:  a.AssetClass,
			TargetAsset: a.TargetAsset,
			Bps:         a.TargetPercentage,
			AmountIn:    amount,
		}

		switch {
		case common.HexToAddress(a.TargetAsset) == e.baseAsset:
			out.Branch = model.BranchDirect
			out.AmountOut = amount
			out.OutputAsset = base
		case amount.IsZero():
			// Nothing to convert; the venue is not called.
			out.Branch = model.BranchSkipped
			out.AmountOut = decimal.Zero
			out.OutputAsset = base
		default:
			res := e.convert(ctx, ConvertRequest{
				BaseAsset:   base,
				TargetAsset: a.TargetAsset,
				AmountIn:    amount,
				Recipient:   recipient,
			})
			if res.OK() {
				out.Branch = model.BranchConverted
				out.AmountOut = res.AmountOut
				out.OutputAsset = a.TargetAsset
			} else {
				out.Branch = model.BranchFallback
				out.AmountOut = amount
				out.OutputAsset = base
				out.Failure = res.Failure.Error()
				slog.Warn("allocation fell back to base asset",
					"plan_id", p.ID,
					"target_asset", a.TargetAsset,
					"amount", amount.String(),
					"reason", res.Failure.Reason,
				)
			}
		}

		metrics.AllocationsTotal.WithLabelValues(string(out.Branch)).Inc()
		exec.Allocated = exec.Allocated.Add(amount)
		exec.Outcomes = append(exec.Outcomes, out)
	}

	exec.Remainder = baseAmount.Sub(exec.Allocated)
	return exec
}

// convert calls the venue under the configured timeout and turns panics,
// timeouts and non-positive outputs into failures.
func (e *Executor) convert(ctx context.Context, req ConvertRequest) Result {
	start := time.Now()
	res := e.call(ctx, req)
	if res.OK() && !res.AmountOut.IsPositive() {
		res = Failed("invalid_output", fmt.Errorf("venue returned %s", res.AmountOut))
	}

	outcome := "ok"
	if !res.OK() {
		outcome = res.Failure.Reason
	}
	metrics.VenueLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res
}

func (e *Executor) call(ctx context.Context, req ConvertRequest) Result {
	if e.timeout <= 0 {
		return e.safeConvert(ctx, req)
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ch := make(chan Result, 1)
	go func() { ch <- e.safeConvert(cctx, req) }()

	select {
	case res := <-ch:
		return res
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Failed("timeout", cctx.Err())
		}
		return Failed("canceled", cctx.Err())
	}
}

func (e *Executor) safeConvert(ctx context.Context, req ConvertRequest) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed("panic", fmt.Errorf("%v", r))
		}
	}()
	return e.venue.Convert(ctx, req)
}
