package swap

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ConvertRequest asks a venue to convert AmountIn of BaseAsset into
// TargetAsset, delivered to Recipient.
type ConvertRequest struct {
	BaseAsset   string
	TargetAsset string
	AmountIn    decimal.Decimal
	Recipient   string
}

// VenueFailure explains why a conversion did not happen. The base-asset
// input is untouched whenever a failure is returned.
type VenueFailure struct {
	Reason string
	Err    error
}

func (f *VenueFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("venue failure (%s): %v", f.Reason, f.Err)
	}
	return "venue failure: " + f.Reason
}

func (f *VenueFailure) Unwrap() error { return f.Err }

// Result is the outcome of one Convert call: either AmountOut of the
// target asset or a Failure, never both.
type Result struct {
	AmountOut decimal.Decimal
	Failure   *VenueFailure
}

// OK reports whether the conversion succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// Converted builds a successful result.
func Converted(out decimal.Decimal) Result {
	return Result{AmountOut: out}
}

// Failed builds a failed result.
func Failed(reason string, err error) Result {
	return Result{Failure: &VenueFailure{Reason: reason, Err: err}}
}

// Venue is the external asset-conversion venue. Implementations report
// every problem through Result and must not panic.
type Venue interface {
	Convert(ctx context.Context, req ConvertRequest) Result
}

// VenueFunc adapts a function to Venue.
type VenueFunc func(ctx context.Context, req ConvertRequest) Result

func (f VenueFunc) Convert(ctx context.Context, req ConvertRequest) Result { return f(ctx, req) }
