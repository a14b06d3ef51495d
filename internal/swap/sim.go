package swap

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fairvest/execution-engine/internal/pricefeed"
)

// SimVenue converts at the ratio of two price feed reads. Assets marked
// illiquid always fail. Used in development and tests in place of a real
// venue.
type SimVenue struct {
	feed   pricefeed.Feed
	maxAge time.Duration

	mu       sync.RWMutex
	illiquid map[string]bool
}

// NewSimVenue creates a venue reading prices from feed no older than maxAge.
func NewSimVenue(feed pricefeed.Feed, maxAge time.Duration, illiquid ...string) *SimVenue {
	v := &SimVenue{feed: feed, maxAge: maxAge, illiquid: make(map[string]bool)}
	for _, a := range illiquid {
		v.SetIlliquid(a, true)
	}
	return v
}

// SetIlliquid marks or clears an asset as unconvertible.
func (v *SimVenue) SetIlliquid(asset string, illiquid bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if illiquid {
		v.illiquid[strings.ToLower(asset)] = true
	} else {
		delete(v.illiquid, strings.ToLower(asset))
	}
}

// Convert returns floor(amountIn * price(base) / price(target)).
func (v *SimVenue) Convert(ctx context.Context, req ConvertRequest) Result {
	if err := ctx.Err(); err != nil {
		return Failed("canceled", err)
	}

	v.mu.RLock()
	illiquid := v.illiquid[strings.ToLower(req.TargetAsset)]
	v.mu.RUnlock()
	if illiquid {
		return Failed("illiquid", nil)
	}

	basePx, err := v.feed.Read(req.BaseAsset, v.maxAge)
	if err != nil {
		return Failed(priceReason(err), err)
	}
	targetPx, err := v.feed.Read(req.TargetAsset, v.maxAge)
	if err != nil {
		return Failed(priceReason(err), err)
	}

	out := req.AmountIn.Mul(basePx.Value).Div(targetPx.Value).Truncate(0)
	if !out.IsPositive() {
		return Failed("slippage", nil)
	}
	return Converted(out)
}

func priceReason(err error) string {
	if errors.Is(err, pricefeed.ErrStale) {
		return "stale_price"
	}
	return "no_price"
}

// Identity is a venue that delivers one target unit per base unit.
var Identity Venue = VenueFunc(func(_ context.Context, req ConvertRequest) Result {
	return Converted(req.AmountIn)
})
