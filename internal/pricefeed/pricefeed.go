// Package pricefeed is the reference-price collaborator: fetch an update
// from a source, publish it to a feed, read it back with a staleness bound.
package pricefeed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairvest/execution-engine/internal/apperrors"
	"github.com/fairvest/execution-engine/internal/metrics"
)

var (
	ErrStale         = apperrors.New(apperrors.KindConflict, "pricefeed: price is stale")
	ErrUnknownSymbol = apperrors.New(apperrors.KindNotFound, "pricefeed: unknown symbol")
	ErrEmptyUpdate   = apperrors.New(apperrors.KindValidation, "pricefeed: update carries no prices")
	ErrInvalidPrice  = apperrors.New(apperrors.KindValidation, "pricefeed: price must be positive")
)

// Price is one symbol's reference price in base-asset units per unit.
type Price struct {
	Symbol      string          `json:"symbol"`
	Value       decimal.Decimal `json:"value"`
	PublishedAt time.Time       `json:"published_at"`
}

// Update is an opaque batch of prices as fetched from a source.
type Update struct {
	Prices    []Price   `json:"prices"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Source fetches off-chain quotes.
type Source interface {
	FetchUpdate(ctx context.Context, symbols []string) (Update, error)
}

// Feed stores published prices and serves bounded-staleness reads.
type Feed interface {
	Publish(ctx context.Context, u Update) (fee decimal.Decimal, err error)
	Read(symbol string, maxAge time.Duration) (Price, error)
}

// normalize makes symbol lookups case-insensitive; asset addresses differ
// only by checksum casing.
func normalize(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}

// MemoryFeed is an in-process Feed. Safe for concurrent use.
type MemoryFeed struct {
	mu     sync.RWMutex
	prices map[string]Price
	fee    decimal.Decimal
	now    func() time.Time
}

// NewMemoryFeed creates a feed that charges fee per published price.
func NewMemoryFeed(fee decimal.Decimal) *MemoryFeed {
	return &MemoryFeed{
		prices: make(map[string]Price),
		fee:    fee,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the feed's clock. Tests only.
func (f *MemoryFeed) SetClock(now func() time.Time) { f.now = now }

// Publish stores every price in u and returns the total update fee.
// Older prices never overwrite newer ones.
func (f *MemoryFeed) Publish(_ context.Context, u Update) (decimal.Decimal, error) {
	if len(u.Prices) == 0 {
		return decimal.Zero, ErrEmptyUpdate
	}
	for _, p := range u.Prices {
		if !p.Value.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s = %s", ErrInvalidPrice, p.Symbol, p.Value)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range u.Prices {
		if p.PublishedAt.IsZero() {
			p.PublishedAt = f.now()
		}
		key := normalize(p.Symbol)
		if cur, ok := f.prices[key]; ok && cur.PublishedAt.After(p.PublishedAt) {
			continue
		}
		f.prices[key] = p
		metrics.PriceUpdatesTotal.Inc()
	}
	return f.fee.Mul(decimal.NewFromInt(int64(len(u.Prices)))), nil
}

// Read returns the latest price, or ErrStale if it is older than maxAge.
// maxAge <= 0 disables the staleness bound.
func (f *MemoryFeed) Read(symbol string, maxAge time.Duration) (Price, error) {
	f.mu.RLock()
	p, ok := f.prices[normalize(symbol)]
	f.mu.RUnlock()
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if maxAge > 0 {
		if age := f.now().Sub(p.PublishedAt); age > maxAge {
			return p, fmt.Errorf("%w: %s is %s old (max %s)", ErrStale, symbol, age.Truncate(time.Second), maxAge)
		}
	}
	return p, nil
}

// Symbols lists the symbols with a published price, sorted.
func (f *MemoryFeed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.prices))
	for _, p := range f.prices {
		out = append(out, p.Symbol)
	}
	sort.Strings(out)
	return out
}

// StaticSource quotes a fixed table. Used for development and tests.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]decimal.Decimal
}

// NewStaticSource creates a source quoting the given table.
func NewStaticSource(quotes map[string]decimal.Decimal) *StaticSource {
	s := &StaticSource{quotes: make(map[string]decimal.Decimal, len(quotes))}
	for sym, v := range quotes {
		s.quotes[normalize(sym)] = v
	}
	return s
}

// Set changes one quote.
func (s *StaticSource) Set(symbol string, v decimal.Decimal) {
	s.mu.Lock()
	s.quotes[normalize(symbol)] = v
	s.mu.Unlock()
}

// FetchUpdate returns quotes for the requested symbols, or for every known
// symbol when none are requested.
func (s *StaticSource) FetchUpdate(ctx context.Context, symbols []string) (Update, error) {
	if err := ctx.Err(); err != nil {
		return Update{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(symbols) == 0 {
		for sym := range s.quotes {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
	}
	now := time.Now().UTC()
	u := Update{FetchedAt: now}
	for _, sym := range symbols {
		v, ok := s.quotes[normalize(sym)]
		if !ok {
			return Update{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
		}
		u.Prices = append(u.Prices, Price{Symbol: sym, Value: v, PublishedAt: now})
	}
	return u, nil
}

// Puller runs the fetch, publish, read workflow.
type Puller struct {
	source Source
	feed   Feed
}

// NewPuller wires a source to a feed.
func NewPuller(source Source, feed Feed) *Puller {
	return &Puller{source: source, feed: feed}
}

// Pull fetches and publishes the symbols, then reads each back within
// maxAge. It returns the prices read and the fee paid.
func (p *Puller) Pull(ctx context.Context, symbols []string, maxAge time.Duration) ([]Price, decimal.Decimal, error) {
	u, err := p.source.FetchUpdate(ctx, symbols)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("fetch update: %w", err)
	}
	fee, err := p.feed.Publish(ctx, u)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("publish update: %w", err)
	}
	prices := make([]Price, 0, len(u.Prices))
	for _, q := range u.Prices {
		pr, err := p.feed.Read(q.Symbol, maxAge)
		if err != nil {
			return nil, fee, err
		}
		prices = append(prices, pr)
	}
	slog.Debug("price update pulled", "symbols", len(prices), "fee", fee.String())
	return prices, fee, nil
}
