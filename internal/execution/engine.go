// Package execution runs investments: it reserves funds, drives the swap
// executor over a plan, records fills and settles the ledger. The fair
// queue reuses Execute for deferred entries.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fairvest/execution-engine/internal/events"
	"github.com/fairvest/execution-engine/internal/ledger"
	"github.com/fairvest/execution-engine/internal/metrics"
	"github.com/fairvest/execution-engine/internal/model"
	"github.com/fairvest/execution-engine/internal/pricefeed"
	"github.com/fairvest/execution-engine/internal/store"
	"github.com/fairvest/execution-engine/internal/swap"
)

// Execution paths, used as metric and log labels.
const (
	PathImmediate = "immediate"
	PathQueued    = "queued"
)

// Plans resolves plans for execution.
type Plans interface {
	Get(ctx context.Context, id uint64) (*model.Plan, error)
	Active(ctx context.Context, id uint64) (*model.Plan, error)
}

// Report describes one executed investment.
type Report struct {
	Investment model.Investment `json:"investment"`
	Account    model.Account    `json:"account"`
	Execution  swap.Execution   `json:"execution"`
	Fills      []model.Fill     `json:"fills"`
}

// Engine is safe for concurrent use.
type Engine struct {
	plans     Plans
	ledger    *ledger.Ledger
	swap      *swap.Executor
	store     store.Store
	publisher events.Publisher

	prices      pricefeed.Feed
	priceMaxAge time.Duration

	now func() time.Time
}

// New creates an engine. publisher may be nil.
func New(plans Plans, led *ledger.Ledger, ex *swap.Executor, st store.Store, publisher events.Publisher) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		plans:     plans,
		ledger:    led,
		swap:      ex,
		store:     st,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithPrices enables mark-to-market valuation in Portfolio.
func (e *Engine) WithPrices(feed pricefeed.Feed, maxAge time.Duration) *Engine {
	e.prices = feed
	e.priceMaxAge = maxAge
	return e
}

// Ledger exposes the ledger the engine settles against.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Invest is the immediate path: the plan must be active, funds are
// reserved and the investment is executed in the same call.
func (e *Engine) Invest(ctx context.Context, owner string, planID uint64, amount decimal.Decimal) (*Report, error) {
	p, err := e.plans.Active(ctx, planID)
	if err != nil {
		return nil, err
	}
	inv, err := e.ledger.Reserve(ctx, owner, planID, amount)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, inv, p, PathImmediate)
}

// Execute runs a reserved, pending investment. The plan is resolved by id
// even if it was deactivated after the funds were reserved.
func (e *Engine) Execute(ctx context.Context, inv *model.Investment, path string) (*Report, error) {
	p, err := e.plans.Get(ctx, inv.PlanID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, inv, p, path)
}

func (e *Engine) run(ctx context.Context, inv *model.Investment, p *model.Plan, path string) (*Report, error) {
	if inv.State != model.InvestmentPending {
		return nil, fmt.Errorf("%w: %d is %s", ledger.ErrInvestmentState, inv.ID, inv.State)
	}

	exec := e.swap.ExecuteAllocation(ctx, inv.Amount, p, inv.Owner)

	fills := e.fills(inv, exec)
	if len(fills) > 0 {
		if err := e.store.InsertFills(ctx, fills); err != nil {
			slog.Error("fills not recorded, investment left pending",
				"investment_id", inv.ID,
				"owner", inv.Owner,
				"err", err,
			)
			return nil, fmt.Errorf("record fills for investment %d: %w", inv.ID, err)
		}
	}

	acct, err := e.ledger.Settle(ctx, inv.Owner, inv.ID, inv.Amount, exec.Allocated)
	if err != nil {
		return nil, fmt.Errorf("settle investment %d: %w", inv.ID, err)
	}
	settled, err := e.ledger.Investment(ctx, inv.ID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Investment: *settled,
		Account:    *acct,
		Execution:  exec,
		Fills:      fills,
	}

	metrics.InvestmentsTotal.WithLabelValues(path).Inc()
	slog.Info("investment executed",
		"investment_id", inv.ID,
		"owner", inv.Owner,
		"plan_id", p.ID,
		"path", path,
		"amount", inv.Amount.String(),
		"invested", exec.Allocated.String(),
		"remainder", exec.Remainder.String(),
		"fallbacks", exec.Fallbacks(),
	)

	evt := events.New(events.InvestmentExecuted, report)
	evt.Owner = inv.Owner
	evt.PlanID = p.ID
	evt.InvestmentID = inv.ID
	if err := e.publisher.Publish(ctx, evt); err != nil {
		slog.Warn("event publish failed", "type", evt.Type, "investment_id", inv.ID, "err", err)
	}
	return report, nil
}

// fills turns outcomes into immutable records. Zero-amount allocations
// deliver nothing and are not recorded.
func (e *Engine) fills(inv *model.Investment, exec swap.Execution) []model.Fill {
	now := e.now()
	fills := make([]model.Fill, 0, len(exec.Outcomes))
	for _, o := range exec.Outcomes {
		if o.AmountIn.IsZero() {
			continue
		}
		fills = append(fills, model.Fill{
			ID:           uuid.NewString(),
			InvestmentID: inv.ID,
			Owner:        inv.Owner,
			PlanID:       inv.PlanID,
			AssetClass:   o.AssetClass,
			TargetAsset:  o.TargetAsset,
			OutputAsset:  o.OutputAsset,
			AmountIn:     o.AmountIn,
			AmountOut:    o.AmountOut,
			Branch:       o.Branch,
			Failure:      o.Failure,
			Timestamp:    now,
		})
	}
	return fills
}

// Fills returns the fills recorded for one investment.
func (e *Engine) Fills(ctx context.Context, investmentID uint64) ([]model.Fill, error) {
	if _, err := e.ledger.Investment(ctx, investmentID); err != nil {
		return nil, err
	}
	return e.store.GetFillsByInvestment(ctx, investmentID)
}

// Portfolio returns the account, delivered holdings and their values.
// Holdings are marked in base units when the price feed can quote them.
func (e *Engine) Portfolio(ctx context.Context, owner string) (*model.Portfolio, error) {
	acct, err := e.ledger.Account(ctx, owner)
	if err != nil {
		return nil, err
	}
	holdings, err := e.store.GetHoldings(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("holdings for %s: %w", owner, err)
	}

	mark := acct.Available.Add(acct.Pending)
	base := e.swap.BaseAsset()
	for i := range holdings {
		h := &holdings[i]
		value, ok := e.markValue(h.Asset, base, h.Amount)
		if !ok {
			continue
		}
		h.MarkValue = value
		h.Priced = true
		mark = mark.Add(value)
	}

	return &model.Portfolio{
		Owner:          owner,
		Account:        *acct,
		Holdings:       holdings,
		PortfolioValue: acct.PortfolioValue(),
		MarkValue:      mark,
	}, nil
}

func (e *Engine) markValue(asset, base string, amount decimal.Decimal) (decimal.Decimal, bool) {
	if asset == base {
		return amount, true
	}
	if e.prices == nil {
		return decimal.Zero, false
	}
	assetPx, err := e.prices.Read(asset, e.priceMaxAge)
	if err != nil {
		logPriceMiss(asset, err)
		return decimal.Zero, false
	}
	basePx, err := e.prices.Read(base, e.priceMaxAge)
	if err != nil {
		logPriceMiss(base, err)
		return decimal.Zero, false
	}
	return amount.Mul(assetPx.Value).Div(basePx.Value).Truncate(0), true
}

func logPriceMiss(asset string, err error) {
	if errors.Is(err, pricefeed.ErrUnknownSymbol) {
		return
	}
	slog.Debug("holding left unpriced", "asset", asset, "err", err)
}
