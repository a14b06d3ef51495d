// Package ledger keeps each participant's account of deposited, available,
// pending and invested base-asset units.
//
// Every mutation is validated before any state changes and re-checked
// against the account invariant before it is persisted:
//
//	available + pending + invested <= deposited, every component >= 0
//
// Mutations of one account are serialized by a per-account mutex; different
// accounts proceed in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairvest/execution-engine/internal/apperrors"
	"github.com/fairvest/execution-engine/internal/metrics"
	"github.com/fairvest/execution-engine/internal/model"
	"github.com/fairvest/execution-engine/internal/sequence"
	"github.com/fairvest/execution-engine/internal/store"
)

var (
	ErrZeroAmount          = apperrors.New(apperrors.KindValidation, "ledger: amount must be positive")
	ErrInvalidAmount       = apperrors.New(apperrors.KindValidation, "ledger: amount must be a whole number of base units")
	ErrInvalidOwner        = apperrors.New(apperrors.KindValidation, "ledger: owner is required")
	ErrInvalidSettlement   = apperrors.New(apperrors.KindValidation, "ledger: invested amount must be within [0, amount]")
	ErrInsufficientBalance = apperrors.New(apperrors.KindInsufficientBalance, "ledger: insufficient available balance")
	ErrInsufficientPending = apperrors.New(apperrors.KindConflict, "ledger: settlement exceeds pending investment")
	ErrAccountNotFound     = apperrors.New(apperrors.KindNotFound, "ledger: account not found")
	ErrInvestmentNotFound  = apperrors.New(apperrors.KindNotFound, "ledger: investment not found")
	ErrInvestmentState     = apperrors.New(apperrors.KindConflict, "ledger: investment is not pending")
	ErrInvariantViolation  = apperrors.New(apperrors.KindInvariant, "ledger: account invariant violated")
)

// DepositKind says how base-asset units reached the ledger.
type DepositKind string

const (
	DepositBase    DepositKind = "base"    // transferred in the base asset
	DepositWrapped DepositKind = "wrapped" // native asset wrapped into the base asset
)

// Valid reports whether k is a known deposit kind.
func (k DepositKind) Valid() bool {
	return k == DepositBase || k == DepositWrapped
}

// Ledger is the balance ledger. It is safe for concurrent use.
type Ledger struct {
	store store.Store
	ids   *sequence.Sequence
	locks sync.Map // owner -> *sync.Mutex
	now   func() time.Time
}

// New creates a ledger. ids issues investment ids.
func New(st store.Store, ids *sequence.Sequence) *Ledger {
	return &Ledger{
		store: st,
		ids:   ids,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// lock serializes writers of one account. Returns the unlock func.
func (l *Ledger) lock(owner string) func() {
	v, _ := l.locks.LoadOrStore(owner, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Credit adds a deposit, creating the account on first use.
func (l *Ledger) Credit(ctx context.Context, owner string, amount decimal.Decimal, kind DepositKind) (*model.Account, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		metrics.LedgerRejections.WithLabelValues("credit", reason(err)).Inc()
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown deposit kind %q", ErrInvalidAmount, kind)
	}

	defer l.lock(owner)()

	acct, err := l.load(ctx, owner, true)
	if err != nil {
		return nil, err
	}
	acct.Deposited = acct.Deposited.Add(amount)
	acct.Available = acct.Available.Add(amount)

	if err := l.save(ctx, "credit", acct, nil); err != nil {
		return nil, err
	}

	metrics.DepositsTotal.WithLabelValues(string(kind)).Inc()
	slog.Info("deposit credited",
		"owner", owner,
		"kind", kind,
		"amount", amount.String(),
		"available", acct.Available.String(),
	)
	return acct, nil
}

// Reserve moves amount from available to pending and opens a pending
// investment against planID.
func (l *Ledger) Reserve(ctx context.Context, owner string, planID uint64, amount decimal.Decimal) (*model.Investment, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		metrics.LedgerRejections.WithLabelValues("reserve", reason(err)).Inc()
		return nil, err
	}

	defer l.lock(owner)()

	acct, err := l.load(ctx, owner, true)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(acct.Available) {
		metrics.LedgerRejections.WithLabelValues("reserve", "insufficient_balance").Inc()
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientBalance, amount, acct.Available)
	}

	acct.Available = acct.Available.Sub(amount)
	acct.Pending = acct.Pending.Add(amount)

	inv := &model.Investment{
		ID:        l.ids.Next(),
		Owner:     owner,
		PlanID:    planID,
		Amount:    amount,
		Invested:  decimal.Zero,
		State:     model.InvestmentPending,
		CreatedAt: l.now(),
	}
	if err := l.save(ctx, "reserve", acct, inv); err != nil {
		return nil, err
	}

	slog.Info("funds reserved",
		"owner", owner,
		"investment_id", inv.ID,
		"plan_id", planID,
		"amount", amount.String(),
	)
	return inv, nil
}

// Settle closes a pending investment: amount leaves pending, invested is
// added to the invested total and the difference (the truncation
// remainder of the allocation split) returns to available.
func (l *Ledger) Settle(ctx context.Context, owner string, investmentID uint64, amount, invested decimal.Decimal) (*model.Account, error) {
	if err := checkAmount(amount); err != nil {
		metrics.LedgerRejections.WithLabelValues("settle", reason(err)).Inc()
		return nil, err
	}
	if invested.IsNegative() || !invested.IsInteger() || invested.GreaterThan(amount) {
		metrics.LedgerRejections.WithLabelValues("settle", "invalid_settlement").Inc()
		return nil, fmt.Errorf("%w: invested %s, amount %s", ErrInvalidSettlement, invested, amount)
	}

	defer l.lock(owner)()

	inv, err := l.pendingInvestment(ctx, owner, investmentID)
	if err != nil {
		return nil, err
	}
	if !inv.Amount.Equal(amount) {
		return nil, fmt.Errorf("%w: investment %d reserved %s, settling %s", ErrInvestmentState, investmentID, inv.Amount, amount)
	}

	acct, err := l.load(ctx, owner, false)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(acct.Pending) {
		metrics.LedgerRejections.WithLabelValues("settle", "insufficient_pending").Inc()
		return nil, fmt.Errorf("%w: settling %s, pending %s", ErrInsufficientPending, amount, acct.Pending)
	}

	remainder := amount.Sub(invested)
	acct.Pending = acct.Pending.Sub(amount)
	acct.Invested = acct.Invested.Add(invested)
	acct.Available = acct.Available.Add(remainder)

	settled := l.now()
	inv.Invested = invested
	inv.State = model.InvestmentExecuted
	inv.SettledAt = &settled

	if err := l.save(ctx, "settle", acct, inv); err != nil {
		return nil, err
	}

	slog.Info("investment settled",
		"owner", owner,
		"investment_id", investmentID,
		"amount", amount.String(),
		"invested", invested.String(),
		"remainder", remainder.String(),
	)
	return acct, nil
}

// Release returns a pending investment's funds to available and marks it
// expired. Used when a queued entry expires without being executed.
func (l *Ledger) Release(ctx context.Context, owner string, investmentID uint64) (*model.Account, error) {
	defer l.lock(owner)()

	inv, err := l.pendingInvestment(ctx, owner, investmentID)
	if err != nil {
		return nil, err
	}
	acct, err := l.load(ctx, owner, false)
	if err != nil {
		return nil, err
	}
	if inv.Amount.GreaterThan(acct.Pending) {
		return nil, fmt.Errorf("%w: releasing %s, pending %s", ErrInsufficientPending, inv.Amount, acct.Pending)
	}

	acct.Pending = acct.Pending.Sub(inv.Amount)
	acct.Available = acct.Available.Add(inv.Amount)

	closed := l.now()
	inv.State = model.InvestmentExpired
	inv.SettledAt = &closed

	if err := l.save(ctx, "release", acct, inv); err != nil {
		return nil, err
	}

	slog.Info("reservation released", "owner", owner, "investment_id", investmentID, "amount", inv.Amount.String())
	return acct, nil
}

// Account returns a participant's account.
func (l *Ledger) Account(ctx context.Context, owner string) (*model.Account, error) {
	return l.load(ctx, owner, false)
}

// PortfolioValue is available + pending + invested.
func (l *Ledger) PortfolioValue(ctx context.Context, owner string) (decimal.Decimal, error) {
	acct, err := l.load(ctx, owner, false)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.PortfolioValue(), nil
}

// Investment returns an investment by id.
func (l *Ledger) Investment(ctx context.Context, id uint64) (*model.Investment, error) {
	inv, err := l.store.GetInvestment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrInvestmentNotFound, id)
	}
	return inv, err
}

// CheckInvariant reports ErrInvariantViolation when the account breaks
// available + pending + invested <= deposited or holds a negative component.
func CheckInvariant(a *model.Account) error {
	for name, v := range map[string]decimal.Decimal{
		"deposited": a.Deposited,
		"available": a.Available,
		"pending":   a.Pending,
		"invested":  a.Invested,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s is negative (%s) for %s", ErrInvariantViolation, name, v, a.Owner)
		}
	}
	if sum := a.PortfolioValue(); sum.GreaterThan(a.Deposited) {
		return fmt.Errorf("%w: available+pending+invested %s exceeds deposited %s for %s",
			ErrInvariantViolation, sum, a.Deposited, a.Owner)
	}
	return nil
}

// load reads an account. With create set, a missing account starts at zero.
func (l *Ledger) load(ctx context.Context, owner string, create bool) (*model.Account, error) {
	acct, err := l.store.GetAccount(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, owner)
		}
		return &model.Account{Owner: owner}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (l *Ledger) pendingInvestment(ctx context.Context, owner string, id uint64) (*model.Investment, error) {
	inv, err := l.Investment(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Owner != owner {
		return nil, fmt.Errorf("%w: %d belongs to another owner", ErrInvestmentNotFound, id)
	}
	if inv.State != model.InvestmentPending {
		return nil, fmt.Errorf("%w: %d is %s", ErrInvestmentState, id, inv.State)
	}
	return inv, nil
}

// save checks the invariant and persists. A breach aborts the mutation.
func (l *Ledger) save(ctx context.Context, op string, acct *model.Account, inv *model.Investment) error {
	if err := CheckInvariant(acct); err != nil {
		metrics.InvariantViolations.Inc()
		slog.Error("ledger mutation aborted", "op", op, "owner", acct.Owner, "err", err)
		return err
	}
	acct.UpdatedAt = l.now()
	if err := l.store.SaveAccount(ctx, acct, inv); err != nil {
		return fmt.Errorf("%s %s: %w", op, acct.Owner, err)
	}
	return nil
}

func checkOwner(owner string) error {
	if owner == "" {
		return ErrInvalidOwner
	}
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if amount.IsNegative() || !amount.IsInteger() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "other"
	}
}
