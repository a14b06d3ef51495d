package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ResultCode is the per-entry outcome of a batch call.
type ResultCode string

const (
	CodeOK                  ResultCode = "ok"
	CodeZeroAmount          ResultCode = "zero_amount"
	CodeInvalidAmount       ResultCode = "invalid_amount"
	CodeInvalidSettlement   ResultCode = "invalid_settlement"
	CodeInsufficientPending ResultCode = "insufficient_pending"
	CodeNotFound            ResultCode = "not_found"
	CodeInvalidState        ResultCode = "invalid_state"
	CodeInvariantViolation  ResultCode = "invariant_violation"
	CodeError               ResultCode = "error"
)

// Result reports one batch entry. Failed entries are skipped, never
// dropped: every input index gets exactly one result.
type Result struct {
	Index   int        `json:"index"`
	Code    ResultCode `json:"code"`
	Message string     `json:"message,omitempty"`
	Err     error      `json:"-"`
}

// CreditEntry is one deposit in a BatchCredit call.
type CreditEntry struct {
	Owner  string          `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
	Kind   DepositKind     `json:"kind"`
}

// SettleEntry is one settlement in a BatchSettle call.
type SettleEntry struct {
	Owner        string          `json:"owner"`
	InvestmentID uint64          `json:"investment_id"`
	Amount       decimal.Decimal `json:"amount"`
	Invested     decimal.Decimal `json:"invested"`
}

// BatchCredit applies each deposit independently. An entry failing
// validation leaves every other entry's effect in place.
func (l *Ledger) BatchCredit(ctx context.Context, entries []CreditEntry) []Result {
	results := make([]Result, len(entries))
	for i, e := range entries {
		_, err := l.Credit(ctx, e.Owner, e.Amount, e.Kind)
		results[i] = newResult(i, err)
	}
	return results
}

// BatchSettle applies each settlement independently.
func (l *Ledger) BatchSettle(ctx context.Context, entries []SettleEntry) []Result {
	results := make([]Result, len(entries))
	for i, e := range entries {
		_, err := l.Settle(ctx, e.Owner, e.InvestmentID, e.Amount, e.Invested)
		results[i] = newResult(i, err)
	}
	return results
}

func newResult(i int, err error) Result {
	r := Result{Index: i, Code: codeFor(err), Err: err}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

func codeFor(err error) ResultCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrZeroAmount):
		return CodeZeroAmount
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidOwner):
		return CodeInvalidAmount
	case errors.Is(err, ErrInvalidSettlement):
		return CodeInvalidSettlement
	case errors.Is(err, ErrInsufficientPending):
		return CodeInsufficientPending
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrInvestmentNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvestmentState):
		return CodeInvalidState
	case errors.Is(err, ErrInvariantViolation):
		return CodeInvariantViolation
	default:
		return CodeError
	}
}
