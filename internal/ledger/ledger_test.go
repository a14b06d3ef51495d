package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fairvest/execution-engine/internal/model"
	"github.com/fairvest/execution-engine/internal/sequence"
	"github.com/fairvest/execution-engine/internal/store"
)

func d(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return New(ms, sequence.New(0)), ms
}

func assertAccount(t *testing.T, a *model.Account, deposited, available, pending, invested int64) {
	t.Helper()
	if !a.Deposited.Equal(d(deposited)) || !a.Available.Equal(d(available)) ||
		!a.Pending.Equal(d(pending)) || !a.Invested.Equal(d(invested)) {
		t.Fatalf("account = deposited %s available %s pending %s invested %s, want %d/%d/%d/%d",
			a.Deposited, a.Available, a.Pending, a.Invested, deposited, available, pending, invested)
	}
	if err := CheckInvariant(a); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestCredit_CreatesAccount(t *testing.T) {
	l, _ := newTestLedger(t)

	acct, err := l.Credit(context.Background(), "alice", d(10000), DepositBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAccount(t, acct, 10000, 10000, 0, 0)

	acct, _ = l.Credit(context.Background(), "alice", d(500), DepositWrapped)
	assertAccount(t, acct, 10500, 10500, 0, 0)
}

func TestCredit_RejectsBadAmounts(t *testing.T) {
	l, ms := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "alice", decimal.Zero, DepositBase); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
	if _, err := l.Credit(ctx, "alice", d(-5), DepositBase); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if _, err := l.Credit(ctx, "alice", decimal.NewFromFloat(1.5), DepositBase); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for fractional, got %v", err)
	}
	if _, err := l.Credit(ctx, "alice", d(5), "airdrop"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for unknown kind, got %v", err)
	}
	if _, err := ms.GetAccount(ctx, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Error("rejected credits must not create the account")
	}
}

func TestReserveSettle_RoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.Credit(ctx, "alice", d(10000), DepositBase)

	inv, err := l.Reserve(ctx, "alice", 1, d(8000))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if inv.ID != 1 || inv.State != model.InvestmentPending {
		t.Errorf("unexpected investment %+v", inv)
	}
	acct, _ := l.Account(ctx, "alice")
	assertAccount(t, acct, 10000, 2000, 8000, 0)

	acct, err = l.Settle(ctx, "alice", inv.ID, d(8000), d(8000))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	assertAccount(t, acct, 10000, 2000, 0, 8000)

	stored, _ := l.Investment(ctx, inv.ID)
	if stored.State != model.InvestmentExecuted || !stored.Invested.Equal(d(8000)) {
		t.Errorf("investment not marked executed: %+v", stored)
	}
}

func TestSettle_RemainderReturnsToAvailable(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.Credit(ctx, "alice", d(100), DepositBase)
	inv, _ := l.Reserve(ctx, "alice", 1, d(99))

	acct, err := l.Settle(ctx, "alice", inv.ID, d(99), d(97))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	assertAccount(t, acct, 100, 3, 0, 97)
}

func TestReserve_InsufficientBalanceDoesNotMutate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.Credit(ctx, "alice", d(100), DepositBase)

	_, err := l.Reserve(ctx, "alice", 1, d(101))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	acct, _ := l.Account(ctx, "alice")
	assertAccount(t, acct, 100, 100, 0, 0)

	if _, err := l.Reserve(ctx, "bob", 1, d(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance for unknown owner, got %v", err)
	}
	if _, err := l.Reserve(ctx, "alice", 1, decimal.Zero); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
}

func TestSettle_Rejections(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.Credit(ctx, "alice", d(100), DepositBase)
	inv, _ := l.Reserve(ctx, "alice", 1, d(50))

	if _, err := l.Settle(ctx, "alice", inv.ID, d(50), d(51)); !errors.Is(err, ErrInvalidSettlement) {
		t.Errorf("expected ErrInvalidSettlement, got %v", err)
	}
	if _, err := l.Settle(ctx, "alice", inv.ID, d(40), d(40)); !errors.Is(err, ErrInvestmentState) {
		t.Errorf("expected ErrInvestmentState for amount mismatch, got %v", err)
	}
	if _, err := l.Settle(ctx, "bob", inv.ID, d(50), d(50)); !errors.Is(err, ErrInvestmentNotFound) {
		t.Errorf("expected ErrInvestmentNotFound for wrong owner, got %v", err)
	}
	if _, err := l.Settle(ctx, "alice", 999, d(50), d(50)); !errors.Is(err, ErrInvestmentNotFound) {
		t.Errorf("expected ErrInvestmentNotFound, got %v", err)
	}

	if _, err := l.Settle(ctx, "alice", inv.ID, d(50), d(50)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := l.Settle(ctx, "alice", inv.ID, d(50), d(50)); !errors.Is(err, ErrInvestmentState) {
		t.Errorf("expected ErrInvestmentState on double settle, got %v", err)
	}
	acct, _ := l.Account(ctx, "alice")
	assertAccount(t, acct, 100, 50, 0, 50)
}

func TestRelease_ReturnsPending(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.Credit(ctx, "alice", d(100), DepositBase)
	inv, _ := l.Reserve(ctx, "alice", 1, d(60))

	acct, err := l.Release(ctx, "alice", inv.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	assertAccount(t, acct, 100, 100, 0, 0)

	stored, _ := l.Investment(ctx, inv.ID)
	if stored.State != model.InvestmentExpired {
		t.Errorf("expected expired investment, got %s", stored.State)
	}
	if _, err := l.Release(ctx, "alice", inv.ID); !errors.Is(err, ErrInvestmentState) {
		t.Errorf("expected ErrInvestmentState on double release, got %v", err)
	}
}

func TestCheckInvariant(t *testing.T) {
	ok := &model.Account{Owner: "a", Deposited: d(10), Available: d(3), Pending: d(3), Invested: d(3)}
	if err := CheckInvariant(ok); err != nil {
		t.Errorf("expected invariant to hold, got %v", err)
	}

	over := &model.Account{Owner: "a", Deposited: d(10), Available: d(5), Pending: d(5), Invested: d(1)}
	if err := CheckInvariant(over); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation, got %v", err)
	}

	negative := &model.Account{Owner: "a", Deposited: d(10), Available: d(-1)}
	if err := CheckInvariant(negative); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation for negative, got %v", err)
	}
}

func TestPortfolioValue(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.Credit(ctx, "alice", d(1000), DepositBase)
	inv, _ := l.Reserve(ctx, "alice", 1, d(400))
	l.Reserve(ctx, "alice", 1, d(100))
	l.Settle(ctx, "alice", inv.ID, d(400), d(398))

	v, err := l.PortfolioValue(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Equal(d(1000)) {
		t.Errorf("expected portfolio value 1000, got %s", v)
	}

	if _, err := l.PortfolioValue(ctx, "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestConcurrentReserves_NeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.Credit(ctx, "alice", d(1000), DepositBase)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "alice", 1, d(30)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 1000 / 30 = 33 reservations fit.
	if succeeded != 33 {
		t.Errorf("expected 33 successful reserves, got %d", succeeded)
	}
	acct, _ := l.Account(ctx, "alice")
	assertAccount(t, acct, 1000, 10, 990, 0)
}

func TestBatchCredit_SkipsFailingEntry(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	results := l.BatchCredit(ctx, []CreditEntry{
		{Owner: "alice", Amount: d(100), Kind: DepositBase},
		{Owner: "bob", Amount: decimal.Zero, Kind: DepositBase},
		{Owner: "carol", Amount: d(300), Kind: DepositWrapped},
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Code != CodeOK || results[1].Code != CodeZeroAmount || results[2].Code != CodeOK {
		t.Errorf("unexpected codes: %v %v %v", results[0].Code, results[1].Code, results[2].Code)
	}

	alice, _ := l.Account(ctx, "alice")
	assertAccount(t, alice, 100, 100, 0, 0)
	carol, _ := l.Account(ctx, "carol")
	assertAccount(t, carol, 300, 300, 0, 0)
	if _, err := l.Account(ctx, "bob"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("failed entry must not create bob's account, got %v", err)
	}
}

func TestBatchSettle_PerEntryResults(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.Credit(ctx, "alice", d(1000), DepositBase)
	a, _ := l.Reserve(ctx, "alice", 1, d(200))
	b, _ := l.Reserve(ctx, "alice", 1, d(300))

	results := l.BatchSettle(ctx, []SettleEntry{
		{Owner: "alice", InvestmentID: a.ID, Amount: d(200), Invested: d(200)},
		{Owner: "alice", InvestmentID: 77, Amount: d(10), Invested: d(10)},
		{Owner: "alice", InvestmentID: b.ID, Amount: d(300), Invested: d(400)},
		{Owner: "alice", InvestmentID: b.ID, Amount: d(300), Invested: d(299)},
	})

	want := []ResultCode{CodeOK, CodeNotFound, CodeInvalidSettlement, CodeOK}
	for i, r := range results {
		if r.Code != want[i] {
			t.Errorf("entry %d: expected %s, got %s (%s)", i, want[i], r.Code, r.Message)
		}
	}
	acct, _ := l.Account(ctx, "alice")
	assertAccount(t, acct, 1000, 501, 0, 499)
}
