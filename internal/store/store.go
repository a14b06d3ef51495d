// Package store defines the persistence interface for the execution engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/fairvest/execution-engine/internal/apperrors"
	"github.com/fairvest/execution-engine/internal/model"
)

// ErrNotFound is returned by every lookup that finds no row.
var ErrNotFound = apperrors.New(apperrors.KindNotFound, "store: not found")

// LastIDs holds the highest persisted id per sequence, used to restore the
// in-process generators on startup.
type LastIDs struct {
	Plan       uint64
	Investment uint64
	Queue      uint64
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Plans ---

	// CreatePlan persists a new plan.
	CreatePlan(ctx context.Context, p *model.Plan) error

	// UpdatePlan overwrites allocations, score, active flag and UpdatedAt.
	UpdatePlan(ctx context.Context, p *model.Plan) error

	// GetPlan retrieves a plan by id.
	GetPlan(ctx context.Context, id uint64) (*model.Plan, error)

	// ListPlans returns every plan ordered by id.
	ListPlans(ctx context.Context) ([]model.Plan, error)

	// --- Ledger ---

	// GetAccount returns ErrNotFound for owners that never deposited.
	GetAccount(ctx context.Context, owner string) (*model.Account, error)

	// SaveAccount upserts the account and, when inv is non-nil, upserts the
	// investment in the same transaction.
	SaveAccount(ctx context.Context, acct *model.Account, inv *model.Investment) error

	// GetInvestment retrieves an investment by id.
	GetInvestment(ctx context.Context, id uint64) (*model.Investment, error)

	// ListInvestmentsByOwner returns an owner's investments ordered by id.
	ListInvestmentsByOwner(ctx context.Context, owner string) ([]model.Investment, error)

	// --- Immutable fills ---

	// InsertFills appends immutable per-allocation delivery records.
	InsertFills(ctx context.Context, fills []model.Fill) error

	// GetFillsByInvestment returns the fills of one investment.
	GetFillsByInvestment(ctx context.Context, investmentID uint64) ([]model.Fill, error)

	// GetHoldings aggregates an owner's fills per output asset.
	GetHoldings(ctx context.Context, owner string) ([]model.Holding, error)

	// --- Fair queue ---

	// InsertQueueEntry persists a new queued entry.
	InsertQueueEntry(ctx context.Context, e *model.QueueEntry) error

	// GetQueueEntry retrieves a queue entry by id.
	GetQueueEntry(ctx context.Context, id uint64) (*model.QueueEntry, error)

	// TransitionQueueEntry moves an entry from one status to another as an
	// atomic compare-and-set. It reports false when the entry was not in
	// the from status, which is how concurrent batches lose the race.
	TransitionQueueEntry(ctx context.Context, id uint64, from, to model.QueueStatus, at time.Time) (bool, error)

	// ListQueueEntries returns entries with the status enqueued strictly
	// before the cutoff, ordered by id.
	ListQueueEntries(ctx context.Context, status model.QueueStatus, before time.Time) ([]model.QueueEntry, error)

	// CountQueueEntries counts entries with the status.
	CountQueueEntries(ctx context.Context, status model.QueueStatus) (int, error)

	// --- Sequences ---

	// LastIDs returns the highest persisted id of each sequence.
	LastIDs(ctx context.Context) (LastIDs, error)
}
