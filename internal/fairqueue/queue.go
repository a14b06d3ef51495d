// Package fairqueue defers investments into a queue bound to commit-reveal
// randomness and executes them in batches whose order comes from the
// revealed value, so submission order gives no execution advantage.
package fairqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fairvest/execution-engine/internal/apperrors"
	"github.com/fairvest/execution-engine/internal/events"
	"github.com/fairvest/execution-engine/internal/execution"
	"github.com/fairvest/execution-engine/internal/ledger"
	"github.com/fairvest/execution-engine/internal/metrics"
	"github.com/fairvest/execution-engine/internal/model"
	"github.com/fairvest/execution-engine/internal/randomness"
	"github.com/fairvest/execution-engine/internal/sequence"
	"github.com/fairvest/execution-engine/internal/store"
)

var (
	ErrQueueFull        = apperrors.New(apperrors.KindConflict, "fairqueue: queue is full")
	ErrInvalidBatchSize = apperrors.New(apperrors.KindValidation, "fairqueue: invalid batch size")
	ErrEntryNotFound    = apperrors.New(apperrors.KindNotFound, "fairqueue: queue entry not found")
)

// EntryStatus is the per-id outcome inside a batch.
type EntryStatus string

const (
	EntryExecuted        EntryStatus = "executed"
	EntryDuplicate       EntryStatus = "duplicate"
	EntryUnknown         EntryStatus = "unknown"
	EntryAlreadyExecuted EntryStatus = "already_executed"
	EntryExpired         EntryStatus = "expired"
	EntryRevealNotReady  EntryStatus = "reveal_not_ready"
	EntryRevealLost      EntryStatus = "reveal_unavailable"
	EntryFailed          EntryStatus = "error"
)

// Config bounds the queue.
type Config struct {
	MaxOutstanding int           // 0 means unbounded
	MaxBatchSize   int           // must be >= 1
	EntryTTL       time.Duration // 0 disables expiry
}

// EntryResult reports one queue id of a batch.
type EntryResult struct {
	QueueID      uint64          `json:"queue_id"`
	Status       EntryStatus     `json:"status"`
	InvestmentID uint64          `json:"investment_id,omitempty"`
	Invested     decimal.Decimal `json:"invested,omitzero"`
	Message      string          `json:"message,omitempty"`
}

// BatchResult is the outcome of one ExecuteBatch call. Entries follow the
// execution order; Skipped follows the order ids were submitted in.
type BatchResult struct {
	BatchID       string        `json:"batch_id"`
	AnchorQueueID uint64        `json:"anchor_queue_id"`
	Seed          string        `json:"seed"`
	Order         []uint64      `json:"order"`
	Entries       []EntryResult `json:"entries"`
	Skipped       []EntryResult `json:"skipped"`
	InvestmentIDs []uint64      `json:"investment_ids"`
}

// Queue is the fair execution queue. Safe for concurrent use.
type Queue struct {
	cfg       Config
	store     store.Store
	plans     execution.Plans
	ledger    *ledger.Ledger
	engine    *execution.Engine
	provider  randomness.Provider
	ids       *sequence.Sequence
	publisher events.Publisher
	now       func() time.Time

	// admit serializes the outstanding-size check with the insert.
	admit sync.Mutex
}

// New creates a queue. ids issues queue ids; publisher may be nil.
func New(cfg Config, st store.Store, plans execution.Plans, engine *execution.Engine, provider randomness.Provider, ids *sequence.Sequence, publisher events.Publisher) *Queue {
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 1
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Queue{
		cfg:       cfg,
		store:     st,
		plans:     plans,
		ledger:    engine.Ledger(),
		engine:    engine,
		provider:  provider,
		ids:       ids,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the queue bounds.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue reserves amount for planID and binds the request to a fresh
// randomness commitment keyed by userSeed.
func (q *Queue) Enqueue(ctx context.Context, owner string, amount decimal.Decimal, planID uint64, userSeed common.Hash) (*model.QueueEntry, error) {
	if _, err := q.plans.Active(ctx, planID); err != nil {
		return nil, err
	}

	q.admit.Lock()
	defer q.admit.Unlock()

	if q.cfg.MaxOutstanding > 0 {
		n, err := q.store.CountQueueEntries(ctx, model.QueueQueued)
		if err != nil {
			return nil, fmt.Errorf("count outstanding: %w", err)
		}
		if n >= q.cfg.MaxOutstanding {
			return nil, fmt.Errorf("%w: %d outstanding", ErrQueueFull, n)
		}
	}

	inv, err := q.ledger.Reserve(ctx, owner, planID, amount)
	if err != nil {
		return nil, err
	}

	c, err := q.provider.OpenCommitment(ctx, userSeed)
	if err != nil {
		q.unwind(ctx, inv)
		return nil, err
	}

	e := &model.QueueEntry{
		ID:             q.ids.Next(),
		Owner:          owner,
		PlanID:         planID,
		Amount:         amount,
		InvestmentID:   inv.ID,
		Handle:         c.Handle,
		UserCommitment: c.UserCommitment.Hex(),
		Status:         model.QueueQueued,
		EnqueuedAt:     q.now(),
	}
	if err := q.store.InsertQueueEntry(ctx, e); err != nil {
		q.unwind(ctx, inv)
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}

	metrics.QueueOutstanding.Inc()
	metrics.QueueEntriesTotal.WithLabelValues(string(model.QueueQueued)).Inc()
	slog.Info("investment queued",
		"queue_id", e.ID,
		"owner", owner,
		"plan_id", planID,
		"amount", amount.String(),
		"handle", c.Handle,
	)

	evt := events.New(events.QueueEnqueued, e)
	evt.Owner, evt.PlanID, evt.InvestmentID, evt.QueueID = owner, planID, inv.ID, e.ID
	q.publish(ctx, evt)
	return e, nil
}

// unwind returns the funds of a reservation whose enqueue did not finish.
func (q *Queue) unwind(ctx context.Context, inv *model.Investment) {
	if _, err := q.ledger.Release(ctx, inv.Owner, inv.ID); err != nil {
		slog.Error("failed to release reservation of aborted enqueue",
			"investment_id", inv.ID,
			"owner", inv.Owner,
			"err", err,
		)
	}
}

// ExecuteBatch executes queued entries in an order derived from the
// revealed randomness of the batch's anchor, the lowest queue id that is
// executable. userSeed must be the seed committed for that entry.
//
// Ids that are duplicated, unknown, closed or whose own commitment is not
// yet revealable are skipped and reported; the rest run. A reveal failure
// of the anchor aborts the call before any entry is touched.
func (q *Queue) ExecuteBatch(ctx context.Context, queueIDs []uint64, userSeed common.Hash) (*BatchResult, error) {
	if n := len(queueIDs); n < 1 || n > q.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d ids, allowed 1..%d", ErrInvalidBatchSize, n, q.cfg.MaxBatchSize)
	}
	start := time.Now()
	metrics.BatchSize.Observe(float64(len(queueIDs)))

	result := &BatchResult{BatchID: uuid.NewString()}
	candidates, err := q.classify(ctx, queueIDs, result)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		for _, s := range result.Skipped {
			if s.Status == EntryRevealNotReady {
				metrics.RevealFailures.WithLabelValues("not_ready").Inc()
				return nil, fmt.Errorf("%w: no entry in the batch is revealable yet", randomness.ErrRevealNotReady)
			}
		}
		q.finish(ctx, result, start)
		return result, nil
	}

	ids := make([]uint64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	anchor := candidates[ids[0]]

	seed, err := q.provider.Reveal(ctx, anchor.Handle, userSeed)
	if err != nil {
		metrics.RevealFailures.WithLabelValues(revealReason(err)).Inc()
		slog.Warn("batch reveal failed", "batch_id", result.BatchID, "anchor_queue_id", anchor.ID, "err", err)
		return nil, err
	}

	result.AnchorQueueID = anchor.ID
	result.Seed = seed.Hex()
	result.Order = Permute(ids, seed)

	for _, id := range result.Order {
		r := q.executeEntry(ctx, candidates[id])
		result.Entries = append(result.Entries, r)
		if r.Status == EntryExecuted {
			result.InvestmentIDs = append(result.InvestmentIDs, r.InvestmentID)
		}
	}

	q.finish(ctx, result, start)
	return result, nil
}

// classify splits the submitted ids into executable entries and skips.
func (q *Queue) classify(ctx context.Context, queueIDs []uint64, result *BatchResult) (map[uint64]*model.QueueEntry, error) {
	candidates := make(map[uint64]*model.QueueEntry, len(queueIDs))
	seen := make(map[uint64]bool, len(queueIDs))
	skip := func(id uint64, status EntryStatus, msg string) {
		result.Skipped = append(result.Skipped, EntryResult{QueueID: id, Status: status, Message: msg})
		metrics.QueueEntriesTotal.WithLabelValues(string(status)).Inc()
	}

	for _, id := range queueIDs {
		if seen[id] {
			skip(id, EntryDuplicate, "")
			continue
		}
		seen[id] = true

		e, err := q.store.GetQueueEntry(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			skip(id, EntryUnknown, "")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load queue entry %d: %w", id, err)
		}

		switch e.Status {
		case model.QueueExecuted:
			skip(id, EntryAlreadyExecuted, "")
			continue
		case model.QueueExpired:
			skip(id, EntryExpired, "")
			continue
		case model.QueueFailed:
			skip(id, EntryFailed, "execution failed earlier, funds released")
			continue
		}

		if err := q.provider.Ready(ctx, e.Handle); err != nil {
			if errors.Is(err, randomness.ErrRevealNotReady) {
				skip(id, EntryRevealNotReady, err.Error())
				continue
			}
			if errors.Is(err, randomness.ErrUnknownHandle) {
				// The provider no longer holds this commitment; the
				// sweeper expires the entry and returns its funds.
				skip(id, EntryRevealLost, err.Error())
				continue
			}
			return nil, fmt.Errorf("queue entry %d: %w", id, err)
		}
		candidates[id] = e
	}
	return candidates, nil
}

// executeEntry claims one entry and runs its investment. The claim makes
// the side effects happen at most once even across concurrent batches.
func (q *Queue) executeEntry(ctx context.Context, e *model.QueueEntry) EntryResult {
	r := EntryResult{QueueID: e.ID, InvestmentID: e.InvestmentID}

	claimed, err := q.store.TransitionQueueEntry(ctx, e.ID, model.QueueQueued, model.QueueExecuted, q.now())
	switch {
	case err != nil:
		r.Status, r.Message = EntryFailed, err.Error()
	case !claimed:
		// Another batch or the sweeper closed it after classification.
		r.Status = EntryAlreadyExecuted
	}
	if r.Status != "" {
		metrics.QueueEntriesTotal.WithLabelValues(string(r.Status)).Inc()
		return r
	}
	metrics.QueueOutstanding.Dec()

	inv, err := q.ledger.Investment(ctx, e.InvestmentID)
	if err == nil {
		var report *execution.Report
		report, err = q.engine.Execute(ctx, inv, execution.PathQueued)
		if err == nil {
			r.Status = EntryExecuted
			r.Invested = report.Investment.Invested
		}
	}
	if err != nil {
		r.Status, r.Message = EntryFailed, err.Error()
		slog.Error("claimed queue entry failed to execute",
			"queue_id", e.ID,
			"investment_id", e.InvestmentID,
			"err", err,
		)
		q.abandon(ctx, e)
	}
	metrics.QueueEntriesTotal.WithLabelValues(string(r.Status)).Inc()
	return r
}

// abandon undoes a claim whose execution failed before settling: the
// reservation returns to available and the entry moves to failed. An
// investment that did settle keeps its entry executed.
func (q *Queue) abandon(ctx context.Context, e *model.QueueEntry) {
	inv, err := q.ledger.Investment(ctx, e.InvestmentID)
	if err != nil {
		slog.Error("failed entry left claimed", "queue_id", e.ID, "err", err)
		return
	}
	if inv.State != model.InvestmentPending {
		return
	}
	if _, err := q.ledger.Release(ctx, e.Owner, e.InvestmentID); err != nil {
		slog.Error("failed entry not released", "queue_id", e.ID, "investment_id", e.InvestmentID, "err", err)
		return
	}
	if _, err := q.store.TransitionQueueEntry(ctx, e.ID, model.QueueExecuted, model.QueueFailed, q.now()); err != nil {
		slog.Error("failed entry status not recorded", "queue_id", e.ID, "err", err)
		return
	}
	slog.Warn("queue entry failed, reservation released",
		"queue_id", e.ID,
		"owner", e.Owner,
		"amount", e.Amount.String(),
	)
}

func (q *Queue) finish(ctx context.Context, result *BatchResult, start time.Time) {
	metrics.BatchLatency.Observe(time.Since(start).Seconds())
	slog.Info("batch executed",
		"batch_id", result.BatchID,
		"anchor_queue_id", result.AnchorQueueID,
		"executed", len(result.InvestmentIDs),
		"skipped", len(result.Skipped),
	)
	q.publish(ctx, events.New(events.BatchExecuted, result))
}

// ExpireStale closes queued entries enqueued more than EntryTTL before now
// and returns their reserved funds. It returns the number expired.
func (q *Queue) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	if q.cfg.EntryTTL <= 0 {
		return 0, nil
	}
	stale, err := q.store.ListQueueEntries(ctx, model.QueueQueued, now.Add(-q.cfg.EntryTTL))
	if err != nil {
		return 0, fmt.Errorf("list stale entries: %w", err)
	}

	expired := 0
	for i := range stale {
		e := &stale[i]
		claimed, err := q.store.TransitionQueueEntry(ctx, e.ID, model.QueueQueued, model.QueueExpired, now)
		if err != nil {
			return expired, fmt.Errorf("expire queue entry %d: %w", e.ID, err)
		}
		if !claimed {
			continue
		}
		metrics.QueueOutstanding.Dec()
		metrics.QueueEntriesTotal.WithLabelValues(string(model.QueueExpired)).Inc()

		if _, err := q.ledger.Release(ctx, e.Owner, e.InvestmentID); err != nil {
			slog.Error("expired entry not released", "queue_id", e.ID, "investment_id", e.InvestmentID, "err", err)
			return expired, fmt.Errorf("release queue entry %d: %w", e.ID, err)
		}
		expired++

		slog.Info("queue entry expired", "queue_id", e.ID, "owner", e.Owner, "amount", e.Amount.String())
		evt := events.New(events.QueueExpired, e)
		evt.Owner, evt.PlanID, evt.InvestmentID, evt.QueueID = e.Owner, e.PlanID, e.InvestmentID, e.ID
		q.publish(ctx, evt)
	}
	return expired, nil
}

// Status returns a queue entry.
func (q *Queue) Status(ctx context.Context, queueID uint64) (*model.QueueEntry, error) {
	e, err := q.store.GetQueueEntry(ctx, queueID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, queueID)
	}
	return e, err
}

// Outstanding counts queued entries.
func (q *Queue) Outstanding(ctx context.Context) (int, error) {
	return q.store.CountQueueEntries(ctx, model.QueueQueued)
}

// SyncMetrics sets the outstanding gauge from the store. Called on startup.
func (q *Queue) SyncMetrics(ctx context.Context) error {
	n, err := q.Outstanding(ctx)
	if err != nil {
		return err
	}
	metrics.QueueOutstanding.Set(float64(n))
	return nil
}

func (q *Queue) publish(ctx context.Context, evt events.Event) {
	if err := q.publisher.Publish(ctx, evt); err != nil {
		slog.Warn("event publish failed", "type", evt.Type, "err", err)
	}
}

func revealReason(err error) string {
	switch {
	case errors.Is(err, randomness.ErrRevealNotReady):
		return "not_ready"
	case errors.Is(err, randomness.ErrSeedMismatch):
		return "seed_mismatch"
	case errors.Is(err, randomness.ErrUnknownHandle):
		return "unknown_handle"
	default:
		return "other"
	}
}
