package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fairvest/execution-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Plans ---

func (s *PostgresStore) CreatePlan(ctx context.Context, p *model.Plan) error {
	allocs, err := json.Marshal(p.Allocations)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO plans (id, category, name, allocations, risk_score, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, string(p.Category), p.Name, allocs, p.RiskScore, p.IsActive, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdatePlan(ctx context.Context, p *model.Plan) error {
	allocs, err := json.Marshal(p.Allocations)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE plans
		 SET allocations = $2, risk_score = $3, is_active = $4, updated_at = $5
		 WHERE id = $1`,
		p.ID, allocs, p.RiskScore, p.IsActive, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const planColumns = `id, category, name, allocations, risk_score, is_active, created_at, updated_at`

func (s *PostgresStore) GetPlan(ctx context.Context, id uint64) (*model.Plan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	p, err := scanPlan(row)
	if err != nil {
		return nil, fmt.Errorf("get plan %d: %w", id, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]model.Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func scanPlan(row pgx.Row) (*model.Plan, error) {
	var p model.Plan
	var category string
	var allocs []byte
	if err := row.Scan(&p.ID, &category, &p.Name, &allocs, &p.RiskScore, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Category = model.Category(category)
	if err := json.Unmarshal(allocs, &p.Allocations); err != nil {
		return nil, fmt.Errorf("decode allocations of plan %d: %w", p.ID, err)
	}
	return &p, nil
}

// --- Ledger ---

func (s *PostgresStore) GetAccount(ctx context.Context, owner string) (*model.Account, error) {
	var a model.Account
	var dep, avail, pend, inv string
	err := s.pool.QueryRow(ctx,
		`SELECT owner, total_deposited::TEXT, available_balance::TEXT,
		        pending_investment::TEXT, total_invested::TEXT, updated_at
		 FROM accounts WHERE owner = $1`, owner).
		Scan(&a.Owner, &dep, &avail, &pend, &inv, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", owner, notFound(err))
	}
	a.Deposited, _ = decimal.NewFromString(dep)
	a.Available, _ = decimal.NewFromString(avail)
	a.Pending, _ = decimal.NewFromString(pend)
	a.Invested, _ = decimal.NewFromString(inv)
	return &a, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, acct *model.Account, inv *model.Investment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (owner, total_deposited, available_balance, pending_investment, total_invested, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (owner) DO UPDATE
		 SET total_deposited = EXCLUDED.total_deposited,
		     available_balance = EXCLUDED.available_balance,
		     pending_investment = EXCLUDED.pending_investment,
		     total_invested = EXCLUDED.total_invested,
		     updated_at = EXCLUDED.updated_at`,
		acct.Owner, acct.Deposited.String(), acct.Available.String(),
		acct.Pending.String(), acct.Invested.String(), acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", acct.Owner, err)
	}

	if inv != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO investments (id, owner, plan_id, amount, invested, state, created_at, settled_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE
			 SET invested = EXCLUDED.invested, state = EXCLUDED.state, settled_at = EXCLUDED.settled_at`,
			inv.ID, inv.Owner, inv.PlanID, inv.Amount.String(), inv.Invested.String(),
			string(inv.State), inv.CreatedAt, inv.SettledAt,
		)
		if err != nil {
			return fmt.Errorf("save investment %d: %w", inv.ID, err)
		}
	}

	return tx.Commit(ctx)
}

const investmentColumns = `id, owner, plan_id, amount::TEXT, invested::TEXT, state, created_at, settled_at`

func (s *PostgresStore) GetInvestment(ctx context.Context, id uint64) (*model.Investment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE id = $1`, id)
	inv, err := scanInvestment(row)
	if err != nil {
		return nil, fmt.Errorf("get investment %d: %w", id, notFound(err))
	}
	return inv, nil
}

func (s *PostgresStore) ListInvestmentsByOwner(ctx context.Context, owner string) ([]model.Investment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+investmentColumns+` FROM investments WHERE owner = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inv)
	}
	return result, rows.Err()
}

func scanInvestment(row pgx.Row) (*model.Investment, error) {
	var inv model.Investment
	var amount, invested, state string
	if err := row.Scan(&inv.ID, &inv.Owner, &inv.PlanID, &amount, &invested, &state, &inv.CreatedAt, &inv.SettledAt); err != nil {
		return nil, err
	}
	inv.Amount, _ = decimal.NewFromString(amount)
	inv.Invested, _ = decimal.NewFromString(invested)
	inv.State = model.InvestmentState(state)
	return &inv, nil
}

// --- Fills ---

func (s *PostgresStore) InsertFills(ctx context.Context, fills []model.Fill) error {
	batch := &pgx.Batch{}
	for _, f := range fills {
		batch.Queue(
			`INSERT INTO fills (id, investment_id, owner, plan_id, asset_class, target_asset, output_asset,
			                    amount_in, amount_out, branch, failure, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
			f.ID, f.InvestmentID, f.Owner, f.PlanID, string(f.AssetClass), f.TargetAsset, f.OutputAsset,
			f.AmountIn.String(), f.AmountOut.String(), string(f.Branch), f.Failure, f.Timestamp,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) GetFillsByInvestment(ctx context.Context, investmentID uint64) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, investment_id, owner, plan_id, asset_class, target_asset, output_asset,
		        amount_in::TEXT, amount_out::TEXT, branch, failure, timestamp
		 FROM fills WHERE investment_id = $1 ORDER BY timestamp`, investmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var class, branch, in, out string
		if err := rows.Scan(&f.ID, &f.InvestmentID, &f.Owner, &f.PlanID, &class, &f.TargetAsset, &f.OutputAsset,
			&in, &out, &branch, &f.Failure, &f.Timestamp); err != nil {
			return nil, err
		}
		f.AssetClass = model.AssetClass(class)
		f.Branch = model.Branch(branch)
		f.AmountIn, _ = decimal.NewFromString(in)
		f.AmountOut, _ = decimal.NewFromString(out)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) GetHoldings(ctx context.Context, owner string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT output_asset,
		        COALESCE(SUM(amount_out), 0)::TEXT AS amount,
		        COALESCE(SUM(amount_in), 0)::TEXT  AS cost_basis
		 FROM fills
		 WHERE owner = $1
		 GROUP BY output_asset
		 ORDER BY output_asset`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var amount, cost string
		if err := rows.Scan(&h.Asset, &amount, &cost); err != nil {
			return nil, err
		}
		h.Amount, _ = decimal.NewFromString(amount)
		h.CostBasis, _ = decimal.NewFromString(cost)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// --- Fair queue ---

func (s *PostgresStore) InsertQueueEntry(ctx context.Context, e *model.QueueEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_entries (id, owner, plan_id, amount, investment_id, commitment_handle,
		                            user_commitment, status, enqueued_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9)`,
		e.ID, e.Owner, e.PlanID, e.Amount.String(), e.InvestmentID, e.Handle,
		e.UserCommitment, string(e.Status), e.EnqueuedAt,
	)
	return err
}

const queueColumns = `id, owner, plan_id, amount::TEXT, investment_id, commitment_handle,
	user_commitment, status, enqueued_at, closed_at`

func (s *PostgresStore) GetQueueEntry(ctx context.Context, id uint64) (*model.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_entries WHERE id = $1`, id)
	e, err := scanQueueEntry(row)
	if err != nil {
		return nil, fmt.Errorf("get queue entry %d: %w", id, notFound(err))
	}
	return e, nil
}

// TransitionQueueEntry relies on the row-level conditional update, so two
// instances racing on the same id cannot both win.
func (s *PostgresStore) TransitionQueueEntry(ctx context.Context, id uint64, from, to model.QueueStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_entries SET status = $3, closed_at = $4
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Distinguish a lost race from an unknown id.
	if _, err := s.GetQueueEntry(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ListQueueEntries(ctx context.Context, status model.QueueStatus, before time.Time) ([]model.QueueEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+queueColumns+` FROM queue_entries
		 WHERE status = $1 AND enqueued_at < $2 ORDER BY id`, string(status), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) CountQueueEntries(ctx context.Context, status model.QueueStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

func scanQueueEntry(row pgx.Row) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var amount, status string
	if err := row.Scan(&e.ID, &e.Owner, &e.PlanID, &amount, &e.InvestmentID, &e.Handle,
		&e.UserCommitment, &status, &e.EnqueuedAt, &e.ClosedAt); err != nil {
		return nil, err
	}
	e.Amount, _ = decimal.NewFromString(amount)
	e.Status = model.QueueStatus(status)
	return &e, nil
}

func (s *PostgresStore) LastIDs(ctx context.Context) (LastIDs, error) {
	var ids LastIDs
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COALESCE(MAX(id), 0) FROM plans),
		        (SELECT COALESCE(MAX(id), 0) FROM investments),
		        (SELECT COALESCE(MAX(id), 0) FROM queue_entries)`).
		Scan(&ids.Plan, &ids.Investment, &ids.Queue)
	return ids, err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
