// Package api exposes the execution engine over HTTP/JSON.
//
// All monetary values use shopspring/decimal; never float64 for money.
// Amounts may be sent as JSON strings or integers of base units.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fairvest/execution-engine/internal/apperrors"
	"github.com/fairvest/execution-engine/internal/events"
	"github.com/fairvest/execution-engine/internal/execution"
	"github.com/fairvest/execution-engine/internal/fairqueue"
	"github.com/fairvest/execution-engine/internal/ledger"
	"github.com/fairvest/execution-engine/internal/model"
	"github.com/fairvest/execution-engine/internal/plan"
	"github.com/fairvest/execution-engine/internal/pricefeed"
)

var (
	errBadBody = apperrors.New(apperrors.KindValidation, "invalid request body")
	errBadID   = apperrors.New(apperrors.KindValidation, "invalid id")
	errBadSeed = apperrors.New(apperrors.KindValidation, "user_seed must be 32 bytes of 0x-prefixed hex")
)

// Service holds the engine components behind the HTTP handlers.
type Service struct {
	plans     *plan.Registry
	ledger    *ledger.Ledger
	engine    *execution.Engine
	queue     *fairqueue.Queue
	prices    pricefeed.Feed // optional
	maxAge    time.Duration
	publisher events.Publisher
}

// NewService creates the HTTP service. publisher may be nil.
func NewService(plans *plan.Registry, engine *execution.Engine, queue *fairqueue.Queue, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		plans:     plans,
		ledger:    engine.Ledger(),
		engine:    engine,
		queue:     queue,
		publisher: publisher,
	}
}

// WithPrices enables GET /prices/{symbol}.
func (s *Service) WithPrices(feed pricefeed.Feed, maxAge time.Duration) *Service {
	s.prices = feed
	s.maxAge = maxAge
	return s
}

// --- Request/Response types ---

// CreatePlanRequest is the JSON body for POST /plans.
type CreatePlanRequest struct {
	Category    model.Category     `json:"category"`
	Name        string             `json:"name"`
	Allocations []model.Allocation `json:"allocations"`
}

// UpdatePlanRequest is the JSON body for PUT /plans/{planID}.
type UpdatePlanRequest struct {
	Allocations []model.Allocation `json:"allocations"`
}

// RiskFactorRequest is the JSON body for PUT /risk-factors/{class}.
type RiskFactorRequest struct {
	Factor int `json:"factor"`
}

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Owner  string             `json:"owner"`
	Amount decimal.Decimal    `json:"amount"`
	Kind   ledger.DepositKind `json:"kind"` // "base" (default) or "wrapped"
}

// InvestRequest is the JSON body for POST /invest.
type InvestRequest struct {
	Owner  string          `json:"owner"`
	PlanID uint64          `json:"plan_id"`
	Amount decimal.Decimal `json:"amount"`
}

// EnqueueRequest is the JSON body for POST /queue.
type EnqueueRequest struct {
	Owner    string          `json:"owner"`
	PlanID   uint64          `json:"plan_id"`
	Amount   decimal.Decimal `json:"amount"`
	UserSeed string          `json:"user_seed"`
}

// ExecuteBatchRequest is the JSON body for POST /queue/execute.
type ExecuteBatchRequest struct {
	QueueIDs []uint64 `json:"queue_ids"`
	UserSeed string   `json:"user_seed"`
}

// QueueSummary is the body of GET /queue.
type QueueSummary struct {
	Outstanding    int `json:"outstanding"`
	MaxOutstanding int `json:"max_outstanding"`
	MaxBatchSize   int `json:"max_batch_size"`
}

// --- Plans ---

// ListPlans handles GET /api/v1/plans
func (s *Service) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.plans.ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

// CreatePlan handles POST /api/v1/plans
func (s *Service) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.plans.Create(r.Context(), req.Category, req.Name, req.Allocations)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPlan handles GET /api/v1/plans/{planID}
func (s *Service) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "planID")
	if !ok {
		return
	}
	p, err := s.plans.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePlan handles PUT /api/v1/plans/{planID}
func (s *Service) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "planID")
	if !ok {
		return
	}
	var req UpdatePlanRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.plans.Update(r.Context(), id, req.Allocations)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeactivatePlan handles POST /api/v1/plans/{planID}/deactivate
func (s *Service) DeactivatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "planID")
	if !ok {
		return
	}
	p, err := s.plans.Deactivate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetRiskFactors handles GET /api/v1/risk-factors
func (s *Service) GetRiskFactors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.plans.Risk().Factors())
}

// SetRiskFactor handles PUT /api/v1/risk-factors/{class}. Existing plans
// keep the score they were created with.
func (s *Service) SetRiskFactor(w http.ResponseWriter, r *http.Request) {
	class := model.AssetClass(chi.URLParam(r, "class"))
	var req RiskFactorRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.plans.Risk().Set(class, req.Factor); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("risk factor updated", "class", class, "factor", req.Factor)
	writeJSON(w, http.StatusOK, s.plans.Risk().Factors())
}

// --- Ledger ---

// Deposit handles POST /api/v1/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = ledger.DepositBase
	}
	acct, err := s.ledger.Credit(r.Context(), req.Owner, req.Amount, req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	evt := events.New(events.DepositCredited, req)
	evt.Owner = req.Owner
	if err := s.publisher.Publish(r.Context(), evt); err != nil {
		slog.Warn("event publish failed", "type", evt.Type, "err", err)
	}
	writeJSON(w, http.StatusOK, acct)
}

// BatchDeposit handles POST /api/v1/deposits/batch. Each entry succeeds or
// fails on its own; the response lists one result per entry.
func (s *Service) BatchDeposit(w http.ResponseWriter, r *http.Request) {
	var req []ledger.CreditEntry
	if !decode(w, r, &req) {
		return
	}
	for i := range req {
		if req[i].Kind == "" {
			req[i].Kind = ledger.DepositBase
		}
	}
	writeJSON(w, http.StatusOK, s.ledger.BatchCredit(r.Context(), req))
}

// GetAccount handles GET /api/v1/accounts/{owner}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Account(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetPortfolio handles GET /api/v1/portfolio/{owner}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.engine.Portfolio(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	if pf.Holdings == nil {
		pf.Holdings = []model.Holding{}
	}
	writeJSON(w, http.StatusOK, pf)
}

// --- Execution ---

// Invest handles POST /api/v1/invest (immediate path).
func (s *Service) Invest(w http.ResponseWriter, r *http.Request) {
	var req InvestRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := s.engine.Invest(r.Context(), req.Owner, req.PlanID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetFills handles GET /api/v1/investments/{investmentID}/fills
func (s *Service) GetFills(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "investmentID")
	if !ok {
		return
	}
	fills, err := s.engine.Fills(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// --- Fair queue ---

// Enqueue handles POST /api/v1/queue
func (s *Service) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	seed, err := parseSeed(req.UserSeed)
	if err != nil {
		writeError(w, err)
		return
	}
	e, err := s.queue.Enqueue(r.Context(), req.Owner, req.Amount, req.PlanID, seed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// QueueSummary handles GET /api/v1/queue
func (s *Service) QueueSummary(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Outstanding(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	cfg := s.queue.Config()
	writeJSON(w, http.StatusOK, QueueSummary{
		Outstanding:    n,
		MaxOutstanding: cfg.MaxOutstanding,
		MaxBatchSize:   cfg.MaxBatchSize,
	})
}

// GetQueueEntry handles GET /api/v1/queue/{queueID}
func (s *Service) GetQueueEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "queueID")
	if !ok {
		return
	}
	e, err := s.queue.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ExecuteBatch handles POST /api/v1/queue/execute. Anyone may call it.
func (s *Service) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req ExecuteBatchRequest
	if !decode(w, r, &req) {
		return
	}
	seed, err := parseSeed(req.UserSeed)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.queue.ExecuteBatch(r.Context(), req.QueueIDs, seed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Prices ---

// GetPrice handles GET /api/v1/prices/{symbol}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeError(w, fmt.Errorf("%w: price feed disabled", pricefeed.ErrUnknownSymbol))
		return
	}
	p, err := s.prices.Read(chi.URLParam(r, "symbol"), s.maxAge)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadBody, err))
		return false
	}
	return true
}

func urlID(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %s", errBadID, param))
		return 0, false
	}
	return id, true
}

func parseSeed(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errBadSeed
	}
	return common.BytesToHash(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string         `json:"error"`
	Code  apperrors.Kind `json:"code"`
}

// writeError maps err onto its status code. Internal errors are logged and
// their detail withheld from the client.
func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := apperrors.HTTPStatus(kind)
	msg := err.Error()
	if !apperrors.Recoverable(err) {
		slog.Error("request failed", "kind", kind, "err", err)
		var appErr *apperrors.Error
		if !errors.As(err, &appErr) {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg, Code: kind})
}
