// Package model defines the core domain types shared across the execution
// engine. All amounts are integral base-asset units held in
// shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BasisPoints is the denominator for every percentage in a plan.
const BasisPoints = 10000

// Category tags a plan for display and filtering.
type Category string

const (
	CategoryConservative Category = "conservative"
	CategoryBalanced     Category = "balanced"
	CategoryAggressive   Category = "aggressive"
	CategoryCustom       Category = "custom"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryConservative, CategoryBalanced, CategoryAggressive, CategoryCustom:
		return true
	}
	return false
}

// AssetClass keys the operator's risk factor table.
type AssetClass string

const (
	AssetClassStablecoin  AssetClass = "stablecoin"
	AssetClassBlueChip    AssetClass = "blue_chip"
	AssetClassLayer2      AssetClass = "layer2"
	AssetClassDeFi        AssetClass = "defi"
	AssetClassEmerging    AssetClass = "emerging"
	AssetClassSpeculative AssetClass = "speculative"
)

// AssetClasses lists every class in ascending nominal risk.
var AssetClasses = []AssetClass{
	AssetClassStablecoin,
	AssetClassBlueChip,
	AssetClassLayer2,
	AssetClassDeFi,
	AssetClassEmerging,
	AssetClassSpeculative,
}

// Allocation is one slice of a plan. Percentages are basis points.
type Allocation struct {
	AssetClass       AssetClass `json:"asset_class"`
	TargetAsset      string     `json:"target_asset"` // 0x-prefixed token address
	TargetPercentage uint32     `json:"target_percentage"`
	MinPercentage    uint32     `json:"min_percentage"`
	MaxPercentage    uint32     `json:"max_percentage"`
}

// Plan is an allocation strategy. Allocations are replaced wholesale on
// update and RiskScore is a snapshot taken at create/update time.
type Plan struct {
	ID          uint64       `json:"id" db:"id"`
	Category    Category     `json:"category" db:"category"`
	Name        string       `json:"name" db:"name"`
	Allocations []Allocation `json:"allocations" db:"allocations"`
	RiskScore   int          `json:"risk_score" db:"risk_score"`
	IsActive    bool         `json:"is_active" db:"is_active"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// Account is a participant's ledger position.
// Invariant: Available + Pending + Invested <= Deposited, all >= 0.
type Account struct {
	Owner     string          `json:"owner" db:"owner"`
	Deposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	Available decimal.Decimal `json:"available_balance" db:"available_balance"`
	Pending   decimal.Decimal `json:"pending_investment" db:"pending_investment"`
	Invested  decimal.Decimal `json:"total_invested" db:"total_invested"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// PortfolioValue is available + pending + invested.
func (a Account) PortfolioValue() decimal.Decimal {
	return a.Available.Add(a.Pending).Add(a.Invested)
}

// InvestmentState is the lifecycle of a single investment.
type InvestmentState string

const (
	InvestmentPending  InvestmentState = "pending"
	InvestmentExecuted InvestmentState = "executed"
	InvestmentExpired  InvestmentState = "expired"
)

// Investment is a reservation of funds against a plan.
type Investment struct {
	ID        uint64          `json:"id" db:"id"`
	Owner     string          `json:"owner" db:"owner"`
	PlanID    uint64          `json:"plan_id" db:"plan_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Invested  decimal.Decimal `json:"invested" db:"invested"`
	State     InvestmentState `json:"state" db:"state"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// QueueStatus tracks a queue entry. An entry leaves StatusQueued exactly once.
type QueueStatus string

const (
	QueueQueued   QueueStatus = "queued"
	QueueExecuted QueueStatus = "executed"
	QueueExpired  QueueStatus = "expired"
	QueueFailed   QueueStatus = "failed" // claimed, execution failed, funds released
)

// QueueEntry is a deferred investment bound to a randomness commitment.
type QueueEntry struct {
	ID             uint64          `json:"id" db:"id"`
	Owner          string          `json:"owner" db:"owner"`
	PlanID         uint64          `json:"plan_id" db:"plan_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	InvestmentID   uint64          `json:"investment_id" db:"investment_id"`
	Handle         uint64          `json:"commitment_handle" db:"commitment_handle"`
	UserCommitment string          `json:"user_commitment" db:"user_commitment"`
	Status         QueueStatus     `json:"status" db:"status"`
	EnqueuedAt     time.Time       `json:"enqueued_at" db:"enqueued_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Executed reports whether the entry has already run.
func (q QueueEntry) Executed() bool { return q.Status == QueueExecuted }

// Branch records how one allocation was delivered.
type Branch string

const (
	BranchConverted Branch = "converted" // venue returned the target asset
	BranchDirect    Branch = "direct"    // target is the base asset
	BranchFallback  Branch = "fallback"  // venue failed, base asset released
	BranchSkipped   Branch = "skipped"   // amount truncated to zero, nothing delivered
)

// Fill is an immutable record of one allocation's delivery. Once created,
// fills are never modified or deleted; holdings are aggregated from them.
type Fill struct {
	ID           string          `json:"id" db:"id"`
	InvestmentID uint64          `json:"investment_id" db:"investment_id"`
	Owner        string          `json:"owner" db:"owner"`
	PlanID       uint64          `json:"plan_id" db:"plan_id"`
	AssetClass   AssetClass      `json:"asset_class" db:"asset_class"`
	TargetAsset  string          `json:"target_asset" db:"target_asset"`
	OutputAsset  string          `json:"output_asset" db:"output_asset"`
	AmountIn     decimal.Decimal `json:"amount_in" db:"amount_in"`
	AmountOut    decimal.Decimal `json:"amount_out" db:"amount_out"`
	Branch       Branch          `json:"branch" db:"branch"`
	Failure      string          `json:"failure,omitempty" db:"failure"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Holding is the aggregate amount of one asset delivered to an owner.
type Holding struct {
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	CostBasis decimal.Decimal `json:"cost_basis"` // base units spent
	MarkValue decimal.Decimal `json:"mark_value"` // base units at current price, zero if unknown
	Priced    bool            `json:"priced"`
}

// Portfolio aggregates a participant's ledger account and delivered assets.
type Portfolio struct {
	Owner          string          `json:"owner"`
	Account        Account         `json:"account"`
	Holdings       []Holding       `json:"holdings"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"` // available + pending + invested
	MarkValue      decimal.Decimal `json:"mark_value"`      // available + pending + Σ priced holdings
}
