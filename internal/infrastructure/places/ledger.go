package places

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/infrastructure/resilience"
)

// Per-call list prices in cents for the field masks this adapter sends.
var (
	costSearchCents  = decimal.RequireFromString("3.2")
	costDetailsCents = decimal.RequireFromString("1.7")
)

// CallRecorder persists one metered upstream call for offline cost review
type CallRecorder interface {
	RecordCall(ctx context.Context, provider, endpoint string, costCents decimal.Decimal, status int, cached bool) error
}

// CostLedger meters discovery spend in cents against a hard budget. Authorize
// does not reserve: concurrent calls can each pass the same check, so the
// budget can overshoot by at most one call's cost per in-flight call.
type CostLedger struct {
	mu       sync.Mutex
	budget   decimal.Decimal
	spent    decimal.Decimal
	calls    map[string]int64
	recorder CallRecorder
	logger   *zap.Logger
}

// LedgerOption is a functional option for configuring the ledger
type LedgerOption func(*CostLedger)

// WithCallRecorder persists per-call records through the recorder
func WithCallRecorder(r CallRecorder) LedgerOption {
	return func(l *CostLedger) {
		l.recorder = r
	}
}

// WithLedgerLogger sets the logger
func WithLedgerLogger(logger *zap.Logger) LedgerOption {
	return func(l *CostLedger) {
		l.logger = logger
	}
}

// WithInitialSpend seeds the ledger with spend recorded before this process
// started, so a restart cannot reset the budget window.
func WithInitialSpend(cents decimal.Decimal) LedgerOption {
	return func(l *CostLedger) {
		if cents.Sign() > 0 {
			l.spent = cents
		}
	}
}

// NewCostLedger creates a ledger with a budget in cents. A non-positive
// budget disables the stop.
func NewCostLedger(budgetCents decimal.Decimal, opts ...LedgerOption) *CostLedger {
	l := &CostLedger{
		budget: budgetCents,
		spent:  decimal.Zero,
		calls:  make(map[string]int64),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// callCost returns the list price for an endpoint
func callCost(endpoint string) decimal.Decimal {
	switch endpoint {
	case "searchText":
		return costSearchCents
	case "details":
		return costDetailsCents
	default:
		return decimal.Zero
	}
}

// Authorize fails before dispatch when charging the endpoint would exceed
// the budget. The failure is permanent: retrying cannot refill a budget.
func (l *CostLedger) Authorize(endpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.budget.Sign() <= 0 {
		return nil
	}
	if l.spent.Add(callCost(endpoint)).GreaterThan(l.budget) {
		return resilience.NewClassified(ServiceName, endpoint, resilience.ClassPermanent,
			shared.ErrBudgetExhausted)
	}
	return nil
}

// Record accrues one dispatched call and persists it when a recorder is
// wired. Persistence failures are logged, never surfaced: spend tracking
// must not fail discovery.
func (l *CostLedger) Record(ctx context.Context, endpoint string, status int, cached bool) {
	cost := callCost(endpoint)

	l.mu.Lock()
	l.spent = l.spent.Add(cost)
	l.calls[endpoint]++
	l.mu.Unlock()

	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordCall(ctx, ServiceName, endpoint, cost, status, cached); err != nil {
		l.logger.Warn("failed to persist api call record",
			zap.String("endpoint", endpoint),
			zap.Error(err))
	}
}

// LedgerSnapshot is a point-in-time view of the ledger for health reporting
type LedgerSnapshot struct {
	BudgetCents    decimal.Decimal  `json:"budget_cents"`
	SpentCents     decimal.Decimal  `json:"spent_cents"`
	RemainingCents decimal.Decimal  `json:"remaining_cents"`
	Calls          map[string]int64 `json:"calls"`
}

// Snapshot returns the current spend state
func (l *CostLedger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	calls := make(map[string]int64, len(l.calls))
	for k, v := range l.calls {
		calls[k] = v
	}
	remaining := decimal.Zero
	if l.budget.Sign() > 0 {
		remaining = l.budget.Sub(l.spent)
	}
	return LedgerSnapshot{
		BudgetCents:    l.budget,
		SpentCents:     l.spent,
		RemainingCents: remaining,
		Calls:          calls,
	}
}
