package places

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/infrastructure/resilience"
)

type memRecorder struct {
	calls []recordedCall
	err   error
}

type recordedCall struct {
	provider, endpoint string
	costCents          decimal.Decimal
	status             int
	cached             bool
}

func (m *memRecorder) RecordCall(ctx context.Context, provider, endpoint string, costCents decimal.Decimal, status int, cached bool) error {
	m.calls = append(m.calls, recordedCall{provider, endpoint, costCents, status, cached})
	return m.err
}

func TestLedgerAuthorize(t *testing.T) {
	l := NewCostLedger(decimal.RequireFromString("5"))

	require.NoError(t, l.Authorize("searchText"))
	l.Record(context.Background(), "searchText", 200, false) // 3.2 spent

	require.NoError(t, l.Authorize("details"), "3.2 + 1.7 stays inside the budget")
	l.Record(context.Background(), "details", 200, false) // 4.9 spent

	err := l.Authorize("searchText")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrBudgetExhausted)
	class, ok := resilience.ClassOf(err)
	require.True(t, ok)
	assert.Equal(t, resilience.ClassPermanent, class, "retrying cannot refill a budget")

	require.NoError(t, l.Authorize("unknown-endpoint"), "unpriced endpoints cost nothing")
}

func TestLedgerZeroBudgetDisablesTheStop(t *testing.T) {
	l := NewCostLedger(decimal.Zero)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Authorize("searchText"))
		l.Record(context.Background(), "searchText", 200, false)
	}
}

func TestLedgerInitialSpendSurvivesRestart(t *testing.T) {
	l := NewCostLedger(decimal.RequireFromString("5"),
		WithInitialSpend(decimal.RequireFromString("4.9")))

	assert.ErrorIs(t, l.Authorize("searchText"), shared.ErrBudgetExhausted,
		"spend rehydrated from storage must count against the budget")

	snap := l.Snapshot()
	assert.True(t, snap.SpentCents.Equal(decimal.RequireFromString("4.9")))
}

func TestLedgerRecordPersistsThroughRecorder(t *testing.T) {
	rec := &memRecorder{}
	l := NewCostLedger(decimal.RequireFromString("100"), WithCallRecorder(rec))

	l.Record(context.Background(), "searchText", 200, false)
	l.Record(context.Background(), "details", 404, true)

	require.Len(t, rec.calls, 2)
	assert.Equal(t, ServiceName, rec.calls[0].provider)
	assert.True(t, rec.calls[0].costCents.Equal(costSearchCents))
	assert.Equal(t, 404, rec.calls[1].status)
	assert.True(t, rec.calls[1].cached)
}

func TestLedgerRecorderFailureNeverSurfaces(t *testing.T) {
	rec := &memRecorder{err: errors.New("db down")}
	l := NewCostLedger(decimal.RequireFromString("100"), WithCallRecorder(rec))

	l.Record(context.Background(), "searchText", 200, false)

	snap := l.Snapshot()
	assert.True(t, snap.SpentCents.Equal(costSearchCents),
		"spend accrues even when persistence fails")
}

func TestLedgerSnapshot(t *testing.T) {
	l := NewCostLedger(decimal.RequireFromString("10"))
	l.Record(context.Background(), "searchText", 200, false)
	l.Record(context.Background(), "searchText", 200, false)
	l.Record(context.Background(), "details", 200, false)

	snap := l.Snapshot()
	assert.True(t, snap.SpentCents.Equal(decimal.RequireFromString("8.1")))
	assert.True(t, snap.RemainingCents.Equal(decimal.RequireFromString("1.9")))
	assert.Equal(t, int64(2), snap.Calls["searchText"])
	assert.Equal(t, int64(1), snap.Calls["details"])

	snap.Calls["searchText"] = 99
	assert.Equal(t, int64(2), l.Snapshot().Calls["searchText"], "snapshots must not alias ledger state")
}
