// ABOUTME: Tests for the cost estimator and credit guard
// ABOUTME: Covers the ceiling rounding policy, denial figures and charge recording

package credits

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlor-chat/parlor-gateway/internal/store"
)

func TestEstimateRounding(t *testing.T) {
	tests := []struct {
		name         string
		unitCost     int64
		surchargePct int
		participants int
		sensitive    bool
		want         int64
	}{
		{"no participants", 5, 50, 0, false, 0},
		{"single participant", 5, 50, 1, false, 5},
		{"two participants", 5, 50, 2, false, 10},
		{"sensitive exact", 5, 50, 2, true, 15},
		{"sensitive rounds up", 5, 50, 1, true, 8},   // 7.5 -> 8
		{"surcharge 33 rounds up", 3, 33, 1, true, 4}, // 3.99 -> 4
		{"zero surcharge sensitive", 5, 0, 2, true, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEstimator(tt.unitCost, tt.surchargePct, nil)
			assert.Equal(t, tt.want, e.Estimate(tt.participants, tt.sensitive))
		})
	}
}

func TestShareIsCeilingDivision(t *testing.T) {
	e := NewEstimator(5, 50, nil)

	assert.Equal(t, int64(5), e.Share(10, 2))
	assert.Equal(t, int64(4), e.Share(10, 3)) // 3.33 -> 4
	assert.Equal(t, int64(8), e.Share(8, 1))
	assert.Equal(t, int64(0), e.Share(10, 0))
}

func TestEstimateShareConsistency(t *testing.T) {
	// share × participants stays within participants-1 of the estimate
	e := NewEstimator(5, 50, nil)
	for _, n := range []int{1, 2, 3, 5, 7} {
		for _, sensitive := range []bool{false, true} {
			estimate := e.Estimate(n, sensitive)
			share := e.Share(estimate, n)
			total := share * int64(n)
			assert.GreaterOrEqual(t, total, estimate)
			assert.LessOrEqual(t, total-estimate, int64(n-1))
		}
	}
}

// fakeLedger records transactions in memory for guard tests.
type fakeLedger struct {
	balance   int64
	balErr    error
	recordErr error
	recorded  []*store.CreditTransaction
}

func (f *fakeLedger) Balance(context.Context, string) (int64, error) {
	return f.balance, f.balErr
}

func (f *fakeLedger) RecordTransaction(_ context.Context, tx *store.CreditTransaction) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, tx)
	return nil
}

func TestAuthorizeSufficient(t *testing.T) {
	g := NewGuard(&fakeLedger{balance: 100}, nil)
	assert.NoError(t, g.Authorize(t.Context(), "user-1", 10))
}

func TestAuthorizeInsufficient(t *testing.T) {
	g := NewGuard(&fakeLedger{balance: 1}, nil)

	err := g.Authorize(t.Context(), "user-1", 10)
	var denied *InsufficientError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, int64(10), denied.Required)
	assert.Equal(t, int64(1), denied.Current)
}

func TestAuthorizeExactBalancePasses(t *testing.T) {
	g := NewGuard(&fakeLedger{balance: 10}, nil)
	assert.NoError(t, g.Authorize(t.Context(), "user-1", 10))
}

func TestAuthorizeLedgerFailure(t *testing.T) {
	g := NewGuard(&fakeLedger{balErr: errors.New("ledger down")}, nil)

	err := g.Authorize(t.Context(), "user-1", 10)
	require.Error(t, err)
	var denied *InsufficientError
	assert.False(t, errors.As(err, &denied), "ledger failure must not masquerade as denial")
}

func TestChargeRecordsNegativeDelta(t *testing.T) {
	ledger := &fakeLedger{balance: 100}
	g := NewGuard(ledger, nil)

	require.NoError(t, g.Charge(t.Context(), "user-1", 5, "response from bot-1", "msg-1"))
	require.Len(t, ledger.recorded, 1)
	assert.Equal(t, int64(-5), ledger.recorded[0].Delta)
	assert.Equal(t, "user-1", ledger.recorded[0].UserID)
	assert.Equal(t, "msg-1", ledger.recorded[0].MessageID)
}

func TestChargeZeroAmountIsNoop(t *testing.T) {
	ledger := &fakeLedger{}
	g := NewGuard(ledger, nil)

	require.NoError(t, g.Charge(t.Context(), "user-1", 0, "free", "msg-1"))
	assert.Empty(t, ledger.recorded)
}
