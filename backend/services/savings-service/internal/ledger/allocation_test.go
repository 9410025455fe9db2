package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powersave/backend/services/savings-service/internal/models"
	"powersave/backend/services/savings-service/internal/repository"
)

func allocate(t *testing.T, engine *Engine, store repository.Store, sessionRef string, saved decimal.Decimal, alloc Allocation) (Outcome, error) {
	t.Helper()
	var out Outcome
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = engine.Allocate(ctx, tx, "u1", sessionRef, saved, alloc)
		return err
	})
	return out, err
}

func TestAllocateVariants(t *testing.T) {
	cases := []struct {
		name     string
		alloc    Allocation
		saved    string
		credited string
		donated  string
		balance  string
		entries  int
	}{
		{"waste wallet", WasteWallet{}, "0.60", "0.60", "0.00", "0.60", 1},
		{"solidarity fund", SolidarityFund{FundID: "fund-1"}, "0.60", "0.60", "0.60", "0.00", 2},
		{"mixed half", Mixed{WalletPercent: 50, FundID: "fund-1"}, "0.60", "0.60", "0.30", "0.30", 2},
		{"mixed full wallet", Mixed{WalletPercent: 100}, "0.60", "0.60", "0.00", "0.60", 1},
		{"green coins", GreenCoins{}, "0.60", "0.00", "0.00", "0.00", 0},
		{"nothing saved", WasteWallet{}, "0", "0.00", "0.00", "0.00", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, store := newTestEngine(t)

			out, err := allocate(t, engine, store, "s1", eur(tc.saved), tc.alloc)
			require.NoError(t, err)
			assert.Equal(t, tc.credited, out.Credited.StringFixed(2))
			assert.Equal(t, tc.donated, out.Donated.StringFixed(2))
			assert.Equal(t, tc.balance, out.Retained().StringFixed(2))
			assert.Len(t, out.Entries, tc.entries)

			balance, err := engine.Balance(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, tc.balance, balance.StringFixed(2))
		})
	}
}

func TestAllocateReplayDoesNotDonateTwice(t *testing.T) {
	engine, store := newTestEngine(t)
	fund := SolidarityFund{FundID: "fund-1"}

	_, err := allocate(t, engine, store, "s1", eur("1.00"), fund)
	require.NoError(t, err)
	out, err := allocate(t, engine, store, "s1", eur("1.00"), fund)
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Empty(t, out.Entries)

	history, err := engine.History(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestFromSpec(t *testing.T) {
	a, err := FromSpec(models.AllocationSpec{})
	require.NoError(t, err)
	assert.Equal(t, WasteWallet{}, a)

	a, err = FromSpec(models.AllocationSpec{Type: models.AllocationMixed, WalletPercent: 70, FundID: "f"})
	require.NoError(t, err)
	assert.Equal(t, Mixed{WalletPercent: 70, FundID: "f"}, a)
	assert.Equal(t, models.AllocationSpec{Type: models.AllocationMixed, WalletPercent: 70, FundID: "f"}, Spec(a))

	bad := []models.AllocationSpec{
		{Type: models.AllocationSolidarityFund},
		{Type: models.AllocationMixed, WalletPercent: 120, FundID: "f"},
		{Type: models.AllocationMixed, WalletPercent: 40},
		{Type: "LOTTERY"},
	}
	for _, spec := range bad {
		_, err := FromSpec(spec)
		assert.ErrorIs(t, err, models.ErrInvalidArgument, "%+v", spec)
	}
}
