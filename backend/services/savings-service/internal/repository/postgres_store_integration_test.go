//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	libdb "powersave/backend/libs/db"
	"powersave/backend/services/savings-service/internal/db"
	"powersave/backend/services/savings-service/internal/ledger"
	"powersave/backend/services/savings-service/internal/models"
	"powersave/backend/services/savings-service/internal/repository"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("powersave"),
		tcpostgres.WithUsername("powersave"),
		tcpostgres.WithPassword("powersave"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sqlDB, err := db.NewPostgres(dsn, libdb.PoolOptions{MaxOpenConns: 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(ctx, sqlDB))
	require.NoError(t, db.Migrate(ctx, sqlDB), "schema must apply twice")
	return sqlDB
}

func TestPostgresStore(t *testing.T) {
	sqlDB := startPostgres(t)
	ctx := context.Background()
	store := repository.NewPostgresStore(sqlDB, zap.NewNop())

	t.Run("duplicate credit is rejected by the unique index", func(t *testing.T) {
		credit := func(id string) error {
			return store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
				if err := tx.EnsureWallet(ctx, "dup-user"); err != nil {
					return err
				}
				return tx.AppendEntry(ctx, &models.LedgerEntry{
					ID: id, UserID: "dup-user", Kind: models.EntryCredit,
					Amount: decimal.RequireFromString("1.00"), BalanceAfter: decimal.RequireFromString("1.00"),
					SessionRef: "s-1",
				})
			})
		}
		require.NoError(t, credit("e-1"))
		assert.ErrorIs(t, credit("e-2"), repository.ErrDuplicateCredit)
	})

	t.Run("failed unit of work leaves nothing behind", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			require.NoError(t, tx.EnsureWallet(ctx, "rb-user"))
			require.NoError(t, tx.AddUserTotals(ctx, "rb-user", models.TotalsDelta{Points: 9, Sessions: 1}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = store.GetWallet(ctx, "rb-user")
		assert.ErrorIs(t, err, models.ErrNotFound)
		totals, err := store.GetUserTotals(ctx, "rb-user")
		require.NoError(t, err)
		assert.Zero(t, totals.GreenPoints)
	})

	t.Run("sessions round trip", func(t *testing.T) {
		start := time.Date(2025, 2, 3, 17, 0, 0, 0, time.UTC)
		session := &models.Session{
			ID:           "sess-1",
			UserID:       "s-user",
			Status:       models.SessionScheduled,
			Window:       models.ConsumptionWindow{Start: start, Duration: 3 * time.Hour},
			Allocation:   models.AllocationSpec{Type: models.AllocationMixed, FundID: "fund-1", WalletPercent: 60},
			WalletCredit: decimal.Zero,
		}
		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.CreateSession(ctx, session)
		}))

		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			locked, err := tx.LockSession(ctx, "sess-1")
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			locked.Status = models.SessionInProgress
			locked.ActualStart = &now
			locked.Baseline = &models.BaselineEstimate{
				Value:       decimal.RequireFromString("1.9500"),
				Method:      models.BaselineRolling10Day,
				SampleCount: 8,
				ComputedAt:  now,
			}
			return tx.UpdateSession(ctx, locked)
		}))

		got, err := store.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionInProgress, got.Status)
		assert.True(t, got.Window.Start.Equal(start))
		assert.Equal(t, 3*time.Hour, got.Window.Duration)
		require.NotNil(t, got.Baseline)
		assert.Equal(t, "1.95", got.Baseline.Value.StringFixed(2))
		assert.Equal(t, 60, got.Allocation.WalletPercent)
		assert.Nil(t, got.Result)

		list, err := store.ListSessions(ctx, "s-user", models.SessionInProgress, 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		counts, err := store.CountSessions(ctx, "s-user")
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[models.SessionInProgress])

		_, err = store.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("user totals and waste fee", func(t *testing.T) {
		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.AddUserTotals(ctx, "t-user", models.TotalsDelta{
				Points: 5, KWh: decimal.RequireFromString("0.50"), EUR: decimal.RequireFromString("0.15"),
				CO2: decimal.RequireFromString("0.35"), Sessions: 1,
			})
		}))
		require.NoError(t, store.SetAnnualWasteFee(ctx, "t-user", decimal.RequireFromString("120")))

		totals, err := store.GetUserTotals(ctx, "t-user")
		require.NoError(t, err)
		assert.Equal(t, int64(5), totals.GreenPoints)
		assert.Equal(t, "0.15", totals.TotalEURSaved.StringFixed(2))
		assert.Equal(t, "120.00", totals.AnnualWasteFee.StringFixed(2))
	})
}

func TestLedgerOnPostgresSerializesWallet(t *testing.T) {
	sqlDB := startPostgres(t)
	ctx := context.Background()
	engine := ledger.NewEngine(repository.NewPostgresStore(sqlDB, zap.NewNop()), zap.NewNop())

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Credit(ctx, "busy-user", decimal.RequireFromString("1.25"), "", "top up")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := engine.Balance(ctx, "busy-user")
	require.NoError(t, err)
	assert.Equal(t, "25.00", balance.StringFixed(2))

	// Concurrent credits for one session settle once.
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Credit(ctx, "busy-user", decimal.RequireFromString("3.00"), "session-x", "saving")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err = engine.Balance(ctx, "busy-user")
	require.NoError(t, err)
	assert.Equal(t, "28.00", balance.StringFixed(2))

	entries, err := engine.History(ctx, "busy-user", 100, 0)
	require.NoError(t, err)
	assert.Len(t, entries, workers+1)
	for _, e := range entries {
		assert.True(t, e.BalanceAfter.GreaterThanOrEqual(decimal.Zero))
	}
}

func TestConsumptionRepository(t *testing.T) {
	sqlDB := startPostgres(t)
	ctx := context.Background()
	repo := repository.NewConsumptionRepository(sqlDB)

	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	samples := []models.ConsumptionSample{
		{Timestamp: base, KWh: 0.4},
		{Timestamp: base.Add(time.Hour), KWh: 0.6},
		{Timestamp: base.Add(2 * time.Hour), KWh: 0.8},
	}
	require.NoError(t, repo.Record(ctx, "m-user", samples))
	require.NoError(t, repo.Record(ctx, "m-user", []models.ConsumptionSample{{Timestamp: base, KWh: 0.5}}))

	got, err := repo.FetchHistory(ctx, "m-user", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.5, got[0].KWh, 1e-9)
	assert.InDelta(t, 0.6, got[1].KWh, 1e-9)
}
