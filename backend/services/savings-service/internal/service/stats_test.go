package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powersave/backend/services/savings-service/internal/models"
)

func completedOn(times ...time.Time) []models.Session {
	sessions := make([]models.Session, 0, len(times))
	for i := range times {
		at := times[i]
		sessions = append(sessions, models.Session{Status: models.SessionCompleted, CompletedAt: &at})
	}
	return sessions
}

func TestCurrentStreak(t *testing.T) {
	now := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)
	day := func(offset int, hour int) time.Time {
		return time.Date(2025, 3, 12+offset, hour, 0, 0, 0, time.UTC)
	}

	cases := []struct {
		name     string
		sessions []models.Session
		want     int
	}{
		{"no sessions", nil, 0},
		{"today and the two days before", completedOn(day(0, 9), day(-1, 18), day(-2, 20)), 3},
		{"streak ending yesterday still counts", completedOn(day(-1, 18), day(-2, 18)), 2},
		{"gap resets the streak", completedOn(day(0, 10), day(-2, 18), day(-3, 18)), 1},
		{"two completions on one day count once", completedOn(day(0, 8), day(0, 14)), 1},
		{"last completion three days ago", completedOn(day(-3, 18), day(-4, 18)), 0},
		{"old streak across the month boundary", completedOn(day(-11, 18), day(-12, 18)), 0},
		{"missing completion time is ignored", []models.Session{{Status: models.SessionCompleted}}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, currentStreak(tc.sessions, now))
		})
	}
}

func TestCurrentStreakAcrossMonths(t *testing.T) {
	now := time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)
	sessions := completedOn(
		time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC),
		time.Date(2025, 2, 28, 19, 0, 0, 0, time.UTC),
		time.Date(2025, 2, 27, 19, 0, 0, 0, time.UTC),
	)
	assert.Equal(t, 3, currentStreak(sessions, now))
}

func TestStatsAfterCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, steadyHistory(10, 0.5), DefaultOptions(), nil)
	started := h.startedSession(t, models.AllocationSpec{})
	_, err := h.svc.Complete(ctx, started.ID, decimal.RequireFromString("1.0"))
	require.NoError(t, err)
	h.schedule(t, models.AllocationSpec{})

	stats, err := h.svc.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalSessions)
	assert.Equal(t, int64(1), stats.CompletedSessions)
	assert.Equal(t, "0.50", stats.AverageSavingsPerSession.StringFixed(2))
	assert.Equal(t, 1, stats.CurrentStreakDays)
}

func TestProjectionUsesHistoricalAverage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, steadyHistory(10, 0.5), DefaultOptions(), nil)
	started := h.startedSession(t, models.AllocationSpec{})
	_, err := h.svc.Complete(ctx, started.ID, decimal.RequireFromString("1.0"))
	require.NoError(t, err)

	projection, err := h.svc.Projection(ctx, "u1", nil, 8)
	require.NoError(t, err)
	assert.Equal(t, "4.00", projection.MonthlyKWh.StringFixed(2))
	assert.Equal(t, "1.20", projection.MonthlyEUR.StringFixed(2))
	assert.Equal(t, "48.00", projection.AnnualKWh.StringFixed(2))
	assert.Equal(t, "14.40", projection.AnnualEUR.StringFixed(2))
	assert.Equal(t, "33.60", projection.AnnualCO2.StringFixed(2))
}

func TestProjectionExplicitAverage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, steadyHistory(10, 0.5), DefaultOptions(), nil)

	avg := decimal.RequireFromString("1.25")
	projection, err := h.svc.Projection(ctx, "nobody", &avg, 4)
	require.NoError(t, err)
	assert.Equal(t, "5.00", projection.MonthlyKWh.StringFixed(2))
	assert.Equal(t, "18.00", projection.AnnualEUR.StringFixed(2))

	// Without history the average is zero.
	projection, err = h.svc.Projection(ctx, "nobody", nil, 8)
	require.NoError(t, err)
	assert.True(t, projection.AnnualEUR.IsZero())

	negative := decimal.RequireFromString("-0.5")
	_, err = h.svc.Projection(ctx, "nobody", &negative, 8)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}
