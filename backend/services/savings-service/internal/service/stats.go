package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"powersave/backend/services/savings-service/internal/models"
	"powersave/backend/services/savings-service/internal/savings"
)

// streakLookback bounds how many completed sessions are read to compute a streak.
const streakLookback = 400

// Stats is the per-user session overview.
type Stats struct {
	TotalSessions            int64           `json:"total_sessions"`
	CompletedSessions        int64           `json:"completed_sessions"`
	TotalKWhSaved            decimal.Decimal `json:"total_kwh_saved"`
	TotalEURSaved            decimal.Decimal `json:"total_eur_saved"`
	TotalCO2Saved            decimal.Decimal `json:"total_co2_saved"`
	GreenPoints              int64           `json:"total_green_points"`
	AverageSavingsPerSession decimal.Decimal `json:"average_savings_per_session"`
	CurrentStreakDays        int             `json:"current_streak_days"`
}

// Stats aggregates the user's lifetime results.
func (s *SessionsService) Stats(ctx context.Context, userID string) (*Stats, error) {
	counts, err := s.store.CountSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.GetUserTotals(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		CompletedSessions:        counts[models.SessionCompleted],
		TotalKWhSaved:            totals.TotalKWhSaved,
		TotalEURSaved:            totals.TotalEURSaved,
		TotalCO2Saved:            totals.TotalCO2Saved,
		GreenPoints:              totals.GreenPoints,
		AverageSavingsPerSession: decimal.Zero,
	}
	for _, n := range counts {
		stats.TotalSessions += n
	}
	if stats.CompletedSessions > 0 {
		stats.AverageSavingsPerSession = totals.TotalKWhSaved.
			Div(decimal.NewFromInt(stats.CompletedSessions)).
			RoundBank(2)
	}

	completed, err := s.store.ListSessions(ctx, userID, models.SessionCompleted, streakLookback)
	if err != nil {
		return nil, err
	}
	stats.CurrentStreakDays = currentStreak(completed, s.now())
	return stats, nil
}

// currentStreak counts consecutive days with a completed session, ending
// today or, if nothing was completed yet today, yesterday.
func currentStreak(sessions []models.Session, now time.Time) int {
	days := make(map[time.Time]bool, len(sessions))
	for _, sess := range sessions {
		if sess.CompletedAt == nil {
			continue
		}
		days[truncateDay(*sess.CompletedAt)] = true
	}

	day := truncateDay(now)
	if !days[day] {
		day = day.AddDate(0, 0, -1)
	}
	streak := 0
	for days[day] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Projection extrapolates the user's saving habit over a year. A nil
// average uses the user's historical per-session saving.
func (s *SessionsService) Projection(ctx context.Context, userID string, avgSessionKWh *decimal.Decimal, sessionsPerMonth int) (savings.Projection, error) {
	var avg decimal.Decimal
	if avgSessionKWh != nil {
		avg = *avgSessionKWh
	} else {
		stats, err := s.Stats(ctx, userID)
		if err != nil {
			return savings.Projection{}, err
		}
		avg = stats.AverageSavingsPerSession
	}
	return s.calculator.ProjectAnnual(avg, sessionsPerMonth)
}
