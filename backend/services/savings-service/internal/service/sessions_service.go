package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"powersave/backend/services/savings-service/internal/baseline"
	"powersave/backend/services/savings-service/internal/ledger"
	"powersave/backend/services/savings-service/internal/metrics"
	"powersave/backend/services/savings-service/internal/models"
	redisstore "powersave/backend/services/savings-service/internal/redis"
	"powersave/backend/services/savings-service/internal/repository"
	"powersave/backend/services/savings-service/internal/savings"
)

// HistorySource supplies past consumption for baseline estimation.
type HistorySource interface {
	FetchHistory(ctx context.Context, userID string, from, to time.Time) ([]models.ConsumptionSample, error)
}

// ActiveCache mirrors in-progress sessions for quick lookups.
type ActiveCache interface {
	Save(ctx context.Context, session redisstore.ActiveSession) error
	ListForUser(ctx context.Context, userID string) ([]redisstore.ActiveSession, error)
	Delete(ctx context.Context, userID, sessionID string) error
}

// SessionPublisher receives completed sessions after commit.
type SessionPublisher interface {
	PublishSessionCompleted(ctx context.Context, session models.Session) error
}

// Options tunes the state machine.
type Options struct {
	// FailOnInvalidBaseline marks a session Failed when no valid baseline
	// can be produced at start. Otherwise it stays Scheduled.
	FailOnInvalidBaseline bool
	MinDuration           time.Duration
	MaxDuration           time.Duration
}

// DefaultOptions allows sessions between one and twelve hours.
func DefaultOptions() Options {
	return Options{
		MinDuration: time.Hour,
		MaxDuration: 12 * time.Hour,
	}
}

// SessionsService drives saving sessions through their lifecycle and
// settles completed ones through the ledger.
type SessionsService struct {
	store      repository.Store
	ledger     *ledger.Engine
	estimator  *baseline.Estimator
	calculator *savings.Calculator
	history    HistorySource
	cache      ActiveCache
	publisher  SessionPublisher
	metrics    *metrics.Metrics
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

// Deps collects the collaborators of SessionsService. Cache, Publisher and
// Metrics are optional.
type Deps struct {
	Store      repository.Store
	Ledger     *ledger.Engine
	Estimator  *baseline.Estimator
	Calculator *savings.Calculator
	History    HistorySource
	Cache      ActiveCache
	Publisher  SessionPublisher
	Metrics    *metrics.Metrics
}

// NewSessionsService builds service.
func NewSessionsService(deps Deps, opts Options, logger *zap.Logger) *SessionsService {
	defaults := DefaultOptions()
	if opts.MinDuration <= 0 {
		opts.MinDuration = defaults.MinDuration
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = defaults.MaxDuration
	}
	return &SessionsService{
		store:      deps.Store,
		ledger:     deps.Ledger,
		estimator:  deps.Estimator,
		calculator: deps.Calculator,
		history:    deps.History,
		cache:      deps.Cache,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		opts:       opts,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ScheduleInput describes a new session.
type ScheduleInput struct {
	UserID       string
	Start        time.Time
	Duration     time.Duration
	Allocation   models.AllocationSpec
	DoublePoints bool
}

// Schedule creates a session in SCHEDULED state.
func (s *SessionsService) Schedule(ctx context.Context, input ScheduleInput) (*models.Session, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, models.InvalidArgumentf("user id is required")
	}
	if input.Start.IsZero() {
		return nil, models.InvalidArgumentf("scheduled start is required")
	}
	if input.Duration < s.opts.MinDuration || input.Duration > s.opts.MaxDuration {
		return nil, models.InvalidArgumentf("duration must be between %s and %s, got %s",
			s.opts.MinDuration, s.opts.MaxDuration, input.Duration)
	}
	alloc, err := ledger.FromSpec(input.Allocation)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		ID:           uuid.NewString(),
		UserID:       input.UserID,
		Status:       models.SessionScheduled,
		Window:       models.ConsumptionWindow{Start: input.Start, Duration: input.Duration},
		Allocation:   ledger.Spec(alloc),
		DoublePoints: input.DoublePoints,
		WalletCredit: decimal.Zero,
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateSession(ctx, session)
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.metrics.SessionTransition(string(models.SessionScheduled))
	s.logger.Info("session scheduled",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.Time("start", session.Window.Start),
		zap.Duration("duration", session.Window.Duration),
	)
	return session, nil
}

// Start estimates the baseline for the exact scheduled window and moves the
// session to IN_PROGRESS. History is fetched before any lock is taken.
func (s *SessionsService) Start(ctx context.Context, sessionID string) (*models.Session, error) {
	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.SessionScheduled {
		return nil, transitionError(current.Status, models.SessionInProgress)
	}

	method := s.estimator.Method()
	from, to := s.estimator.HistoryRange(current.Window, method)
	samples, err := s.history.FetchHistory(ctx, current.UserID, from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch consumption history: %w", err)
	}

	estimate, err := s.estimator.EstimateWith(method, samples, current.Window)
	if err != nil {
		return nil, s.baselineFailed(ctx, current, err)
	}
	estimate.ComputedAt = s.now()

	var started *models.Session
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != models.SessionScheduled {
			return transitionError(session.Status, models.SessionInProgress)
		}
		now := s.now()
		session.Status = models.SessionInProgress
		session.Baseline = &estimate
		session.ActualStart = &now
		if err := tx.UpdateSession(ctx, session); err != nil {
			return err
		}
		started = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.SessionTransition(string(models.SessionInProgress))
	s.cacheActive(ctx, started)
	s.logger.Info("session started",
		zap.String("session_id", started.ID),
		zap.String("user_id", started.UserID),
		zap.String("baseline_kwh", estimate.Value.String()),
		zap.String("method", string(estimate.Method)),
		zap.Int("occurrences", estimate.SampleCount),
	)
	return started, nil
}

func (s *SessionsService) baselineFailed(ctx context.Context, session *models.Session, cause error) error {
	reason := "other"
	switch {
	case errors.Is(cause, models.ErrInsufficientData):
		reason = "insufficient_data"
	case errors.Is(cause, models.ErrInvalidBaseline):
		reason = "invalid_baseline"
	}
	s.metrics.BaselineFailure(reason)
	s.logger.Warn("baseline estimation failed",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("reason", reason),
		zap.Error(cause),
	)

	if !s.opts.FailOnInvalidBaseline {
		return fmt.Errorf("start session %s: %w", session.ID, cause)
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		locked, err := tx.LockSession(ctx, session.ID)
		if err != nil {
			return err
		}
		if locked.Status != models.SessionScheduled {
			return nil
		}
		locked.Status = models.SessionFailed
		locked.ErrorMessage = cause.Error()
		return tx.UpdateSession(ctx, locked)
	})
	if err != nil {
		s.logger.Error("failed to mark session failed", zap.String("session_id", session.ID), zap.Error(err))
	} else {
		s.metrics.SessionTransition(string(models.SessionFailed))
	}
	return fmt.Errorf("start session %s: %w", session.ID, cause)
}

// Complete settles an IN_PROGRESS session. Savings calculation, wallet
// allocation, user totals and the session update form one unit of work.
func (s *SessionsService) Complete(ctx context.Context, sessionID string, actualKWh decimal.Decimal) (*models.Session, error) {
	if actualKWh.IsNegative() {
		return nil, models.InvalidArgumentf("actual consumption must not be negative, got %s", actualKWh)
	}

	var (
		completed *models.Session
		outcome   ledger.Outcome
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != models.SessionInProgress {
			return transitionError(session.Status, models.SessionCompleted)
		}
		if session.Baseline == nil {
			return fmt.Errorf("session %s is in progress without a baseline", session.ID)
		}

		result, err := s.calculator.Calculate(session.Baseline.Value, actualKWh, session.DoublePoints)
		if err != nil {
			return err
		}
		alloc, err := ledger.FromSpec(session.Allocation)
		if err != nil {
			return err
		}
		outcome, err = s.ledger.Allocate(ctx, tx, session.UserID, session.ID, result.SavedEUR, alloc)
		if err != nil {
			return err
		}
		if err := tx.AddUserTotals(ctx, session.UserID, models.TotalsDelta{
			Points:   result.PointsEarned,
			KWh:      result.SavedKWh,
			EUR:      result.SavedEUR,
			CO2:      result.SavedCO2Kg,
			Sessions: 1,
		}); err != nil {
			return fmt.Errorf("update user totals: %w", err)
		}

		now := s.now()
		actual := actualKWh
		session.Status = models.SessionCompleted
		session.ActualKWh = &actual
		session.Result = &result
		session.WalletCredit = outcome.Retained()
		session.ActualEnd = &now
		session.CompletedAt = &now
		if err := tx.UpdateSession(ctx, session); err != nil {
			return err
		}
		completed = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.SessionTransition(string(models.SessionCompleted))
	s.dropActive(ctx, completed)
	s.ledger.Publish(ctx, outcome.Entries...)
	if s.publisher != nil {
		if err := s.publisher.PublishSessionCompleted(ctx, *completed); err != nil {
			s.logger.Warn("failed to publish completed session", zap.String("session_id", completed.ID), zap.Error(err))
		}
	}
	s.logger.Info("session completed",
		zap.String("session_id", completed.ID),
		zap.String("user_id", completed.UserID),
		zap.String("saved_kwh", completed.Result.SavedKWh.String()),
		zap.String("saved_eur", completed.Result.SavedEUR.String()),
		zap.Int64("points", completed.Result.PointsEarned),
		zap.String("wallet_credit", completed.WalletCredit.String()),
	)
	return completed, nil
}

// Cancel stops a SCHEDULED or IN_PROGRESS session without financial effect.
func (s *SessionsService) Cancel(ctx context.Context, sessionID string) (*models.Session, error) {
	var (
		cancelled  *models.Session
		wasRunning bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		switch session.Status {
		case models.SessionScheduled:
		case models.SessionInProgress:
			wasRunning = true
		default:
			return transitionError(session.Status, models.SessionCancelled)
		}
		session.Status = models.SessionCancelled
		if wasRunning {
			now := s.now()
			session.ActualEnd = &now
		}
		if err := tx.UpdateSession(ctx, session); err != nil {
			return err
		}
		cancelled = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.SessionTransition(string(models.SessionCancelled))
	if wasRunning {
		s.dropActive(ctx, cancelled)
	}
	s.logger.Info("session cancelled", zap.String("session_id", cancelled.ID), zap.String("user_id", cancelled.UserID))
	return cancelled, nil
}

// Get returns one session.
func (s *SessionsService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ListByUser returns the user's sessions, latest window first. An empty
// status returns every session.
func (s *SessionsService) ListByUser(ctx context.Context, userID string, status models.SessionStatus, limit int) ([]models.Session, error) {
	if status != "" && !status.Valid() {
		return nil, models.InvalidArgumentf("unknown session status %q", status)
	}
	return s.store.ListSessions(ctx, userID, status, limit)
}

// ActiveSessions returns the user's in-progress sessions from the cache,
// falling back to the store when the cache is absent or failing.
func (s *SessionsService) ActiveSessions(ctx context.Context, userID string) ([]redisstore.ActiveSession, error) {
	if s.cache != nil {
		active, err := s.cache.ListForUser(ctx, userID)
		if err == nil {
			return active, nil
		}
		s.logger.Warn("active session cache unavailable", zap.Error(err))
	}

	sessions, err := s.store.ListSessions(ctx, userID, models.SessionInProgress, 0)
	if err != nil {
		return nil, err
	}
	out := make([]redisstore.ActiveSession, 0, len(sessions))
	for i := range sessions {
		out = append(out, activeView(&sessions[i]))
	}
	return out, nil
}

func (s *SessionsService) cacheActive(ctx context.Context, session *models.Session) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Save(ctx, activeView(session)); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("failed to cache active session", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (s *SessionsService) dropActive(ctx context.Context, session *models.Session) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, session.UserID, session.ID); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("failed to delete active session cache", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func activeView(session *models.Session) redisstore.ActiveSession {
	view := redisstore.ActiveSession{
		SessionID:   session.ID,
		UserID:      session.UserID,
		WindowStart: session.Window.Start,
		WindowEnd:   session.Window.End(),
	}
	if session.Baseline != nil {
		view.BaselineKWh = session.Baseline.Value.String()
	}
	if session.ActualStart != nil {
		view.StartedAt = *session.ActualStart
	}
	return view
}

func transitionError(from, to models.SessionStatus) error {
	return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
}
