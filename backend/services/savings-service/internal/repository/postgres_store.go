package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"powersave/backend/services/savings-service/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore persists wallets, ledger entries, sessions and user totals.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore returns store.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// WithinTx implements Store. Row locks taken through tx are released on
// commit or rollback.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &postgresTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const walletColumns = `user_id, balance, total_earned, total_spent, sessions_contributed,
	last_payment_at, last_payment_amount, created_at, updated_at`

func scanWallet(row rowScanner) (*models.WalletAccount, error) {
	var (
		w           models.WalletAccount
		lastPayment sql.NullTime
	)
	if err := row.Scan(
		&w.UserID,
		&w.Balance,
		&w.TotalEarned,
		&w.TotalSpent,
		&w.SessionsContributed,
		&lastPayment,
		&w.LastPaymentAmount,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastPayment.Valid {
		t := lastPayment.Time
		w.LastPaymentAt = &t
	}
	return &w, nil
}

func getWallet(ctx context.Context, q queryer, userID string, forUpdate bool) (*models.WalletAccount, error) {
	query := `SELECT ` + walletColumns + ` FROM wallet_accounts WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWallet(q.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", userID, models.ErrNotFound)
	}
	return w, err
}

// GetWallet implements Store.
func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*models.WalletAccount, error) {
	return getWallet(ctx, s.db, userID, false)
}

const entryColumns = `id, user_id, kind, amount, balance_after, session_ref, recipient_fund_id, description, created_at`

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Kind,
		&e.Amount,
		&e.BalanceAfter,
		&e.SessionRef,
		&e.RecipientFundID,
		&e.Description,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntries implements Store.
func (s *PostgresStore) ListEntries(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error) {
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ` + entryColumns + `
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, userID, normalizeLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// EntriesBetween implements Store for the half-open range [from, to).
func (s *PostgresStore) EntriesBetween(ctx context.Context, userID string, from, to time.Time) ([]models.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM wallet_entries
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, userID, from, to)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

const sessionColumns = `id, user_id, status, window_start, window_seconds, actual_start, actual_end,
	baseline_kwh, baseline_method, baseline_samples, baseline_computed_at, actual_kwh,
	saved_kwh, saved_eur, saved_co2_kg, points_earned, savings_percent,
	allocation_type, allocation_fund_id, allocation_wallet_percent, double_points,
	wallet_credit, error_message, created_at, updated_at, completed_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s                                 models.Session
		windowSeconds                     int64
		actualStart, actualEnd, completed sql.NullTime
		baselineKWh, actualKWh            decimal.NullDecimal
		baselineMethod                    sql.NullString
		baselineSamples                   sql.NullInt64
		baselineAt                        sql.NullTime
		savedKWh, savedEUR, savedCO2, pct decimal.NullDecimal
		points                            sql.NullInt64
	)
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Status,
		&s.Window.Start,
		&windowSeconds,
		&actualStart,
		&actualEnd,
		&baselineKWh,
		&baselineMethod,
		&baselineSamples,
		&baselineAt,
		&actualKWh,
		&savedKWh,
		&savedEUR,
		&savedCO2,
		&points,
		&pct,
		&s.Allocation.Type,
		&s.Allocation.FundID,
		&s.Allocation.WalletPercent,
		&s.DoublePoints,
		&s.WalletCredit,
		&s.ErrorMessage,
		&s.CreatedAt,
		&s.UpdatedAt,
		&completed,
	); err != nil {
		return nil, err
	}

	s.Window.Duration = time.Duration(windowSeconds) * time.Second
	s.ActualStart = nullTimePtr(actualStart)
	s.ActualEnd = nullTimePtr(actualEnd)
	s.CompletedAt = nullTimePtr(completed)
	if baselineKWh.Valid {
		s.Baseline = &models.BaselineEstimate{
			Value:       baselineKWh.Decimal,
			Method:      models.BaselineMethod(baselineMethod.String),
			SampleCount: int(baselineSamples.Int64),
			ComputedAt:  baselineAt.Time,
		}
	}
	if actualKWh.Valid {
		v := actualKWh.Decimal
		s.ActualKWh = &v
	}
	if savedKWh.Valid {
		s.Result = &models.SavingsResult{
			SavedKWh:       savedKWh.Decimal,
			SavedEUR:       savedEUR.Decimal,
			SavedCO2Kg:     savedCO2.Decimal,
			PointsEarned:   points.Int64,
			SavingsPercent: pct.Decimal,
		}
	}
	return &s, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func getSession(ctx context.Context, q queryer, sessionID string, forUpdate bool) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM saving_sessions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSession(q.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	return s, err
}

// GetSession implements Store.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return getSession(ctx, s.db, sessionID, false)
}

// ListSessions implements Store. An empty status matches all sessions.
func (s *PostgresStore) ListSessions(ctx context.Context, userID string, status models.SessionStatus, limit int) ([]models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM saving_sessions
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY window_start DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, userID, string(status), normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CountSessions implements Store.
func (s *PostgresStore) CountSessions(ctx context.Context, userID string) (map[models.SessionStatus]int64, error) {
	const query = `
		SELECT status, COUNT(*)
		FROM saving_sessions
		WHERE user_id = $1
		GROUP BY status
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.SessionStatus]int64)
	for rows.Next() {
		var (
			status models.SessionStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// GetUserTotals implements Store. Unknown users have zero totals.
func (s *PostgresStore) GetUserTotals(ctx context.Context, userID string) (*models.UserTotals, error) {
	const query = `
		SELECT user_id, green_points, total_kwh_saved, total_eur_saved, total_co2_saved,
		       completed_sessions, annual_waste_fee, updated_at
		FROM user_totals
		WHERE user_id = $1
	`
	var t models.UserTotals
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&t.UserID,
		&t.GreenPoints,
		&t.TotalKWhSaved,
		&t.TotalEURSaved,
		&t.TotalCO2Saved,
		&t.CompletedSessions,
		&t.AnnualWasteFee,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		empty := emptyTotals(userID)
		return &empty, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetAnnualWasteFee implements Store.
func (s *PostgresStore) SetAnnualWasteFee(ctx context.Context, userID string, fee decimal.Decimal) error {
	const query = `
		INSERT INTO user_totals (user_id, annual_waste_fee, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			annual_waste_fee = EXCLUDED.annual_waste_fee,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query, userID, fee)
	return err
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) EnsureWallet(ctx context.Context, userID string) error {
	const query = `
		INSERT INTO wallet_accounts (user_id, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`
	_, err := t.tx.ExecContext(ctx, query, userID)
	return err
}

func (t *postgresTx) LockWallet(ctx context.Context, userID string) (*models.WalletAccount, error) {
	return getWallet(ctx, t.tx, userID, true)
}

func (t *postgresTx) UpdateWallet(ctx context.Context, wallet *models.WalletAccount) error {
	const query = `
		UPDATE wallet_accounts
		SET balance = $2,
		    total_earned = $3,
		    total_spent = $4,
		    sessions_contributed = $5,
		    last_payment_at = $6,
		    last_payment_amount = $7,
		    updated_at = NOW()
		WHERE user_id = $1
		RETURNING updated_at
	`
	err := t.tx.QueryRowContext(ctx, query,
		wallet.UserID,
		wallet.Balance,
		wallet.TotalEarned,
		wallet.TotalSpent,
		wallet.SessionsContributed,
		wallet.LastPaymentAt,
		wallet.LastPaymentAmount,
	).Scan(&wallet.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("wallet %s: %w", wallet.UserID, models.ErrNotFound)
	}
	return err
}

func (t *postgresTx) AppendEntry(ctx context.Context, entry *models.LedgerEntry) error {
	const query = `
		INSERT INTO wallet_entries (id, user_id, kind, amount, balance_after, session_ref, recipient_fund_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
		RETURNING created_at
	`
	var createdAt interface{}
	if !entry.CreatedAt.IsZero() {
		createdAt = entry.CreatedAt
	}
	err := t.tx.QueryRowContext(ctx, query,
		entry.ID,
		entry.UserID,
		entry.Kind,
		entry.Amount,
		entry.BalanceAfter,
		entry.SessionRef,
		entry.RecipientFundID,
		entry.Description,
		createdAt,
	).Scan(&entry.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateCredit
	}
	return err
}

func (t *postgresTx) FindCredit(ctx context.Context, userID, sessionRef string) (*models.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM wallet_entries
		WHERE user_id = $1 AND session_ref = $2 AND kind = 'CREDIT'
	`
	e, err := scanEntry(t.tx.QueryRowContext(ctx, query, userID, sessionRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credit for session %s: %w", sessionRef, models.ErrNotFound)
	}
	return e, err
}

func (t *postgresTx) CreateSession(ctx context.Context, session *models.Session) error {
	const query = `
		INSERT INTO saving_sessions (id, user_id, status, window_start, window_seconds,
			allocation_type, allocation_fund_id, allocation_wallet_percent, double_points,
			wallet_credit, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return t.tx.QueryRowContext(ctx, query,
		session.ID,
		session.UserID,
		session.Status,
		session.Window.Start,
		int64(session.Window.Duration/time.Second),
		session.Allocation.Type,
		session.Allocation.FundID,
		session.Allocation.WalletPercent,
		session.DoublePoints,
		session.WalletCredit,
		session.ErrorMessage,
	).Scan(&session.CreatedAt, &session.UpdatedAt)
}

func (t *postgresTx) LockSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return getSession(ctx, t.tx, sessionID, true)
}

func (t *postgresTx) UpdateSession(ctx context.Context, session *models.Session) error {
	const query = `
		UPDATE saving_sessions
		SET status = $2,
		    actual_start = $3,
		    actual_end = $4,
		    baseline_kwh = $5,
		    baseline_method = $6,
		    baseline_samples = $7,
		    baseline_computed_at = $8,
		    actual_kwh = $9,
		    saved_kwh = $10,
		    saved_eur = $11,
		    saved_co2_kg = $12,
		    points_earned = $13,
		    savings_percent = $14,
		    wallet_credit = $15,
		    error_message = $16,
		    completed_at = $17,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	var (
		baselineKWh, actualKWh            decimal.NullDecimal
		baselineMethod                    sql.NullString
		baselineSamples                   sql.NullInt64
		baselineAt                        sql.NullTime
		savedKWh, savedEUR, savedCO2, pct decimal.NullDecimal
		points                            sql.NullInt64
	)
	if b := session.Baseline; b != nil {
		baselineKWh = decimal.NewNullDecimal(b.Value)
		baselineMethod = sql.NullString{String: string(b.Method), Valid: true}
		baselineSamples = sql.NullInt64{Int64: int64(b.SampleCount), Valid: true}
		baselineAt = sql.NullTime{Time: b.ComputedAt, Valid: true}
	}
	if session.ActualKWh != nil {
		actualKWh = decimal.NewNullDecimal(*session.ActualKWh)
	}
	if r := session.Result; r != nil {
		savedKWh = decimal.NewNullDecimal(r.SavedKWh)
		savedEUR = decimal.NewNullDecimal(r.SavedEUR)
		savedCO2 = decimal.NewNullDecimal(r.SavedCO2Kg)
		points = sql.NullInt64{Int64: r.PointsEarned, Valid: true}
		pct = decimal.NewNullDecimal(r.SavingsPercent)
	}

	err := t.tx.QueryRowContext(ctx, query,
		session.ID,
		session.Status,
		session.ActualStart,
		session.ActualEnd,
		baselineKWh,
		baselineMethod,
		baselineSamples,
		baselineAt,
		actualKWh,
		savedKWh,
		savedEUR,
		savedCO2,
		points,
		pct,
		session.WalletCredit,
		session.ErrorMessage,
		session.CompletedAt,
	).Scan(&session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", session.ID, models.ErrNotFound)
	}
	return err
}

func (t *postgresTx) AddUserTotals(ctx context.Context, userID string, delta models.TotalsDelta) error {
	const query = `
		INSERT INTO user_totals (user_id, green_points, total_kwh_saved, total_eur_saved, total_co2_saved, completed_sessions, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			green_points = user_totals.green_points + EXCLUDED.green_points,
			total_kwh_saved = user_totals.total_kwh_saved + EXCLUDED.total_kwh_saved,
			total_eur_saved = user_totals.total_eur_saved + EXCLUDED.total_eur_saved,
			total_co2_saved = user_totals.total_co2_saved + EXCLUDED.total_co2_saved,
			completed_sessions = user_totals.completed_sessions + EXCLUDED.completed_sessions,
			updated_at = NOW()
	`
	_, err := t.tx.ExecContext(ctx, query, userID, delta.Points, delta.KWh, delta.EUR, delta.CO2, delta.Sessions)
	return err
}
