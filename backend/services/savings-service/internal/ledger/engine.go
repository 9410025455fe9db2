package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"powersave/backend/services/savings-service/internal/metrics"
	"powersave/backend/services/savings-service/internal/models"
	"powersave/backend/services/savings-service/internal/repository"
	"powersave/backend/services/savings-service/internal/savings"
)

// EntryPublisher receives ledger entries after they are committed.
type EntryPublisher interface {
	PublishWalletEntry(ctx context.Context, entry models.LedgerEntry) error
}

// Engine owns every wallet mutation. Each mutation locks the wallet row,
// appends exactly one entry and re-checks the wallet invariants before the
// unit of work commits.
type Engine struct {
	store     repository.Store
	logger    *zap.Logger
	metrics   *metrics.Metrics
	publisher EntryPublisher
	now       func() time.Time
	newID     func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithMetrics records ledger activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher forwards committed entries to p.
func WithPublisher(p EntryPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds ledger engine.
func NewEngine(store repository.Store, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome summarises what Allocate did to the wallet.
type Outcome struct {
	Credited decimal.Decimal
	Donated  decimal.Decimal
	Entries  []models.LedgerEntry
	Replayed bool
}

// Retained is the part of the saving that stayed in the wallet.
func (o Outcome) Retained() decimal.Decimal {
	return o.Credited.Sub(o.Donated)
}

// GetOrCreate returns the user's wallet, creating an empty one if needed.
func (e *Engine) GetOrCreate(ctx context.Context, userID string) (*models.WalletAccount, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	var wallet *models.WalletAccount
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		w, err := e.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// Balance returns the current balance. A user without a wallet has zero.
func (e *Engine) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if err := validateUser(userID); err != nil {
		return decimal.Zero, err
	}
	w, err := e.store.GetWallet(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// Credit adds amount to the wallet. With a session reference the call is
// idempotent: a repeated credit for the same session returns the original
// entry and leaves the balance unchanged.
func (e *Engine) Credit(ctx context.Context, userID string, amount decimal.Decimal, sessionRef, description string) (*models.LedgerEntry, error) {
	var (
		entry   *models.LedgerEntry
		created bool
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		entry, created, err = e.credit(ctx, tx, userID, amount, sessionRef, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		e.Publish(ctx, *entry)
	}
	return entry, nil
}

// Debit pays amount from the wallet to the municipality.
func (e *Engine) Debit(ctx context.Context, userID string, amount decimal.Decimal, description string) (*models.LedgerEntry, error) {
	if description == "" {
		description = "Waste fee payment"
	}
	return e.spendTx(ctx, spend{
		userID:      userID,
		amount:      amount,
		kind:        models.EntryPaymentToMunicipality,
		description: description,
	})
}

// Donate moves amount from the wallet to a solidarity fund.
func (e *Engine) Donate(ctx context.Context, userID string, amount decimal.Decimal, recipientFundID string) (*models.LedgerEntry, error) {
	if strings.TrimSpace(recipientFundID) == "" {
		return nil, models.InvalidArgumentf("recipient fund id is required")
	}
	return e.spendTx(ctx, spend{
		userID:      userID,
		amount:      amount,
		kind:        models.EntryDonation,
		fundID:      recipientFundID,
		description: "Donation to " + recipientFundID,
	})
}

// History returns ledger entries, newest first.
func (e *Engine) History(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if limit > 500 {
		limit = 500
	}
	return e.store.ListEntries(ctx, userID, limit, offset)
}

// MonthlySummary totals the entries of one calendar month (UTC).
func (e *Engine) MonthlySummary(ctx context.Context, userID string, year, month int) (models.MonthlySummary, error) {
	if err := validateUser(userID); err != nil {
		return models.MonthlySummary{}, err
	}
	if month < 1 || month > 12 {
		return models.MonthlySummary{}, models.InvalidArgumentf("month must be between 1 and 12, got %d", month)
	}
	if year < 1 {
		return models.MonthlySummary{}, models.InvalidArgumentf("year must be positive, got %d", year)
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	entries, err := e.store.EntriesBetween(ctx, userID, from, to)
	if err != nil {
		return models.MonthlySummary{}, err
	}

	summary := models.MonthlySummary{
		Year:             year,
		Month:            month,
		TotalCredits:     decimal.Zero,
		TotalDebits:      decimal.Zero,
		TotalDonations:   decimal.Zero,
		TransactionCount: len(entries),
	}
	for _, entry := range entries {
		switch entry.Kind {
		case models.EntryCredit:
			summary.TotalCredits = summary.TotalCredits.Add(entry.Amount)
		case models.EntryDebit, models.EntryPaymentToMunicipality:
			summary.TotalDebits = summary.TotalDebits.Add(entry.Amount)
		case models.EntryDonation:
			summary.TotalDonations = summary.TotalDonations.Add(entry.Amount)
		}
	}
	summary.NetChange = summary.TotalCredits.Sub(summary.TotalDebits).Sub(summary.TotalDonations)
	return summary, nil
}

// Allocate routes a session saving inside the caller's unit of work. The
// caller publishes Outcome.Entries once the unit of work has committed.
func (e *Engine) Allocate(ctx context.Context, tx repository.Tx, userID, sessionRef string, savedEUR decimal.Decimal, alloc Allocation) (Outcome, error) {
	out := Outcome{Credited: decimal.Zero, Donated: decimal.Zero}
	if savedEUR.IsNegative() {
		return out, models.InvalidArgumentf("saved amount must not be negative, got %s", savedEUR)
	}
	if _, ok := alloc.(GreenCoins); ok || !savedEUR.IsPositive() {
		return out, nil
	}

	description := "Savings from session " + sessionRef
	credit, created, err := e.credit(ctx, tx, userID, savedEUR, sessionRef, description)
	if err != nil {
		return out, err
	}
	out.Credited = credit.Amount
	if !created {
		out.Replayed = true
		return out, nil
	}
	out.Entries = append(out.Entries, *credit)

	var (
		donation decimal.Decimal
		fundID   string
	)
	switch v := alloc.(type) {
	case WasteWallet:
	case SolidarityFund:
		donation, fundID = savedEUR, v.FundID
	case Mixed:
		walletShare, err := savings.AllocationShare(savedEUR, v.WalletPercent)
		if err != nil {
			return out, err
		}
		donation, fundID = savedEUR.Sub(walletShare), v.FundID
	default:
		return out, models.InvalidArgumentf("unsupported allocation %T", alloc)
	}

	if donation.IsPositive() {
		entry, err := e.spend(ctx, tx, spend{
			userID:      userID,
			amount:      donation,
			kind:        models.EntryDonation,
			fundID:      fundID,
			sessionRef:  sessionRef,
			description: "Solidarity donation from session " + sessionRef,
		})
		if err != nil {
			return out, err
		}
		out.Donated = entry.Amount
		out.Entries = append(out.Entries, *entry)
	}
	return out, nil
}

// Publish forwards a committed entry to the publisher, if any. Failures are
// logged and never surface to the caller.
func (e *Engine) Publish(ctx context.Context, entries ...models.LedgerEntry) {
	if e.publisher == nil {
		return
	}
	for _, entry := range entries {
		if err := e.publisher.PublishWalletEntry(ctx, entry); err != nil {
			e.logger.Warn("failed to publish wallet entry",
				zap.String("entry_id", entry.ID),
				zap.String("user_id", entry.UserID),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) lockWallet(ctx context.Context, tx repository.Tx, userID string) (*models.WalletAccount, error) {
	if err := tx.EnsureWallet(ctx, userID); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	return tx.LockWallet(ctx, userID)
}

func (e *Engine) credit(ctx context.Context, tx repository.Tx, userID string, amount decimal.Decimal, sessionRef, description string) (*models.LedgerEntry, bool, error) {
	if err := validateUser(userID); err != nil {
		return nil, false, err
	}
	if err := validateAmount(amount); err != nil {
		return nil, false, err
	}

	wallet, err := e.lockWallet(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}

	if sessionRef != "" {
		existing, err := tx.FindCredit(ctx, userID, sessionRef)
		if err == nil {
			e.logger.Info("duplicate session credit ignored",
				zap.String("user_id", userID),
				zap.String("session_ref", sessionRef),
			)
			return existing, false, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, false, err
		}
	}

	before := wallet.Balance
	wallet.Balance = wallet.Balance.Add(amount)
	wallet.TotalEarned = wallet.TotalEarned.Add(amount)
	if sessionRef != "" {
		wallet.SessionsContributed++
	}
	if err := e.checkInvariants("credit", wallet, before, amount); err != nil {
		return nil, false, err
	}

	entry := &models.LedgerEntry{
		ID:           e.newID(),
		UserID:       userID,
		Kind:         models.EntryCredit,
		Amount:       amount,
		BalanceAfter: wallet.Balance,
		SessionRef:   sessionRef,
		Description:  description,
		CreatedAt:    e.now(),
	}
	if err := e.persist(ctx, tx, wallet, entry); err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

type spend struct {
	userID      string
	amount      decimal.Decimal
	kind        models.EntryKind
	fundID      string
	sessionRef  string
	description string
}

func (e *Engine) spendTx(ctx context.Context, s spend) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		entry, err = e.spend(ctx, tx, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Publish(ctx, *entry)
	return entry, nil
}

func (e *Engine) spend(ctx context.Context, tx repository.Tx, s spend) (*models.LedgerEntry, error) {
	if err := validateUser(s.userID); err != nil {
		return nil, err
	}
	if err := validateAmount(s.amount); err != nil {
		return nil, err
	}

	wallet, err := e.lockWallet(ctx, tx, s.userID)
	if err != nil {
		return nil, err
	}
	if s.amount.GreaterThan(wallet.Balance) {
		return nil, fmt.Errorf("%w: requested %s, available %s",
			models.ErrInsufficientBalance, s.amount.StringFixed(2), wallet.Balance.StringFixed(2))
	}

	now := e.now()
	before := wallet.Balance
	wallet.Balance = wallet.Balance.Sub(s.amount)
	wallet.TotalSpent = wallet.TotalSpent.Add(s.amount)
	if s.kind == models.EntryPaymentToMunicipality {
		wallet.LastPaymentAt = &now
		wallet.LastPaymentAmount = s.amount
	}
	if err := e.checkInvariants(strings.ToLower(string(s.kind)), wallet, before, s.amount.Neg()); err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		ID:              e.newID(),
		UserID:          s.userID,
		Kind:            s.kind,
		Amount:          s.amount,
		BalanceAfter:    wallet.Balance,
		SessionRef:      s.sessionRef,
		RecipientFundID: s.fundID,
		Description:     s.description,
		CreatedAt:       now,
	}
	if err := e.persist(ctx, tx, wallet, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) persist(ctx context.Context, tx repository.Tx, wallet *models.WalletAccount, entry *models.LedgerEntry) error {
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("append %s entry: %w", entry.Kind, err)
	}
	e.metrics.LedgerEntry(string(entry.Kind), entry.Amount, entry.Kind == models.EntryCredit)
	return nil
}

// checkInvariants verifies the wallet after applying delta to before.
func (e *Engine) checkInvariants(op string, wallet *models.WalletAccount, before, delta decimal.Decimal) error {
	var detail string
	switch {
	case !wallet.Balance.Equal(before.Add(delta)):
		detail = "balance does not reflect the movement"
	case wallet.Balance.IsNegative():
		detail = "negative balance"
	case !wallet.Balance.Equal(wallet.TotalEarned.Sub(wallet.TotalSpent)):
		detail = "balance differs from earned minus spent"
	case wallet.TotalEarned.IsNegative() || wallet.TotalSpent.IsNegative():
		detail = "negative running total"
	default:
		return nil
	}

	err := &models.InvariantError{
		UserID: wallet.UserID,
		Op:     op,
		Before: before,
		After:  wallet.Balance,
		Amount: delta.Abs(),
		Detail: detail,
	}
	e.metrics.InvariantViolation(op)
	e.logger.Error("wallet invariant violated",
		zap.String("user_id", wallet.UserID),
		zap.String("op", op),
		zap.String("detail", detail),
		zap.String("before", before.String()),
		zap.String("after", wallet.Balance.String()),
		zap.String("earned", wallet.TotalEarned.String()),
		zap.String("spent", wallet.TotalSpent.String()),
		zap.Stack("stack"),
	)
	return err
}

func validateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return models.InvalidArgumentf("user id is required")
	}
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return models.InvalidArgumentf("amount must be positive, got %s", amount)
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return models.InvalidArgumentf("amount %s has more than two decimal places", amount)
	}
	return nil
}
