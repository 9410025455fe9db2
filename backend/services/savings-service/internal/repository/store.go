package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"powersave/backend/services/savings-service/internal/models"
)

// ErrDuplicateCredit is returned when a second CREDIT for the same
// (user, session) pair reaches storage.
var ErrDuplicateCredit = errors.New("repository: duplicate session credit")

// Tx is the transactional view of the store. Rows returned by the Lock*
// methods stay locked until the surrounding unit of work ends.
type Tx interface {
	// EnsureWallet creates an empty wallet for userID if none exists.
	EnsureWallet(ctx context.Context, userID string) error
	LockWallet(ctx context.Context, userID string) (*models.WalletAccount, error)
	UpdateWallet(ctx context.Context, wallet *models.WalletAccount) error
	AppendEntry(ctx context.Context, entry *models.LedgerEntry) error
	FindCredit(ctx context.Context, userID, sessionRef string) (*models.LedgerEntry, error)

	CreateSession(ctx context.Context, session *models.Session) error
	LockSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error

	AddUserTotals(ctx context.Context, userID string, delta models.TotalsDelta) error
}

// Store is the persistence collaborator. WithinTx runs fn as one atomic
// unit of work: either every write made through tx is kept or none is.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetWallet(ctx context.Context, userID string) (*models.WalletAccount, error)
	ListEntries(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error)
	EntriesBetween(ctx context.Context, userID string, from, to time.Time) ([]models.LedgerEntry, error)

	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, userID string, status models.SessionStatus, limit int) ([]models.Session, error)
	CountSessions(ctx context.Context, userID string) (map[models.SessionStatus]int64, error)

	GetUserTotals(ctx context.Context, userID string) (*models.UserTotals, error)
	SetAnnualWasteFee(ctx context.Context, userID string, fee decimal.Decimal) error
}

const defaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func newWallet(userID string, now time.Time) models.WalletAccount {
	return models.WalletAccount{
		UserID:            userID,
		Balance:           decimal.Zero,
		TotalEarned:       decimal.Zero,
		TotalSpent:        decimal.Zero,
		LastPaymentAmount: decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func emptyTotals(userID string) models.UserTotals {
	return models.UserTotals{
		UserID:         userID,
		TotalKWhSaved:  decimal.Zero,
		TotalEURSaved:  decimal.Zero,
		TotalCO2Saved:  decimal.Zero,
		AnnualWasteFee: decimal.Zero,
	}
}
