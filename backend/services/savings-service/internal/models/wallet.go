package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletAccount is the per-user Waste Wallet.
type WalletAccount struct {
	UserID              string          `db:"user_id" json:"user_id"`
	Balance             decimal.Decimal `db:"balance" json:"current_balance"`
	TotalEarned         decimal.Decimal `db:"total_earned" json:"total_earned"`
	TotalSpent          decimal.Decimal `db:"total_spent" json:"total_spent"`
	SessionsContributed int64           `db:"sessions_contributed" json:"sessions_contributed"`
	LastPaymentAt       *time.Time      `db:"last_payment_at" json:"last_payment_date,omitempty"`
	LastPaymentAmount   decimal.Decimal `db:"last_payment_amount" json:"last_payment_amount"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// EntryKind classifies ledger entries.
type EntryKind string

const (
	EntryCredit                EntryKind = "CREDIT"
	EntryDebit                 EntryKind = "DEBIT"
	EntryDonation              EntryKind = "DONATION"
	EntryPaymentToMunicipality EntryKind = "PAYMENT_TO_MUNICIPALITY"
)

// LedgerEntry is an append-only wallet movement. BalanceAfter is the
// authoritative post-transaction snapshot.
type LedgerEntry struct {
	ID              string          `db:"id" json:"transaction_id"`
	UserID          string          `db:"user_id" json:"user_id"`
	Kind            EntryKind       `db:"kind" json:"type"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	BalanceAfter    decimal.Decimal `db:"balance_after" json:"balance_after"`
	SessionRef      string          `db:"session_ref" json:"session_id,omitempty"`
	RecipientFundID string          `db:"recipient_fund_id" json:"donation_recipient_id,omitempty"`
	Description     string          `db:"description" json:"description"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// MonthlySummary sums a calendar month of entries by kind.
type MonthlySummary struct {
	Year             int             `json:"year"`
	Month            int             `json:"month"`
	TotalCredits     decimal.Decimal `json:"total_credits"`
	TotalDebits      decimal.Decimal `json:"total_debits"`
	TotalDonations   decimal.Decimal `json:"total_donations"`
	NetChange        decimal.Decimal `json:"net_change"`
	TransactionCount int             `json:"transaction_count"`
}
