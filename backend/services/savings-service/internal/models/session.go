package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a saving session.
type SessionStatus string

const (
	SessionScheduled  SessionStatus = "SCHEDULED"
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
	SessionCancelled  SessionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionScheduled, SessionInProgress, SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// BaselineMethod names the algorithm that produced a baseline.
type BaselineMethod string

const (
	BaselineRolling10Day BaselineMethod = "10_DAY_AVERAGE"
	BaselineSameWeekday  BaselineMethod = "SAME_WEEKDAY_AVERAGE"
)

// BaselineEstimate is the predicted consumption for a session window.
type BaselineEstimate struct {
	Value       decimal.Decimal `json:"value_kwh"`
	Method      BaselineMethod  `json:"method"`
	SampleCount int             `json:"sample_count"`
	ComputedAt  time.Time       `json:"computed_at"`
}

// SavingsResult is the outcome of a completed session.
type SavingsResult struct {
	SavedKWh       decimal.Decimal `json:"saved_kwh"`
	SavedEUR       decimal.Decimal `json:"saved_eur"`
	SavedCO2Kg     decimal.Decimal `json:"saved_co2_kg"`
	PointsEarned   int64           `json:"green_points_earned"`
	SavingsPercent decimal.Decimal `json:"savings_percentage"`
}

// IsZero reports whether the session produced no saving.
func (r SavingsResult) IsZero() bool {
	return r.SavedKWh.IsZero() && r.SavedEUR.IsZero() && r.SavedCO2Kg.IsZero() &&
		r.PointsEarned == 0 && r.SavingsPercent.IsZero()
}

// Session is a scheduled saving window for one user.
type Session struct {
	ID           string            `db:"id" json:"id"`
	UserID       string            `db:"user_id" json:"user_id"`
	Status       SessionStatus     `db:"status" json:"status"`
	Window       ConsumptionWindow `json:"scheduled_window"`
	ActualStart  *time.Time        `db:"actual_start" json:"actual_start,omitempty"`
	ActualEnd    *time.Time        `db:"actual_end" json:"actual_end,omitempty"`
	Baseline     *BaselineEstimate `json:"baseline,omitempty"`
	ActualKWh    *decimal.Decimal  `db:"actual_kwh" json:"actual_kwh,omitempty"`
	Result       *SavingsResult    `json:"result,omitempty"`
	Allocation   AllocationSpec    `json:"allocation"`
	DoublePoints bool              `db:"double_points" json:"double_points"`
	WalletCredit decimal.Decimal   `db:"wallet_credit" json:"wallet_credit"`
	ErrorMessage string            `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at" json:"updated_at"`
	CompletedAt  *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}

// AllocationType is the persisted tag of an allocation destination.
type AllocationType string

const (
	AllocationWasteWallet    AllocationType = "WASTE_WALLET"
	AllocationSolidarityFund AllocationType = "SOLIDARITY_FUND"
	AllocationGreenCoins     AllocationType = "GREEN_COINS"
	AllocationMixed          AllocationType = "MIXED"
)

// AllocationSpec is the flat, storable description of where savings go.
// The ledger turns it into a typed allocation variant.
type AllocationSpec struct {
	Type          AllocationType `db:"allocation_type" json:"type"`
	FundID        string         `db:"allocation_fund_id" json:"fund_id,omitempty"`
	WalletPercent int            `db:"allocation_wallet_percent" json:"wallet_percent,omitempty"`
}

// UserTotals aggregates a user's lifetime savings.
type UserTotals struct {
	UserID            string          `db:"user_id" json:"user_id"`
	GreenPoints       int64           `db:"green_points" json:"green_points"`
	TotalKWhSaved     decimal.Decimal `db:"total_kwh_saved" json:"total_kwh_saved"`
	TotalEURSaved     decimal.Decimal `db:"total_eur_saved" json:"total_eur_saved"`
	TotalCO2Saved     decimal.Decimal `db:"total_co2_saved" json:"total_co2_saved"`
	CompletedSessions int64           `db:"completed_sessions" json:"completed_sessions"`
	AnnualWasteFee    decimal.Decimal `db:"annual_waste_fee" json:"annual_waste_fee"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// TotalsDelta is the increment applied to UserTotals on completion.
type TotalsDelta struct {
	Points   int64
	KWh      decimal.Decimal
	EUR      decimal.Decimal
	CO2      decimal.Decimal
	Sessions int64
}
