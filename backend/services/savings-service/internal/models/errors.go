package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Caller-facing failures. All of them are recoverable business conditions.
var (
	ErrInsufficientData    = errors.New("baseline: insufficient data")
	ErrInvalidBaseline     = errors.New("baseline: implausible value")
	ErrInvalidTransition   = errors.New("session: invalid state transition")
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
)

// ErrInvariantViolation marks an internal consistency fault in the ledger.
// It indicates a bug, not bad input.
var ErrInvariantViolation = errors.New("ledger: balance invariant violated")

// InvariantError describes which wallet invariant failed.
type InvariantError struct {
	UserID string
	Op     string
	Before decimal.Decimal
	After  decimal.Decimal
	Amount decimal.Decimal
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger: %s for user %s violated invariant (%s): before=%s amount=%s after=%s",
		e.Op, e.UserID, e.Detail, e.Before, e.Amount, e.After)
}

// Unwrap lets errors.Is match ErrInvariantViolation.
func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// InvalidArgumentf builds an ErrInvalidArgument with context.
func InvalidArgumentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
