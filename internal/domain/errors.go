package domain

import "errors"

// Ledger failures shared by the store implementations and the credit ledger.
var (
	ErrUserNotFound        = errors.New("ledger: user not found")
	ErrInsufficientCredits = errors.New("ledger: no credits remaining")
	ErrInvalidAmount       = errors.New("ledger: amount out of range")
	ErrBalanceLimit        = errors.New("ledger: balance limit exceeded")
	ErrUnknownPlan         = errors.New("ledger: unknown credit plan")
	ErrStoreUnavailable    = errors.New("ledger: store unavailable")
)
