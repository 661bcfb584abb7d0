package engine

import "errors"

// Sentinel errors returned by the auction engine. Callers branch with
// errors.Is; the wrapped message carries the specific cause.
var (
	ErrInvalidOrder    = errors.New("invalid order")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTooEarly        = errors.New("too early")
	ErrInvalidTrade    = errors.New("invalid trade")
	ErrAlreadySupplied = errors.New("already supplied")
	ErrLedgerFailure   = errors.New("ledger failure")
	ErrNotFound        = errors.New("not found")
)
