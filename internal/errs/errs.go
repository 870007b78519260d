// Package errs holds the domain error sentinels shared across the escrow
// services and the HTTP response mapping.
package errs

import "errors"

// Validation failures, rejected before any state mutation.
var (
	ErrDuplicateOrder = errors.New("order id already exists")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrInvalidParty   = errors.New("invalid party identity")
)

// Authorization failures, rejected with no partial effect.
var (
	ErrUnauthorized      = errors.New("caller is not permitted")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnauthorizedVoter = errors.New("voter is not an authorized arbiter")
)

// State failures. Callers react differently to each, so they stay distinct.
var (
	ErrWrongState       = errors.New("operation not allowed in current order state")
	ErrAlreadyVoted     = errors.New("voter has already voted on this order")
	ErrNotReady         = errors.New("dispute is not ready to finalize")
	ErrAlreadyFinalized = errors.New("dispute already finalized")
)

// Resource failures, surfaced without internal retries.
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)
