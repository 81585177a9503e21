package engine

import "github.com/pkg/errors"

// Sentinel errors for the order and position paths. Callers branch on
// these to pick a recovery policy instead of parsing messages.
var (
	// ErrNoPosition: the operation needs an open position and the
	// exchange reports none. Local state must be reset, never retried.
	ErrNoPosition = errors.New("no open position on exchange")

	// ErrAmountZero: the computed order size rounds to zero at exchange
	// precision. The placement is skipped, not retried.
	ErrAmountZero = errors.New("order amount rounds to zero")

	// ErrInsufficientMargin: free margin cannot cover the next safety
	// order with buffer. The level is skipped until margin frees up.
	ErrInsufficientMargin = errors.New("insufficient free margin")

	// ErrGridExhausted: all safety orders have been consumed.
	ErrGridExhausted = errors.New("dca grid exhausted")

	// ErrFillTimeout: an order did not reach a terminal state within
	// the wait window.
	ErrFillTimeout = errors.New("order fill timed out")
)
