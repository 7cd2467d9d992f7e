package game

import "errors"

// User-visible errors stay terse: they travel to clients as-is and must not
// leak seed or lock internals.
var (
	ErrNoActiveGame  = errors.New("no active game")
	ErrBettingClosed = errors.New("betting is closed")
	ErrNotFlying     = errors.New("cannot cash out now")
	ErrInvalidAmount = errors.New("invalid bet amount")
	ErrInvalidTarget = errors.New("invalid auto cashout target")
)
