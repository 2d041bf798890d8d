package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrIllegalTransition = errors.New("illegal order state transition")
	ErrOverfill          = errors.New("filled quantity exceeds order quantity")
	ErrNoData            = errors.New("no data available")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrInvalidDefinition = errors.New("invalid event definition")
	ErrNotLimitOrder     = errors.New("not a limit order")
	ErrLockHeld          = errors.New("lock already held")
	ErrRiskRejected      = errors.New("rejected by risk limits")
	ErrRateLimited       = errors.New("rate limited")
)
