package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrBidTooLow          = errors.New("bid not above current price")
	ErrConflict           = errors.New("version conflict")
	ErrTooManyConflicts   = errors.New("too many version conflicts")
	ErrInvalidTransition  = errors.New("invalid listing state transition")
	ErrPinningUnavailable = errors.New("all pinning providers failed")
	ErrSettlementTimeout  = errors.New("settlement confirmation timed out")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrWrongNetwork       = errors.New("settlement outcome from unexpected network")
	ErrMalformedOutcome   = errors.New("malformed settlement outcome")
)
