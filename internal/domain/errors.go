package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrInvalidAsset       = errors.New("invalid asset reference")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrUnknownPlan        = errors.New("unknown credit plan")
	ErrJobTerminal        = errors.New("job already terminal")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrStoreUnavailable   = errors.New("object store unavailable")
	ErrStoreRejected      = errors.New("object store rejected request")
)
