package payment

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotConfigured    = errors.New("payments are not configured")
	ErrUnknownPlan      = errors.New("unknown plan")
	ErrInvalidEvent     = errors.New("invalid payment event")
)
