package ledger

import "errors"

var (
	// ErrInsufficientCredit is returned when the balance cannot cover a debit
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrDuplicateEvent is returned when a payment event was already applied
	ErrDuplicateEvent = errors.New("payment event already applied")

	ErrUserNotFound        = errors.New("user not found")
	ErrConsumptionNotFound = errors.New("consumption not found")

	// ErrRequestAttached is returned when a debit already carries another request id
	ErrRequestAttached = errors.New("consumption already has a request id")

	ErrInternal = errors.New("internal error")
)
