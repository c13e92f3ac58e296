package ledger

import (
	"context"
	"time"
)

// Store persists users, charges and consumptions.
// Every mutating method is atomic: balance and ledger rows change together or not at all.
type Store interface {
	// EnsureUser creates the user if absent. A non-nil email replaces the stored one.
	EnsureUser(ctx context.Context, userID string, email *string) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)

	// Debit decrements the balance and appends a debit row, or fails with ErrInsufficientCredit.
	Debit(ctx context.Context, userID string, amount int64, reason string) (*Consumption, error)
	// AttachRequest sets the request id of a debit that has none yet.
	AttachRequest(ctx context.Context, consumptionID int64, requestID string) error

	// Refund reverses a debit. Returns (nil, nil) when it was already refunded.
	Refund(ctx context.Context, consumptionID int64, reason string) (*Consumption, error)
	// RefundByRequest reverses the unrefunded debit carrying requestID. Returns (nil, nil) when there is none.
	RefundByRequest(ctx context.Context, requestID, reason string) (*Consumption, error)

	// Grant records a charge and credits the user. Fails with ErrDuplicateEvent on replay.
	Grant(ctx context.Context, req GrantRequest) (*Charge, error)

	ListCharges(ctx context.Context, userID string, limit int) ([]Charge, error)
	ListConsumptions(ctx context.Context, userID string, limit int) ([]Consumption, error)

	// ListUnsettledDebits returns unrefunded debits created in [from, to) with
	// id > afterID, in id order.
	ListUnsettledDebits(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]Consumption, error)
}
