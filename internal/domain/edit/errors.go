package edit

import (
	"errors"

	"github.com/photoedit/photoedit-api/internal/domain/ledger"
)

var (
	ErrInsufficientCredit = ledger.ErrInsufficientCredit

	// ErrProviderUnavailable means the provider timed out, was unreachable or failed on its side.
	ErrProviderUnavailable = errors.New("generation provider unavailable")

	// ErrProviderRejected means the provider refused the request or returned no request id.
	ErrProviderRejected = errors.New("generation provider rejected the request")

	ErrInvalidImage        = errors.New("invalid source image")
	ErrAnonymousNotAllowed = errors.New("anonymous edits are disabled")
	ErrMissingRequestID    = errors.New("request id is required")
)
