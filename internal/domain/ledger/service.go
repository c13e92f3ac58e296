package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/photoedit/photoedit-api/internal/pkg/logger"
	"github.com/photoedit/photoedit-api/internal/pkg/metrics"
)

// Service applies debit, refund and grant operations on top of a Store.
type Service struct {
	store Store
}

// NewService creates a ledger service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// EnsureUser creates the user on first sight. A non-nil email overwrites the stored one.
func (s *Service) EnsureUser(ctx context.Context, userID string, email *string) (*User, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	return s.store.EnsureUser(ctx, userID, email)
}

// Profile returns the user with its current balance.
func (s *Service) Profile(ctx context.Context, userID string) (*User, error) {
	return s.store.GetUser(ctx, userID)
}

// Balance returns the current balance. Unknown users have zero credits.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return u.Credits, nil
}

// Debit charges amount credits. The returned row has no request id yet.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, reason string) (*Consumption, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	c, err := s.store.Debit(ctx, userID, amount, reason)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrInsufficientCredit) {
			outcome = "insufficient"
		}
		metrics.LedgerOperations.WithLabelValues("debit", outcome).Inc()
		return nil, err
	}

	metrics.LedgerOperations.WithLabelValues("debit", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues("debit").Add(float64(amount))
	logger.FromContext(ctx).Info().
		Str("user_id", userID).
		Int64("amount", amount).
		Int64("consumption_id", c.ID).
		Msg("Credits debited")

	return c, nil
}

// AttachRequest links a debit to the request id assigned by the generation provider.
func (s *Service) AttachRequest(ctx context.Context, consumptionID int64, requestID string) error {
	if requestID == "" {
		return fmt.Errorf("%w: empty request id", ErrInternal)
	}
	return s.store.AttachRequest(ctx, consumptionID, requestID)
}

// Refund reverses a debit. A second call for the same debit is a no-op and returns (nil, nil).
func (s *Service) Refund(ctx context.Context, consumptionID int64, reason string) (*Consumption, error) {
	reversal, err := s.store.Refund(ctx, consumptionID, reason)
	return s.recordRefund(ctx, reversal, err, "consumption_id", fmt.Sprint(consumptionID))
}

// RefundByRequest reverses the unrefunded debit carrying requestID.
// No match (already refunded, never debited, anonymous job) is a silent no-op.
func (s *Service) RefundByRequest(ctx context.Context, requestID, reason string) (*Consumption, error) {
	reversal, err := s.store.RefundByRequest(ctx, requestID, reason)
	return s.recordRefund(ctx, reversal, err, "request_id", requestID)
}

func (s *Service) recordRefund(ctx context.Context, reversal *Consumption, err error, key, value string) (*Consumption, error) {
	l := logger.FromContext(ctx)
	if err != nil {
		metrics.LedgerOperations.WithLabelValues("refund", "error").Inc()
		l.Error().Err(err).Str(key, value).Msg("Refund failed")
		return nil, err
	}
	if reversal == nil {
		metrics.LedgerOperations.WithLabelValues("refund", "noop").Inc()
		l.Debug().Str(key, value).Msg("Refund skipped, nothing to reverse")
		return nil, nil
	}

	metrics.LedgerOperations.WithLabelValues("refund", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues("refund").Add(float64(-reversal.CreditsUsed))
	l.Info().
		Str(key, value).
		Str("user_id", reversal.UserID).
		Int64("amount", -reversal.CreditsUsed).
		Int64("reversal_id", reversal.ID).
		Msg("Credits refunded")
	return reversal, nil
}

// Grant applies a payment event. Replays fail with ErrDuplicateEvent and leave the balance alone.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*Charge, error) {
	if req.EventID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: grant needs event and user", ErrInternal)
	}
	if req.Credits <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	ch, err := s.store.Grant(ctx, req)
	if err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			metrics.LedgerOperations.WithLabelValues("grant", "duplicate").Inc()
			logger.FromContext(ctx).Info().Str("event_id", req.EventID).Msg("Payment event already applied")
			return nil, err
		}
		metrics.LedgerOperations.WithLabelValues("grant", "error").Inc()
		return nil, err
	}

	metrics.LedgerOperations.WithLabelValues("grant", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues("grant").Add(float64(req.Credits))
	logger.FromContext(ctx).Info().
		Str("event_id", req.EventID).
		Str("user_id", req.UserID).
		Int64("amount", req.Credits).
		Msg("Credits granted")

	return ch, nil
}

// History returns the user's charges and consumptions, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) (*History, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	charges, err := s.store.ListCharges(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	consumptions, err := s.store.ListConsumptions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	return &History{Charges: charges, Consumptions: consumptions}, nil
}

// UnsettledDebits lists unrefunded debits created in [from, to), one page of
// at most limit rows after afterID.
func (s *Service) UnsettledDebits(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]Consumption, error) {
	return s.store.ListUnsettledDebits(ctx, from, to, afterID, limit)
}
