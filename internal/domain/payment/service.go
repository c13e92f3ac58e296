package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/photoedit/photoedit-api/internal/domain/ledger"
	"github.com/photoedit/photoedit-api/internal/pkg/logger"
	"github.com/photoedit/photoedit-api/internal/pkg/metrics"
)

// Granter credits users for payment events.
type Granter interface {
	Grant(ctx context.Context, req ledger.GrantRequest) (*ledger.Charge, error)
}

// CheckoutCreator opens hosted checkout sessions.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error)
}

// CheckoutRequest asks for a checkout of quantity units of a plan.
type CheckoutRequest struct {
	UserID   string
	Email    string
	PlanID   string
	Quantity int64
}

// Service applies payment events to the ledger.
type Service struct {
	granter  Granter
	catalog  *Catalog
	checkout CheckoutCreator
}

// NewService creates a payment service. checkout may be nil when payments are
// not configured.
func NewService(granter Granter, catalog *Catalog, checkout CheckoutCreator) *Service {
	return &Service{granter: granter, catalog: catalog, checkout: checkout}
}

// Plans lists purchasable plans.
func (s *Service) Plans() []Plan {
	return s.catalog.Plans()
}

// ApplyEvent grants the credits bought by ev. Replays of the same event id
// report OutcomeDuplicate and change nothing.
func (s *Service) ApplyEvent(ctx context.Context, ev Event) (Outcome, error) {
	l := logger.FromContext(ctx)

	completed, ok := ev.(CheckoutCompleted)
	if !ok {
		if ig, ok := ev.(Ignored); ok {
			l.Debug().Str("event_id", ig.ID).Str("type", ig.Type).Msg("Payment event ignored")
		}
		metrics.PaymentEvents.WithLabelValues(string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	var credits, quantity int64
	var planID *string
	for _, item := range completed.LineItems {
		perUnit, known := s.catalog.Credits(item.PlanID)
		if !known {
			l.Warn().Str("event_id", completed.ID).Str("plan_id", item.PlanID).Msg("Unknown plan in payment event")
			continue
		}
		credits += perUnit * item.Quantity
		quantity += item.Quantity
		if planID == nil {
			id := item.PlanID
			planID = &id
		}
	}

	if credits <= 0 {
		l.Warn().Str("event_id", completed.ID).Msg("Payment event grants no credits")
		metrics.PaymentEvents.WithLabelValues(string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	_, err := s.granter.Grant(ctx, ledger.GrantRequest{
		EventID:     completed.ID,
		UserID:      completed.UserID,
		Email:       completed.Email,
		PlanID:      planID,
		Quantity:    quantity,
		Credits:     credits,
		AmountTotal: completed.AmountTotal,
		Currency:    completed.Currency,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			metrics.PaymentEvents.WithLabelValues(string(OutcomeDuplicate)).Inc()
			return OutcomeDuplicate, nil
		}
		metrics.PaymentEvents.WithLabelValues("error").Inc()
		return "", fmt.Errorf("grant %s: %w", completed.ID, err)
	}

	metrics.PaymentEvents.WithLabelValues(string(OutcomeApplied)).Inc()
	return OutcomeApplied, nil
}

// CreateCheckout returns the hosted checkout URL for a plan.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	if s.checkout == nil {
		return "", ErrNotConfigured
	}
	if _, ok := s.catalog.Credits(req.PlanID); !ok {
		return "", ErrUnknownPlan
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	url, err := s.checkout.CreateCheckout(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create checkout: %w", err)
	}

	logger.FromContext(ctx).Info().
		Str("user_id", req.UserID).
		Str("plan_id", req.PlanID).
		Int64("quantity", req.Quantity).
		Msg("Checkout session created")
	return url, nil
}
