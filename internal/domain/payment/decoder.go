package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v74"
)

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// LineItemFetcher loads the line items of a checkout session.
type LineItemFetcher interface {
	FetchLineItems(ctx context.Context, sessionID string) ([]LineItem, error)
}

// Decoder turns verified Stripe events into Events.
type Decoder struct {
	fetcher LineItemFetcher
}

// NewDecoder creates a decoder. fetcher may be nil, in which case sessions
// without plan metadata or expanded line items are rejected.
func NewDecoder(fetcher LineItemFetcher) *Decoder {
	return &Decoder{fetcher: fetcher}
}

// Decode maps a Stripe event. Unhandled types, and completed sessions whose
// delayed payment has not arrived yet, decode to Ignored.
func (d *Decoder) Decode(ctx context.Context, ev stripe.Event) (Event, error) {
	switch string(ev.Type) {
	case eventCheckoutCompleted, eventAsyncPaymentSucceeded:
	default:
		return Ignored{ID: ev.ID, Type: string(ev.Type)}, nil
	}
	if ev.ID == "" || ev.Data == nil {
		return nil, fmt.Errorf("%w: missing id or data", ErrInvalidEvent)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", ErrInvalidEvent, err)
	}

	// Credits follow async_payment_succeeded for delayed payment methods.
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return Ignored{ID: ev.ID, Type: string(ev.Type)}, nil
	}

	userID := sess.ClientReferenceID
	if userID == "" {
		userID = sess.Metadata["uid"]
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: session %s has no user reference", ErrInvalidEvent, sess.ID)
	}

	items, err := d.lineItems(ctx, &sess)
	if err != nil {
		return nil, err
	}

	out := CheckoutCompleted{
		ID:          ev.ID,
		SessionID:   sess.ID,
		UserID:      userID,
		LineItems:   items,
		AmountTotal: sess.AmountTotal,
		Currency:    string(sess.Currency),
	}
	if email := sessionEmail(&sess); email != "" {
		out.Email = &email
	}
	return out, nil
}

// lineItems prefers our own metadata, then items expanded in the payload,
// then a fetch from the API.
func (d *Decoder) lineItems(ctx context.Context, sess *stripe.CheckoutSession) ([]LineItem, error) {
	if planID := sess.Metadata["plan_id"]; planID != "" {
		qty := int64(1)
		if raw := sess.Metadata["quantity"]; raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: bad quantity metadata %q", ErrInvalidEvent, raw)
			}
			qty = n
		}
		return []LineItem{{PlanID: planID, Quantity: qty}}, nil
	}

	if sess.LineItems != nil && len(sess.LineItems.Data) > 0 {
		return fromStripeItems(sess.LineItems.Data), nil
	}

	if d.fetcher == nil {
		return nil, fmt.Errorf("%w: session %s carries no line items", ErrInvalidEvent, sess.ID)
	}
	items, err := d.fetcher.FetchLineItems(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch line items for %s: %w", sess.ID, err)
	}
	return items, nil
}

func fromStripeItems(data []*stripe.LineItem) []LineItem {
	items := make([]LineItem, 0, len(data))
	for _, li := range data {
		if li == nil || li.Price == nil {
			continue
		}
		qty := li.Quantity
		if qty <= 0 {
			qty = 1
		}
		items = append(items, LineItem{PlanID: li.Price.ID, Quantity: qty})
	}
	return items
}

func sessionEmail(sess *stripe.CheckoutSession) string {
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		return sess.CustomerDetails.Email
	}
	return sess.CustomerEmail
}
