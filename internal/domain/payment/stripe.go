package payment

import (
	"context"
	"strconv"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/checkout/session"
	"github.com/stripe/stripe-go/v74/webhook"
)

// StripeClient creates checkout sessions and loads their line items.
type StripeClient struct {
	sessions   *session.Client
	successURL string
	cancelURL  string
}

// NewStripeClient creates a client for secretKey.
func NewStripeClient(secretKey, successURL, cancelURL string) *StripeClient {
	return &StripeClient{
		sessions:   &session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// CreateCheckout opens a hosted checkout for quantity units of planID and returns its URL.
func (c *StripeClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PlanID),
				Quantity: stripe.Int64(req.Quantity),
			},
		},
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.AddMetadata("uid", req.UserID)
	params.AddMetadata("plan_id", req.PlanID)
	params.AddMetadata("quantity", strconv.FormatInt(req.Quantity, 10))
	params.Context = ctx

	sess, err := c.sessions.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

// FetchLineItems loads a session with its line items expanded.
func (c *StripeClient) FetchLineItems(ctx context.Context, sessionID string) ([]LineItem, error) {
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("line_items")
	params.Context = ctx

	sess, err := c.sessions.Get(sessionID, params)
	if err != nil {
		return nil, err
	}
	if sess.LineItems == nil {
		return nil, nil
	}
	return fromStripeItems(sess.LineItems.Data), nil
}

// VerifyWebhook checks the Stripe-Signature header and parses the event.
func VerifyWebhook(payload []byte, signature, secret string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
