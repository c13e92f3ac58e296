package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/photoedit/photoedit-api/internal/middleware"
	"github.com/photoedit/photoedit-api/internal/pkg/errorhandler"
	"github.com/photoedit/photoedit-api/internal/pkg/logger"
	"github.com/photoedit/photoedit-api/internal/pkg/metrics"
	"github.com/photoedit/photoedit-api/internal/pkg/response"
	"github.com/photoedit/photoedit-api/internal/pkg/validator"
)

const maxWebhookBody = 65536

// CheckoutSessionRequest is the body of POST /checkout.
type CheckoutSessionRequest struct {
	PriceID  string `json:"price_id" validate:"required"`
	Quantity int64  `json:"quantity" validate:"omitempty,gte=1,lte=100"`
}

// CheckoutSessionResponse carries the hosted checkout URL.
type CheckoutSessionResponse struct {
	URL string `json:"url"`
}

// Handler handles payment HTTP requests
type Handler struct {
	service       *Service
	decoder       *Decoder
	webhookSecret string
}

// NewHandler creates payment handler
func NewHandler(service *Service, decoder *Decoder, webhookSecret string) *Handler {
	return &Handler{service: service, decoder: decoder, webhookSecret: webhookSecret}
}

// ListPlans handles GET /plans
// @Summary Credit plans
// @Tags Payment
// @Produce json
// @Success 200 {object} response.Response{data=[]Plan}
// @Router /payments/plans [get]
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.service.Plans())
}

// CreateCheckout handles POST /checkout
// @Summary Start a Stripe Checkout for a credit plan
// @Tags Payment
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CheckoutSessionRequest true "Plan and quantity"
// @Success 200 {object} response.Response{data=CheckoutSessionResponse}
// @Failure 400 {object} response.Response
// @Failure 422 {object} response.Response
// @Failure 502 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /payments/checkout [post]
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req CheckoutSessionRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.HandleValidationError(r.Context(), w, errs)
		return
	}

	url, err := h.service.CreateCheckout(r.Context(), CheckoutRequest{
		UserID:   userID,
		Email:    middleware.GetEmail(r.Context()),
		PlanID:   req.PriceID,
		Quantity: req.Quantity,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotConfigured):
			response.ServiceUnavailable(w, "Payments are not configured")
		case errors.Is(err, ErrUnknownPlan):
			response.BadRequest(w, "Unknown price_id")
		default:
			errorhandler.LogExternalServiceError(r.Context(), "stripe", "checkout.session.create", err)
			response.BadGateway(w, "Failed to create checkout session")
		}
		return
	}

	response.OK(w, CheckoutSessionResponse{URL: url})
}

// StripeWebhook handles POST /stripe
// @Summary Stripe webhook
// @Description Verifies the Stripe-Signature header and grants purchased credits once per event.
// @Tags Payment Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} response.Response{data=object{outcome=string}}
// @Failure 400 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /webhooks/stripe [post]
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		response.ServiceUnavailable(w, "Stripe webhook secret is not configured")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "Failed to read body")
		return
	}

	event, err := VerifyWebhook(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		metrics.PaymentEvents.WithLabelValues("rejected").Inc()
		errorhandler.HandleError(r.Context(), w, http.StatusBadRequest, "INVALID_SIGNATURE", ErrInvalidSignature.Error(), err)
		return
	}

	ctx := logger.With(r.Context(), map[string]string{"event_id": event.ID})

	decoded, err := h.decoder.Decode(ctx, event)
	if err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			errorhandler.HandleError(ctx, w, http.StatusBadRequest, "INVALID_EVENT", "Event could not be processed", err)
			return
		}
		errorhandler.LogExternalServiceError(ctx, "stripe", "checkout.session.retrieve", err)
		response.BadGateway(w, "Failed to load event details")
		return
	}

	outcome, err := h.service.ApplyEvent(ctx, decoded)
	if err != nil {
		errorhandler.HandleInternal(ctx, w, err)
		return
	}

	logger.FromContext(ctx).Info().Str("outcome", string(outcome)).Msg("Stripe webhook handled")
	response.OK(w, map[string]string{"outcome": string(outcome)})
}

// Routes returns payment routes. Checkout requires authentication.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/plans", h.ListPlans)
	r.With(authMiddleware).Post("/checkout", h.CreateCheckout)
	return r
}

// WebhookRoutes returns webhook router (no auth, but signature verification)
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stripe", h.StripeWebhook)
	return r
}
