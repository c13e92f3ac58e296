package edit

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/photoedit/photoedit-api/internal/middleware"
	"github.com/photoedit/photoedit-api/internal/pkg/errorhandler"
	"github.com/photoedit/photoedit-api/internal/pkg/eternal"
	"github.com/photoedit/photoedit-api/internal/pkg/response"
	"github.com/photoedit/photoedit-api/internal/pkg/validator"
)

// CallbackTokenHeader carries the shared secret on provider callbacks.
const CallbackTokenHeader = "X-Callback-Token"

type Handler struct {
	svc           *Service
	callbackToken string
}

func NewHandler(svc *Service, callbackToken string) *Handler {
	return &Handler{svc: svc, callbackToken: callbackToken}
}

// Submit handles POST /
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.HandleValidationError(r.Context(), w, errs)
		return
	}

	var owner *string
	if uid := middleware.GetUserID(r.Context()); uid != "" {
		owner = &uid
	}

	out, err := h.svc.SubmitJob(r.Context(), Request{
		Prompt:      req.Prompt,
		Filename:    req.Filename,
		ImageBase64: req.ImageBase64,
		OwnerID:     owner,
	})
	if err != nil {
		h.handleSubmitError(w, r, err)
		return
	}

	response.OK(w, SubmitResponse{RequestID: out.RequestID, JobID: out.JobID})
}

func (h *Handler) handleSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ErrAnonymousNotAllowed):
		response.Unauthorized(w, "Sign in to edit images")
	case errors.Is(err, ErrInvalidImage):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "INVALID_IMAGE", "Image could not be processed", err)
	case errors.Is(err, ErrInsufficientCredit):
		response.PaymentRequired(w, "Insufficient credits")
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrProviderRejected):
		errorhandler.LogExternalServiceError(ctx, "eternal", "submit", err)
		response.BadGateway(w, "Failed to initiate generation request")
	default:
		errorhandler.HandleInternal(ctx, w, err)
	}
}

// Poll handles GET /poll?request_id=
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		response.BadRequest(w, "request_id is required")
		return
	}

	st, err := h.svc.GetJobStatus(r.Context(), requestID)
	if err != nil {
		errorhandler.HandleInternal(r.Context(), w, err)
		return
	}

	response.OK(w, toStatusResponse(st))
}

// Callback handles POST /generation from the provider.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.callbackToken == "" {
		response.ServiceUnavailable(w, "Generation callbacks are not configured")
		return
	}
	got := r.Header.Get(CallbackTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.callbackToken)) != 1 {
		response.Unauthorized(w, "Invalid callback token")
		return
	}

	var req CallbackRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.HandleValidationError(r.Context(), w, errs)
		return
	}

	st, err := h.svc.ApplyProviderUpdate(r.Context(), req.RequestID, eternal.PollResult{
		RequestID: req.RequestID,
		Status:    eternal.Status(req.Status),
		ResultURL: req.ResultURL,
		Error:     req.Error,
	})
	if err != nil {
		errorhandler.HandleInternal(r.Context(), w, err)
		return
	}

	response.OK(w, toStatusResponse(st))
}

func toStatusResponse(st *Status) StatusResponse {
	return StatusResponse{
		Status:    string(st.Status),
		ResultURL: st.ResultURL,
		Error:     st.Error,
		RequestID: st.RequestID,
	}
}

// Routes returns edit routes. Submission resolves the caller when a token is
// present; polling is keyed by request id alone.
func (h *Handler) Routes(optionalAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(optionalAuth).Post("/", h.Submit)
	r.Get("/poll", h.Poll)
	return r
}

// WebhookRoutes returns the provider callback route.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/generation", h.Callback)
	return r
}
