package eternal

import (
	"context"
	"errors"
	"net/http"

	"github.com/photoedit/photoedit-api/internal/pkg/logger"
)

// Fallback sends requests to the real provider and switches to the simulator
// when the provider rejects the key, fails on its side or cannot be reached.
// It is meant for development environments only.
type Fallback struct {
	primary   Provider
	simulator *Simulator
}

// NewFallback wraps primary with sim as the fallback.
func NewFallback(primary Provider, sim *Simulator) *Fallback {
	return &Fallback{primary: primary, simulator: sim}
}

func (f *Fallback) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	requestID, err := f.primary.Submit(ctx, req)
	if err == nil {
		return requestID, nil
	}
	if !shouldFallback(err) {
		return "", err
	}

	logger.FromContext(ctx).Warn().Err(err).Str("job_id", req.JobID).Msg("Provider unavailable, using simulation")
	return f.simulator.Submit(ctx, req)
}

func (f *Fallback) Poll(ctx context.Context, requestID string) (*PollResult, error) {
	if f.simulator.Has(requestID) {
		return f.simulator.Poll(ctx, requestID)
	}

	res, err := f.primary.Poll(ctx, requestID)
	if err == nil {
		return res, nil
	}
	if !shouldFallback(err) {
		return nil, err
	}

	logger.FromContext(ctx).Warn().Err(err).Str("request_id", requestID).Msg("Provider poll failed, using simulation")
	return f.simulator.Poll(ctx, requestID)
}

func shouldFallback(err error) bool {
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotConfigured) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}
