// Package eternal talks to the EternalAI image-edit API and provides a local
// simulator for development without an API key.
package eternal

import (
	"context"
	"errors"
	"fmt"
)

// Status is the generation state reported by the provider.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// DefaultFailureMessage is reported when the provider fails without a message.
const DefaultFailureMessage = "画像の生成に失敗しました。"

var (
	ErrTimeout        = errors.New("eternal: timeout")
	ErrNetwork        = errors.New("eternal: network error")
	ErrHTTPStatus     = errors.New("eternal: unexpected http status")
	ErrEmptyRequestID = errors.New("eternal: response carried no request id")
	ErrNotConfigured  = errors.New("eternal: not configured")
)

// HTTPError carries a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("eternal http error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *HTTPError) Unwrap() error { return ErrHTTPStatus }

// SubmitRequest is one edit to start.
type SubmitRequest struct {
	JobID       string
	Filename    string
	Prompt      string
	ImageBase64 string // JPEG, standard base64 without data: prefix
}

// PollResult is the provider's view of a request.
type PollResult struct {
	RequestID string `json:"request_id,omitempty"`
	Status    Status `json:"status"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Provider starts edits and reports their state.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, requestID string) (*PollResult, error)
}
