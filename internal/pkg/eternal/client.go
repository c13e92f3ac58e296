package eternal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 2048
)

// Config holds API connection settings.
type Config struct {
	APIKey    string
	SubmitURL string
	ResultURL string
	Timeout   time.Duration
	UserAgent string
}

// Client is the HTTP client for the EternalAI edit API.
type Client struct {
	apiKey    string
	submitURL string
	resultURL string
	ua        string
	http      *http.Client
}

// NewClient creates an API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		apiKey:    cfg.APIKey,
		submitURL: cfg.SubmitURL,
		resultURL: cfg.ResultURL,
		ua:        cfg.UserAgent,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

type imageURL struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type contentPart struct {
	Type     string    `json:"type"`
	ImageURL *imageURL `json:"image_url,omitempty"`
	Text     string    `json:"text,omitempty"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type submitPayload struct {
	Messages []message `json:"messages"`
	Type     string    `json:"type"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

// Submit starts an edit and returns the provider's request id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" || strings.TrimSpace(c.submitURL) == "" {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(submitPayload{
		Messages: []message{{
			Role: "user",
			Content: []contentPart{
				{
					Type: "image_url",
					ImageURL: &imageURL{
						URL:      "data:image/jpeg;base64," + req.ImageBase64,
						Filename: req.Filename,
					},
				},
				{Type: "text", Text: req.Prompt},
			},
		}},
		Type: "edit",
	})
	if err != nil {
		return "", fmt.Errorf("eternal submit request error: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("eternal submit request error: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out submitResponse
	if err := c.do(ctx, httpReq, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.RequestID) == "" {
		return "", ErrEmptyRequestID
	}
	return out.RequestID, nil
}

// Poll fetches the current state of a request.
func (c *Client) Poll(ctx context.Context, requestID string) (*PollResult, error) {
	if strings.TrimSpace(c.apiKey) == "" || strings.TrimSpace(c.resultURL) == "" {
		return nil, ErrNotConfigured
	}

	u, err := url.Parse(c.resultURL)
	if err != nil {
		return nil, fmt.Errorf("eternal poll request error: %w", err)
	}
	q := u.Query()
	q.Set("request_id", requestID)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("eternal poll request error: %w", err)
	}

	var out PollResult
	if err := c.do(ctx, httpReq, &out); err != nil {
		return nil, err
	}
	if out.RequestID == "" {
		out.RequestID = requestID
	}
	switch out.Status {
	case StatusSuccess, StatusFailed:
	default:
		// Anything the provider has not settled counts as processing.
		out.Status = StatusProcessing
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, req *http.Request, out interface{}) error {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("<failed to read body: %v>", readErr)}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeoutError(ctx, err) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("eternal decode response: %w", err)
	}
	return nil
}

func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("eternal request error: %w", err)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// IsUnavailable reports whether err means the provider could not be reached or
// failed on its side, as opposed to rejecting the request.
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork) || errors.Is(err, ErrNotConfigured) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
