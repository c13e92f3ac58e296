package eternal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientSubmit(t *testing.T) {
	var got submitPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("x-api-key") != "key-1" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"request_id":"req-42"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "key-1", SubmitURL: srv.URL, ResultURL: srv.URL})
	rid, err := c.Submit(context.Background(), SubmitRequest{
		JobID: "job-1", Filename: "cat.jpg", Prompt: "make it blue", ImageBase64: "AAAA",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rid != "req-42" {
		t.Fatalf("expected req-42, got %q", rid)
	}

	if got.Type != "edit" || len(got.Messages) != 1 {
		t.Fatalf("unexpected payload %+v", got)
	}
	parts := got.Messages[0].Content
	if len(parts) != 2 || parts[0].ImageURL == nil {
		t.Fatalf("unexpected content %+v", parts)
	}
	if parts[0].ImageURL.URL != "data:image/jpeg;base64,AAAA" || parts[0].ImageURL.Filename != "cat.jpg" {
		t.Fatalf("unexpected image part %+v", parts[0].ImageURL)
	}
	if parts[1].Type != "text" || parts[1].Text != "make it blue" {
		t.Fatalf("unexpected text part %+v", parts[1])
	}
}

func TestClientSubmitEmptyRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", SubmitURL: srv.URL})
	if _, err := c.Submit(context.Background(), SubmitRequest{JobID: "j"}); !errors.Is(err, ErrEmptyRequestID) {
		t.Fatalf("expected ErrEmptyRequestID, got %v", err)
	}
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", SubmitURL: srv.URL})
	_, err := c.Submit(context.Background(), SubmitRequest{JobID: "j"})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected HTTPError 400, got %v", err)
	}
	if !errors.Is(err, ErrHTTPStatus) {
		t.Fatal("HTTPError should unwrap to ErrHTTPStatus")
	}
	if IsUnavailable(err) {
		t.Fatal("400 is a rejection, not unavailability")
	}
}

func TestClientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{APIKey: "k", SubmitURL: url})
	_, err := c.Submit(context.Background(), SubmitRequest{JobID: "j"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if !IsUnavailable(err) {
		t.Fatal("network errors mean the provider is unavailable")
	}
}

func TestClientNotConfigured(t *testing.T) {
	c := NewClient(Config{})
	if _, err := c.Submit(context.Background(), SubmitRequest{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := c.Poll(context.Background(), "r"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestClientPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		switch r.URL.Query().Get("request_id") {
		case "done":
			w.Write([]byte(`{"status":"success","result_url":"https://cdn.example.com/x.png"}`))
		case "bad":
			w.Write([]byte(`{"status":"failed","error":"nsfw"}`))
		default:
			w.Write([]byte(`{"status":"queued"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", SubmitURL: srv.URL, ResultURL: srv.URL + "/result"})
	ctx := context.Background()

	res, err := c.Poll(ctx, "done")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != StatusSuccess || res.ResultURL != "https://cdn.example.com/x.png" || res.RequestID != "done" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, _ = c.Poll(ctx, "bad")
	if res.Status != StatusFailed || res.Error != "nsfw" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, _ = c.Poll(ctx, "other")
	if res.Status != StatusProcessing {
		t.Fatalf("unsettled states should read as processing, got %s", res.Status)
	}
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"request_id":"late"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", SubmitURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := c.Submit(context.Background(), SubmitRequest{JobID: "j"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSimulator(t *testing.T) {
	sim := NewSimulator(10*time.Millisecond, 20*time.Millisecond)
	ctx := context.Background()

	rid, err := sim.Submit(ctx, SubmitRequest{JobID: "job-1", Prompt: "make it blue"})
	if err != nil || rid != "job-1" {
		t.Fatalf("submit: %q %v", rid, err)
	}

	res, _ := sim.Poll(ctx, rid)
	if res.Status != StatusProcessing {
		t.Fatalf("expected processing right after submit, got %s", res.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, _ = sim.Poll(ctx, rid)
		if res.Status == StatusSuccess {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if res.Status != StatusSuccess {
		t.Fatal("simulated job never completed")
	}

	const prefix = "data:text/plain;base64,"
	if !strings.HasPrefix(res.ResultURL, prefix) {
		t.Fatalf("unexpected result url %q", res.ResultURL)
	}
	decoded, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(res.ResultURL, prefix))
	if string(decoded) != "Edited: make it blue" {
		t.Fatalf("unexpected result body %q", decoded)
	}

	unknown, _ := sim.Poll(ctx, "nobody")
	if unknown.Status != StatusProcessing {
		t.Fatalf("unknown ids should be processing, got %s", unknown.Status)
	}
}

func TestSimulatedResultTruncatesPrompt(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := simulatedResult(long)
	decoded, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, "data:text/plain;base64,"))
	if string(decoded) != "Edited: "+strings.Repeat("a", 40) {
		t.Fatalf("unexpected preview %q", decoded)
	}
}

type stubProvider struct {
	submitErr error
	pollErr   error
}

func (s *stubProvider) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return "real-" + req.JobID, nil
}

func (s *stubProvider) Poll(ctx context.Context, requestID string) (*PollResult, error) {
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return &PollResult{RequestID: requestID, Status: StatusFailed, Error: "real"}, nil
}

func TestFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("UsesPrimaryWhenHealthy", func(t *testing.T) {
		f := NewFallback(&stubProvider{}, NewSimulator(0, 0))
		rid, err := f.Submit(ctx, SubmitRequest{JobID: "j1"})
		if err != nil || rid != "real-j1" {
			t.Fatalf("expected primary id, got %q %v", rid, err)
		}
		res, _ := f.Poll(ctx, rid)
		if res.Error != "real" {
			t.Fatalf("expected primary poll, got %+v", res)
		}
	})

	t.Run("FallsBackOnUnauthorized", func(t *testing.T) {
		sim := NewSimulator(time.Hour, time.Hour)
		f := NewFallback(&stubProvider{submitErr: &HTTPError{StatusCode: http.StatusUnauthorized}}, sim)
		rid, err := f.Submit(ctx, SubmitRequest{JobID: "j2"})
		if err != nil || rid != "j2" {
			t.Fatalf("expected simulated id, got %q %v", rid, err)
		}
		res, err := f.Poll(ctx, rid)
		if err != nil || res.Status != StatusProcessing {
			t.Fatalf("simulated ids should poll the simulator, got %+v %v", res, err)
		}
	})

	t.Run("KeepsRejections", func(t *testing.T) {
		f := NewFallback(&stubProvider{submitErr: &HTTPError{StatusCode: http.StatusBadRequest}}, NewSimulator(0, 0))
		if _, err := f.Submit(ctx, SubmitRequest{JobID: "j3"}); !errors.Is(err, ErrHTTPStatus) {
			t.Fatalf("expected the rejection to surface, got %v", err)
		}
	})

	t.Run("PollFallsBackOnNetworkError", func(t *testing.T) {
		f := NewFallback(&stubProvider{pollErr: ErrNetwork}, NewSimulator(0, 0))
		res, err := f.Poll(ctx, "unknown")
		if err != nil || res.Status != StatusProcessing {
			t.Fatalf("expected simulated processing, got %+v %v", res, err)
		}
	})
}

func TestSelect(t *testing.T) {
	if _, ok := Select(Config{}, true).(*Simulator); !ok {
		t.Fatal("no api key should select the simulator")
	}
	if _, ok := Select(Config{APIKey: "k"}, false).(*Client); !ok {
		t.Fatal("production should talk to the api directly")
	}
	if _, ok := Select(Config{APIKey: "k"}, true).(*Fallback); !ok {
		t.Fatal("development should wrap the client in a fallback")
	}
}
