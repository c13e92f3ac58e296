package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/photoedit/photoedit-api/internal/domain/edit"
	"github.com/photoedit/photoedit-api/internal/domain/job"
	"github.com/photoedit/photoedit-api/internal/domain/ledger"
	"github.com/photoedit/photoedit-api/internal/domain/payment"
	"github.com/photoedit/photoedit-api/internal/middleware"
	"github.com/photoedit/photoedit-api/internal/pkg/eternal"
	"github.com/photoedit/photoedit-api/internal/pkg/imaging"
	"github.com/photoedit/photoedit-api/internal/pkg/jwt"
)

const (
	testSecret = "test-secret"
	testIssuer = "photoedit-test"
)

type testApp struct {
	router http.Handler
	ledger *ledger.Service
	auth   *jwt.Authenticator
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	ledgerService := ledger.NewService(ledger.NewMemoryStore())
	editService := edit.NewService(edit.Config{CreditCost: 1}, ledgerService, job.NewMemoryIndex(),
		eternal.NewSimulator(10*time.Millisecond, 20*time.Millisecond), imaging.NewNormalizer(imaging.DefaultConfig()), nil)
	paymentService := payment.NewService(ledgerService, payment.NewCatalog(map[string]int64{"price_10": 10}), nil)

	authenticator := jwt.NewAuthenticator(testSecret, testIssuer)
	provision := func(ctx context.Context, userID string, email *string) error {
		_, err := ledgerService.EnsureUser(ctx, userID, email)
		return err
	}

	router := newRouter(routerDeps{
		auth:         middleware.Auth(authenticator, provision),
		optionalAuth: middleware.OptionalAuth(authenticator, provision),
		ledger:       ledger.NewHandler(ledgerService),
		edits:        edit.NewHandler(editService, ""),
		payments:     payment.NewHandler(paymentService, payment.NewDecoder(nil), ""),
		health:       healthInfo{LedgerBackend: "memory", JobIndexBackend: "memory"},
	})

	return &testApp{router: router, ledger: ledgerService, auth: authenticator}
}

func (a *testApp) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func (a *testApp) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := a.auth.Issue(userID, userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rr.Body.String())
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func pngBase64(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(t, http.MethodGet, "/health", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var got struct {
		Status          string `json:"status"`
		HasAPIKey       bool   `json:"has_api_key"`
		LedgerBackend   string `json:"ledger_backend"`
		JobIndexBackend string `json:"job_index_backend"`
	}
	decodeData(t, rr, &got)
	if got.Status != "ok" || got.HasAPIKey || got.LedgerBackend != "memory" || got.JobIndexBackend != "memory" {
		t.Fatalf("unexpected health %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(t, http.MethodGet, "/metrics", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestAccountRequiresAuth(t *testing.T) {
	app := newTestApp(t)

	if rr := app.do(t, http.MethodGet, "/api/v1/account/me", nil, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr := app.do(t, http.MethodGet, "/api/v1/account/me", nil, app.token(t, "u1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var me ledger.MeResponse
	decodeData(t, rr, &me)
	if me.UID != "u1" || me.Credits != 0 {
		t.Fatalf("unexpected profile %+v", me)
	}
}

func TestEditRoundTrip(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	token := app.token(t, "u1")

	// First request provisions the user.
	app.do(t, http.MethodGet, "/api/v1/account/me", nil, token)
	if _, err := app.ledger.Grant(ctx, ledger.GrantRequest{EventID: "evt_1", UserID: "u1", Credits: 2}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	rr := app.do(t, http.MethodPost, "/api/v1/edits", map[string]string{
		"prompt":      "make it blue",
		"filename":    "cat.png",
		"imageBase64": pngBase64(t),
	}, token)
	if rr.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var submitted edit.SubmitResponse
	decodeData(t, rr, &submitted)
	if submitted.RequestID == "" {
		t.Fatal("expected a request id")
	}

	if balance, _ := app.ledger.Balance(ctx, "u1"); balance != 1 {
		t.Fatalf("expected balance 1 after submit, got %d", balance)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rr = app.do(t, http.MethodGet, "/api/v1/edits/poll?request_id="+submitted.RequestID, nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("poll: expected 200, got %d", rr.Code)
		}
		var status edit.StatusResponse
		decodeData(t, rr, &status)
		if status.Status == string(job.StatusSuccess) {
			if status.ResultURL == "" {
				t.Fatal("success without result url")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("edit did not finish, last status %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if balance, _ := app.ledger.Balance(ctx, "u1"); balance != 1 {
		t.Fatalf("success must keep the debit, balance %d", balance)
	}
}

func TestWebhooksShareMount(t *testing.T) {
	app := newTestApp(t)

	// Neither secret is configured in the test app.
	if rr := app.do(t, http.MethodPost, "/webhooks/stripe", map[string]string{}, ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("stripe webhook: expected 503, got %d", rr.Code)
	}
	if rr := app.do(t, http.MethodPost, "/webhooks/generation", map[string]string{}, ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("generation callback: expected 503, got %d", rr.Code)
	}
}

func TestPaymentPlansArePublic(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(t, http.MethodGet, "/api/v1/payments/plans", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := app.do(t, http.MethodPost, "/api/v1/payments/checkout", map[string]string{"price_id": "price_10"}, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("checkout without token: expected 401, got %d", rr.Code)
	}
}
