package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/app"
	"github.com/tradepost/settlement-service/internal/domain"
	"github.com/tradepost/settlement-service/internal/store"
	"github.com/tradepost/settlement-service/pkg/paystack"
)

const testWebhookSecret = "whsec_test_secret"

// emptyRepo answers "not found" for the lookups the webhook path performs.
type emptyRepo struct {
	store.Repository
}

func (emptyRepo) FindTransferByReference(ctx context.Context, reference string) (*domain.Transfer, error) {
	return nil, store.ErrTransferNotFound
}

func (emptyRepo) FindTransferByTransferCode(ctx context.Context, transferCode string) (*domain.Transfer, error) {
	return nil, store.ErrTransferNotFound
}

func newWebhookTestHandler() *WebhookHandler {
	client := paystack.NewClient("https://api.example.test", "sk_test", testWebhookSecret, 0)
	service := app.NewService(emptyRepo{}, client, nil, app.Settings{Currency: "ZAR", Country: "ZA", MinTransferAmount: 100, MaxTransferAmount: 1_000_000})
	return NewWebhookHandler(service, client, nil, time.Hour)
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(handler *WebhookHandler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("x-paystack-signature", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_AcceptsValidSignature(t *testing.T) {
	handler := newWebhookTestHandler()
	body := `{"event":"transfer.success","data":{"reference":"payout_unknown","transfer_code":"TRF_1","status":"success"}}`

	rec := postWebhook(handler, body, signBody(testWebhookSecret, []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookHandler_RejectsTamperedBody(t *testing.T) {
	handler := newWebhookTestHandler()
	body := `{"event":"transfer.success","data":{"reference":"payout_1"}}`
	signature := signBody(testWebhookSecret, []byte(body))
	tampered := strings.Replace(body, "payout_1", "payout_2", 1)

	rec := postWebhook(handler, tampered, signature)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a tampered body, got %d", rec.Code)
	}
}

func TestWebhookHandler_RejectsWrongSecret(t *testing.T) {
	handler := newWebhookTestHandler()
	body := `{"event":"transfer.success","data":{"reference":"payout_1"}}`

	rec := postWebhook(handler, body, signBody("whsec_other", []byte(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong secret, got %d", rec.Code)
	}
}

func TestWebhookHandler_RejectsMissingSignature(t *testing.T) {
	handler := newWebhookTestHandler()
	body := `{"event":"transfer.success","data":{"reference":"payout_1"}}`

	rec := postWebhook(handler, body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a signature, got %d", rec.Code)
	}
}

func TestWebhookHandler_IgnoresNonTransferEvents(t *testing.T) {
	handler := newWebhookTestHandler()
	body := `{"event":"charge.success","data":{"reference":"chg_1"}}`

	rec := postWebhook(handler, body, signBody(testWebhookSecret, []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an irrelevant event, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Errorf("expected an ignore acknowledgement, got %q", rec.Body.String())
	}
}

func TestWebhookHandler_DropsDuplicateDeliveries(t *testing.T) {
	handler := newWebhookTestHandler()
	body := `{"event":"transfer.success","data":{"reference":"payout_dup","transfer_code":"TRF_dup","status":"success"}}`
	signature := signBody(testWebhookSecret, []byte(body))

	first := postWebhook(handler, body, signature)
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery: expected 200, got %d", first.Code)
	}
	second := postWebhook(handler, body, signature)
	if second.Code != http.StatusOK {
		t.Fatalf("second delivery: expected 200, got %d", second.Code)
	}
	if !strings.Contains(second.Body.String(), "Duplicate") {
		t.Errorf("expected duplicate acknowledgement, got %q", second.Body.String())
	}
}

func TestAuthMiddleware_AcceptsValidToken(t *testing.T) {
	secret := "jwt_test_secret"
	userID := uuid.New()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var gotUserID uuid.UUID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = GetAuthUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/recipients", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	AuthMiddleware(secret)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotUserID != userID {
		t.Fatalf("expected user id %s on context, got %s", userID, gotUserID)
	}
}

func TestAuthMiddleware_RejectsBadTokens(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for an unauthenticated request")
	})
	mw := AuthMiddleware("jwt_test_secret")(next)

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Token abc"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/recipients", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	mw := InternalAuthMiddleware("internal_test_key")(next)

	req := httptest.NewRequest(http.MethodPost, "/internal/transfers", nil)
	req.Header.Set("X-Internal-API-Key", "wrong")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || called {
		t.Fatalf("expected 403 without the key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/transfers", nil)
	req.Header.Set("X-Internal-API-Key", "internal_test_key")
	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("expected 200 with the key, got %d", rec.Code)
	}
}
