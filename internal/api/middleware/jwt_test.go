package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("test-secret-key-for-jwt")

func protected(t *testing.T, gotOperator *string) http.Handler {
	t.Helper()
	return RequireToken(testSecret, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotOperator = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
}

func TestGenerateToken(t *testing.T) {
	token, expiresAt, err := GenerateToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if time.Until(expiresAt) > time.Hour || time.Until(expiresAt) < 59*time.Minute {
		t.Errorf("unexpected expiry %v", expiresAt)
	}

	if _, _, err := GenerateToken(nil, "ops", time.Hour); err == nil {
		t.Error("expected error with empty secret")
	}
}

func TestRequireTokenValid(t *testing.T) {
	token, _, err := GenerateToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	var operator string
	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls/scheduled", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	protected(t, &operator).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if operator != "ops" {
		t.Errorf("operator = %q, want ops", operator)
	}
}

func TestRequireTokenRejects(t *testing.T) {
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString(testSecret)
	otherSecret, _, _ := GenerateToken([]byte("other"), "ops", time.Hour)
	foreign, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(testSecret)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage", "Bearer not-a-jwt"},
		{"expired", "Bearer " + expired},
		{"wrong secret", "Bearer " + otherSecret},
		{"wrong issuer", "Bearer " + foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var operator string
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			protected(t, &operator).ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if operator != "" {
				t.Error("handler ran for a rejected request")
			}
		})
	}
}
