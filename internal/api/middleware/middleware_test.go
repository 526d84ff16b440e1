package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeLog(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	return entry
}

func TestStructuredLoggerDefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := decodeLog(t, &buf)
	if entry["method"] != "GET" {
		t.Fatalf("expected method GET, got %v", entry["method"])
	}
	if entry["path"] != "/api/v1/health" {
		t.Fatalf("expected path /api/v1/health, got %v", entry["path"])
	}
	// JSON numbers decode as float64.
	if entry["status"] != float64(200) {
		t.Fatalf("expected status 200, got %v", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatal("expected duration_ms in log output")
	}
}

func TestStructuredLoggerFirstStatusWins(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/calls", nil))

	entry := decodeLog(t, &buf)
	if entry["status"] != float64(201) {
		t.Fatalf("expected first status 201, got %v", entry["status"])
	}
	if entry["level"] != "INFO" {
		t.Fatalf("expected INFO level, got %v", entry["level"])
	}
}

func TestStructuredLoggerServerErrorWarns(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if entry := decodeLog(t, &buf); entry["level"] != "WARN" {
		t.Fatalf("expected WARN level, got %v", entry["level"])
	}
}

func TestRecovererPanicReturns500(t *testing.T) {
	var buf bytes.Buffer
	handler := Recoverer(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/crash", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["error"] != "internal server error" {
		t.Fatalf("expected error 'internal server error', got %v", resp["error"])
	}

	entry := decodeLog(t, &buf)
	if entry["panic"] != "test panic" {
		t.Fatalf("expected panic 'test panic', got %v", entry["panic"])
	}
	if stack, ok := entry["stack"].(string); !ok || stack == "" {
		t.Fatal("expected non-empty stack trace in log output")
	}
}

func TestRecovererNoPanicPassesThrough(t *testing.T) {
	handler := Recoverer(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
}

func testLimitConfig(r rate.Limit, burst int) LimitConfig {
	return LimitConfig{Rate: r, Burst: burst, SweepInterval: time.Hour, IdleTTL: time.Hour}
}

func TestClientLimiterAllow(t *testing.T) {
	l := NewClientLimiter(testLimitConfig(2, 2), discardLogger())
	defer l.Stop()

	if !l.Allow("addr:192.168.1.1") || !l.Allow("addr:192.168.1.1") {
		t.Fatal("expected burst of two to be allowed")
	}
	if l.Allow("addr:192.168.1.1") {
		t.Fatal("expected third request to be rate limited")
	}
	if !l.Allow("addr:192.168.1.2") {
		t.Fatal("expected request from a different client to be allowed")
	}
}

func TestClientLimiterSweep(t *testing.T) {
	cfg := testLimitConfig(10, 10)
	cfg.IdleTTL = time.Minute
	l := NewClientLimiter(cfg, discardLogger())
	defer l.Stop()

	l.Allow("addr:10.0.0.1")
	l.sweep(time.Now())
	l.Allow("addr:10.0.0.2")
	l.sweep(time.Now().Add(2 * time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) != 0 {
		t.Fatalf("expected 0 buckets after sweep, got %d", len(l.buckets))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewClientLimiter(testLimitConfig(1, 1), discardLogger())
	defer l.Stop()

	handler := RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calls", nil)
	req.RemoteAddr = "10.0.0.5:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimitPerOperator(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	l := NewClientLimiter(testLimitConfig(1, 1), discardLogger())
	defer l.Stop()

	handler := RequireToken(secret, discardLogger())(RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	send := func(operator string) int {
		t.Helper()
		token, _, err := GenerateToken(secret, operator, time.Minute)
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/calls", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Same address, different operators: separate buckets.
	if code := send("alice"); code != http.StatusOK {
		t.Fatalf("alice first request: %d", code)
	}
	if code := send("bob"); code != http.StatusOK {
		t.Fatalf("bob first request: %d", code)
	}
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("alice second request: %d, want 429", code)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "addr:192.168.1.1"},
		{"[::1]:8080", "addr:::1"},
		{"10.0.0.1", "addr:10.0.0.1"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientKey(r); got != tt.want {
			t.Errorf("clientKey(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(context.WithValue(r.Context(), operatorKey, "alice"))
	if got := clientKey(r); got != "operator:alice" {
		t.Errorf("clientKey with operator = %q, want operator:alice", got)
	}
}
