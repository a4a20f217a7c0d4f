package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phl-surveillance/platform/internal/shared/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected nosniff header")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("Expected no-store cache control")
	}
}

func TestCallerRateLimiterKeysBySubject(t *testing.T) {
	limiter := NewCallerRateLimiter(1, 1)
	handler := limiter.Middleware(okHandler())

	call := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		if subject != "" {
			req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{Subject: subject}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call("alice"); code != http.StatusOK {
		t.Fatalf("Expected first call allowed, got %d", code)
	}
	if code := call("alice"); code != http.StatusTooManyRequests {
		t.Errorf("Expected second call limited, got %d", code)
	}
	if code := call("bob"); code != http.StatusOK {
		t.Errorf("Expected a different subject to have its own budget, got %d", code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:4321"
	if got := clientIP(req); got != "192.168.1.9" {
		t.Errorf("Expected remote host, got %s", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.5" {
		t.Errorf("Expected first forwarded address, got %s", got)
	}
}
