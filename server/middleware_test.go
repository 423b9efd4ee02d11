package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestAdminAuth(t *testing.T) {
	cfg := AuthConfig{Username: "admin", Password: "secret", Token: "tok"}
	h := adminAuth(okHandler(), cfg)

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  int
	}{
		{"no credentials", func(r *http.Request) {}, http.StatusUnauthorized},
		{"header token", func(r *http.Request) { r.Header.Set("X-Admin-Token", "tok") }, http.StatusOK},
		{"bearer token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, http.StatusOK},
		{"wrong token", func(r *http.Request) { r.Header.Set("X-Admin-Token", "nope") }, http.StatusUnauthorized},
		{"basic auth", func(r *http.Request) { r.SetBasicAuth("admin", "secret") }, http.StatusOK},
		{"wrong password", func(r *http.Request) { r.SetBasicAuth("admin", "guess") }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/channels", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAdminAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	adminAuth(okHandler(), AuthConfig{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/channels", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without auth configured", rec.Code)
	}
}

func TestMutationsRequireAuth(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Auth = AuthConfig{Token: "tok"} })

	rec := env.do(t, http.MethodPost, "/channels", `{"platform":"twitch","channel_id":"a"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/channels", ""); rec.Code != http.StatusOK {
		t.Errorf("list = %d, reads stay public", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := rateLimitMiddleware(okHandler(), newIPRateLimiter(ctx, 0.001, 1))

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/channels", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if got := send("10.0.0.1"); got != http.StatusOK {
		t.Fatalf("first request = %d", got)
	}
	if got := send("10.0.0.1"); got != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", got)
	}
	if got := send("10.0.0.2"); got != http.StatusOK {
		t.Errorf("other ip = %d, limits are per client", got)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, 1, 1)
	rl.allow("10.0.0.1")
	rl.cleanup(time.Now().Add(rl.idle + time.Second))
	rl.mu.Lock()
	n := len(rl.visitors)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("visitors after cleanup = %d", n)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Errorf("clientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("clientIP with XFF = %q", got)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com", "*.stream.tv"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
		{"https://dash.stream.tv", true},
		{"https://stream.tv", true},
		{"https://notstream.tv", false},
	}
	for _, tt := range tests {
		if got := isOriginAllowed(tt.origin, allowed); got != tt.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestCORS(t *testing.T) {
	h := withCORS(okHandler(), []string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/channels", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/channels", nil)
	req.Header.Set("Origin", "https://other.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got header %q", got)
	}

	rec = httptest.NewRecorder()
	withCORS(okHandler(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("permissive mode allow origin = %q", got)
	}
}
