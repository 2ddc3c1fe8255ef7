package httpx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"
)

func TestMemoryRateLimiterEnforcesLimit(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()

	window := 50 * time.Millisecond
	first := limiter.Allow("client", 2, window)
	if !first.allowed || first.count != 1 {
		t.Fatalf("unexpected first decision %+v", first)
	}
	second := limiter.Allow("client", 2, window)
	if !second.allowed || second.count != 2 {
		t.Fatalf("unexpected second decision %+v", second)
	}
	third := limiter.Allow("client", 2, window)
	if third.allowed {
		t.Fatal("expected third request to be rejected")
	}

	time.Sleep(window + 20*time.Millisecond)
	fresh := limiter.Allow("client", 2, window)
	if !fresh.allowed || fresh.count != 1 {
		t.Fatalf("expected fresh window, got %+v", fresh)
	}
}

func TestMemoryRateLimiterZeroLimitAllows(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()

	decision := limiter.Allow("client", 0, time.Minute)
	if !decision.allowed {
		t.Fatal("expected zero limit to disable limiting")
	}
}

func TestMemoryRateLimiterCleanup(t *testing.T) {
	now := time.Now()
	rl := &memoryRateLimiter{
		entries: map[string]rateState{
			"stale": {count: 4, windowEnd: now.Add(-time.Minute)},
			"live":  {count: 1, windowEnd: now.Add(time.Minute)},
		},
		stopCh: make(chan struct{}),
	}
	rl.cleanup(now)

	if _, ok := rl.entries["stale"]; ok {
		t.Fatal("expected stale entry to be swept")
	}
	if _, ok := rl.entries["live"]; !ok {
		t.Fatal("expected live entry to survive sweep")
	}
}

func TestRateMetricKey(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"user:user-1", "user"},
		{"ip:203.0.113.7", "ip"},
		{"worker:203.0.113.7", "worker"},
		{"", "unknown"},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := rateMetricKey(tc.key); got != tc.want {
			t.Fatalf("rateMetricKey(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestRateLimitKeyWorker(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/async_event/", nil)
	if got := rateLimitKeyWorker(req); got != "worker:192.0.2.1" {
		t.Fatalf("unexpected worker key %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := rateLimitKeyWorker(req); got != "worker:203.0.113.9" {
		t.Fatalf("unexpected forwarded worker key %q", got)
	}
}

func TestWithRateLimitFallsBackToIPKey(t *testing.T) {
	limiter := newRateLimiterStub()
	router := &Router{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		limiter: limiter,
	}

	called := false
	handler := router.withRateLimit("/api/v1/async_event/", 10, time.Minute, func(*http.Request) string { return "" }, func(w http.ResponseWriter, req *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/async_event/", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)

	if !called {
		t.Fatal("expected next handler to run")
	}
	calls := limiter.recordedCalls()
	if len(calls) != 1 || calls[0].key != "ip:192.0.2.1" {
		t.Fatalf("unexpected limiter calls %+v", calls)
	}
}

func TestWithRateLimitRejectsWhenExceeded(t *testing.T) {
	limiter := newRateLimiterStub()
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: time.Unix(1_950_000_000, 0)}
	}
	router := &Router{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		limiter: limiter,
	}

	called := false
	handler := router.withRateLimit("/api/v1/async_token/", 5, time.Minute, func(*http.Request) string { return "user:user-1" }, func(w http.ResponseWriter, req *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/async_token/", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)

	if called {
		t.Fatal("expected next handler to be skipped")
	}
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("unexpected limit header %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining header %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("X-RateLimit-Reset") != "1950000000" {
		t.Fatalf("unexpected reset header %q", rr.Header().Get("X-RateLimit-Reset"))
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on rejection")
	}
}

func TestWithRateLimitSkipsWithoutLimit(t *testing.T) {
	limiter := newRateLimiterStub()
	router := &Router{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		limiter: limiter,
	}

	called := false
	handler := router.withRateLimit("/healthz", 0, time.Minute, func(*http.Request) string { return "user:user-1" }, func(w http.ResponseWriter, req *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)

	if !called {
		t.Fatal("expected next handler to run without a limit")
	}
	if len(limiter.recordedCalls()) != 0 {
		t.Fatal("expected limiter to be skipped")
	}
}
