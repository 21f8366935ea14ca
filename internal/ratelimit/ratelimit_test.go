package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestAllowLocalBurst(t *testing.T) {
	l := New(nil, "test", LimiterConfig{RPS: 1, Burst: 3})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow(ctx, "10.0.0.1") {
		t.Fatalf("request past burst should be limited")
	}
	if !l.Allow(ctx, "10.0.0.2") {
		t.Fatalf("other clients have their own bucket")
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	l := New(nil, "api", LimiterConfig{RPS: 1, Burst: 1})
	h := l.Middleware(KeyByIP)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/device/status", nil)
	req.RemoteAddr = "192.0.2.1:5555"

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header")
	}
	if rr.Body.String() != `{"error":"rate limit exceeded","code":429}` {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestFallsBackToLocalWhenRedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer rdb.Close()
	l := New(rdb, "api", LimiterConfig{RPS: 1, Burst: 2})
	ctx := context.Background()
	if !l.Allow(ctx, "c") || !l.Allow(ctx, "c") {
		t.Fatalf("expected burst to be allowed from local bucket")
	}
	if l.Allow(ctx, "c") {
		t.Fatalf("expected local bucket to limit")
	}
}

func TestKeyByIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	if got := KeyByIP(req); got != "198.51.100.7" {
		t.Fatalf("unexpected key %q", got)
	}
	req.RemoteAddr = "pipe"
	if got := KeyByIP(req); got != "pipe" {
		t.Fatalf("unexpected key %q", got)
	}
}
