package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/shinline/shinline/internal/notify"
)

func TestRateLimiter_Allow(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(10), // 10 per second
		Burst:           2,
		CleanupInterval: time.Hour, // won't trigger during test
		MaxAge:          time.Hour,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	// First two requests should be allowed (burst = 2).
	if !rl.Allow("10.0.0.1") {
		t.Error("expected first request to be allowed")
	}
	if !rl.Allow("10.0.0.1") {
		t.Error("expected second request to be allowed (within burst)")
	}

	// Third request immediately should be rejected (burst exhausted).
	if rl.Allow("10.0.0.1") {
		t.Error("expected third immediate request to be rejected")
	}
}

func TestRateLimiter_SeparateClients(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(10),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	// Each client IP has its own limiter — both first requests should pass.
	if !rl.Allow("10.0.0.1") {
		t.Error("expected first client's request allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("expected second client's request allowed")
	}

	// Second requests should be rejected for both (burst=1).
	if rl.Allow("10.0.0.1") {
		t.Error("expected first client's second request rejected")
	}
	if rl.Allow("10.0.0.2") {
		t.Error("expected second client's second request rejected")
	}
}

func TestRateLimiter_Recovery(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(100), // 100/sec = 10ms per token
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	// Exhaust burst.
	rl.Allow("10.0.0.1")

	// Wait for token replenishment.
	time.Sleep(20 * time.Millisecond)

	if !rl.Allow("10.0.0.1") {
		t.Error("expected request to be allowed after token replenishment")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: time.Hour, // won't auto-trigger
		MaxAge:          10 * time.Millisecond,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.Allow("10.0.0.1")

	// Wait for entry to become stale.
	time.Sleep(20 * time.Millisecond)

	// Manually trigger cleanup.
	rl.cleanup()

	rl.mu.Lock()
	_, exists := rl.entries["10.0.0.1"]
	rl.mu.Unlock()

	if exists {
		t.Error("expected stale entry to be cleaned up")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	cfg := RateLimiterConfig{
		Rate:            rate.Limit(10),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// First request — should pass.
	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", nil)
	req.RemoteAddr = "10.0.0.1:51234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// Second request from the same client — should be rate limited.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	// A different client is unaffected.
	other := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", nil)
	other.RemoteAddr = "10.0.0.2:51234"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for another client, got %d", w.Code)
	}
}

func TestMultiSender_RoutesByPlatform(t *testing.T) {
	wp := &mockSender{}
	fcm := &mockSender{}

	multi := NewMultiSender(map[string]Sender{
		PlatformWebPush: wp,
		PlatformFCM:     fcm,
	})

	payload := notify.Payload{Title: "Запись подтверждена", Tag: "shinline"}

	sub := &Subscription{Endpoint: "https://push.example/wp", Platform: PlatformWebPush}
	if err := multi.Send(context.Background(), sub, payload); err != nil {
		t.Fatalf("webpush send failed: %v", err)
	}
	if len(wp.sent) != 1 {
		t.Error("expected the webpush sender to be called")
	}
	if len(fcm.sent) != 0 {
		t.Error("expected the fcm sender to not be called")
	}

	sub = &Subscription{Endpoint: "fcm-token-1", Platform: PlatformFCM}
	if err := multi.Send(context.Background(), sub, payload); err != nil {
		t.Fatalf("fcm send failed: %v", err)
	}
	if len(fcm.sent) != 1 {
		t.Error("expected the fcm sender to be called")
	}
}

func TestMultiSender_UnknownPlatform(t *testing.T) {
	multi := NewMultiSender(map[string]Sender{})

	sub := &Subscription{Endpoint: "x", Platform: "apns"}
	if err := multi.Send(context.Background(), sub, notify.Payload{}); err == nil {
		t.Fatal("expected error for unknown platform")
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.Rate != rate.Limit(0.5) {
		t.Errorf("expected rate 0.5, got %v", cfg.Rate)
	}
	if cfg.Burst != 5 {
		t.Errorf("expected burst 5, got %d", cfg.Burst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("expected cleanup interval 5m, got %v", cfg.CleanupInterval)
	}
	if cfg.MaxAge != 10*time.Minute {
		t.Errorf("expected max age 10m, got %v", cfg.MaxAge)
	}
}
