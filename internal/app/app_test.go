package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a valid config with only Gemini configured, pointed at
// a local stub so health probes never leave the machine.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	t.Cleanup(upstream.Close)

	return &config.Config{
		LogLevel: "info",
		Gemini: config.GeminiConfig{
			APIKey:       "test-key",
			BaseURL:      upstream.URL,
			DefaultModel: "gemini-1.5-flash",
		},
		OpenRouter: config.OpenRouterConfig{
			DefaultModel: "openrouter/auto",
		},
		Retry:       config.RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2},
		Timeouts:    config.TimeoutConfig{Provider: 30 * time.Second, Request: 120 * time.Second},
		CORSOrigins: []string{"http://localhost:3000"},
	}
}

func TestNew_NilContext(t *testing.T) {
	if _, err := New(nil, testConfig(t), quietLogger(), "test"); err == nil {
		t.Error("expected error for nil context")
	}
}

func TestNew_WiresSubsystems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(t), quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.gw == nil || a.health == nil || a.mgmt == nil || a.prom == nil || a.reqLogger == nil {
		t.Fatalf("expected all subsystems to be wired: %+v", a)
	}
	if a.limiter != nil || a.rdb != nil {
		t.Error("rate limiter must stay off when RPM_LIMIT is 0")
	}
	if len(a.provs) != 2 {
		t.Errorf("expected both providers registered, got %d", len(a.provs))
	}
	if got := configuredNames(a.provs); len(got) != 1 || got[0] != providers.Google {
		t.Errorf("expected only google configured, got %v", got)
	}
}

func TestNew_RateLimiterWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := testConfig(t)
	cfg.RateLimit.RPMLimit = 10
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.limiter == nil {
		t.Fatal("expected rate limiter")
	}
	if snap := a.health.Snapshot(); snap.RateLimiter != "ok" {
		t.Errorf("expected rate_limiter=ok, got %s", snap.RateLimiter)
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.RPMLimit = 10
	cfg.Redis.URL = "redis://127.0.0.1:1"

	_, err := New(context.Background(), cfg, quietLogger(), "test")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "app: init infra") {
		t.Errorf("expected init step in error, got %v", err)
	}
}

func TestNew_NoCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gemini.APIKey = ""

	_, err := New(context.Background(), cfg, quietLogger(), "test")
	if err == nil || !strings.Contains(err.Error(), "app: init providers") {
		t.Errorf("expected providers init error, got %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Close()
	a.Close()
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"redis://:secret@localhost:6379":  "redis://***@localhost:6379",
		"redis://user:pw@10.0.0.1:6379/0": "redis://***@10.0.0.1:6379/0",
		"redis://localhost:6379":          "redis://localhost:6379",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
