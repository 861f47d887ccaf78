package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

func healthyProvider(name string) *funcProvider {
	return okProvider(name, "")
}

func unhealthyProvider(name string) *funcProvider {
	p := okProvider(name, "")
	p.healthErr = fmt.Errorf("health check failed")
	return p
}

// --- NewHealthChecker -------------------------------------------------------

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, nil, nil, nil)
}

func TestNewHealthChecker_RunsInitialProbe(t *testing.T) {
	provs := map[string]providers.Provider{
		providers.Google: healthyProvider(providers.Google),
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Providers[providers.Google] != statusOK {
		t.Errorf("expected google=ok after initial probe, got %s", snap.Providers[providers.Google])
	}
	if snap.RateLimiter != statusUnconfigured {
		t.Errorf("expected rate_limiter=unconfigured, got %s", snap.RateLimiter)
	}
}

// --- Snapshot ---------------------------------------------------------------

func TestSnapshot_AllHealthy(t *testing.T) {
	provs := map[string]providers.Provider{
		providers.Google:     healthyProvider(providers.Google),
		providers.OpenRouter: healthyProvider(providers.OpenRouter),
	}
	hc := NewHealthChecker(context.Background(), provs, func(context.Context) error { return nil }, metrics.New())
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != statusOK {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.RateLimiter != statusOK {
		t.Errorf("expected rate_limiter=ok, got %s", snap.RateLimiter)
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("uptime must not be negative, got %d", snap.UptimeSeconds)
	}
}

func TestSnapshot_DegradedProvider(t *testing.T) {
	provs := map[string]providers.Provider{
		providers.Google:     healthyProvider(providers.Google),
		providers.OpenRouter: unhealthyProvider(providers.OpenRouter),
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != statusDegraded {
		t.Errorf("expected status=degraded, got %s", snap.Status)
	}
	if snap.Providers[providers.OpenRouter] != statusDegraded {
		t.Errorf("expected openrouter=degraded, got %s", snap.Providers[providers.OpenRouter])
	}
}

func TestSnapshot_UnconfiguredProviderIsNotProbed(t *testing.T) {
	openrouter := unhealthyProvider(providers.OpenRouter)
	openrouter.unconfigured = true
	provs := map[string]providers.Provider{
		providers.Google:     healthyProvider(providers.Google),
		providers.OpenRouter: openrouter,
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Providers[providers.OpenRouter] != statusUnconfigured {
		t.Errorf("expected openrouter=unconfigured, got %s", snap.Providers[providers.OpenRouter])
	}
	if snap.Status != statusOK {
		t.Errorf("unconfigured provider must not degrade status, got %s", snap.Status)
	}
}

func TestSnapshot_LimiterDown(t *testing.T) {
	provs := map[string]providers.Provider{
		providers.Google: healthyProvider(providers.Google),
	}
	hc := NewHealthChecker(context.Background(), provs,
		func(context.Context) error { return errors.New("connection refused") }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.RateLimiter != statusDown {
		t.Errorf("expected rate_limiter=down, got %s", snap.RateLimiter)
	}
	if snap.Status != statusDegraded {
		t.Errorf("expected status=degraded, got %s", snap.Status)
	}
}

// --- ReadinessOK ------------------------------------------------------------

func TestReadinessOK(t *testing.T) {
	cases := []struct {
		name    string
		provs   map[string]providers.Provider
		limiter func(context.Context) error
		want    bool
	}{
		{
			name:  "one healthy provider",
			provs: map[string]providers.Provider{providers.Google: healthyProvider(providers.Google)},
			want:  true,
		},
		{
			name:  "no healthy provider",
			provs: map[string]providers.Provider{providers.Google: unhealthyProvider(providers.Google)},
			want:  false,
		},
		{
			name:    "limiter down",
			provs:   map[string]providers.Provider{providers.Google: healthyProvider(providers.Google)},
			limiter: func(context.Context) error { return errors.New("down") },
			want:    false,
		},
		{
			name:  "no providers",
			provs: nil,
			want:  false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hc := NewHealthChecker(context.Background(), tc.provs, tc.limiter, nil)
			defer hc.Close()
			if got := hc.ReadinessOK(); got != tc.want {
				t.Errorf("ReadinessOK() = %v, want %v", got, tc.want)
			}
		})
	}
}

// --- componentStatus --------------------------------------------------------

func TestComponentStatus_DefaultUnknown(t *testing.T) {
	var s componentStatus
	if got := s.get(); got != statusUnknown {
		t.Errorf("expected unknown, got %s", got)
	}
}

func TestComponentStatus_SetGet(t *testing.T) {
	var s componentStatus
	s.set(statusOK)
	if got := s.get(); got != statusOK {
		t.Errorf("expected ok, got %s", got)
	}
	s.set(statusDown)
	if got := s.get(); got != statusDown {
		t.Errorf("expected down, got %s", got)
	}
}

// --- Close ------------------------------------------------------------------

func TestHealthChecker_CloseIsIdempotent(t *testing.T) {
	hc := NewHealthChecker(context.Background(), nil, nil, nil)
	hc.Close()
	hc.Close()
}

func TestHealthChecker_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hc := NewHealthChecker(ctx, nil, nil, nil)
	cancel()
	// run exits on ctx.Done; Close must not block.
	hc.Close()
}
