package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

const (
	statusOK           = "ok"
	statusDegraded     = "degraded"
	statusDown         = "down"
	statusUnconfigured = "unconfigured"
	statusUnknown      = "unknown"
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	providers    map[string]providers.Provider
	limiterReady func(context.Context) error
	baseCtx      context.Context
	metrics      *metrics.Registry

	providerStatuses map[string]*componentStatus
	limiterStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. limiterReady may be nil when no rate limiter is configured.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]providers.Provider,
	limiterReady func(context.Context) error,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providers:        provs,
		limiterReady:     limiterReady,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for name := range provs {
		hc.providerStatuses[name] = &componentStatus{status: statusUnknown}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	RateLimiter   string            `json:"rate_limiter"`
}

// Snapshot builds a snapshot from the latest probe results. Unconfigured
// providers do not degrade the overall status.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := statusOK

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != statusOK && st != statusUnconfigured {
			overall = statusDegraded
		}
	}

	limiter := hc.limiterStatus.get()
	if limiter == statusDown {
		overall = statusDegraded
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		RateLimiter:   limiter,
	}
}

// ReadinessOK reports whether at least one provider answers its probe and
// the rate limiter backend, when configured, is reachable.
func (hc *HealthChecker) ReadinessOK() bool {
	if hc.limiterStatus.get() == statusDown {
		return false
	}
	for _, s := range hc.providerStatuses {
		if s.get() == statusOK {
			return true
		}
	}
	return false
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Provider probes: run in parallel.
	var wg sync.WaitGroup
	for name, prov := range hc.providers {
		s := hc.providerStatuses[name]
		if !providers.IsConfigured(prov) {
			s.set(statusUnconfigured)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := prov.HealthCheck(ctx) == nil
			if ok {
				s.set(statusOK)
			} else {
				s.set(statusDegraded)
			}
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(name, ok)
			}
		}()
	}

	// Limiter probe: nil probe means "not configured".
	wg.Add(1)
	go func() {
		defer wg.Done()
		switch {
		case hc.limiterReady == nil:
			hc.limiterStatus.set(statusUnconfigured)
		case hc.limiterReady(ctx) != nil:
			hc.limiterStatus.set(statusDown)
		default:
			hc.limiterStatus.set(statusOK)
		}
	}()

	wg.Wait()
}
