// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    : external connections (Redis when rate limiting is on)
//  2. initProviders: Gemini and OpenRouter clients
//  3. initServices : metrics registry, exchange logger
//  4. initGateway  : gateway, health checker, management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	geminiprov "github.com/nulpointcorp/ai-gateway/internal/providers/gemini"
	openrouterprov "github.com/nulpointcorp/ai-gateway/internal/providers/openrouter"
	"github.com/nulpointcorp/ai-gateway/internal/proxy"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
)

// shutdownTimeout bounds how long in-flight requests may take to drain.
const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections: nil when not configured.
	rdb     *redis.Client
	limiter *ratelimit.RPMLimiter

	reqLogger *logger.Logger
	prom      *metrics.Registry

	provs  map[string]providers.Provider
	health *proxy.HealthChecker
	mgmt   *proxy.ManagementRoutes
	gw     *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. In-flight requests are drained before it returns.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Any("providers", configuredNames(a.provs)),
		slog.Int("max_attempts", a.cfg.Retry.MaxAttempts),
		slog.Bool("rate_limit", a.limiter != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error; callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProviders creates both providers. A provider without credentials is
// still registered so health reports it as unconfigured and the failover
// router can skip it.
func buildProviders(ctx context.Context, cfg *config.Config) (map[string]providers.Provider, error) {
	var geminiOpts []geminiprov.Option
	if cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
	}
	if cfg.Gemini.DefaultModel != "" {
		geminiOpts = append(geminiOpts, geminiprov.WithDefaultModel(cfg.Gemini.DefaultModel))
	}
	if len(cfg.Gemini.Models) > 0 {
		geminiOpts = append(geminiOpts, geminiprov.WithModels(cfg.Gemini.Models))
	}
	if cfg.Timeouts.Provider > 0 {
		geminiOpts = append(geminiOpts, geminiprov.WithTimeout(cfg.Timeouts.Provider))
	}
	gemini, err := geminiprov.New(ctx, cfg.Gemini.APIKey, geminiOpts...)
	if err != nil {
		return nil, err
	}

	var orOpts []openrouterprov.Option
	if cfg.OpenRouter.BaseURL != "" {
		orOpts = append(orOpts, openrouterprov.WithBaseURL(cfg.OpenRouter.BaseURL))
	}
	if cfg.OpenRouter.DefaultModel != "" {
		orOpts = append(orOpts, openrouterprov.WithDefaultModel(cfg.OpenRouter.DefaultModel))
	}
	if cfg.OpenRouter.AppBaseURL != "" || cfg.OpenRouter.AppTitle != "" {
		orOpts = append(orOpts, openrouterprov.WithAppInfo(cfg.OpenRouter.AppBaseURL, cfg.OpenRouter.AppTitle))
	}
	if cfg.Timeouts.Provider > 0 {
		orOpts = append(orOpts, openrouterprov.WithTimeout(cfg.Timeouts.Provider))
	}

	return map[string]providers.Provider{
		providers.Google:     gemini,
		providers.OpenRouter: openrouterprov.New(cfg.OpenRouter.APIKey, orOpts...),
	}, nil
}

// configuredNames lists the providers holding credentials, sorted.
func configuredNames(provs map[string]providers.Provider) []string {
	names := make([]string, 0, len(provs))
	for n, p := range provs {
		if providers.IsConfigured(p) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
