package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/proxy"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ai-gateway/internal/retry"
)

// initInfra establishes optional external connections.
// Redis is only required when RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.RPMLimit <= 0 {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.limiter = ratelimit.NewRPMLimiter(rdb, a.cfg.RateLimit.RPMLimit)
	a.log.Info("redis connected")

	return nil
}

// initProviders builds the provider map. At least one provider must hold
// credentials; config validation enforces this before we reach here.
func (a *App) initProviders(ctx context.Context) error {
	provs, err := buildProviders(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.provs = provs

	names := configuredNames(provs)
	if len(names) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the Prometheus registry and the async exchange logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("exchange logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Logger: a.log,
		Retry: retry.Policy{
			MaxAttempts: a.cfg.Retry.MaxAttempts,
			BaseDelay:   a.cfg.Retry.BaseDelay,
			Multiplier:  a.cfg.Retry.Multiplier,
		},
		ProviderTimeout: a.cfg.Timeouts.Provider,
		RequestTimeout:  a.cfg.Timeouts.Request,
		Metrics:         a.prom,
	}
	if err := opts.Retry.Validate(); err != nil {
		return err
	}

	gw := proxy.NewGateway(a.baseCtx, a.provs, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	var limiterReady func(context.Context) error
	if a.limiter != nil {
		gw.SetRateLimiter(a.limiter)
		limiterReady = a.limiter.Ping
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.health = proxy.NewHealthChecker(a.baseCtx, a.provs, limiterReady, a.prom)
	gw.SetHealthChecker(a.health)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
