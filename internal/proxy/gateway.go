// Package proxy is the HTTP face of the AI gateway.
//
// The Gateway receives a "generate text" request, resolves the primary
// provider, and hands it to the FailoverRouter, which retries transient
// failures and hops once to the other provider when the primary stays
// rate-limited. The response names the provider and model that answered.
//
// Key design constraints:
//   - Attempts within one request are strictly sequential.
//   - Logger, metrics, health checker and rate limiter are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts and shutdown propagate.
//
// Cancellation: an exchange ends early only when REQUEST_TIMEOUT expires or
// the process context passed to NewGateway is cancelled. fasthttp does not
// report a client disconnect while the handler runs, so a caller that hangs
// up does not abort in-flight attempts or backoff waits.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ai-gateway/internal/retry"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

const routeGenerate = "generate"

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Retry is the per-provider retry policy. Zero value: retry.DefaultPolicy().
	Retry retry.Policy

	// ProviderTimeout bounds a single upstream call.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// RequestTimeout bounds the whole request including backoff waits and
	// the failover hop. Default: providers.RequestTimeout (120s).
	RequestTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// RetryOptions are appended to the executor options; tests use them to
	// install a fake backoff timer.
	RetryOptions []retry.Option
}

// Gateway is the main handler: all dependencies are injected via the
// constructor or setters so they can be replaced with doubles in tests.
type Gateway struct {
	router  *FailoverRouter
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	requestTimeout time.Duration

	// Optional dependencies: nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// Exact-match CORS allow-list.
	corsOrigins []string

	srvMu  sync.Mutex
	server *fasthttp.Server
}

// NewGateway creates a fully configured Gateway.
func NewGateway(baseCtx context.Context, provs map[string]providers.Provider, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	policy := opts.Retry
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = providers.RequestTimeout
	}

	execOpts := append([]retry.Option{
		retry.WithAttemptTimeout(providerTimeout),
		retry.WithLogger(log),
	}, opts.RetryOptions...)
	exec := retry.New(policy, execOpts...)

	return &Gateway{
		router:         NewFailoverRouter(provs, exec, log, opts.Metrics),
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		requestTimeout: requestTimeout,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiter injects the inbound RPM limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async exchange logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetHealthChecker injects the background prober behind /health and /readiness.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) {
	g.health = hc
}

// dispatchGenerate is the handler for POST /api/ai/generate.
func (g *Gateway) dispatchGenerate(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	reqID, _ := ctx.UserValue("request_id").(string)

	ex := logger.Exchange{RequestID: reqID, CreatedAt: start}

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		status := ctx.Response.StatusCode()
		ex.Status = status
		ex.Latency = time.Since(start)
		if g.reqLogger != nil {
			g.reqLogger.Log(ex)
		}
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeGenerate, status, ex.Latency, reqBytes)
		served := ex.Provider
		if served == "" {
			served = "none"
		}
		g.metrics.RecordRequest(served, status)
		g.metrics.AddTokens(served, ex.InputTokens, ex.OutputTokens)
	}()

	// 1. Inbound rate limit.
	if !g.allow(ctx, reqID) {
		ex.ErrorCode = apierr.CodeRateLimited
		return
	}

	// 2. Parse and validate.
	req, err := parseGenerateRequest(ctx.PostBody(), reqID)
	if err != nil {
		g.log.InfoContext(ctx, "invalid_request",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		ex.ErrorCode = g.writeError(ctx, err)
		return
	}
	ex.RequestedModel = req.Completion.Model

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Completion.Model),
		slog.String("provider", req.Provider),
		slog.Int("messages", len(req.Completion.Messages)),
	)

	// 3. Route with retries and failover under the overall deadline.
	// fasthttp does not observe client disconnects mid-request, so only the
	// deadline and process shutdown end the exchange early.
	reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()
	stop := context.AfterFunc(g.baseCtx, cancel)
	defer stop()

	out, err := g.router.Route(reqCtx, &req.Completion, req.Provider)
	ex.PrimaryProvider = out.Primary
	ex.Attempts = len(out.Attempts)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("primary_provider", out.Primary),
			slog.Int("attempts", len(out.Attempts)),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		ex.ErrorCode = g.writeError(ctx, err)
		return
	}

	ex.Provider = out.Provider
	ex.Model = out.Model
	ex.IsFailover = out.IsFailover
	ex.Substituted = out.Substituted
	ex.InputTokens = out.Completion.Usage.InputTokens
	ex.OutputTokens = out.Completion.Usage.OutputTokens

	// 4. Shape the response.
	resp := outboundResponse{
		Text:       out.Completion.Text,
		Provider:   out.Provider,
		Model:      out.Model,
		IsFailover: out.IsFailover,
	}
	if out.Substituted {
		resp.Warning = fmt.Sprintf("model %q is not served by %s; used %q",
			req.Completion.Model, out.Provider, out.Model)
		g.log.WarnContext(ctx, "model_substituted",
			slog.String("request_id", reqID),
			slog.String("provider", out.Provider),
			slog.String("requested_model", req.Completion.Model),
			slog.String("model", out.Model),
		)
		if g.metrics != nil {
			g.metrics.RecordSubstitution(out.Provider)
		}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		ex.ErrorCode = apierr.CodeInternalError
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.CodeInternalError)
		return
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", out.Provider),
		slog.String("model", out.Model),
		slog.Bool("is_failover", out.IsFailover),
		slog.Int("attempts", len(out.Attempts)),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// allow applies the inbound RPM limit. It writes the 429 itself and returns
// false when the client is over its budget.
func (g *Gateway) allow(ctx *fasthttp.RequestCtx, reqID string) bool {
	if g.rpmLimiter == nil {
		return true
	}

	client := clientKey(ctx)
	allowed, err := g.rpmLimiter.Allow(ctx, client)
	if err != nil {
		g.log.WarnContext(ctx, "rate_limiter_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
	}
	if g.metrics != nil {
		switch {
		case err != nil:
			g.metrics.RecordRateLimit("error")
		case !allowed:
			g.metrics.RecordRateLimit("blocked")
		default:
			g.metrics.RecordRateLimit("allowed")
		}
	}
	if allowed {
		return true
	}

	g.log.WarnContext(ctx, "rate_limit_exceeded",
		slog.String("request_id", reqID),
		slog.String("client", client),
	)
	apierr.WriteRateLimit(ctx, ratelimit.Window)
	return false
}

// clientKey identifies the caller for rate limiting: the first
// X-Forwarded-For hop when behind a proxy, the remote IP otherwise.
func clientKey(ctx *fasthttp.RequestCtx) string {
	if xff := string(ctx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return ctx.RemoteIP().String()
}

// writeError maps err onto the {error, suggestion} body and returns the code
// written. Raw upstream messages never reach the client.
//
//	RateLimited → 429 + Retry-After (upstream hint or 60s)
//	BadRequest  → 400 or the upstream 4xx
//	Timeout     → 504
//	Upstream    → upstream status when known
//	otherwise   → 500
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, err error) string {
	pe := providers.Classify("", err)
	if pe.Kind == providers.KindRateLimited {
		apierr.WriteRateLimit(ctx, pe.RetryAfter)
		return apierr.CodeRateLimited
	}
	code := pe.Kind.String()
	apierr.Write(ctx, pe.HTTPStatus(), code)
	return code
}
