package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the gateway routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full request handler: routes wrapped in the middleware
// chain. mgmt may be nil.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()
	r.HandleMethodNotAllowed = true

	r.POST("/api/ai/generate", g.dispatchGenerate)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, apierr.CodeMethodNotAllowed)
	}
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.CodeNotFound)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start without management endpoints.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// It blocks until the server stops.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: g.requestTimeout + 10*time.Second,
		Name:         "ai-gateway",
	}

	g.srvMu.Lock()
	g.server = srv
	g.srvMu.Unlock()

	return srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server started by Start, waiting for
// in-flight requests until ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.srvMu.Lock()
	srv := g.server
	g.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": statusOK})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": statusOK})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
