package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

func doRequest(t *testing.T, client *http.Client, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://test"+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// --- method and path handling -----------------------------------------------

func TestRouter_MethodNotAllowed(t *testing.T) {
	gw := newTestGateway(nil)
	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		resp := doRequest(t, client, method, generatePath)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, resp.StatusCode)
		}
		if eb := decodeError(t, resp); eb.Error != apierr.CodeMethodNotAllowed {
			t.Errorf("%s: expected method_not_allowed, got %q", method, eb.Error)
		}
	}
}

func TestRouter_NotFound(t *testing.T) {
	gw := newTestGateway(nil)
	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp := doRequest(t, client, http.MethodPost, "/v1/chat/completions")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if eb := decodeError(t, resp); eb.Error != apierr.CodeNotFound {
		t.Errorf("expected not_found, got %q", eb.Error)
	}
}

func TestRouter_OptionsAnswered(t *testing.T) {
	gw := newTestGateway(nil)
	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp := doRequest(t, client, http.MethodOptions, generatePath)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "{}" {
		t.Errorf("expected {}, got %q", body)
	}
}

func TestRouter_SecurityHeaders(t *testing.T) {
	gw := newTestGateway(nil)
	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp := doRequest(t, client, http.MethodGet, "/health")
	readBody(t, resp)
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("expected X-Response-Time header")
	}
}

// --- handleHealth -----------------------------------------------------------

func TestHandleHealth_NoHealthChecker(t *testing.T) {
	gw := newTestGateway(nil)
	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp := doRequest(t, client, http.MethodGet, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.Unmarshal(readBody(t, resp), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != statusOK {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
}

func TestHandleHealth_WithProviders(t *testing.T) {
	provs := map[string]providers.Provider{
		providers.Google:     healthyProvider(providers.Google),
		providers.OpenRouter: unhealthyProvider(providers.OpenRouter),
	}
	gw := newTestGateway(provs)
	hc := NewHealthChecker(context.Background(), provs, nil, nil)
	defer hc.Close()
	gw.SetHealthChecker(hc)

	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp := doRequest(t, client, http.MethodGet, "/health")
	var snap HealthSnapshot
	if err := json.Unmarshal(readBody(t, resp), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != statusDegraded {
		t.Errorf("expected degraded, got %s", snap.Status)
	}
	if snap.Providers[providers.Google] != statusOK {
		t.Errorf("expected google=ok, got %s", snap.Providers[providers.Google])
	}
}

// --- handleReadiness --------------------------------------------------------

func TestHandleReadiness_NoHealthChecker(t *testing.T) {
	gw := newTestGateway(nil)
	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp := doRequest(t, client, http.MethodGet, "/readiness")
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleReadiness_Unavailable(t *testing.T) {
	provs := map[string]providers.Provider{
		providers.Google: unhealthyProvider(providers.Google),
	}
	gw := newTestGateway(provs)
	hc := NewHealthChecker(context.Background(), provs, nil, nil)
	defer hc.Close()
	gw.SetHealthChecker(hc)

	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp := doRequest(t, client, http.MethodGet, "/readiness")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "unavailable") {
		t.Errorf("unexpected body %s", body)
	}
}

// --- /metrics ---------------------------------------------------------------

func TestRouter_MetricsRoute(t *testing.T) {
	met := metrics.New()
	met.SetBuildInfo("test")
	gw := newTestGateway(nil)
	client, cleanup := serveGateway(t, gw, &ManagementRoutes{Metrics: met.Handler()})
	defer cleanup()

	resp := doRequest(t, client, http.MethodGet, "/metrics")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "gateway_build_info") {
		t.Errorf("expected gateway_build_info in output")
	}
}

func TestRouter_NoMetricsWithoutManagementRoutes(t *testing.T) {
	gw := newTestGateway(nil)
	client, cleanup := serveGateway(t, gw, nil)
	defer cleanup()

	resp := doRequest(t, client, http.MethodGet, "/metrics")
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

// --- Shutdown ---------------------------------------------------------------

func TestShutdown_NotStarted(t *testing.T) {
	gw := newTestGateway(nil)
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	if body := string(ctx.Response.Body()); body != `{"key":"value"}` {
		t.Errorf("unexpected body %s", body)
	}
}
