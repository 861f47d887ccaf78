// Command providers runs lightweight HTTP mock servers that simulate the two
// upstream APIs. It is used for E2E/load testing without real credentials.
//
// Each provider listens on its own port:
//
//	OpenRouter  :19001   (point OPENROUTER_BASE_URL at http://localhost:19001/api/v1)
//	Gemini      :19003   (point GEMINI_BASE_URL at http://localhost:19003/v1beta)
//
// Environment overrides (PORT_<PROVIDER>):
//
//	PORT_OPENROUTER, PORT_GEMINI
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS      : artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE      : fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_RATELIMIT_RATE  : fraction [0,1] of requests that return HTTP 429 (default 0)
//	MOCK_RATELIMIT_TARGET: "gemini", "openrouter" or "all" (default gemini)
//	MOCK_RETRY_AFTER_S   : Retry-After seconds sent with a 429 (default 30)
//	MOCK_WORDS           : words in each generated answer (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS       int
	ErrorRate       float64
	RateLimitRate   float64
	RateLimitTarget string
	RetryAfterS     int
	Words           int
}

func loadConfig() Config {
	c := Config{Words: 10, RetryAfterS: 30, RateLimitTarget: "gemini"}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_RATELIMIT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.RateLimitRate = f
		}
	}
	if v := os.Getenv("MOCK_RATELIMIT_TARGET"); v != "" {
		c.RateLimitTarget = v
	}
	if v := os.Getenv("MOCK_RETRY_AFTER_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.RetryAfterS = n
		}
	}
	if v := os.Getenv("MOCK_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Words = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Float64("ratelimit_rate", cfg.RateLimitRate),
		slog.String("ratelimit_target", cfg.RateLimitTarget),
	)

	servers := []*http.Server{
		startServer("openrouter", ":"+portFromEnv("PORT_OPENROUTER", 19001), newOpenRouterHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
