package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// newOpenRouterHandler returns an http.Handler that simulates the OpenRouter
// chat-completions API (OpenAI wire format under /api/v1).
func newOpenRouterHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeOpenRouterError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldRateLimit(cfg, "openrouter") {
			w.Header().Set("Retry-After", strconv.Itoa(cfg.RetryAfterS))
			writeOpenRouterError(w, http.StatusTooManyRequests, "mock: rate limit exceeded")
			return
		}
		if shouldError(cfg) {
			writeOpenRouterError(w, http.StatusBadGateway, "mock: upstream provider error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			writeOpenRouterError(w, http.StatusBadRequest, "messages must not be empty")
			return
		}

		// openrouter/auto resolves to a concrete model, as the real router does.
		model := req.Model
		if model == "" || model == "openrouter/auto" {
			model = "mistralai/mistral-7b-instruct"
		}

		inTokens := 10
		outTokens := cfg.Words

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("gen-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": fakeSentence(cfg.Words),
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	mux.HandleFunc("/api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "openrouter/auto", "object": "model", "owned_by": "openrouter"},
				{"id": "mistralai/mistral-7b-instruct", "object": "model", "owned_by": "mistralai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOpenRouterError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func writeOpenRouterError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
		},
	})
}
