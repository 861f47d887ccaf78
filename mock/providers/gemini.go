package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Google Gemini API.
//
// The Gemini SDK (google.golang.org/genai) communicates with:
//
//	POST {base}/models/{model}:generateContent
//	GET  {base}/models           (list models, used by health check)
//
// where {base} defaults to https://generativelanguage.googleapis.com/v1beta.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // e.g. /v1beta/models/gemini-1.5-pro:generateContent
		if !strings.HasSuffix(path, ":generateContent") {
			writeGeminiError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
			return
		}

		applyLatency(cfg)
		if shouldRateLimit(cfg, "gemini") {
			writeGeminiRateLimit(w, cfg.RetryAfterS)
			return
		}
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "INTERNAL", "mock internal error")
			return
		}
		handleGeminiGenerate(w, r, cfg, extractModel(path))
	})

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-1.5-flash", "displayName": "Gemini 1.5 Flash"},
				{"name": "models/gemini-1.5-pro", "displayName": "Gemini 1.5 Pro"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, r *http.Request, cfg Config, model string) {
	var req struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) == 0 {
		writeGeminiError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "contents must not be empty")
		return
	}

	inTokens := 10
	outTokens := cfg.Words

	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": fakeSentence(cfg.Words)}},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      inTokens + outTokens,
		},
		"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
		"modelVersion": model,
	})
}

// writeGeminiRateLimit mimics an exhausted free-tier quota, including the
// RetryInfo detail the provider reads its retry hint from.
func writeGeminiRateLimit(w http.ResponseWriter, retryAfterS int) {
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error": map[string]any{
			"code":    http.StatusTooManyRequests,
			"message": "mock: quota exceeded",
			"status":  "RESOURCE_EXHAUSTED",
			"details": []map[string]any{
				{
					"@type":      "type.googleapis.com/google.rpc.RetryInfo",
					"retryDelay": fmt.Sprintf("%ds", retryAfterS),
				},
			},
		},
	})
}

func writeGeminiError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  code,
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-1.5-pro:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-1.5-flash"
}
