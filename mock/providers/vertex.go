package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newVertexHandler returns an http.Handler simulating GCP Vertex AI's
// Anthropic publisher endpoints plus a service-account token exchange.
//
//	POST /token — OAuth2 JWT-bearer exchange
//	POST /v1/projects/{p}/locations/{l}/publishers/anthropic/models/{m}:rawPredict
//	POST /v1/projects/{p}/locations/{l}/publishers/anthropic/models/{m}:streamRawPredict
func newVertexHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// OAuth2 token exchange for service-account JWTs.
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": fmt.Sprintf("ya29.mock-%x", rand.Int64()),
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	})

	mux.HandleFunc("/v1/projects/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		path := r.URL.Path
		model := extractVertexModel(path)
		isStream := strings.HasSuffix(path, ":streamRawPredict")
		if !isStream && !strings.HasSuffix(path, ":rawPredict") {
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
			return
		}

		applyLatency(cfg)
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		// The payload must carry anthropic_version instead of a model field.
		var req struct {
			AnthropicVersion string `json:"anthropic_version"`
			Model            string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AnthropicVersion == "" {
			writeGeminiError(w, http.StatusBadRequest, "anthropic_version is required")
			return
		}
		if req.Model != "" {
			writeGeminiError(w, http.StatusBadRequest, "model must not appear in the request body")
			return
		}

		id := fmt.Sprintf("msg_vrtx_%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)

		if isStream {
			serveAnthropicStream(w, id, model, content, 12, cfg.StreamWords)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]string{
				{"type": "text", "text": content},
			},
			"usage": map[string]int{
				"input_tokens":  12,
				"output_tokens": cfg.StreamWords,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// extractVertexModel pulls the model out of a path like
// /v1/projects/p/locations/l/publishers/anthropic/models/claude-3-opus@20240229:rawPredict
func extractVertexModel(path string) string {
	const marker = "/models/"
	idx := strings.LastIndex(path, marker)
	if idx < 0 {
		return "unknown"
	}
	rest := path[idx+len(marker):]
	if col := strings.LastIndex(rest, ":"); col >= 0 {
		return rest[:col]
	}
	return rest
}
