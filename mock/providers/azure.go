package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAzureHandler returns an http.Handler simulating the Azure OpenAI API.
// Deployments route like /openai/deployments/{deployment}/chat/completions
// with an api-version query parameter; the wire shapes are OpenAI's.
func newAzureHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/openai/deployments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if r.URL.Query().Get("api-version") == "" {
			writeError(w, http.StatusBadRequest, "api-version query parameter is required", "invalid_request")
			return
		}

		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		deployment := extractAzureDeployment(r.URL.Path)

		switch {
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			var req struct {
				Stream bool `json:"stream"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)

			id := fmt.Sprintf("chatcmpl-azmock%x", rand.Int64())
			content := fakeSentence(cfg.StreamWords)

			if req.Stream {
				serveOpenAIStream(w, id, deployment, content)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"id":      id,
				"object":  "chat.completion",
				"created": time.Now().Unix(),
				"model":   deployment,
				"choices": []map[string]any{
					{
						"index": 0,
						"message": map[string]string{
							"role":    "assistant",
							"content": content,
						},
						"finish_reason": "stop",
					},
				},
				"usage": map[string]int{
					"prompt_tokens":     10,
					"completion_tokens": cfg.StreamWords,
					"total_tokens":      10 + cfg.StreamWords,
				},
			})

		case strings.HasSuffix(r.URL.Path, "/images/generations"):
			writeJSON(w, http.StatusOK, map[string]any{
				"created": time.Now().Unix(),
				"data": []map[string]any{
					{
						"url":            fmt.Sprintf("https://mock.invalid/images/%x.png", rand.Int64()),
						"revised_prompt": fakeSentence(8),
					},
				},
			})

		default:
			writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown operation %s", r.URL.Path), "not_found")
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// extractAzureDeployment pulls the deployment ID from a path like
// /openai/deployments/gpt-4o-prod/chat/completions
func extractAzureDeployment(path string) string {
	const prefix = "/openai/deployments/"
	if !strings.HasPrefix(path, prefix) {
		return "unknown"
	}
	rest := path[len(prefix):]
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
