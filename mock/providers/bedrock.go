package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// newBedrockHandler returns an http.Handler simulating the AWS Bedrock
// runtime and control plane.
//
//	POST /model/{modelId}/invoke                       — non-streaming
//	POST /model/{modelId}/invoke-with-response-stream  — streaming (eventstream framing)
//	GET  /inference-profiles                           — control plane, key probes
//	GET  /logging/modelinvocations                     — control plane, key probes
func newBedrockHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Match both /model/{id}/invoke and /model/{id}/invoke-with-response-stream
	mux.HandleFunc("/model/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeBedrockError(w, http.StatusMethodNotAllowed, "method not allowed", "ValidationException")
			return
		}

		path := r.URL.Path
		modelID := extractBedrockModel(path)
		isStream := strings.HasSuffix(path, "/invoke-with-response-stream")

		applyLatency(cfg)
		if shouldError(cfg) {
			writeBedrockError(w, http.StatusInternalServerError, "mock internal error", "ServiceUnavailableException")
			return
		}

		if isStream {
			serveBedrockStream(w, modelID, cfg)
		} else {
			serveBedrockInvoke(w, modelID, cfg)
		}
	})

	// GET /inference-profiles — key probes discover cross-region profiles here.
	mux.HandleFunc("/inference-profiles", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"inferenceProfileSummaries": []map[string]any{
				{
					"inferenceProfileId":   "us.anthropic.claude-3-5-sonnet-20240620-v1:0",
					"inferenceProfileName": "US Claude 3.5 Sonnet",
					"status":               "ACTIVE",
				},
			},
		})
	})

	// GET /logging/modelinvocations — key probes check invocation logging here.
	mux.HandleFunc("/logging/modelinvocations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"loggingConfig": nil,
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeBedrockError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "ResourceNotFoundException")
	})

	return mux
}

// serveBedrockInvoke answers an invoke call with an Anthropic message body,
// the same shape the native Anthropic API returns.
func serveBedrockInvoke(w http.ResponseWriter, modelID string, cfg Config) {
	content := fakeSentence(cfg.StreamWords)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            fmt.Sprintf("msg_bdrk_%x", rand.Int64()),
		"type":          "message",
		"role":          "assistant",
		"model":         modelID,
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
}

// serveBedrockStream writes binary application/vnd.amazon.eventstream frames.
// Each chunk frame carries a base64-encoded Anthropic streaming event under
// the "bytes" field, mirroring invoke-with-response-stream.
func serveBedrockStream(w http.ResponseWriter, _ string, cfg Config) {
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := eventstream.NewEncoder()

	sendChunk := func(ev any) {
		inner, _ := json.Marshal(ev)
		payload, _ := json.Marshal(map[string]string{
			"bytes": base64.StdEncoding.EncodeToString(inner),
		})

		var buf bytes.Buffer
		_ = enc.Encode(&buf, eventstream.Message{
			Headers: eventstream.Headers{
				{Name: ":message-type", Value: eventstream.StringValue("event")},
				{Name: ":event-type", Value: eventstream.StringValue("chunk")},
				{Name: ":content-type", Value: eventstream.StringValue("application/json")},
			},
			Payload: payload,
		})
		_, _ = w.Write(buf.Bytes())
		if flusher != nil {
			flusher.Flush()
		}
	}

	content := fakeSentence(cfg.StreamWords)

	sendChunk(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            fmt.Sprintf("msg_bdrk_%x", rand.Int64()),
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 12, "output_tokens": 0},
		},
	})

	sendChunk(map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})

	for _, word := range strings.Fields(content) {
		sendChunk(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	sendChunk(map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})

	sendChunk(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": cfg.StreamWords},
	})

	sendChunk(map[string]string{"type": "message_stop"})
}

func writeBedrockError(w http.ResponseWriter, status int, msg, errType string) {
	writeJSON(w, status, map[string]any{
		"message": msg,
		"__type":  errType,
	})
}

// extractBedrockModel extracts the model ID from a path like
// /model/anthropic.claude-3-5-sonnet-20240620-v1:0/invoke
func extractBedrockModel(path string) string {
	const prefix = "/model/"
	if !strings.HasPrefix(path, prefix) {
		return "unknown"
	}
	rest := path[len(prefix):]
	if idx := strings.LastIndex(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
