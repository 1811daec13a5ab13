package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newBedrockHandler returns an http.Handler simulating the AWS Bedrock APIs.
//
// Runtime endpoints (bedrock-runtime):
//
//	POST /model/{modelId}/invoke                        — non-streaming
//	POST /model/{modelId}/invoke-with-response-stream   — streaming
//
// Control-plane endpoints (bedrock):
//
//	GET  /foundation-models
//	GET  /custom-models
//
// Invoke responses use the model-native body; the Anthropic message shape is
// served for every model ID, which is what most Bedrock test traffic expects.
func newBedrockHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/model/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeBedrockError(w, http.StatusMethodNotAllowed, "method not allowed", "ValidationException")
			return
		}

		modelID, op := splitBedrockPath(r.URL.Path)
		if modelID == "" {
			writeBedrockError(w, http.StatusNotFound, "mock: missing model id", "ResourceNotFoundException")
			return
		}

		applyLatency(cfg)
		if shouldError(cfg) {
			writeBedrockError(w, http.StatusInternalServerError, "mock internal error", "ServiceUnavailableException")
			return
		}

		switch op {
		case "invoke":
			serveBedrockInvoke(w, modelID, cfg)
		case "invoke-with-response-stream":
			serveBedrockStream(w, cfg)
		default:
			writeBedrockError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown operation %s", op), "ResourceNotFoundException")
		}
	})

	mux.HandleFunc("/foundation-models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"modelSummaries": []map[string]any{
				{
					"modelId":      "anthropic.claude-3-5-sonnet-20241022-v2:0",
					"modelName":    "Claude 3.5 Sonnet",
					"providerName": "Anthropic",
				},
				{
					"modelId":      "amazon.titan-text-express-v1",
					"modelName":    "Titan Text Express",
					"providerName": "Amazon",
				},
			},
		})
	})

	mux.HandleFunc("/custom-models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"modelSummaries": []map[string]any{},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeBedrockError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "ResourceNotFoundException")
	})

	return mux
}

func serveBedrockInvoke(w http.ResponseWriter, modelID string, cfg Config) {
	content := fakeSentence(cfg.StreamWords)
	inTokens := 12
	outTokens := cfg.StreamWords

	w.Header().Set("X-Amzn-Bedrock-Input-Token-Count", fmt.Sprintf("%d", inTokens))
	w.Header().Set("X-Amzn-Bedrock-Output-Token-Count", fmt.Sprintf("%d", outTokens))

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
			"input_tokens":  inTokens,
			"output_tokens": outTokens,
			"total_tokens":  inTokens + outTokens,
		},
	})
}

func serveBedrockStream(w http.ResponseWriter, cfg Config) {
	// The real service frames events in the AWS binary eventstream encoding;
	// newline-delimited JSON keeps the mock inspectable while still exercising
	// chunked pass-through.
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	content := fakeSentence(cfg.StreamWords)

	sendEvent := func(ev any) {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "%s\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	sendEvent(map[string]any{
		"type":    "message_start",
		"message": map[string]any{"role": "assistant"},
	})

	words := strings.Fields(content)
	for _, word := range words {
		sendEvent(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	sendEvent(map[string]any{
		"type":  "message_delta",
		"delta": map[string]string{"stop_reason": "end_turn"},
		"usage": map[string]int{"output_tokens": cfg.StreamWords},
	})

	sendEvent(map[string]any{
		"type": "message_stop",
		"amazon-bedrock-invocationMetrics": map[string]int{
			"inputTokenCount":   12,
			"outputTokenCount":  cfg.StreamWords,
			"invocationLatency": 100,
		},
	})
}

func writeBedrockError(w http.ResponseWriter, status int, msg, errType string) {
	writeJSON(w, status, map[string]any{
		"message": msg,
		"__type":  errType,
	})
}

// splitBedrockPath extracts the model ID and operation from a path like
// /model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke
func splitBedrockPath(path string) (modelID, op string) {
	rest, ok := strings.CutPrefix(path, "/model/")
	if !ok {
		return "", ""
	}
	modelID, op, _ = strings.Cut(rest, "/")
	return modelID, op
}
