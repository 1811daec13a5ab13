package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var vertexPathRe = regexp.MustCompile(
	`^/v1/projects/([^/]+)/locations/([^/]+)/publishers/google/models/([^/:]+):(generateContent|streamGenerateContent)$`,
)

// newVertexAIHandler returns an http.Handler simulating the Google Vertex AI
// generateContent API:
//
//	POST /v1/projects/{project}/locations/{location}/publishers/google/models/{model}:generateContent
//	POST /v1/projects/{project}/locations/{location}/publishers/google/models/{model}:streamGenerateContent
func newVertexAIHandler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := vertexPathRe.FindStringSubmatch(r.URL.Path)
		if m == nil {
			writeVertexError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "NOT_FOUND")
			return
		}
		if r.Method != http.MethodPost {
			writeVertexError(w, http.StatusMethodNotAllowed, "method not allowed", "FAILED_PRECONDITION")
			return
		}

		applyLatency(cfg)
		if shouldError(cfg) {
			writeVertexError(w, http.StatusInternalServerError, "mock internal error", "INTERNAL")
			return
		}

		model := m[3]
		if m[4] == "streamGenerateContent" {
			serveVertexStream(w, model, cfg)
			return
		}

		writeJSON(w, http.StatusOK, vertexResponse(model, fakeSentence(cfg.StreamWords), cfg.StreamWords))
	})
}

// vertexResponse builds a generateContent response body.
func vertexResponse(model, text string, outTokens int) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]string{
						{"text": text},
					},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     9,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      9 + outTokens,
		},
		"modelVersion": model,
	}
}

// serveVertexStream writes the streaming variant: a JSON array of partial
// responses, one element per chunk.
func serveVertexStream(w http.ResponseWriter, model string, cfg Config) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	words := strings.Fields(fakeSentence(cfg.StreamWords))

	fmt.Fprint(w, "[")
	for i, word := range words {
		if i > 0 {
			fmt.Fprint(w, ",")
		}
		chunk := vertexResponse(model, word+" ", 1)
		data, _ := json.Marshal(chunk)
		w.Write(data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "]")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeVertexError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  code,
		},
	})
}
