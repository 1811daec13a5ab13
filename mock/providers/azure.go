package main

import (
	"fmt"
	"net/http"
	"strings"
)

// newAzureHandler returns an http.Handler simulating the Azure OpenAI API.
// Azure nests the OpenAI wire format under deployment-scoped paths:
//
//	POST /openai/deployments/{deployment}/chat/completions?api-version=...
//	POST /openai/deployments/{deployment}/completions?api-version=...
//	POST /openai/deployments/{deployment}/embeddings?api-version=...
//
// Response bodies are identical to OpenAI's, so the shared builders are
// reused; only the routing differs.
func newAzureHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/openai/deployments/", func(w http.ResponseWriter, r *http.Request) {
		rest, ok := strings.CutPrefix(r.URL.Path, "/openai/deployments/")
		if !ok || rest == "" {
			writeError(w, http.StatusNotFound, "mock: missing deployment", "not_found")
			return
		}
		deployment, op, ok := strings.Cut(rest, "/")
		if !ok || deployment == "" {
			writeError(w, http.StatusNotFound, "mock: missing operation", "not_found")
			return
		}
		if r.URL.Query().Get("api-version") == "" {
			writeError(w, http.StatusBadRequest, "mock: api-version query parameter is required", "invalid_request")
			return
		}

		switch op {
		case "chat/completions":
			handleChatCompletions(w, r, cfg)
		case "completions":
			handleLegacyCompletions(w, r, cfg)
		case "embeddings":
			handleEmbeddings(w, r, cfg)
		default:
			writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown operation %s", op), "not_found")
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}
