package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxBodyBytes caps webhook bodies. Provider batches are a few kilobytes.
const maxBodyBytes = 1 << 20

// envelope is the response wrapper for the JSON API: { "data": ..., "error": ... }.
// Provider-facing replies whose shape the provider dictates bypass it.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes data wrapped in the envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	writeRaw(w, status, envelope{Data: data})
}

// writeError writes an error message wrapped in the envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeRaw(w, status, envelope{Error: msg})
}

// writeRaw writes v as JSON without the envelope.
func writeRaw(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// readBody reads the request body up to maxBodyBytes. It returns an error
// message for the client, or "" on success.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "request body too large"
		}
		return nil, "failed to read request body"
	}
	return body, ""
}
