package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"token": "abc"})

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["token"] != "abc" {
		t.Errorf("data = %v", env.Data)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("expected error field to be omitted, got %s", w.Body.String())
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "invalid input")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "invalid input" || env.Data != nil {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWriteRawSkipsEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeRaw(w, http.StatusOK, map[string]string{"validationResponse": "code"})

	if got := strings.TrimSpace(w.Body.String()); got != `{"validationResponse":"code"}` {
		t.Errorf("body = %s", got)
	}
}

func TestReadBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`[{"id":"1"}]`))
	body, msg := readBody(httptest.NewRecorder(), r)
	if msg != "" || string(body) != `[{"id":"1"}]` {
		t.Errorf("readBody = %q, %q", body, msg)
	}

	big := strings.Repeat("x", maxBodyBytes+1)
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	if _, msg := readBody(httptest.NewRecorder(), r); msg != "request body too large" {
		t.Errorf("msg = %q", msg)
	}
}
