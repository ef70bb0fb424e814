package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestCallbackSignerRoundTrip(t *testing.T) {
	s, err := NewCallbackSigner(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewCallbackSigner: %v", err)
	}
	sig, err := s.Sign("tok-1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := s.Verify(sig, "tok-1"); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := s.Verify(sig, "tok-2"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify(other token) err = %v", err)
	}
	if err := s.Verify("", "tok-1"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify(empty) err = %v", err)
	}
	if err := s.Verify(sig[:len(sig)-2]+"xx", "tok-1"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify(tampered) err = %v", err)
	}
}

func TestCallbackSignerExpiry(t *testing.T) {
	s, _ := NewCallbackSigner(testSecret, time.Minute)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	sig, err := s.Sign("tok")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := s.Verify(sig, "tok"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify(expired) err = %v", err)
	}
}

func TestCallbackSignerOtherSecret(t *testing.T) {
	a, _ := NewCallbackSigner(testSecret, 0)
	b, _ := NewCallbackSigner([]byte(strings.Repeat("z", 32)), 0)
	sig, _ := a.Sign("tok")
	if err := b.Verify(sig, "tok"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify with other secret err = %v", err)
	}
	if a.ttl != DefaultSignatureTTL {
		t.Errorf("ttl = %v, want default", a.ttl)
	}
}

func TestNewCallbackSignerShortSecret(t *testing.T) {
	if _, err := NewCallbackSigner([]byte("short"), 0); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestRequireCallbackSignature(t *testing.T) {
	signer, _ := NewCallbackSigner(testSecret, time.Hour)
	good, _ := signer.Sign("tok-1")

	var buf bytes.Buffer
	r := chi.NewRouter()
	r.With(RequireCallbackSignature(signer, jsonLogger(&buf))).Post("/api/callbacks/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"valid", "/api/callbacks/tok-1?callerId=x&sig=" + good, http.StatusOK},
		{"missing", "/api/callbacks/tok-1", http.StatusUnauthorized},
		{"wrong token", "/api/callbacks/tok-2?sig=" + good, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireCallbackSignatureDisabled(t *testing.T) {
	var buf bytes.Buffer
	h := RequireCallbackSignature(nil, jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/callbacks/x", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
}
