package acs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testConnectionString(endpoint string) string {
	return "endpoint=" + endpoint + "/;accesskey=" + base64.StdEncoding.EncodeToString(testKey)
}

func TestParseConnectionString(t *testing.T) {
	creds, err := ParseConnectionString(testConnectionString("https://res.communication.azure.com"))
	if err != nil {
		t.Fatalf("ParseConnectionString: %v", err)
	}
	if creds.Endpoint != "https://res.communication.azure.com" {
		t.Errorf("Endpoint = %q", creds.Endpoint)
	}
	if string(creds.AccessKey) != string(testKey) {
		t.Errorf("AccessKey mismatch")
	}

	bad := []string{
		"",
		"endpoint=https://x.example",
		"accesskey=" + base64.StdEncoding.EncodeToString(testKey),
		"endpoint=ftp://x.example;accesskey=" + base64.StdEncoding.EncodeToString(testKey),
		"endpoint=https://x.example;accesskey=***",
		"endpoint",
	}
	for _, s := range bad {
		if _, err := ParseConnectionString(s); !errors.Is(err, ErrInvalidConnectionString) {
			t.Errorf("ParseConnectionString(%q) err = %v, want ErrInvalidConnectionString", s, err)
		}
	}
}

// verifySignature recomputes the HMAC the way the service does.
func verifySignature(t *testing.T, r *http.Request, body []byte) {
	t.Helper()

	sum := sha256.Sum256(body)
	wantHash := base64.StdEncoding.EncodeToString(sum[:])
	if got := r.Header.Get("x-ms-content-sha256"); got != wantHash {
		t.Errorf("x-ms-content-sha256 = %q, want %q", got, wantHash)
	}

	date := r.Header.Get("x-ms-date")
	if _, err := time.Parse(http.TimeFormat, date); err != nil {
		t.Errorf("x-ms-date %q: %v", date, err)
	}

	stringToSign := r.Method + "\n" + r.URL.RequestURI() + "\n" + date + ";" + r.Host + ";" + wantHash
	mac := hmac.New(sha256.New, testKey)
	mac.Write([]byte(stringToSign))
	want := "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature=" +
		base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if got := r.Header.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
}

func TestAnswerCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/calling/callConnections:answer" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != DefaultAPIVersion {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}

		body, _ := io.ReadAll(r.Body)
		verifySignature(t, r, body)

		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if req["incomingCallContext"] != "ctx-abc" {
			t.Errorf("incomingCallContext = %v", req["incomingCallContext"])
		}
		if req["callbackUri"] != "https://bridge.example/api/callbacks/tok?callerId=%2B14255550123" {
			t.Errorf("callbackUri = %v", req["callbackUri"])
		}
		ms := req["mediaStreamingOptions"].(map[string]any)
		want := map[string]any{
			"transportUrl":        "wss://bridge.example/ws/media/tok",
			"transportType":       "websocket",
			"contentType":         "audio",
			"audioChannelType":    "unmixed",
			"startMediaStreaming": true,
			"enableBidirectional": true,
			"audioFormat":         "Pcm24KMono",
		}
		for k, v := range want {
			if ms[k] != v {
				t.Errorf("mediaStreamingOptions.%s = %v, want %v", k, ms[k], v)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"callConnectionId":"conn-1","serverCallId":"srv-1","callConnectionState":"connecting"}`))
	}))
	defer srv.Close()

	client, err := NewClientFromConnectionString(testConnectionString(srv.URL), "")
	if err != nil {
		t.Fatal(err)
	}

	props, err := client.AnswerCall(context.Background(), AnswerCallRequest{
		IncomingCallContext:   "ctx-abc",
		CallbackURI:           "https://bridge.example/api/callbacks/tok?callerId=%2B14255550123",
		MediaStreamingOptions: BidirectionalAudio("wss://bridge.example/ws/media/tok"),
	})
	if err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	if props.CallConnectionID != "conn-1" || props.ServerCallID != "srv-1" {
		t.Errorf("props = %+v", props)
	}
}

func TestAnswerCallRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"8523","message":"Invalid request."}}`))
	}))
	defer srv.Close()

	client, _ := NewClientFromConnectionString(testConnectionString(srv.URL), "")
	_, err := client.AnswerCall(context.Background(), AnswerCallRequest{IncomingCallContext: "x"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "8523" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "Invalid request.") {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestAnswerCallNoConnectionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, _ := NewClientFromConnectionString(testConnectionString(srv.URL), "")
	if _, err := client.AnswerCall(context.Background(), AnswerCallRequest{}); err == nil {
		t.Error("expected error for missing callConnectionId")
	}
}

func TestGetCallConnection(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "rest model",
			body: `{"callConnectionId":"conn-1","answeredFor":{"value":"+18777108468"}}`,
			want: "+18777108468",
		},
		{
			name: "nested model",
			body: `{"callConnectionId":"conn-1","answeredFor":{"rawId":"4:+18777108468","phoneNumber":{"value":"+18777108468"}}}`,
			want: "+18777108468",
		},
		{
			name: "raw id only",
			body: `{"callConnectionId":"conn-1","answeredFor":{"rawId":"4:+12515382263"}}`,
			want: "+12515382263",
		},
		{
			name: "missing",
			body: `{"callConnectionId":"conn-1"}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("expected GET, got %s", r.Method)
				}
				if r.URL.Path != "/calling/callConnections/conn-1" {
					t.Errorf("path = %s", r.URL.Path)
				}
				verifySignature(t, r, nil)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client, _ := NewClientFromConnectionString(testConnectionString(srv.URL), "2024-09-15")
			props, err := client.GetCallConnection(context.Background(), "conn-1")
			if err != nil {
				t.Fatalf("GetCallConnection: %v", err)
			}
			if got := props.AnsweredForNumber(); got != tt.want {
				t.Errorf("AnsweredForNumber = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client, _ := NewClientFromConnectionString(testConnectionString(srv.URL), "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.GetCallConnection(ctx, "conn-1"); err == nil {
		t.Error("expected error with cancelled context")
	}
}
