package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// env is a fake environment.
type env map[string]string

func (e env) lookup(key string) (string, bool) {
	v, ok := e[key]
	return v, ok
}

// minimal returns the environment needed for a valid config.
func minimal() env {
	return env{
		"CALLBRIDGE_PUBLIC_BASE_URL":       "https://bridge.example.com",
		"CALLBRIDGE_ACS_CONNECTION_STRING": "endpoint=https://acs.example.com/;accesskey=c2VjcmV0",
		"CALLBRIDGE_REALTIME_ENDPOINT":     "https://ai.example.com",
		"CALLBRIDGE_REALTIME_API_KEY":      "key",
		"CALLBRIDGE_REALTIME_DEPLOYMENT":   "gpt-4o-realtime-preview",
		"CALLBRIDGE_PROFILES_FILE":         "profiles.yaml",
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(nil, minimal().lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.RealtimeVoice != "shimmer" || cfg.TranscriptionModel != "whisper-1" {
		t.Errorf("voice/transcription = %q/%q", cfg.RealtimeVoice, cfg.TranscriptionModel)
	}
	if cfg.KnowledgeCollection != "tenant-a" || cfg.KnowledgeTopK != 4 || cfg.RelevanceThreshold != 0.5 {
		t.Errorf("knowledge = %q/%d/%g", cfg.KnowledgeCollection, cfg.KnowledgeTopK, cfg.RelevanceThreshold)
	}
	if cfg.SendAttempts != 5 || cfg.SendInterval != time.Second {
		t.Errorf("send = %d/%s", cfg.SendAttempts, cfg.SendInterval)
	}
	if cfg.KnowledgeEnabled() {
		t.Error("knowledge enabled without a DSN")
	}
	if key, err := cfg.CallbackSecretBytes(); key != nil || err != nil {
		t.Errorf("CallbackSecretBytes = %v, %v", key, err)
	}
}

func TestEnvVarOverride(t *testing.T) {
	e := minimal()
	e["CALLBRIDGE_HTTP_PORT"] = "9090"
	e["CALLBRIDGE_DATA_DIR"] = "/tmp/callbridge-test"
	e["CALLBRIDGE_LOG_LEVEL"] = "DEBUG"
	e["CALLBRIDGE_SEND_INTERVAL"] = "250ms"
	e["CALLBRIDGE_RELEVANCE_THRESHOLD"] = "0.7"
	e["CALLBRIDGE_OTLP_INSECURE"] = "true"

	cfg, err := parse(nil, e.lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/callbridge-test" {
		t.Errorf("DataDir = %q, want /tmp/callbridge-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.SendInterval != 250*time.Millisecond {
		t.Errorf("SendInterval = %s", cfg.SendInterval)
	}
	if cfg.RelevanceThreshold != 0.7 {
		t.Errorf("RelevanceThreshold = %g", cfg.RelevanceThreshold)
	}
	if !cfg.OTLPInsecure {
		t.Error("OTLPInsecure not set from env")
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	e := minimal()
	e["CALLBRIDGE_HTTP_PORT"] = "9090"
	e["CALLBRIDGE_LOG_LEVEL"] = "debug"

	cfg, err := parse([]string{"--http-port", "3000", "--log-level", "warn"}, e.lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestInvalidEnvValue(t *testing.T) {
	e := minimal()
	e["CALLBRIDGE_HTTP_PORT"] = "eighty"
	_, err := parse(nil, e.lookup)
	if err == nil || !strings.Contains(err.Error(), "CALLBRIDGE_HTTP_PORT") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		unset   string
		wantErr string
	}{
		{"invalid port", []string{"--http-port", "99999"}, "", "http-port"},
		{"invalid log level", []string{"--log-level", "verbose"}, "", "log-level"},
		{"invalid log format", []string{"--log-format", "xml"}, "", "log-format"},
		{"base url scheme", []string{"--public-base-url", "ftp://bridge.example.com"}, "", "public-base-url"},
		{"base url relative", []string{"--public-base-url", "/callbacks"}, "", "public-base-url"},
		{"missing base url", nil, "CALLBRIDGE_PUBLIC_BASE_URL", "public-base-url"},
		{"missing connection string", nil, "CALLBRIDGE_ACS_CONNECTION_STRING", "acs-connection-string"},
		{"missing deployment", nil, "CALLBRIDGE_REALTIME_DEPLOYMENT", "realtime-deployment"},
		{"missing profiles", nil, "CALLBRIDGE_PROFILES_FILE", "profiles-file"},
		{"dsn without embedding key", []string{"--knowledge-dsn", "postgres://kb"}, "", "embedding-api-key"},
		{"threshold range", []string{"--relevance-threshold", "1.5"}, "", "relevance-threshold"},
		{"top k", []string{"--knowledge-top-k", "0"}, "", "knowledge-top-k"},
		{"secret not hex", []string{"--callback-secret", "zz"}, "", "callback secret"},
		{"secret too short", []string{"--callback-secret", "abcd"}, "", "at least 32 bytes"},
		{"send attempts", []string{"--send-attempts", "0"}, "", "send-attempts"},
		{"sample rate", []string{"--trace-sample-rate", "2"}, "", "trace-sample-rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := minimal()
			delete(e, tt.unset)
			_, err := parse(tt.args, e.lookup)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestCallbackSecretBytes(t *testing.T) {
	secret := strings.Repeat("ab", 32)
	cfg, err := parse([]string{"--callback-secret", secret}, minimal().lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key, err := cfg.CallbackSecretBytes()
	if err != nil || len(key) != 32 {
		t.Fatalf("CallbackSecretBytes = %d bytes, %v", len(key), err)
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("acs-connection-string"); got != "CALLBRIDGE_ACS_CONNECTION_STRING" {
		t.Errorf("EnvName = %q", got)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
