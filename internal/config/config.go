package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the callbridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	// PublicBaseURL is where the provider reaches this service, e.g.
	// "https://bridge.example.com". Callback and media URLs derive from it.
	PublicBaseURL string

	ACSConnectionString string
	ACSAPIVersion       string

	RealtimeEndpoint   string
	RealtimeAPIKey     string
	RealtimeDeployment string
	RealtimeAPIVersion string
	RealtimeVoice      string
	TranscriptionModel string

	ProfilesFile string

	KnowledgeDSN        string // empty disables retrieval
	KnowledgeCollection string
	KnowledgeTopK       int
	RelevanceThreshold  float64
	EmbeddingAPIKey     string
	EmbeddingBaseURL    string
	EmbeddingModel      string

	CallbackSecret string // hex-encoded, at least 32 bytes; empty leaves URLs unsigned
	CallbackTTL    time.Duration

	SendAttempts int
	SendInterval time.Duration

	OTLPEndpoint    string // empty disables trace export
	OTLPInsecure    bool
	TraceSampleRate float64
}

// defaults
const (
	defaultDataDir             = "./data"
	defaultHTTPPort            = 8080
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultRealtimeVoice       = "shimmer"
	defaultTranscriptionModel  = "whisper-1"
	defaultKnowledgeCollection = "tenant-a"
	defaultKnowledgeTopK       = 4
	defaultRelevanceThreshold  = 0.5
	defaultEmbeddingModel      = "text-embedding-ada-002"
	defaultCallbackTTL         = 24 * time.Hour
	defaultSendAttempts        = 5
	defaultSendInterval        = time.Second
)

// envPrefix is the prefix for all callbridge environment variables.
const envPrefix = "CALLBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return parse(os.Args[1:], os.LookupEnv)
}

func parse(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", "", "public http(s) base URL the provider uses for callbacks and media")

	fs.StringVar(&cfg.ACSConnectionString, "acs-connection-string", "", "call automation connection string (endpoint=...;accesskey=...)")
	fs.StringVar(&cfg.ACSAPIVersion, "acs-api-version", "", "call automation REST API version (empty uses the client default)")

	fs.StringVar(&cfg.RealtimeEndpoint, "realtime-endpoint", "", "realtime AI endpoint, e.g. https://example.openai.azure.com")
	fs.StringVar(&cfg.RealtimeAPIKey, "realtime-api-key", "", "realtime AI API key")
	fs.StringVar(&cfg.RealtimeDeployment, "realtime-deployment", "", "realtime AI model deployment name")
	fs.StringVar(&cfg.RealtimeAPIVersion, "realtime-api-version", "", "realtime AI API version (empty uses the client default)")
	fs.StringVar(&cfg.RealtimeVoice, "realtime-voice", defaultRealtimeVoice, "voice the AI speaks with")
	fs.StringVar(&cfg.TranscriptionModel, "transcription-model", defaultTranscriptionModel, "model transcribing caller audio")

	fs.StringVar(&cfg.ProfilesFile, "profiles-file", "", "YAML file mapping answered numbers to caller profiles")

	fs.StringVar(&cfg.KnowledgeDSN, "knowledge-dsn", "", "PostgreSQL DSN of the knowledge store (empty disables retrieval)")
	fs.StringVar(&cfg.KnowledgeCollection, "knowledge-collection", defaultKnowledgeCollection, "collection queried by tools without their own")
	fs.IntVar(&cfg.KnowledgeTopK, "knowledge-top-k", defaultKnowledgeTopK, "passages fetched per query")
	fs.Float64Var(&cfg.RelevanceThreshold, "relevance-threshold", defaultRelevanceThreshold, "minimum passage score returned to the AI")
	fs.StringVar(&cfg.EmbeddingAPIKey, "embedding-api-key", "", "API key for query embeddings")
	fs.StringVar(&cfg.EmbeddingBaseURL, "embedding-base-url", "", "base URL of the embeddings API (empty uses OpenAI)")
	fs.StringVar(&cfg.EmbeddingModel, "embedding-model", defaultEmbeddingModel, "embedding model the knowledge base was built with")

	fs.StringVar(&cfg.CallbackSecret, "callback-secret", "", "hex-encoded secret (>= 32 bytes) signing callback and media URLs")
	fs.DurationVar(&cfg.CallbackTTL, "callback-ttl", defaultCallbackTTL, "validity of signed callback and media URLs")

	fs.IntVar(&cfg.SendAttempts, "send-attempts", defaultSendAttempts, "delivery attempts per outbound media frame")
	fs.DurationVar(&cfg.SendInterval, "send-interval", defaultSendInterval, "wait between delivery attempts")

	fs.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector for traces, e.g. localhost:4317 (empty disables tracing)")
	fs.BoolVar(&cfg.OTLPInsecure, "otlp-insecure", false, "connect to the OTLP collector without TLS")
	fs.Float64Var(&cfg.TraceSampleRate, "trace-sample-rate", 1, "fraction of traces recorded")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// CLI flags take precedence over env vars.
	if err := applyEnvOverrides(fs, lookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// EnvName returns the environment variable for a flag, e.g. "http-port" ->
// "CALLBRIDGE_HTTP_PORT".
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, when present and non-empty.
func applyEnvOverrides(fs *flag.FlagSet, lookupEnv func(string) (string, bool)) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		env := EnvName(f.Name)
		val, ok := lookupEnv(env)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", env, err))
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	u, err := url.Parse(c.PublicBaseURL)
	if c.PublicBaseURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("public-base-url must be an absolute http or https URL, got %q", c.PublicBaseURL)
	}

	required := []struct{ name, value string }{
		{"acs-connection-string", c.ACSConnectionString},
		{"realtime-endpoint", c.RealtimeEndpoint},
		{"realtime-api-key", c.RealtimeAPIKey},
		{"realtime-deployment", c.RealtimeDeployment},
		{"profiles-file", c.ProfilesFile},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if c.KnowledgeDSN != "" && c.EmbeddingAPIKey == "" {
		return fmt.Errorf("embedding-api-key is required when knowledge-dsn is set")
	}
	if c.KnowledgeTopK < 1 {
		return fmt.Errorf("knowledge-top-k must be positive, got %d", c.KnowledgeTopK)
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("relevance-threshold must be between 0 and 1, got %g", c.RelevanceThreshold)
	}
	if strings.TrimSpace(c.KnowledgeCollection) == "" {
		return fmt.Errorf("knowledge-collection must not be empty")
	}

	if _, err := c.CallbackSecretBytes(); err != nil {
		return err
	}
	if c.CallbackTTL <= 0 {
		return fmt.Errorf("callback-ttl must be positive, got %s", c.CallbackTTL)
	}

	if c.SendAttempts < 1 {
		return fmt.Errorf("send-attempts must be at least 1, got %d", c.SendAttempts)
	}
	if c.SendInterval < 0 {
		return fmt.Errorf("send-interval must not be negative, got %s", c.SendInterval)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("trace-sample-rate must be between 0 and 1, got %g", c.TraceSampleRate)
	}

	return nil
}

// KnowledgeEnabled reports whether a knowledge store is configured.
func (c *Config) KnowledgeEnabled() bool {
	return c.KnowledgeDSN != ""
}

// CallbackSecretBytes returns the decoded URL signing secret, or nil if none
// is configured.
func (c *Config) CallbackSecretBytes() ([]byte, error) {
	if c.CallbackSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.CallbackSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding callback secret: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("callback secret must decode to at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
