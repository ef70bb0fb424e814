package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/callbridge/internal/acs"
	"github.com/flowpbx/callbridge/internal/api"
	"github.com/flowpbx/callbridge/internal/api/middleware"
	"github.com/flowpbx/callbridge/internal/calls"
	"github.com/flowpbx/callbridge/internal/config"
	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/knowledge"
	"github.com/flowpbx/callbridge/internal/metrics"
	"github.com/flowpbx/callbridge/internal/observability"
	"github.com/flowpbx/callbridge/internal/profiles"
	"github.com/flowpbx/callbridge/internal/realtime"
	"github.com/flowpbx/callbridge/internal/tools"
	"github.com/flowpbx/callbridge/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("callbridge failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	slog.Info("starting callbridge",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"public_base_url", cfg.PublicBaseURL,
	)

	shutdownTracing, err := observability.SetupTracing(context.Background(), observability.TraceConfig{
		ServiceName: "callbridge",
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Error("flushing traces", "error", err)
		}
	}()

	// Open call history database and run migrations.
	db, err := database.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	history := database.NewCallRecordRepository(db)

	table, err := profiles.Load(cfg.ProfilesFile)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	slog.Info("caller profiles loaded", "count", table.Len())

	retriever, closeRetriever, err := openRetriever(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRetriever()

	gateway := tools.NewGateway(retriever, tools.Config{
		Threshold:         cfg.RelevanceThreshold,
		DefaultCollection: cfg.KnowledgeCollection,
	}, logger)

	rtClient, err := realtime.NewClient(realtime.ClientConfig{
		Endpoint:   cfg.RealtimeEndpoint,
		APIKey:     cfg.RealtimeAPIKey,
		Deployment: cfg.RealtimeDeployment,
		APIVersion: cfg.RealtimeAPIVersion,
	})
	if err != nil {
		return fmt.Errorf("configuring realtime client: %w", err)
	}
	rtOpts := realtime.Options{Voice: cfg.RealtimeVoice, TranscriptionModel: cfg.TranscriptionModel}

	acsClient, err := acs.NewClientFromConnectionString(cfg.ACSConnectionString, cfg.ACSAPIVersion)
	if err != nil {
		return fmt.Errorf("configuring call automation client: %w", err)
	}

	// URL signing is optional; without a secret callbacks are trusted.
	var signer *middleware.CallbackSigner
	var urlSigner calls.Signer
	if secret, err := cfg.CallbackSecretBytes(); err != nil {
		return err
	} else if secret != nil {
		signer, err = middleware.NewCallbackSigner(secret, cfg.CallbackTTL)
		if err != nil {
			return err
		}
		urlSigner = signer
		slog.Info("callback url signing enabled", "ttl", cfg.CallbackTTL)
	} else {
		slog.Warn("no callback-secret configured, callback and media urls are unsigned")
	}

	manager, err := calls.NewManager(calls.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		Signer:        urlSigner,
		Sender: transport.Config{
			MaxAttempts: cfg.SendAttempts,
			Interval:    cfg.SendInterval,
			QueueSize:   transport.DefaultConfig().QueueSize,
		},
	}, calls.Deps{
		CallControl: acsClient,
		Profiles:    table,
		Conversations: func(l *slog.Logger, p profiles.Profile) calls.Conversation {
			return realtime.NewSession(rtClient, gateway.Scope(tools.FromProfile(p)), rtOpts, l)
		},
		History: history,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating call manager: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(callStatsAdapter{manager}, gateway, history, startTime, logger),
	)

	handler := api.NewServer(api.Options{
		Calls:     manager,
		History:   history,
		Signer:    signer,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		StartTime: startTime,
		Logger:    logger,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Answering a call waits on the provider; media sockets clear
		// deadlines after the upgrade.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	// Sessions go first so hijacked media sockets close and in-flight
	// callbacks return before the listener drains.
	if err := manager.Shutdown(ctx); err != nil {
		slog.Error("call manager shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	slog.Info("callbridge stopped")
	return serveErr
}

// openRetriever opens the knowledge store, or returns a disabled retriever
// when none is configured.
func openRetriever(cfg *config.Config, logger *slog.Logger) (knowledge.Retriever, func(), error) {
	if !cfg.KnowledgeEnabled() {
		slog.Warn("no knowledge-dsn configured, tool lookups will return the apology text")
		return knowledge.Disabled{}, func() {}, nil
	}

	embedder, err := knowledge.NewOpenAIEmbedder(knowledge.OpenAIConfig{
		APIKey:  cfg.EmbeddingAPIKey,
		BaseURL: cfg.EmbeddingBaseURL,
		Model:   cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("configuring embedder: %w", err)
	}
	store, err := knowledge.OpenPG(knowledge.PGConfig{
		DSN:      cfg.KnowledgeDSN,
		Embedder: embedder,
		TopK:     cfg.KnowledgeTopK,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening knowledge store: %w", err)
	}
	return store, func() { store.Close() }, nil
}

// callStatsAdapter adapts calls.Manager to metrics.CallStatsProvider.
type callStatsAdapter struct {
	manager *calls.Manager
}

func (a callStatsAdapter) CallStats() metrics.CallStats {
	st := a.manager.Stats()
	byState := make(map[string]int, len(calls.AllStates()))
	for _, s := range calls.AllStates() {
		byState[s.String()] = st.ByState[s]
	}
	return metrics.CallStats{
		Active:         st.Active,
		ByState:        byState,
		AIActive:       st.AIActive,
		CallsTotal:     st.CallsTotal,
		AnswerFailures: st.AnswerFailures,
		Delivered:      st.Delivered,
		Dropped:        st.Dropped,
	}
}
