package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/voice-translator/internal/config"
	"github.com/lexiqai/voice-translator/internal/observability"
	"github.com/lexiqai/voice-translator/internal/pipeline"
	"github.com/lexiqai/voice-translator/internal/session"
	"github.com/lexiqai/voice-translator/internal/settings"
	"github.com/lexiqai/voice-translator/internal/stt"
	"github.com/lexiqai/voice-translator/internal/translate"
	"github.com/lexiqai/voice-translator/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_provider", cfg.STTProvider).
		Str("source_language", cfg.SourceLanguage).
		Str("target_language", cfg.TargetLanguage).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Translator Service starting")

	vadDefaults, err := cfg.VADSettings()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid VAD defaults")
	}

	store, err := settings.NewStore(cfg.SettingsDir, vadDefaults,
		observability.WithContext(map[string]interface{}{"component": "settings"}))
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.SettingsDir).Msg("Failed to open settings store")
	}

	// Providers
	whisper := stt.NewWhisperClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAITranscribeModel)
	var transcriber stt.Transcriber = whisper
	if cfg.STTProvider == config.STTProviderDeepgram {
		transcriber = stt.NewDeepgramClient(stt.DeepgramConfig{
			APIKey: cfg.DeepgramAPIKey,
			Model:  cfg.DeepgramModel,
		}, logger)
	}

	deps := pipeline.Deps{
		Transcriber: transcriber,
		Translator:  translate.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAITranslationModel),
		Synthesizer: tts.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAITTSModel, cfg.OpenAITTSVoice, 0),
		Breakers: pipeline.NewBreakers(
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
			logger,
		),
	}

	sessionCfg := session.DefaultConfig()
	sessionCfg.TickInterval = cfg.TickInterval()
	sessionCfg.AnalyserWindow = cfg.VADAnalyserWindow
	sessionCfg.Recorder = cfg.RecorderConfig(cfg.DefaultSampleRate)
	sessionCfg.Pipeline = cfg.PipelineConfig()
	sessionCfg.Settings = vadDefaults

	handler := session.NewHandler(sessionCfg, deps, store,
		observability.WithContext(map[string]interface{}{"component": "session"}))

	// Create HTTP server
	mux := http.NewServeMux()

	// Register translation WebSocket handler
	mux.Handle(session.Path, handler)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint. The Deepgram client is created per segment, so only
	// the OpenAI key is probed.
	checks := map[string]observability.HealthCheckFunc{
		"openai": func(ctx context.Context) (bool, error) {
			if err := whisper.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"settings": func(ctx context.Context) (bool, error) {
			if _, err := store.Profiles(); err != nil {
				return false, err
			}
			return true, nil
		},
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// gRPC health server mirrors /ready
	var grpcServer *grpc.Server
	if cfg.GRPCHealthPort != "" {
		watcher := observability.NewReadinessWatcher(checks, 10*time.Second,
			observability.WithContext(map[string]interface{}{"component": "grpc_health"}))
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, watcher.Server())

		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health")
		}
		go watcher.Run(ctx)
		go func() {
			logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health server listening")
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("gRPC health server stopped")
			}
		}()
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, session.Path)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", handler.ActiveSessions()).Msg("Shutting down server...")

	// Stop reporting ready before connections go away
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Hijacked WebSocket connections are not tracked by http.Server
	handler.Shutdown()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	logger.Info().Msg("Server exited gracefully")
}
