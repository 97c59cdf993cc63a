package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skypro1111/whisper-stream-service/internal/audio"
	"github.com/skypro1111/whisper-stream-service/internal/config"
	"github.com/skypro1111/whisper-stream-service/internal/metrics"
	"github.com/skypro1111/whisper-stream-service/internal/server"
	"github.com/skypro1111/whisper-stream-service/internal/session"
	"github.com/skypro1111/whisper-stream-service/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "whisper-stream-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load .env if present; the platform environment still wins.
	godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_clients", cfg.Server.MaxClients),
		slog.Int("max_connection_time", cfg.Server.MaxConnectionTime),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("chunk_min_duration", cfg.Audio.ChunkMinDuration),
		slog.Float64("chunk_max_duration", cfg.Audio.ChunkMaxDuration),
		slog.Float64("vad_threshold", float64(cfg.VAD.Threshold)),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("whisper_model", cfg.Transcription.Model),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize Whisper backend client
	backend, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Temperature:   cfg.Transcription.Temperature,
		Timeout:       cfg.Transcription.GetTimeout(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Transcription client initialized",
		slog.String("endpoint", cfg.Transcription.Endpoint),
		slog.String("model", cfg.Transcription.Model),
	)

	// Initialize session manager
	sessionMgr := session.NewManager(logger, appMetrics, backend, session.Config{
		MaxClients:        cfg.Server.MaxClients,
		MaxConnectionTime: cfg.Server.GetMaxConnectionTime(),
		SampleRate:        cfg.Audio.SampleRate,
		MaxFrameBytes:     cfg.Audio.MaxFrameBytes,
		Chunking: audio.ChunkingConfig{
			MinDuration:        cfg.Audio.GetChunkMinDuration(),
			MaxDuration:        cfg.Audio.GetChunkMaxDuration(),
			MinSpeechDuration:  cfg.VAD.GetMinSpeechDuration(),
			MinSilenceDuration: cfg.VAD.GetMinSilenceDuration(),
			SampleRate:         cfg.Audio.SampleRate,
		},
		VADThreshold:  cfg.VAD.Threshold,
		VADWindowSize: cfg.VAD.WindowSize,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Temperature:   cfg.Transcription.Temperature,
	})
	logger.Info("Session manager initialized",
		slog.Int("max_clients", cfg.Server.MaxClients),
		slog.Duration("max_connection_time", cfg.Server.GetMaxConnectionTime()),
	)

	// Initialize WebSocket server
	wsServer := server.NewWSServer(cfg, logger, sessionMgr, appMetrics)

	// Initialize metrics server (if enabled)
	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(cfg.Metrics, logger, sessionMgr, appMetrics)
		logger.Info("Metrics server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.Metrics.Address, cfg.Metrics.Port)),
		)
	}

	// Start WebSocket server
	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start metrics server (if enabled)
	if metricsServer != nil {
		if err := metricsServer.Start(); err != nil {
			logger.Error("Failed to start metrics server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop accepting new connections first
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping metrics server", slog.String("error", err.Error()))
		}
	}

	// Close live sessions (flushes pending audio) and wait for the pumps
	sessionMgr.Stop()
	wsServer.Wait()

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
