// Package main is the entry point for the messaging API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/househunter/messaging/internal/audio"
	"github.com/househunter/messaging/internal/config"
	"github.com/househunter/messaging/internal/delivery"
	"github.com/househunter/messaging/internal/handler"
	"github.com/househunter/messaging/internal/middleware"
	natsclient "github.com/househunter/messaging/internal/nats"
	"github.com/househunter/messaging/internal/playback"
	"github.com/househunter/messaging/internal/session"
	"github.com/househunter/messaging/internal/store"
	"github.com/househunter/messaging/internal/transcribe"
	"github.com/househunter/messaging/internal/upload"
	"github.com/househunter/messaging/pkg/logger"
	"github.com/househunter/messaging/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting messaging server", zap.String("store", cfg.StoreBackend), zap.String("audio", cfg.AudioBackend))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "househunter-messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Message store
	var (
		st       store.Store
		notifier delivery.Notifier
		checks   []handler.HealthCheck
	)
	switch cfg.StoreBackend {
	case config.StoreNATS:
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     cfg.NATSClientName,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		kv, err := natsclient.NewKVStore(ctx, natsClient, log)
		if err != nil {
			log.Fatal("failed to open message store", zap.Error(err))
		}
		st = kv

		events := natsclient.NewEventPublisher(natsClient)
		if err := events.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure event stream", zap.Error(err))
		}
		notifier = events

		checks = append(checks,
			handler.HealthCheck{Name: "nats", Checker: natsClient},
			handler.HealthCheck{Name: "kv_buckets", Checker: kv},
			handler.HealthCheck{Name: "event_stream", Checker: events},
		)
	case config.StoreMemory:
		st = store.NewMemory()
	default:
		log.Fatal("unknown store backend", zap.String("backend", cfg.StoreBackend))
	}

	// Upload pipeline, with optional transcription
	var transcriber upload.Transcriber
	if cfg.TranscribeEnabled {
		whisper, err := transcribe.NewWhisper(transcribe.Config{APIKey: cfg.OpenAIAPIKey}, log)
		if err != nil {
			log.Warn("transcription disabled", zap.Error(err))
		} else {
			transcriber = whisper
		}
	}
	uploader := upload.NewPipeline(upload.Config{
		Endpoint:         cfg.ObjectStoreURL,
		Preset:           cfg.UploadPreset,
		MaxBytes:         cfg.MaxUploadBytes,
		ProgressInterval: cfg.UploadProgressInterval,
		Timeout:          cfg.UploadTimeout,
		DeleteLocal:      true,
	}, transcriber, log)

	// Capture backend
	var backend audio.Backend
	switch cfg.AudioBackend {
	case config.AudioExec:
		backend = &audio.ExecBackend{
			Binary:      cfg.FFmpegPath,
			InputFormat: cfg.FFmpegInputFormat,
			InputDevice: cfg.FFmpegInputDevice,
		}
	case config.AudioStream:
		backend = &audio.StreamBackend{MaxBytes: cfg.MaxUploadBytes}
	default:
		log.Fatal("unknown audio backend", zap.String("backend", cfg.AudioBackend))
	}

	cache := playback.NewCache(cfg.CacheDir, cfg.UploadTimeout, log)

	sessions := session.NewRegistry(session.Deps{
		Store:    st,
		Uploader: uploader,
		Notifier: notifier,
		Backend:  backend,
		Audio: audio.Config{
			Dir:      filepath.Join(cfg.RecordingDir, "househunter-recordings"),
			MinBytes: cfg.MinRecordingBytes,
		},
		Cache:        cache,
		PlaybackTick: cfg.PlaybackTick,
		Delivery: delivery.Config{
			WriteTimeout: cfg.StoreWriteTimeout,
			MaxAttempts:  cfg.UploadMaxAttempts,
		},
		ReceiptWindow: cfg.ReceiptWindow,
	}, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(checks...)
	conversationHandler := handler.NewConversationHandler(sessions, log)
	messageHandler := handler.NewMessageHandler(sessions, log)
	streamHandler := handler.NewStreamHandler(sessions, log)
	recordingHandler := handler.NewRecordingHandler(sessions, cfg.MaxUploadBytes, log)
	playbackHandler := handler.NewPlaybackHandler(sessions, cache, cfg.MediaAllowedHosts, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Start)
			r.Get("/", conversationHandler.List)
			r.Get("/stream", streamHandler.Conversations)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", conversationHandler.Delete)

				// Messages
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
				r.Post("/voice", messageHandler.SendVoice)
				r.Post("/read", messageHandler.MarkRead)
				r.Post("/messages/{msgID}/retry", messageHandler.Retry)
				r.Delete("/messages/{msgID}", messageHandler.Delete)

				// Streaming
				r.Get("/stream", streamHandler.Thread)
			})
		})

		// Voice capture
		r.Route("/recordings", func(r chi.Router) {
			r.Post("/prepare", recordingHandler.Prepare)
			r.Post("/", recordingHandler.Start)
			r.Put("/{id}", recordingHandler.Append)
			r.Post("/{id}/stop", recordingHandler.Stop)
			r.Delete("/{id}", recordingHandler.Cancel)
		})

		// Playback
		r.Post("/playback/{id}/{msgID}", playbackHandler.Toggle)
		r.Delete("/playback", playbackHandler.Stop)
		r.Get("/media", playbackHandler.Media)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Closing sessions ends open streams so Shutdown does not wait on them.
	sessions.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
