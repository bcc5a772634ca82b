package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/cliprelay/internal/clipqueue"
	"github.com/agentworkforce/cliprelay/internal/config"
	"github.com/agentworkforce/cliprelay/internal/httpapi"
)

func main() {
	logger := newLogger(os.Getenv("CLIPRELAY_LOGLEVEL"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration invalid")
	}
	logger = newLogger(cfg.LogLevel)

	store, err := buildJobStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage init failed")
	}

	connections := clipqueue.NewMemoryConnectionStore()
	if token := strings.TrimSpace(cfg.Notion.Token); token != "" {
		userID := strings.TrimSpace(cfg.Notion.UserID)
		if userID == "" {
			userID = "default"
		}
		connections.Put(userID, clipqueue.Connection{
			Credential:  token,
			WorkspaceID: cfg.Notion.WorkspaceID,
		})
		logger.Info().Str("user_id", userID).Msg("seeded upstream connection from configuration")
	}

	metrics := clipqueue.NewMetrics()
	sentinel := clipqueue.NewSentinel(clipqueue.SentinelOptions{Logger: logger})
	limiters := clipqueue.NewLimiterRegistry(clipqueue.LimiterOptions{Logger: logger})
	client := clipqueue.NewNotionClient(clipqueue.NotionClientOptions{
		BaseURL:  cfg.Notion.BaseURL,
		Limiters: limiters,
		Metrics:  metrics,
		Signals:  sentinel,
		Logger:   logger,
	})

	queue, err := clipqueue.NewQueue(clipqueue.QueueOptions{
		Store:          store,
		Connections:    connections,
		Client:         client,
		Metrics:        metrics,
		Logger:         logger,
		Concurrency:    cfg.Queue.Concurrency,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		PollInterval:   cfg.Queue.PollInterval,
		BaseRetryDelay: cfg.Queue.BaseRetryDelay,
		MaxRetryDelay:  cfg.Queue.MaxRetryDelay,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("queue init failed")
	}

	api := httpapi.NewServer(queue, metrics, sentinel, httpapi.ServerConfig{
		ObservabilityToken: cfg.Observability.Token,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		Logger:             logger,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("storage", cfg.Storage.Profile).Msg("cliprelay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	queue.Close()
}

func buildJobStore(cfg *config.Config) (clipqueue.JobStore, error) {
	switch cfg.Storage.Profile {
	case config.StorageProfileProduction:
		return clipqueue.NewPostgresJobStore(cfg.Storage.DSN)
	default:
		return clipqueue.NewMemoryJobStore(), nil
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}
