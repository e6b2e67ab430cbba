package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/tutor/internal/api"
	"github.com/MikeSquared-Agency/tutor/internal/config"
	"github.com/MikeSquared-Agency/tutor/internal/hermes"
	"github.com/MikeSquared-Agency/tutor/internal/hub"
	"github.com/MikeSquared-Agency/tutor/internal/pipeline"
	"github.com/MikeSquared-Agency/tutor/internal/store"
	"github.com/MikeSquared-Agency/tutor/internal/tokens"
	"github.com/MikeSquared-Agency/tutor/internal/trainer"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("tutor starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database connected")

	// Dataset hub and trainer clients
	hubClient := hub.NewClient(cfg.HubURL)
	slog.Info("hub client ready", "url", cfg.HubURL)

	trainerClient := trainer.NewClient(cfg.TrainerURL)
	slog.Info("trainer client ready", "url", cfg.TrainerURL)

	// Token counter
	counter, err := tokens.NewCounter(cfg.TokenEncoding)
	if err != nil {
		slog.Error("failed to load token encoding", "encoding", cfg.TokenEncoding, "error", err)
		os.Exit(1)
	}
	slog.Info("token counter ready", "encoding", counter.Encoding())

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Runner — the main pipeline
	runner := pipeline.New(pipeline.Config{
		BaseModel:             cfg.BaseModel,
		PrimaryDataset:        cfg.PrimaryDataset,
		ConversationalDataset: cfg.ConversationalDataset,
		Split:                 cfg.Split,
		OutputDir:             cfg.OutputDir,
		MaxSeqLength:          cfg.MaxSeqLength,
		PollInterval:          time.Duration(cfg.PollSeconds) * time.Second,
		SlackToken:            cfg.SlackBotToken,
		SlackChannel:          cfg.SlackChannel,
	}, hubClient, trainerClient, db, hermesClient, counter, slog.Default())

	if cfg.SlackBotToken == "" || cfg.SlackChannel == "" {
		slog.Warn("slack not configured — running without run summaries")
	}

	// Subscribe to run requests
	if err := hermesClient.Subscribe(hermes.SubjectRunRequested, runner.HandleRunRequested); err != nil {
		slog.Error("failed to subscribe to run requests", "error", err)
		os.Exit(1)
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, db, runner)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Announce registration
	if err := hermesClient.Publish("swarm.agent.tutor.registered", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"port":      cfg.Port,
		"mode":      "standby",
	}); err != nil {
		slog.Warn("failed to publish registration", "error", err)
	}

	// Kick off a run immediately when configured to.
	if cfg.Autorun {
		runID, err := runner.Trigger(ctx, pipeline.RunRequest{})
		if err != nil {
			slog.Error("autorun failed to start", "error", err)
		} else {
			slog.Info("autorun triggered", "run_id", runID)
		}
	}

	slog.Info("tutor ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("tutor stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
