package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workflowlens/runner/internal/api"
	"github.com/workflowlens/runner/internal/backlog"
	"github.com/workflowlens/runner/internal/config"
	"github.com/workflowlens/runner/internal/db"
	"github.com/workflowlens/runner/internal/handles"
	"github.com/workflowlens/runner/internal/inference"
	"github.com/workflowlens/runner/internal/logging"
	"github.com/workflowlens/runner/internal/notify"
	"github.com/workflowlens/runner/internal/pipelines"
	"github.com/workflowlens/runner/internal/storage"
	"github.com/workflowlens/runner/internal/worker"
)

var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateRunner(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting analysis runner",
		"version", Version,
		"worker_id", cfg.WorkerID(),
		"backlog", cfg.BacklogDriver(),
		"data_dir", cfg.DataDir(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if n, err := store.FailInterrupted(ctx, cfg.WorkerID()); err != nil {
		logger.Warn("failed to fail interrupted jobs", "error", err)
	} else if n > 0 {
		logger.Warn("failed jobs interrupted by restart", "count", n)
	}

	pipeCfg := pipelines.DefaultConfig(logger)
	pipeCfg.AnalyzerPath = cfg.AnalyzerPath()
	pipeCfg.FFmpegPath = cfg.FFmpegPath()
	pipeCfg.FFprobePath = cfg.FFprobePath()
	pipeCfg.Timeout = cfg.AnalysisTimeout()
	pipeCfg.Stdout = os.Stdout

	pipeRunner, err := pipelines.NewRunner(pipeCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize analysis runner: %w", err)
	}
	doctor := pipelines.NewCachedDoctor(pipeRunner, logger)
	if caps, err := doctor.Refresh(ctx); err != nil {
		logger.Warn("initial doctor probe failed", "error", err)
	} else if !caps.Ready() {
		logger.Warn("media tools missing, analyses will fail",
			"ffmpeg", caps.FFmpeg.Available,
			"ffprobe", caps.FFprobe.Available,
		)
	}

	tracking := worker.HandleTracking{
		Deleter: inference.NewGeminiClient(inference.GeminiConfig{
			BaseURL: cfg.GeminiBaseURL(),
			APIKey:  cfg.GoogleAPIKey(),
			Timeout: time.Minute,
		}, logger),
	}
	if cfg.HandleLedger() == config.LedgerRedis {
		rdb, err := handles.OpenRedis(ctx, cfg.RedisURL())
		if err != nil {
			return err
		}
		defer rdb.Close()
		tracking.Redis = rdb
	}

	notifier, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	wcfg := worker.DefaultConfig(cfg.WorkerID())
	wcfg.PollInterval = cfg.PollInterval()
	wcfg.WorkDir = cfg.WorkDir()
	wcfg.ResultsBucket = cfg.ResultsBucket()
	wcfg.SegmentConcurrency = cfg.AnalysisConcurrency()

	objects := storage.NewSupabaseClient(cfg.SupabaseURL(), cfg.SupabaseKey(), logger)
	w := worker.New(store, objects, pipeRunner, notifier, tracking, wcfg, logger)

	apiServer := api.NewServer(api.ServerConfig{
		Port:      cfg.Port(),
		Store:     store,
		Worker:    w,
		Doctor:    doctor,
		APIToken:  cfg.APIToken(),
		Logger:    logger,
		StartTime: startTime,
		Version:   Version,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	runErr := w.Run(ctx)

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

func openStore(ctx context.Context, cfg *config.EnvConfig, logger *slog.Logger) (backlog.Store, func(), error) {
	if cfg.BacklogDriver() == config.BacklogPostgres {
		pg, err := backlog.ConnectPostgres(ctx, cfg.DatabaseURL())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store := backlog.NewPostgresStore(pg)
		if err := store.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return store, func() { pg.Close() }, nil
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return backlog.NewSQLiteStore(database.Conn()), func() { database.Close() }, nil
}

func buildNotifier(cfg *config.EnvConfig, logger *slog.Logger) (notify.Notifier, func(), error) {
	notifiers := notify.Multi{
		notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:      cfg.WebhookURL(),
			AlertURL: cfg.AlertWebhookURL(),
			Secret:   cfg.WebhookSecret(),
		}, logger),
	}
	var closers []io.Closer

	if len(cfg.KafkaBrokers()) > 0 {
		pub, err := notify.NewKafkaPublisher(cfg.KafkaBrokers(), cfg.KafkaTopic(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		notifiers = append(notifiers, pub)
		closers = append(closers, pub)
		logger.Info("job status stream enabled", "topic", cfg.KafkaTopic())
	}

	return notifiers, func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("failed to close notifier", "error", err)
			}
		}
	}, nil
}
