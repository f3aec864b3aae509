package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/filetrack/filetrack/internal/common"
	"github.com/filetrack/filetrack/internal/ingest"
	"github.com/filetrack/filetrack/internal/processor"
	"github.com/filetrack/filetrack/internal/queue"
	"github.com/filetrack/filetrack/internal/repository"
	"github.com/filetrack/filetrack/internal/storage"
	"github.com/filetrack/filetrack/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	// .env is optional; real env always wins
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := common.LoadConfigFile(cfg, *configPath); err != nil {
		log.Fatalf("loading config file: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		log.Fatalf("opening record store: %v", err)
	}
	defer db.Close(logger)

	if err := db.HealthCheck(ctx, cfg.Database.DialTimeout, logger); err != nil {
		log.Fatalf("record store health: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrating record store: %v", err)
	}

	q, err := queue.Open(cfg.Queue.Path, logger,
		queue.WithDefaultMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithDefaultBackoff(cfg.Queue.BackoffBase),
		queue.WithPollInterval(cfg.Queue.PollEvery),
	)
	if err != nil {
		log.Fatalf("opening queue store: %v", err)
	}
	defer q.Close()

	var store storage.Storage
	switch cfg.Storage.Backend {
	case "s3":
		store, err = storage.NewS3(storage.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			log.Fatalf("initialising s3 storage: %v", err)
		}
	default:
		store = storage.NewLocal(cfg.Storage.LocalDir)
	}

	metadata, err := processor.NewMetadata(store)
	if err != nil {
		log.Fatalf("initialising metadata processor: %v", err)
	}
	units := processor.NewRegistry(metadata)

	files := repository.NewFileRepository(db, logger)
	jobs := repository.NewJobRepository(db, logger)

	pool := worker.NewPool(q, files, jobs, units, logger,
		worker.WithWorkers(cfg.Worker.Concurrency),
		worker.WithProcessTimeout(cfg.Worker.ProcessTimeout),
	)
	pool.Start(ctx)
	logger.Info("workers running", "concurrency", cfg.Worker.Concurrency)

	if cfg.Ingest.WatchDir != "" {
		ing := ingest.NewService(files, q, store, logger)
		go func() {
			if err := ing.Watch(ctx, ingest.WatchConfig{
				Root:        cfg.Ingest.WatchDir,
				OwnerID:     cfg.Ingest.WatchOwnerID,
				InitialScan: true,
			}); err != nil && ctx.Err() == nil {
				logger.Error("watcher stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool.Shutdown(drainCtx)
}
