package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/filetrack/filetrack/internal/common"
	"github.com/filetrack/filetrack/internal/export"
	"github.com/filetrack/filetrack/internal/queue"
	"github.com/filetrack/filetrack/internal/repository"
	"github.com/filetrack/filetrack/internal/service"
)

func main() {
	owner := flag.Int64("owner", 0, "restrict the report to one owner id (0 = all owners)")
	out := flag.String("o", "failed-tasks.xlsx", "output path")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := common.LoadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := repository.Open(ctx, repository.Config{
		DSN:         cfg.Database.DSN,
		DialTimeout: cfg.Database.DialTimeout,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
	}, logger)
	if err != nil {
		log.Fatalf("opening record store: %v", err)
	}
	defer db.Close(logger)

	q, err := queue.Open(cfg.Queue.Path, logger)
	if err != nil {
		log.Fatalf("opening queue store: %v", err)
	}
	defer q.Close()

	files := repository.NewFileRepository(db, logger)
	jobs := repository.NewJobRepository(db, logger)
	svc := service.NewQueueService(q, files, jobs, logger)

	var ownerID *int64
	if *owner != 0 {
		ownerID = owner
	}

	report, err := export.NewService(svc, logger).FailedTasksXLSX(ctx, ownerID)
	if err != nil {
		log.Fatalf("building report: %v", err)
	}
	if err := os.WriteFile(*out, report, 0o644); err != nil {
		log.Fatalf("writing report: %v", err)
	}
	log.Printf("wrote %s (%d bytes)", *out, len(report))
}
