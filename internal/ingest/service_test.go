package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/filetrack/filetrack/constants"
	"github.com/filetrack/filetrack/internal/common"
	"github.com/filetrack/filetrack/internal/queue"
	"github.com/filetrack/filetrack/internal/repository"
	"github.com/filetrack/filetrack/internal/storage"
)

func newTestService(t *testing.T) (*Service, *queue.Queue, repository.FileRepository, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := repository.Open(context.Background(), repository.Config{
		DSN:         filepath.Join(t.TempDir(), "records.db"),
		DialTimeout: time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close(logger) })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), logger)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	root := t.TempDir()
	files := repository.NewFileRepository(db, logger)
	return NewService(files, q, storage.NewLocal(root), logger), q, files, root
}

func TestRegisterUpload(t *testing.T) {
	svc, q, files, _ := newTestService(t)
	ctx := context.Background()

	file, task, err := svc.RegisterUpload(ctx, UploadRequest{
		OwnerID:  3,
		Filename: "report.pdf",
		Locator:  "3/report.pdf",
	})
	if err != nil {
		t.Fatalf("register upload: %v", err)
	}
	if file.Status != constants.FileStatusUploaded {
		t.Fatalf("file status = %s, want uploaded", file.Status)
	}

	got, err := files.GetByID(ctx, file.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if got.OwnerID != 3 || got.Locator != "3/report.pdf" {
		t.Fatalf("stored file = %+v", got)
	}

	queued, err := q.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if queued.State != queue.StateWaiting {
		t.Fatalf("task state = %s, want waiting", queued.State)
	}
	if queued.Payload.FileID == nil || *queued.Payload.FileID != file.ID {
		t.Fatalf("task payload file id = %v, want %d", queued.Payload.FileID, file.ID)
	}
	if queued.Payload.JobType != constants.JobTypeMetadata {
		t.Fatalf("task job type = %s", queued.Payload.JobType)
	}
}

func TestRegisterUploadValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, _, err := svc.RegisterUpload(context.Background(), UploadRequest{OwnerID: 3}); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func TestDeleteFile(t *testing.T) {
	svc, _, files, root := newTestService(t)
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Join(root, "3"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	artifact := filepath.Join(root, "3", "a.txt")
	if err := os.WriteFile(artifact, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	file, _, err := svc.RegisterUpload(ctx, UploadRequest{OwnerID: 3, Filename: "a.txt", Locator: "3/a.txt"})
	if err != nil {
		t.Fatalf("register upload: %v", err)
	}

	if err := svc.DeleteFile(ctx, file.ID, 9); !errors.Is(err, common.ErrAccessDenied) {
		t.Fatalf("foreign delete error = %v, want ErrAccessDenied", err)
	}
	if _, err := files.GetByID(ctx, file.ID); err != nil {
		t.Fatalf("file removed by denied delete: %v", err)
	}

	if err := svc.DeleteFile(ctx, file.ID, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := files.GetByID(ctx, file.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("get after delete error = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(artifact); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact survived delete: %v", err)
	}

	if err := svc.DeleteFile(ctx, file.ID, 3); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("double delete error = %v, want ErrNotFound", err)
	}
}
