package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/filetrack/filetrack/constants"
	"github.com/filetrack/filetrack/internal/common"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := Open(context.Background(), Config{
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
	return db
}

func testRepos(t *testing.T) (FileRepository, JobRepository) {
	t.Helper()
	db := openTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFileRepository(db, logger), NewJobRepository(db, logger)
}

func TestFileCreateAndGet(t *testing.T) {
	files, _ := testRepos(t)
	ctx := context.Background()

	title := "quarterly report"
	created, err := files.Create(ctx, 3, "report.pdf", "3/report.pdf", &title, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("create returned zero id")
	}
	if created.Status != constants.FileStatusUploaded {
		t.Fatalf("status = %s, want uploaded", created.Status)
	}

	got, err := files.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.OwnerID != 3 || got.Filename != "report.pdf" || got.Locator != "3/report.pdf" {
		t.Fatalf("got %+v", got)
	}
	if got.Title == nil || *got.Title != title {
		t.Fatalf("title = %v", got.Title)
	}

	byLoc, err := files.GetByOwnerAndLocator(ctx, 3, "3/report.pdf")
	if err != nil {
		t.Fatalf("get by owner and locator: %v", err)
	}
	if byLoc.ID != created.ID {
		t.Fatalf("id = %d, want %d", byLoc.ID, created.ID)
	}

	if _, err := files.GetByOwnerAndLocator(ctx, 9, "3/report.pdf"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("wrong owner lookup error = %v, want ErrNotFound", err)
	}
	if _, err := files.GetByID(ctx, 12345); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("missing id lookup error = %v, want ErrNotFound", err)
	}
}

func TestAttemptLifecycleSuccess(t *testing.T) {
	files, jobs := testRepos(t)
	ctx := context.Background()

	file, err := files.Create(ctx, 3, "a.txt", "3/a.txt", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	job, err := jobs.BeginAttempt(ctx, file.ID, "metadata")
	if err != nil {
		t.Fatalf("begin attempt: %v", err)
	}
	mid, err := files.GetByID(ctx, file.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mid.Status != constants.FileStatusProcessing {
		t.Fatalf("file status = %s, want processing", mid.Status)
	}
	if job.Status != constants.JobStatusProcessing {
		t.Fatalf("job status = %s, want processing", job.Status)
	}

	blob := []byte(`{"sha256":"abc"}`)
	if err := jobs.CompleteAttempt(ctx, job.ID, file.ID, blob); err != nil {
		t.Fatalf("complete attempt: %v", err)
	}

	done, err := files.GetByID(ctx, file.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != constants.FileStatusProcessed {
		t.Fatalf("file status = %s, want processed", done.Status)
	}
	if string(done.ExtractedData) != string(blob) {
		t.Fatalf("extracted data = %s", done.ExtractedData)
	}

	latest, err := jobs.LatestByFileID(ctx, file.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != job.ID || latest.Status != constants.JobStatusCompleted {
		t.Fatalf("latest = %+v", latest)
	}
	if latest.CompletedAt == nil {
		t.Fatal("completed at not set")
	}
}

func TestAttemptLifecycleFailure(t *testing.T) {
	files, jobs := testRepos(t)
	ctx := context.Background()

	file, err := files.Create(ctx, 3, "a.txt", "3/a.txt", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := jobs.BeginAttempt(ctx, file.ID, "metadata")
	if err != nil {
		t.Fatalf("begin attempt: %v", err)
	}
	if err := jobs.FailAttempt(ctx, job.ID, file.ID, "bad format"); err != nil {
		t.Fatalf("fail attempt: %v", err)
	}

	got, err := files.GetByID(ctx, file.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != constants.FileStatusFailed {
		t.Fatalf("file status = %s, want failed", got.Status)
	}
	latest, err := jobs.LatestByFileID(ctx, file.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Status != constants.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", latest.Status)
	}
	if latest.ErrorMessage == nil || *latest.ErrorMessage != "bad format" {
		t.Fatalf("error message = %v", latest.ErrorMessage)
	}
}

func TestLatestByFileIDPicksNewestAttempt(t *testing.T) {
	files, jobs := testRepos(t)
	ctx := context.Background()

	file, err := files.Create(ctx, 3, "a.txt", "3/a.txt", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := jobs.BeginAttempt(ctx, file.ID, "metadata")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := jobs.FailAttempt(ctx, first.ID, file.ID, "first"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	second, err := jobs.BeginAttempt(ctx, file.ID, "metadata")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := jobs.CompleteAttempt(ctx, second.ID, file.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	latest, err := jobs.LatestByFileID(ctx, file.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest id = %d, want %d", latest.ID, second.ID)
	}

	history, err := jobs.ListByFileID(ctx, file.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
}

func TestRecordFailureWithoutAttemptRow(t *testing.T) {
	files, jobs := testRepos(t)
	ctx := context.Background()

	file, err := files.Create(ctx, 3, "a.txt", "3/a.txt", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := jobs.RecordFailure(ctx, file.ID, "metadata", "no unit registered")
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if job.Status != constants.JobStatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	got, err := files.GetByID(ctx, file.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != constants.FileStatusFailed {
		t.Fatalf("file status = %s, want failed", got.Status)
	}
}

func TestBeginAttemptMissingFile(t *testing.T) {
	_, jobs := testRepos(t)
	if _, err := jobs.BeginAttempt(context.Background(), 999, "metadata"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestDeleteCascadesJobs(t *testing.T) {
	files, jobs := testRepos(t)
	ctx := context.Background()

	file, err := files.Create(ctx, 3, "a.txt", "3/a.txt", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := jobs.RecordFailure(ctx, file.ID, "metadata", "boom"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := files.Delete(ctx, file.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := files.GetByID(ctx, file.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("get after delete error = %v, want ErrNotFound", err)
	}
	history, err := jobs.ListByFileID(ctx, file.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("job rows survived cascade delete: %d", len(history))
	}
}

func TestResetToUploaded(t *testing.T) {
	files, jobs := testRepos(t)
	ctx := context.Background()

	file, err := files.Create(ctx, 3, "a.txt", "3/a.txt", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := jobs.RecordFailure(ctx, file.ID, "metadata", "boom"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := files.ResetToUploaded(ctx, file.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err := files.GetByID(ctx, file.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != constants.FileStatusUploaded {
		t.Fatalf("status = %s, want uploaded", got.Status)
	}

	if err := files.ResetToUploaded(ctx, 999); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("reset missing file error = %v, want ErrNotFound", err)
	}
}
