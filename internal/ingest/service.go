// Package ingest handles upload registration: creating the file record and
// scheduling its first processing task. Transport (HTTP, watcher, CLI) is a
// caller concern.
package ingest

import (
	"context"
	"log/slog"

	"github.com/filetrack/filetrack/constants"
	"github.com/filetrack/filetrack/internal/common"
	"github.com/filetrack/filetrack/internal/entity"
	"github.com/filetrack/filetrack/internal/queue"
	"github.com/filetrack/filetrack/internal/repository"
	"github.com/filetrack/filetrack/internal/storage"
)

type Service struct {
	files  repository.FileRepository
	queue  *queue.Queue
	store  storage.Storage
	logger *slog.Logger
}

func NewService(files repository.FileRepository, q *queue.Queue, store storage.Storage, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{files: files, queue: q, store: store, logger: logger}
}

// UploadRequest represents upload registration parameters.
type UploadRequest struct {
	OwnerID     int64
	Filename    string
	Locator     string
	Title       *string
	Description *string
}

// RegisterUpload creates the file record in the uploaded state and enqueues
// its processing task.
func (s *Service) RegisterUpload(ctx context.Context, req UploadRequest) (*entity.File, *queue.Task, error) {
	if req.Filename == "" || req.Locator == "" {
		return nil, nil, common.NewAppError("INGEST_ERROR", "filename and locator are required", common.ErrInvalidInput)
	}

	file, err := s.files.Create(ctx, req.OwnerID, req.Filename, req.Locator, req.Title, req.Description)
	if err != nil {
		return nil, nil, err
	}
	task, err := s.queue.Enqueue(ctx, queue.Payload{
		Filename: req.Filename,
		Locator:  req.Locator,
		OwnerID:  req.OwnerID,
		FileID:   &file.ID,
		JobType:  constants.JobTypeMetadata,
	})
	if err != nil {
		s.logger.Error("failed to enqueue upload", "file_id", file.ID, "error", err)
		return nil, nil, err
	}

	s.logger.Info("upload registered", "file_id", file.ID, "owner_id", req.OwnerID, "task_id", task.ID)
	return file, task, nil
}

// DeleteFile removes the file record (job rows cascade) and best-effort
// deletes the stored artifact. A failed artifact delete is logged, never
// fatal.
func (s *Service) DeleteFile(ctx context.Context, fileID, ownerID int64) error {
	file, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return err
	}
	if file.OwnerID != ownerID {
		s.logger.Warn("delete denied", "file_id", fileID, "owner_id", ownerID, "file_owner_id", file.OwnerID)
		return common.ErrAccessDenied
	}
	if err := s.files.Delete(ctx, fileID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, file.Locator); err != nil {
		s.logger.Warn("artifact cleanup failed", "file_id", fileID, "locator", file.Locator, "error", err)
	}
	s.logger.Info("file deleted", "file_id", fileID, "owner_id", ownerID)
	return nil
}
