package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/filetrack/filetrack/constants"
	"github.com/filetrack/filetrack/internal/common"
	"github.com/filetrack/filetrack/internal/entity"
)

// FileRepository is the record store for uploaded files. Status transitions
// are single atomic UPDATEs by id; only the worker and the retry path write
// the status column.
type FileRepository interface {
	Create(ctx context.Context, ownerID int64, filename, locator string, title, description *string) (*entity.File, error)
	GetByID(ctx context.Context, id int64) (*entity.File, error)
	GetByOwnerAndLocator(ctx context.Context, ownerID int64, locator string) (*entity.File, error)
	ResetToUploaded(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

type fileRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewFileRepository(db *DB, logger *slog.Logger) FileRepository {
	return &fileRepo{
		db:     db,
		logger: logger,
	}
}

const fileColumns = "id, owner_id, filename, locator, title, description, status, extracted_data, created_at"

func (r *fileRepo) Create(ctx context.Context, ownerID int64, filename, locator string, title, description *string) (*entity.File, error) {
	now := time.Now().UTC()
	row := r.db.SQL.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO files (owner_id, filename, locator, title, description, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		ownerID, filename, locator, title, description, string(constants.FileStatusUploaded), now)

	var id int64
	if err := row.Scan(&id); err != nil {
		r.logger.Error("failed to create file", "owner_id", ownerID, "filename", filename, "error", err)
		return nil, err
	}
	return &entity.File{
		ID:          id,
		OwnerID:     ownerID,
		Filename:    filename,
		Locator:     locator,
		Title:       title,
		Description: description,
		Status:      constants.FileStatusUploaded,
		CreatedAt:   now,
	}, nil
}

func (r *fileRepo) GetByID(ctx context.Context, id int64) (*entity.File, error) {
	row := r.db.SQL.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+fileColumns+` FROM files WHERE id = ?`), id)
	return scanFile(row)
}

func (r *fileRepo) GetByOwnerAndLocator(ctx context.Context, ownerID int64, locator string) (*entity.File, error) {
	row := r.db.SQL.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+fileColumns+` FROM files WHERE owner_id = ? AND locator = ?
		 ORDER BY id DESC LIMIT 1`), ownerID, locator)
	f, err := scanFile(row)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		r.logger.Error("failed to get file by owner and locator", "owner_id", ownerID, "locator", locator, "error", err)
	}
	return f, err
}

// ResetToUploaded clears the failed status ahead of a file-level retry.
func (r *fileRepo) ResetToUploaded(ctx context.Context, id int64) error {
	res, err := r.db.SQL.ExecContext(ctx, r.db.rebind(
		`UPDATE files SET status = ? WHERE id = ?`),
		string(constants.FileStatusUploaded), id)
	if err != nil {
		r.logger.Error("failed to reset file status", "file_id", id, "error", err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *fileRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.SQL.ExecContext(ctx, r.db.rebind(`DELETE FROM files WHERE id = ?`), id)
	if err != nil {
		r.logger.Error("failed to delete file", "file_id", id, "error", err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*entity.File, error) {
	var (
		f         entity.File
		title     sql.NullString
		desc      sql.NullString
		status    string
		extracted []byte
	)
	err := row.Scan(&f.ID, &f.OwnerID, &f.Filename, &f.Locator, &title, &desc, &status, &extracted, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	if title.Valid {
		f.Title = &title.String
	}
	if desc.Valid {
		f.Description = &desc.String
	}
	f.Status = constants.FileStatus(status)
	if len(extracted) > 0 {
		f.ExtractedData = json.RawMessage(extracted)
	}
	return &f, nil
}
