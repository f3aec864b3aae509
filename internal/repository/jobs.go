package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/filetrack/filetrack/constants"
	"github.com/filetrack/filetrack/internal/common"
	"github.com/filetrack/filetrack/internal/entity"
)

// JobRepository records processing attempts. One row is inserted per attempt;
// the paired file-status write happens in the same transaction so a crash
// never leaves the two tables disagreeing.
type JobRepository interface {
	// BeginAttempt marks the file processing and inserts a new attempt row.
	BeginAttempt(ctx context.Context, fileID int64, jobType string) (*entity.Job, error)
	// CompleteAttempt marks the file processed, stores the extracted blob,
	// and closes the attempt row as completed.
	CompleteAttempt(ctx context.Context, jobID, fileID int64, extracted []byte) error
	// FailAttempt marks the file failed and closes the attempt row with the
	// verbatim failure message.
	FailAttempt(ctx context.Context, jobID, fileID int64, message string) error
	// RecordFailure covers the path where processing failed before an
	// attempt row existed: it inserts an already-failed row.
	RecordFailure(ctx context.Context, fileID int64, jobType, message string) (*entity.Job, error)
	LatestByFileID(ctx context.Context, fileID int64) (*entity.Job, error)
	ListByFileID(ctx context.Context, fileID int64) ([]*entity.Job, error)
}

type jobRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewJobRepository(db *DB, logger *slog.Logger) JobRepository {
	return &jobRepo{db: db, logger: logger}
}

func (r *jobRepo) BeginAttempt(ctx context.Context, fileID int64, jobType string) (*entity.Job, error) {
	now := time.Now().UTC()
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.db.rebind(
		`UPDATE files SET status = ? WHERE id = ?`),
		string(constants.FileStatusProcessing), fileID)
	if err != nil {
		r.logger.Error("failed to mark file processing", "file_id", fileID, "error", err)
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, common.ErrNotFound
	}

	var jobID int64
	err = tx.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO jobs (file_id, job_type, status, started_at)
		 VALUES (?, ?, ?, ?) RETURNING id`),
		fileID, jobType, string(constants.JobStatusProcessing), now).Scan(&jobID)
	if err != nil {
		r.logger.Error("failed to insert job attempt", "file_id", fileID, "error", err)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	r.logger.Info("job attempt started", "job_id", jobID, "file_id", fileID, "job_type", jobType)
	return &entity.Job{
		ID:        jobID,
		FileID:    fileID,
		JobType:   jobType,
		Status:    constants.JobStatusProcessing,
		StartedAt: now,
	}, nil
}

func (r *jobRepo) CompleteAttempt(ctx context.Context, jobID, fileID int64, extracted []byte) error {
	now := time.Now().UTC()
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`UPDATE files SET status = ?, extracted_data = ? WHERE id = ?`),
		string(constants.FileStatusProcessed), extracted, fileID); err != nil {
		r.logger.Error("failed to mark file processed", "file_id", fileID, "error", err)
		return err
	}
	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`),
		string(constants.JobStatusCompleted), now, jobID); err != nil {
		r.logger.Error("failed to complete job attempt", "job_id", jobID, "error", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.logger.Info("job attempt completed", "job_id", jobID, "file_id", fileID)
	return nil
}

func (r *jobRepo) FailAttempt(ctx context.Context, jobID, fileID int64, message string) error {
	now := time.Now().UTC()
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`UPDATE files SET status = ? WHERE id = ?`),
		string(constants.FileStatusFailed), fileID); err != nil {
		r.logger.Error("failed to mark file failed", "file_id", fileID, "error", err)
		return err
	}
	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`),
		string(constants.JobStatusFailed), message, now, jobID); err != nil {
		r.logger.Error("failed to fail job attempt", "job_id", jobID, "error", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.logger.Warn("job attempt failed", "job_id", jobID, "file_id", fileID, "error", message)
	return nil
}

func (r *jobRepo) RecordFailure(ctx context.Context, fileID int64, jobType, message string) (*entity.Job, error) {
	now := time.Now().UTC()
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`UPDATE files SET status = ? WHERE id = ?`),
		string(constants.FileStatusFailed), fileID); err != nil {
		return nil, err
	}
	var jobID int64
	err = tx.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO jobs (file_id, job_type, status, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		fileID, jobType, string(constants.JobStatusFailed), message, now, now).Scan(&jobID)
	if err != nil {
		r.logger.Error("failed to record job failure", "file_id", fileID, "error", err)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	r.logger.Warn("job failure recorded", "job_id", jobID, "file_id", fileID, "error", message)
	return &entity.Job{
		ID:           jobID,
		FileID:       fileID,
		JobType:      jobType,
		Status:       constants.JobStatusFailed,
		ErrorMessage: &message,
		StartedAt:    now,
		CompletedAt:  &now,
	}, nil
}

const jobColumns = "id, file_id, job_type, status, error_message, started_at, completed_at"

func (r *jobRepo) LatestByFileID(ctx context.Context, fileID int64) (*entity.Job, error) {
	row := r.db.SQL.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+jobColumns+` FROM jobs WHERE file_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`), fileID)
	return scanJob(row)
}

func (r *jobRepo) ListByFileID(ctx context.Context, fileID int64) ([]*entity.Job, error) {
	rows, err := r.db.SQL.QueryContext(ctx, r.db.rebind(
		`SELECT `+jobColumns+` FROM jobs WHERE file_id = ?
		 ORDER BY started_at DESC, id DESC`), fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		j         entity.Job
		status    string
		msg       sql.NullString
		completed sql.NullTime
	)
	err := row.Scan(&j.ID, &j.FileID, &j.JobType, &status, &msg, &j.StartedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	j.Status = constants.JobStatus(status)
	if msg.Valid {
		j.ErrorMessage = &msg.String
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}
