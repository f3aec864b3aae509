// Package service layers ownership scoping and retry operations on top of
// the raw queue and the record stores. The queue has no owner concept of its
// own beyond the indexed payload column; every check here happens before any
// mutation.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filetrack/filetrack/constants"
	"github.com/filetrack/filetrack/internal/common"
	"github.com/filetrack/filetrack/internal/queue"
	"github.com/filetrack/filetrack/internal/repository"
)

type QueueService struct {
	queue  *queue.Queue
	files  repository.FileRepository
	jobs   repository.JobRepository
	logger *slog.Logger

	// serializes file-level operations per file id so a double retry cannot
	// enqueue two tasks for one file
	lmu   sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewQueueService(q *queue.Queue, files repository.FileRepository, jobs repository.JobRepository, logger *slog.Logger) *QueueService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueService{
		queue:  q,
		files:  files,
		jobs:   jobs,
		logger: logger,
		locks:  make(map[int64]*sync.Mutex),
	}
}

// Status is a point-in-time view of the queue buckets.
type Status struct {
	WaitingCount   int     `json:"waiting_count"`
	ActiveCount    int     `json:"active_count"`
	CompletedCount int     `json:"completed_count"`
	FailedCount    int     `json:"failed_count"`
	Details        Details `json:"details"`
}

type Details struct {
	Waiting   []*queue.Task `json:"waiting"`
	Active    []*queue.Task `json:"active"`
	Completed []*queue.Task `json:"completed"`
	Failed    []*queue.Task `json:"failed"`
}

// FailedTask is the owner-facing view of one entry in the failed set.
type FailedTask struct {
	ID            string        `json:"id"`
	Payload       queue.Payload `json:"payload"`
	FailureReason string        `json:"failure_reason"`
	AttemptsMade  int           `json:"attempts_made"`
	ProcessedAt   *time.Time    `json:"processed_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// RetryFileResult reports a file-level retry: a fresh task was created for
// the file, the old task (if any) is untouched.
type RetryFileResult struct {
	TaskID string `json:"task_id"`
	FileID int64  `json:"file_id"`
}

// QueueStatus aggregates counts and details over the queue. A nil ownerID
// returns the unscoped view; otherwise every bucket is filtered by owner.
func (s *QueueService) QueueStatus(ctx context.Context, ownerID *int64) (*Status, error) {
	var (
		counts queue.Counts
		err    error
	)
	if ownerID == nil {
		counts, err = s.queue.Counts(ctx)
	} else {
		counts, err = s.queue.CountsForOwner(ctx, *ownerID)
	}
	if err != nil {
		s.logger.Error("failed to aggregate queue counts", "error", err)
		return nil, err
	}

	st := &Status{
		WaitingCount:   counts.Waiting,
		ActiveCount:    counts.Active,
		CompletedCount: counts.Completed,
		FailedCount:    counts.Failed,
	}
	buckets := []struct {
		state queue.State
		dst   *[]*queue.Task
	}{
		{queue.StateWaiting, &st.Details.Waiting},
		{queue.StateActive, &st.Details.Active},
		{queue.StateCompleted, &st.Details.Completed},
		{queue.StateFailed, &st.Details.Failed},
	}
	for _, b := range buckets {
		var tasks []*queue.Task
		if ownerID == nil {
			tasks, err = s.queue.List(ctx, b.state)
		} else {
			tasks, err = s.queue.ListForOwner(ctx, b.state, *ownerID)
		}
		if err != nil {
			return nil, err
		}
		*b.dst = tasks
	}
	return st, nil
}

// FailedJobsForOwner lists the owner's tasks in the failed set.
func (s *QueueService) FailedJobsForOwner(ctx context.Context, ownerID int64) ([]FailedTask, error) {
	tasks, err := s.queue.ListForOwner(ctx, queue.StateFailed, ownerID)
	if err != nil {
		s.logger.Error("failed to list failed tasks", "owner_id", ownerID, "error", err)
		return nil, err
	}
	out := make([]FailedTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, FailedTask{
			ID:            t.ID,
			Payload:       t.Payload,
			FailureReason: t.FailureReason,
			AttemptsMade:  t.Attempts,
			ProcessedAt:   t.ProcessedAt,
			FinishedAt:    t.FinishedAt,
		})
	}
	return out, nil
}

// RetryTask replays an existing failed task in place. The owner check runs
// before any mutation; a mismatch leaves the task untouched.
func (s *QueueService) RetryTask(ctx context.Context, taskID string, ownerID int64) (string, error) {
	t, err := s.queue.GetByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.Payload.OwnerID != ownerID {
		s.logger.Warn("retry denied", "task_id", taskID, "owner_id", ownerID, "task_owner_id", t.Payload.OwnerID)
		return "", common.ErrAccessDenied
	}
	if err := s.queue.Retry(ctx, taskID); err != nil {
		return "", err
	}
	return taskID, nil
}

// RetryAllForOwner retries every failed task belonging to the owner, in
// parallel and best-effort: one task's failure does not abort the batch.
func (s *QueueService) RetryAllForOwner(ctx context.Context, ownerID int64) (int, error) {
	tasks, err := s.queue.ListForOwner(ctx, queue.StateFailed, ownerID)
	if err != nil {
		return 0, err
	}

	var (
		wg      sync.WaitGroup
		retried atomic.Int64
	)
	for _, t := range tasks {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.queue.Retry(ctx, id); err != nil {
				s.logger.Warn("batch retry skipped task", "task_id", id, "owner_id", ownerID, "error", err)
				return
			}
			retried.Add(1)
		}(t.ID)
	}
	wg.Wait()
	return int(retried.Load()), nil
}

// RetryFileJob resets a failed file to uploaded and enqueues a fresh task
// for it. This is independent of task-level retry: it always creates a new
// task rather than replaying an old one.
func (s *QueueService) RetryFileJob(ctx context.Context, fileID, ownerID int64) (*RetryFileResult, error) {
	unlock := s.lockFile(fileID)
	defer unlock()

	file, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		s.logger.Warn("file retry denied", "file_id", fileID, "owner_id", ownerID, "file_owner_id", file.OwnerID)
		return nil, common.ErrAccessDenied
	}

	latest, err := s.jobs.LatestByFileID(ctx, fileID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrNoFailedJob
		}
		return nil, err
	}
	if latest.Status != constants.JobStatusFailed {
		return nil, common.ErrNoFailedJob
	}

	if err := s.files.ResetToUploaded(ctx, fileID); err != nil {
		return nil, err
	}
	task, err := s.queue.Enqueue(ctx, queue.Payload{
		Filename: file.Filename,
		Locator:  file.Locator,
		OwnerID:  ownerID,
		FileID:   &fileID,
		JobType:  latest.JobType,
	})
	if err != nil {
		s.logger.Error("failed to enqueue file retry", "file_id", fileID, "error", err)
		return nil, err
	}
	s.logger.Info("file retry enqueued", "file_id", fileID, "task_id", task.ID)
	return &RetryFileResult{TaskID: task.ID, FileID: fileID}, nil
}

func (s *QueueService) lockFile(fileID int64) func() {
	s.lmu.Lock()
	l, ok := s.locks[fileID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[fileID] = l
	}
	s.lmu.Unlock()
	l.Lock()
	return l.Unlock
}
